// Package config loads node configuration from YAML.
package config

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"Stratum/internal/bft"
	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/group"
	"Stratum/internal/hlc"
	"Stratum/internal/lease"
	"Stratum/internal/logger"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses strings such as "30s" or "250ms".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}

	*d = Duration(v)

	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Peer is a remote node.
type Peer struct {
	Address string `yaml:"address"`        // Address is the QUIC dial address
	Ed25519 string `yaml:"ed25519"`        // Ed25519 is the hex public key
	BLS     string `yaml:"bls"`            // BLS is the hex BLS public key
	Name    string `yaml:"name,omitempty"` // Name is informational
}

// Identity returns the peer identity derived from its key.
func (p Peer) Identity() (crypto.Identity, error) {
	keys, err := p.Keys()
	if err != nil {
		return "", err
	}

	return crypto.DefaultIdentity(keys.Ed25519), nil
}

// Keys decodes the peer's public keys.
func (p Peer) Keys() (crypto.PublicKeys, error) {
	ed, err := hex.DecodeString(p.Ed25519)
	if err != nil {
		return crypto.PublicKeys{}, errors.Wrap(err, "ed25519 key")
	}

	if len(ed) != 32 {
		return crypto.PublicKeys{}, errors.Newf("ed25519 key has %d bytes", len(ed))
	}

	bls, err := hex.DecodeString(p.BLS)
	if err != nil {
		return crypto.PublicKeys{}, errors.Wrap(err, "bls key")
	}

	return crypto.PublicKeys{Ed25519: ed, BLS: bls}, nil
}

// Group is a consensus group definition.
type Group struct {
	ID      string   `yaml:"id"`
	Scope   string   `yaml:"scope"`
	Members []string `yaml:"members"`
}

// Build returns the group.
func (g Group) Build() *group.Group {
	members := make([]crypto.Identity, len(g.Members))
	for i, m := range g.Members {
		members[i] = crypto.Identity(m)
	}

	return group.New(g.ID, domain.Domain(g.Scope), members...)
}

// Config is the full node configuration.
type Config struct {
	KeyPath  string  `yaml:"key_path"`
	DataDir  string  `yaml:"data_dir"`
	Listen   string  `yaml:"listen"`
	HTTP     string  `yaml:"http"`
	LogLevel string  `yaml:"log_level"`
	Group    string  `yaml:"group"`            // Group is the local consensus group id
	Root     string  `yaml:"root,omitempty"`   // Root is the delegation root identity
	Policy   string  `yaml:"policy,omitempty"` // Policy is a wasm migration policy path
	Peers    []Peer  `yaml:"peers"`
	Groups   []Group `yaml:"groups"`

	LeaseDuration          Duration `yaml:"lease_duration"`
	RenewalWindow          Duration `yaml:"renewal_window"`
	ClockDriftBound        Duration `yaml:"clock_drift_bound"`
	BFTF                   int      `yaml:"bft_f"`
	RoundTimeoutFloor      Duration `yaml:"round_timeout_floor"`
	MaxRTT                 Duration `yaml:"max_rtt"`
	FencePropagationMargin Duration `yaml:"fence_propagation_margin"`
	FenceAckTimeout        Duration `yaml:"fence_ack_timeout"`
	BFTRetryLimit          int      `yaml:"bft_retry_limit"`
	TombstoneGrace         Duration `yaml:"tombstone_grace"`
	ReconcileInterval      Duration `yaml:"reconcile_interval"`
}

// Default returns a configuration with standard timing.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		Listen:   ":7400",
		HTTP:     ":8080",
		LogLevel: "info",
		BFTF:     1,

		LeaseDuration:          Duration(lease.DefaultDuration),
		RenewalWindow:          Duration(lease.DefaultRenewalWindow),
		ClockDriftBound:        Duration(hlc.DefaultDriftBound),
		RoundTimeoutFloor:      Duration(bft.DefaultRoundTimeoutFloor),
		MaxRTT:                 Duration(bft.DefaultMaxRTT),
		FencePropagationMargin: Duration(lease.DefaultFencePropagationMargin),
		FenceAckTimeout:        Duration(lease.DefaultFenceAckTimeout),
		BFTRetryLimit:          bft.DefaultRetryLimit,
		TombstoneGrace:         Duration(lease.DefaultTombstoneGrace),
		ReconcileInterval:      Duration(10 * time.Second),
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Write stores cfg as YAML at path.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}

	return errors.Wrapf(os.WriteFile(path, data, 0o600), "write %s", path)
}

// Validate checks bounds and cross references.
func (c *Config) Validate() error {
	var errs error

	fail := func(format string, args ...any) {
		errs = errors.CombineErrors(errs, errors.Newf(format, args...))
	}

	if d := c.LeaseDuration.Std(); d < lease.MinDuration || d > lease.MaxDuration {
		fail("lease_duration %s outside [%s, %s]", d, lease.MinDuration, lease.MaxDuration)
	}

	if c.RenewalWindow <= 0 || c.RenewalWindow >= c.LeaseDuration {
		fail("renewal_window %s must be positive and below lease_duration", c.RenewalWindow.Std())
	}

	for name, d := range map[string]Duration{
		"clock_drift_bound":        c.ClockDriftBound,
		"round_timeout_floor":      c.RoundTimeoutFloor,
		"max_rtt":                  c.MaxRTT,
		"fence_propagation_margin": c.FencePropagationMargin,
		"fence_ack_timeout":        c.FenceAckTimeout,
		"tombstone_grace":          c.TombstoneGrace,
		"reconcile_interval":       c.ReconcileInterval,
	} {
		if d <= 0 {
			fail("%s must be positive", name)
		}
	}

	if c.BFTF < 0 {
		fail("bft_f must not be negative")
	}

	if c.BFTRetryLimit < 0 {
		fail("bft_retry_limit must not be negative")
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		fail("log_level: %v", err)
	}

	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if seen[g.ID] {
			fail("group %s defined twice", g.ID)
		}

		seen[g.ID] = true

		if err := g.Build().Validate(); err != nil {
			fail("group %s: %v", g.ID, err)
		}

		if need := 3*c.BFTF + 1; len(g.Members) < need {
			fail("group %s has %d members, bft_f=%d needs %d", g.ID, len(g.Members), c.BFTF, need)
		}
	}

	if c.Group != "" && !seen[c.Group] {
		fail("local group %s is not defined", c.Group)
	}

	for i, p := range c.Peers {
		if p.Address == "" {
			fail("peer %d has no address", i)
		}

		if _, err := p.Keys(); err != nil {
			fail("peer %d: %v", i, err)
		}
	}

	return errs
}

// LeaseConfig returns the lease timing.
func (c *Config) LeaseConfig() lease.Config {
	cfg := lease.DefaultConfig()
	cfg.DefaultDuration = c.LeaseDuration.Std()
	cfg.FencePropagationMargin = c.FencePropagationMargin.Std()
	cfg.FenceAckTimeout = c.FenceAckTimeout.Std()
	cfg.TombstoneGrace = c.TombstoneGrace.Std()
	cfg.ReservationWindow = max(lease.DefaultReservationWindow, 2*c.BFTConfig().RoundTimeout())

	return cfg
}

// BFTConfig returns the consensus timing.
func (c *Config) BFTConfig() bft.Config {
	cfg := bft.DefaultConfig()
	cfg.MaxRTT = c.MaxRTT.Std()
	cfg.RoundTimeoutFloor = c.RoundTimeoutFloor.Std()
	cfg.RetryLimit = c.BFTRetryLimit

	return cfg
}
