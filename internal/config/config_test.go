package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Stratum/internal/crypto"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

// TestDefaultValid tests that defaults pass validation.
func TestDefaultValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

// TestLoadOverridesDefaults tests that file values replace defaults and
// missing keys keep them.
func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
listen: ":9100"
lease_duration: 45s
max_rtt: 100ms
bft_f: 1
group: g1
groups:
  - id: g1
    scope: /data
    members: [a, b, c, d]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":9100" {
		t.Errorf("Listen = %q", cfg.Listen)
	}

	if cfg.LeaseDuration.Std() != 45*time.Second {
		t.Errorf("LeaseDuration = %s", cfg.LeaseDuration.Std())
	}

	if cfg.RenewalWindow.Std() != 5*time.Second {
		t.Errorf("RenewalWindow = %s, want default 5s", cfg.RenewalWindow.Std())
	}

	if got := cfg.BFTConfig().RoundTimeout(); got != time.Second {
		t.Errorf("RoundTimeout = %s, want floor 1s", got)
	}

	if got := cfg.LeaseConfig().DefaultDuration; got != 45*time.Second {
		t.Errorf("lease default duration = %s", got)
	}

	g := cfg.Groups[0].Build()
	if g.QuorumSize() != 3 || string(g.Scope) != "/data" {
		t.Errorf("group = %+v", g)
	}
}

// TestValidateRejects tests bound and reference checks.
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short lease", func(c *Config) { c.LeaseDuration = Duration(5 * time.Second) }, "lease_duration"},
		{"long lease", func(c *Config) { c.LeaseDuration = Duration(10 * time.Minute) }, "lease_duration"},
		{"window past lease", func(c *Config) { c.RenewalWindow = Duration(time.Minute) }, "renewal_window"},
		{"zero rtt", func(c *Config) { c.MaxRTT = 0 }, "max_rtt"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"unknown local group", func(c *Config) { c.Group = "g9" }, "g9"},
		{"small group", func(c *Config) {
			c.Groups = []Group{{ID: "g1", Scope: "/data", Members: []string{"a", "b", "c"}}}
		}, "needs 4"},
		{"bad peer key", func(c *Config) { c.Peers = []Peer{{Address: "x:1", Ed25519: "zz"}} }, "peer 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}

			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// TestLoadBadDuration tests that malformed durations fail to parse.
func TestLoadBadDuration(t *testing.T) {
	path := writeFile(t, "lease_duration: soon\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

// TestPeerIdentity tests that peer identities derive from their keys.
func TestPeerIdentity(t *testing.T) {
	s, err := crypto.GenerateSigner("")
	if err != nil {
		t.Fatal(err)
	}

	keys := s.PublicKeys()
	p := Peer{
		Address: "127.0.0.1:7400",
		Ed25519: hex.EncodeToString(keys.Ed25519),
		BLS:     hex.EncodeToString(keys.BLS),
	}

	id, err := p.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}

	if id != s.Identity() {
		t.Errorf("Identity = %s, want %s", id, s.Identity())
	}
}

// TestWriteRoundTrip tests that a written config loads back.
func TestWriteRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.FenceAckTimeout = Duration(4 * time.Second)

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.FenceAckTimeout != cfg.FenceAckTimeout {
		t.Errorf("FenceAckTimeout = %s", got.FenceAckTimeout.Std())
	}
}
