// Package client talks to a Stratum node over its HTTP API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Stratum/internal/crypto"
	"Stratum/internal/hlc"
	"Stratum/internal/lease"
)

// Client connects to a Stratum node via HTTP.
type Client struct {
	base string       // base is the node URL, e.g. "http://127.0.0.1:8080"
	http *http.Client // http performs the requests
}

// Lease is a lease record as the node reports it.
type Lease struct {
	Domain string `json:"domain"`
	Holder string `json:"holder"`
	Start  string `json:"start"`  // Start is "physical:logical"
	Expiry string `json:"expiry"` // Expiry is "physical:logical"
	Issuer string `json:"issuer"`
	Group  string `json:"group,omitempty"`
	Fenced bool   `json:"fenced"`
}

// Ref returns the reference used to renew, release or write under l.
func (l Lease) Ref() Ref {
	return Ref{Holder: l.Holder, Start: l.Start}
}

// Ref names a lease by holder and start timestamp. Without a caller the
// node renews and releases as itself.
type Ref struct {
	Holder    string `json:"holder"`
	Start     string `json:"start"`
	Caller    string `json:"caller,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// SignedBy returns r acting for signer's identity on op, "renew" or "release".
func (r Ref) SignedBy(signer *crypto.Signer, op string) (Ref, error) {
	start, err := hlc.Parse(r.Start)
	if err != nil {
		return Ref{}, fmt.Errorf("lease start %q:\n%w", r.Start, err)
	}

	id := lease.LeaseID{Holder: crypto.Identity(r.Holder), Start: start}

	r.Caller = string(signer.Identity())
	r.Signature = signer.Sign(lease.CallerPayload(op, id))

	return r, nil
}

// Proof is a granted lease with its optional consensus round.
type Proof struct {
	Lease     Lease      `json:"lease"`
	Consensus *Consensus `json:"consensus,omitempty"`
}

// Consensus identifies the round that agreed on a grant.
type Consensus struct {
	Group string `json:"group"`
	Round uint64 `json:"round"`
}

// Fence is an issued fence certificate.
type Fence struct {
	Domain string `json:"domain"`
	Fenced string `json:"fenced"` // Fenced is "holder@start"
	Issuer string `json:"issuer"`
	Reason string `json:"reason"`
}

// Status is a node summary.
type Status struct {
	Node           string   `json:"node"`
	Group          string   `json:"group"`
	Clock          string   `json:"clock"`
	Peers          []string `json:"peers"`
	Leases         int      `json:"leases"`
	ReplicaVersion uint64   `json:"replicaVersion"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the node at addr. A bare "host:port" is
// treated as http.
func New(addr string, opts ...Option) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	c := &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Health reports whether the node answers.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.get(ctx, "/health", &out)
}

// Status fetches the node summary.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Leases lists every live lease the node knows.
func (c *Client) Leases(ctx context.Context) ([]Lease, error) {
	var out []Lease
	if err := c.get(ctx, "/leases", &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Covering returns the lease covering domain.
func (c *Client) Covering(ctx context.Context, domain string) (*Lease, error) {
	var out Lease
	if err := c.get(ctx, "/leases"+escapeDomain(domain), &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Request asks for a lease on domain. An empty holder means the node
// itself; a zero duration means the configured default.
func (c *Client) Request(ctx context.Context, domain, holder string, duration time.Duration) (*Proof, error) {
	body := map[string]string{"domain": domain}
	if holder != "" {
		body["holder"] = holder
	}

	if duration > 0 {
		body["duration"] = duration.String()
	}

	var out Proof
	if err := c.post(ctx, "/leases", body, &out); err != nil {
		return nil, fmt.Errorf("request lease on %s:\n%w", domain, err)
	}

	return &out, nil
}

// Renew extends the lease ref.
func (c *Client) Renew(ctx context.Context, ref Ref) (*Proof, error) {
	var out Proof
	if err := c.post(ctx, "/leases/renew", ref, &out); err != nil {
		return nil, fmt.Errorf("renew lease:\n%w", err)
	}

	return &out, nil
}

// Release gives up the lease ref.
func (c *Client) Release(ctx context.Context, ref Ref) error {
	if err := c.post(ctx, "/leases/release", ref, nil); err != nil {
		return fmt.Errorf("release lease:\n%w", err)
	}

	return nil
}

// Migrate moves the lease on domain to target.
func (c *Client) Migrate(ctx context.Context, domain, target string) (*Proof, error) {
	var out Proof
	if err := c.post(ctx, "/leases/migrate", map[string]string{"domain": domain, "to": target}, &out); err != nil {
		return nil, fmt.Errorf("migrate %s:\n%w", domain, err)
	}

	return &out, nil
}

// Fence revokes the lease on domain.
func (c *Client) Fence(ctx context.Context, domain, reason string) (*Fence, error) {
	var out Fence
	if err := c.post(ctx, "/fence", map[string]string{"domain": domain, "reason": reason}, &out); err != nil {
		return nil, fmt.Errorf("fence %s:\n%w", domain, err)
	}

	return &out, nil
}

// Write appends op to domain under the lease ref and returns its sequence.
func (c *Client) Write(ctx context.Context, domain string, ref Ref, op []byte) (uint64, error) {
	body := struct {
		Domain string `json:"domain"`
		Lease  Ref    `json:"lease"`
		Op     []byte `json:"op"`
	}{domain, ref, op}

	var out struct {
		Seq uint64 `json:"seq"`
	}

	if err := c.post(ctx, "/write", body, &out); err != nil {
		return 0, fmt.Errorf("write %s:\n%w", domain, err)
	}

	return out.Seq, nil
}

// Read returns every operation stored under domain.
func (c *Client) Read(ctx context.Context, domain string) ([][]byte, error) {
	var out struct {
		Ops [][]byte `json:"ops"`
	}

	if err := c.get(ctx, "/read"+escapeDomain(domain), &out); err != nil {
		return nil, err
	}

	return out.Ops, nil
}

// escapeDomain escapes each path segment and keeps the leading slash.
func escapeDomain(d string) string {
	parts := strings.Split(strings.TrimPrefix(d, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}

	return "/" + strings.Join(parts, "/")
}
