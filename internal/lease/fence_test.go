package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/hlc"
)

// loopback delivers every flooded frame synchronously to the peers' managers.
type loopback struct {
	mu    sync.Mutex
	peers []*Manager
	sent  []codec.Type
}

func (l *loopback) Flood(frame []byte) error {
	t, err := codec.Peek(frame)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.sent = append(l.sent, t)
	peers := append([]*Manager(nil), l.peers...)
	l.mu.Unlock()

	for _, m := range peers {
		if err := deliver(m, t, frame); err != nil {
			return err
		}
	}

	return nil
}

func deliver(m *Manager, t codec.Type, frame []byte) error {
	switch t {
	case codec.TypeLeaseGrant:
		var p Proof
		if err := codec.Decode(frame, t, &p); err != nil {
			return err
		}

		return m.ApplyGrant(&p)
	case codec.TypeFence:
		var c FenceCertificate
		if err := codec.Decode(frame, t, &c); err != nil {
			return err
		}

		return m.ApplyFence(&c)
	case codec.TypeFenceAck:
		var a FenceAck
		if err := codec.Decode(frame, t, &a); err != nil {
			return err
		}

		return m.HandleFenceAck(&a)
	}

	return nil
}

// TestFenceThenMigrate tests that after a fence and a migration the old
// holder's writes are rejected and the new lease respects the margin.
func TestFenceThenMigrate(t *testing.T) {
	c := newCluster(t)
	m, _ := c.manager(t, "a", "g1", 1_000_000)
	ctx := context.Background()

	old, err := m.RequestLease(ctx, "/data/x", "b", 30*time.Second)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	cert, err := m.Fence("/data/x", "migration")
	if err != nil {
		t.Fatalf("fence: %v", err)
	}

	if err := m.CheckWrite("/data/x", old.Record.ID()); !errors.Is(err, ErrLeaseFenced) {
		t.Errorf("write after fence = %v, want ErrLeaseFenced", err)
	}

	again, err := m.Fence("/data/x", "again")
	if err != nil || again.FenceTime != cert.FenceTime {
		t.Errorf("second fence = %v, %v; want the original certificate", again, err)
	}

	p, err := m.Migrate(ctx, "/data/x", "c")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec := p.Record

	if rec.Predecessor == nil || *rec.Predecessor != old.Record.ID() {
		t.Errorf("predecessor = %v, want %s", rec.Predecessor, old.Record.ID())
	}

	if rec.Start.Less(cert.FenceTime.Add(DefaultFencePropagationMargin)) {
		t.Errorf("start %s before fence %s plus margin", rec.Start, cert.FenceTime)
	}

	// b never acknowledged, so the new lease waits out the old one.
	if rec.Start.Less(old.Record.Expiry) {
		t.Errorf("start %s before unacknowledged old expiry %s", rec.Start, old.Record.Expiry)
	}

	if err := m.CheckWrite("/data/x", old.Record.ID()); !errors.Is(err, ErrLeaseFenced) {
		t.Errorf("old holder write after migrate = %v, want ErrLeaseFenced", err)
	}

	if err := m.CheckWrite("/data/x", rec.ID()); !errors.Is(err, ErrLeaseNotYetValid) {
		t.Errorf("new holder write before start = %v, want ErrLeaseNotYetValid", err)
	}
}

// TestMigrateAcknowledged tests that an acknowledged fence lets the new lease
// start at fence time plus margin, with both managers converging.
func TestMigrateAcknowledged(t *testing.T) {
	c := newCluster(t)

	toB := &loopback{}
	toA := &loopback{}

	ma, srcA := c.manager(t, "a", "g1", 1_000_000, WithBroadcaster(toB))
	mb, _ := c.manager(t, "b", "g1", 1_000_000, WithBroadcaster(toA))

	toB.peers = []*Manager{mb}
	toA.peers = []*Manager{ma}

	ctx := context.Background()

	old, err := ma.RequestLease(ctx, "/data/x", "b", 30*time.Second)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	if r, ok := mb.Lookup("/data/x"); !ok || r.ID() != old.Record.ID() {
		t.Fatalf("grant not applied on b: %v", r)
	}

	p, err := ma.Migrate(ctx, "/data/x", "c")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cert, ok := ma.FenceOf(old.Record.ID())
	if !ok {
		t.Fatal("no fence recorded")
	}

	want := cert.FenceTime.Add(DefaultFencePropagationMargin)
	if p.Record.Start != want {
		t.Errorf("start = %s, want %s", p.Record.Start, want)
	}

	if !mb.IsFenced(old.Record.ID()) {
		t.Error("fence not applied on b")
	}

	if r, ok := mb.Lookup("/data/x"); !ok || r.ID() != p.Record.ID() {
		t.Errorf("b sees %v, want migrated lease", r)
	}

	srcA.Set(want.Physical)

	if err := ma.CheckWrite("/data/x", p.Record.ID()); err != nil {
		t.Errorf("new holder write at start: %v", err)
	}
}

// TestApplyFenceRejects tests signature and authority checks on received fences.
func TestApplyFenceRejects(t *testing.T) {
	c := newCluster(t)
	m, _ := c.manager(t, "a", "g1", 1_000_000)
	other, _ := c.manager(t, "e", "g2", 1_000_000)

	p, err := m.RequestLease(context.Background(), "/data/x", "b", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	forged := &FenceCertificate{
		Domain:    "/data/x",
		Fenced:    p.Record.ID(),
		FenceTime: m.Clock().Now(),
		Issuer:    "e",
	}
	forged.Signature = c.signers["e"].Sign(forged.signingPayload())

	if err := m.ApplyFence(forged); !errors.Is(err, ErrUnauthorizedFence) {
		t.Errorf("fence by outsider = %v, want ErrUnauthorizedFence", err)
	}

	tampered := *forged
	tampered.Issuer = "c"

	if err := m.ApplyFence(&tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered fence = %v, want ErrInvalidSignature", err)
	}

	if m.IsFenced(p.Record.ID()) {
		t.Error("rejected fence took effect")
	}

	if _, err := other.Fence("/data/x", "nope"); !errors.Is(err, ErrUnauthorizedFence) {
		t.Errorf("outsider Fence = %v, want ErrUnauthorizedFence", err)
	}

	far := *forged
	far.Issuer = "c"
	far.FenceTime = hlc.Timestamp{Physical: 1_000_000 + 120_000}
	far.Signature = c.signers["c"].Sign(far.signingPayload())

	if err := m.ApplyFence(&far); !errors.Is(err, hlc.ErrClockDriftExceeded) {
		t.Errorf("far-future fence = %v, want ErrClockDriftExceeded", err)
	}
}

// TestApplyGrantRejects tests that flooded grants need a valid issuer.
func TestApplyGrantRejects(t *testing.T) {
	c := newCluster(t)
	ma, _ := c.manager(t, "a", "g1", 1_000_000)
	me, _ := c.manager(t, "e", "g2", 1_000_000)

	p, err := me.RequestLease(context.Background(), "/other/x", "e", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// e owns /other, so a accepts its grant.
	if err := ma.ApplyGrant(p); err != nil {
		t.Errorf("apply owner grant: %v", err)
	}

	rogue := p.Record.Clone()
	rogue.Domain = "/data/x"
	rogue.Signature = c.signers["e"].Sign(rogue.signingPayload())

	if err := ma.ApplyGrant(&Proof{Record: *rogue}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("grant outside issuer scope = %v, want ErrUnauthorized", err)
	}

	bad := p.Record.Clone()
	bad.Holder = "z"

	if err := ma.ApplyGrant(&Proof{Record: *bad}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("altered grant = %v, want ErrInvalidSignature", err)
	}
}

// TestValidateGrant tests the arbitrator-side check of proposed grants.
func TestValidateGrant(t *testing.T) {
	c := newCluster(t)
	ma, _ := c.manager(t, "a", "g1", 1_000_000)
	mb, _ := c.manager(t, "b", "g1", 1_000_000)

	rec := &Record{
		Domain:   "/data/v",
		Holder:   "e",
		Start:    hlc.Timestamp{Physical: 1_000_000},
		Expiry:   hlc.Timestamp{Physical: 1_030_000},
		Duration: 30 * time.Second,
		Issuer:   "a",
		Group:    "g1",
		Updated:  hlc.Timestamp{Physical: 1_000_000},
	}
	ma.sign(rec)

	value := codec.MustMarshal(rec)

	if err := mb.ValidateGrant(value); err != nil {
		t.Errorf("valid proposal rejected: %v", err)
	}

	if _, err := mb.RequestLease(context.Background(), "/data/v", "b", 30*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := mb.ValidateGrant(value); !errors.Is(err, ErrLeaseConflict) {
		t.Errorf("conflicting proposal = %v, want ErrLeaseConflict", err)
	}

	if err := mb.ValidateGrant([]byte{0xff}); err == nil {
		t.Error("garbage proposal accepted")
	}
}
