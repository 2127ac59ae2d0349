package lease

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/crdt"
	"Stratum/internal/hlc"
)

// mergeStates merges two exported lease states key by key.
func mergeStates(t *testing.T, a, b map[string]crdt.Record) map[string]crdt.Record {
	t.Helper()

	out := make(map[string]crdt.Record, len(a))
	for k, v := range a {
		out[k] = v
	}

	for k, v := range b {
		cur, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}

		merged, err := crdt.Merge(cur, v)
		if err != nil {
			t.Fatalf("merge %s: %v", k, err)
		}

		out[k] = merged
	}

	return out
}

// TestPartitionConflictResolves tests that leases granted on both sides of
// a partition converge to one winner and the loser is fenced everywhere.
func TestPartitionConflictResolves(t *testing.T) {
	c := newCluster(t)
	ma, _ := c.manager(t, "a", "g1", 1_000_000)
	mb, _ := c.manager(t, "b", "g1", 1_000_500)
	ctx := context.Background()

	pa, err := ma.RequestLease(ctx, "/data/x", "a", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	pb, err := mb.RequestLease(ctx, "/data/x", "b", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	stateA, err := ma.StateRecords()
	if err != nil {
		t.Fatalf("StateRecords a: %v", err)
	}

	stateB, err := mb.StateRecords()
	if err != nil {
		t.Fatalf("StateRecords b: %v", err)
	}

	merged := mergeStates(t, stateA, stateB)

	if holder, _, ok := HolderOf(merged["lease/data/x"]); !ok || holder != "b" {
		t.Fatalf("merged holder = %q, want b (later update)", holder)
	}

	if err := ma.ApplyMerged(merged); err != nil {
		t.Fatalf("ApplyMerged a: %v", err)
	}

	if err := mb.ApplyMerged(merged); err != nil {
		t.Fatalf("ApplyMerged b: %v", err)
	}

	if !ma.IsFenced(pa.Record.ID()) {
		t.Error("losing lease not fenced on a")
	}

	if r, ok := ma.Lookup("/data/x"); !ok || r.ID() != pb.Record.ID() {
		t.Errorf("a holds %v, want winner %s", r, pb.Record.ID())
	}

	if err := ma.CheckWrite("/data/x", pa.Record.ID()); err == nil {
		t.Error("loser can still write on a")
	}

	// A second exchange carries a's fence to b.
	stateA, err = ma.StateRecords()
	if err != nil {
		t.Fatal(err)
	}

	stateB, err = mb.StateRecords()
	if err != nil {
		t.Fatal(err)
	}

	merged = mergeStates(t, stateA, stateB)

	if err := mb.ApplyMerged(merged); err != nil {
		t.Fatalf("second ApplyMerged b: %v", err)
	}

	if !mb.IsFenced(pa.Record.ID()) {
		t.Error("losing lease fence did not reach b")
	}

	if err := mb.CheckWrite("/data/x", pb.Record.ID()); err != nil {
		t.Errorf("winner write on b: %v", err)
	}

	// Re-applying merged state changes nothing.
	before := len(ma.Fences())

	if err := ma.ApplyMerged(merged); err != nil {
		t.Fatalf("idempotent ApplyMerged: %v", err)
	}

	if after := len(ma.Fences()); after != before {
		t.Errorf("fences %d -> %d after re-apply", before, after)
	}

	if r, _ := ma.Lookup("/data/x"); r.ID() != pb.Record.ID() {
		t.Errorf("re-apply changed holder to %s", r.ID())
	}
}

// TestMergedRecordNeedsAuthority tests that a merged record from an issuer
// without authority over its domain is rejected and leaves the current
// lease in place and unfenced.
func TestMergedRecordNeedsAuthority(t *testing.T) {
	c := newCluster(t)
	ma, _ := c.manager(t, "a", "g1", 1_000_000)

	pa, err := ma.RequestLease(context.Background(), "/data/x", "a", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// e is in g2 and holds no approval for /data.
	rogue := &Record{
		Domain:   "/data/x",
		Holder:   "e",
		Start:    hlc.Timestamp{Physical: 1_000_500},
		Expiry:   hlc.Timestamp{Physical: 1_030_500},
		Duration: 30 * time.Second,
		Issuer:   "e",
		Group:    "g2",
		Updated:  hlc.Timestamp{Physical: 1_000_500},
	}
	rogue.Signature = c.signers["e"].Sign(rogue.signingPayload())

	for name, p := range map[string]*Proof{
		"no evidence":     {Record: *rogue},
		"forged evidence": {Record: *rogue, Agreement: &Agreement{Group: "g1", Round: 9}},
	} {
		state := map[string]crdt.Record{
			"lease/data/x": crdt.FromLWW(crdt.NewLWW(codec.MustMarshal(p), rogue.Updated, "e")),
		}

		if err := ma.ApplyMerged(state); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: ApplyMerged = %v, want ErrUnauthorized", name, err)
		}
	}

	if ma.IsFenced(pa.Record.ID()) {
		t.Error("legitimate lease fenced by a rogue merge")
	}

	if err := ma.CheckWrite("/data/x", pa.Record.ID()); err != nil {
		t.Errorf("legitimate write after rogue merge: %v", err)
	}
}

// TestReleaseSurvivesMerge tests that a released lease stays revoked after
// reconciling with a peer that still holds its record.
func TestReleaseSurvivesMerge(t *testing.T) {
	c := newCluster(t)
	ma, _ := c.manager(t, "a", "g1", 1_000_000)
	mb, _ := c.manager(t, "b", "g1", 1_000_000)

	p, err := ma.RequestLease(context.Background(), "/data/x", "a", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := mb.ApplyGrant(p); err != nil {
		t.Fatal(err)
	}

	if err := ma.Release(p.Record.ID(), "a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	stateA, err := ma.StateRecords()
	if err != nil {
		t.Fatal(err)
	}

	stateB, err := mb.StateRecords()
	if err != nil {
		t.Fatal(err)
	}

	merged := mergeStates(t, stateA, stateB)

	for name, m := range map[string]*Manager{"a": ma, "b": mb} {
		if err := m.ApplyMerged(merged); err != nil {
			t.Errorf("ApplyMerged %s: %v", name, err)
		}

		if err := m.CheckWrite("/data/x", p.Record.ID()); !errors.Is(err, ErrLeaseFenced) {
			t.Errorf("%s: write under released lease = %v, want ErrLeaseFenced", name, err)
		}

		if _, err := m.RenewLease(p.Record.ID(), "a"); !errors.Is(err, ErrAlreadyFenced) {
			t.Errorf("%s: renew released lease = %v, want ErrAlreadyFenced", name, err)
		}
	}

	if cert, ok := mb.FenceOf(p.Record.ID()); !ok || cert.Reason != "released" {
		t.Errorf("b fence = %v, want the release certificate", cert)
	}
}

// TestHolderReleaseOutsideGroup tests that a holder with no authority over
// the domain can still release its own lease to the group.
func TestHolderReleaseOutsideGroup(t *testing.T) {
	c := newCluster(t)
	ma, _ := c.manager(t, "a", "g1", 1_000_000)
	me, _ := c.manager(t, "e", "g2", 1_000_000)

	p, err := ma.RequestLease(context.Background(), "/data/x", "e", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := me.ApplyGrant(p); err != nil {
		t.Fatal(err)
	}

	if err := me.Release(p.Record.ID(), "e"); err != nil {
		t.Fatalf("release on e: %v", err)
	}

	cert, ok := me.FenceOf(p.Record.ID())
	if !ok {
		t.Fatal("release left no certificate")
	}

	if err := ma.ApplyFence(cert); err != nil {
		t.Fatalf("apply release certificate: %v", err)
	}

	if !ma.IsFenced(p.Record.ID()) {
		t.Error("release did not reach a")
	}
}
