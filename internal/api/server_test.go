package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"

	"Stratum/internal/bft"
	"Stratum/internal/crypto"
	"Stratum/internal/group"
	"Stratum/internal/hlc"
	"Stratum/internal/lease"
	"Stratum/internal/metrics"
	"Stratum/internal/storage"
)

type fixedStatus Status

func (f fixedStatus) Status() Status { return Status(f) }

// newTestServer creates a server over a single-node group owning /data.
// peers are added to the keyring without joining the group.
func newTestServer(t *testing.T, peers ...*crypto.Signer) (*Server, *lease.Manager) {
	t.Helper()

	signer, err := crypto.GenerateSigner("a")
	if err != nil {
		t.Fatal(err)
	}

	keys := crypto.NewKeyring()
	if err := keys.Add("a", signer.PublicKeys()); err != nil {
		t.Fatal(err)
	}

	for _, p := range peers {
		if err := keys.Add(p.Identity(), p.PublicKeys()); err != nil {
			t.Fatal(err)
		}
	}

	groups := group.NewIndex()
	if err := groups.Put(group.New("g", "/data", "a")); err != nil {
		t.Fatal(err)
	}

	clock := hlc.New(hlc.WithSource(hlc.NewManualSource(1_000_000)))

	m, err := lease.New(signer, keys, clock, groups, "g")
	if err != nil {
		t.Fatal(err)
	}

	db, err := storage.New("api", storage.InMemory())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	journal := storage.NewJournal(db)
	gate := lease.NewGate(m, journal, journal, nil, 0)

	status := fixedStatus{Node: "a", Group: "g", Peers: []string{"b"}}

	return New(":0", m, gate, status, metrics.New().Handler()), m
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("parse response %q: %v", w.Body.String(), err)
	}

	return v
}

// TestHealthAndStatus tests the monitoring endpoints.
func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t)

	if w := do(t, s, "GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}

	w := do(t, s, "GET", "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	st := decodeBody[Status](t, w)
	if st.Node != "a" || st.Group != "g" || len(st.Peers) != 1 {
		t.Errorf("status = %+v", st)
	}

	if w := do(t, s, "GET", "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}
}

// TestLeaseLifecycle tests grant, lookup, conflict, renew and release.
func TestLeaseLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "POST", "/leases", grantRequest{Domain: "/data/x"})
	if w.Code != http.StatusCreated {
		t.Fatalf("grant = %d: %s", w.Code, w.Body.String())
	}

	granted := decodeBody[proofView](t, w)
	if granted.Lease.Holder != "a" || granted.Lease.Domain != "/data/x" {
		t.Errorf("granted = %+v", granted.Lease)
	}

	if w := do(t, s, "POST", "/leases", grantRequest{Domain: "/data/x", Holder: "b"}); w.Code != http.StatusConflict {
		t.Errorf("second grant = %d, want 409", w.Code)
	}

	w = do(t, s, "GET", "/leases/data/x/file", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("covering = %d", w.Code)
	}

	if got := decodeBody[recordView](t, w); got.Start != granted.Lease.Start {
		t.Errorf("covering start = %s, want %s", got.Start, granted.Lease.Start)
	}

	ref := leaseRef{Holder: "a", Start: granted.Lease.Start}

	if w := do(t, s, "POST", "/leases/renew", ref); w.Code != http.StatusOK {
		t.Errorf("renew = %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, s, "POST", "/leases/release", ref); w.Code != http.StatusNoContent {
		t.Errorf("release = %d: %s", w.Code, w.Body.String())
	}

	if w := do(t, s, "GET", "/leases/data/x", nil); w.Code != http.StatusNotFound {
		t.Errorf("covering after release = %d, want 404", w.Code)
	}
}

// TestRenewReleaseCaller tests that renew and release act for the serving
// node unless the holder signs the request.
func TestRenewReleaseCaller(t *testing.T) {
	b, err := crypto.GenerateSigner("b")
	if err != nil {
		t.Fatal(err)
	}

	s, _ := newTestServer(t, b)

	w := do(t, s, "POST", "/leases", grantRequest{Domain: "/data/x", Holder: "b"})
	if w.Code != http.StatusCreated {
		t.Fatalf("grant = %d: %s", w.Code, w.Body.String())
	}

	granted := decodeBody[proofView](t, w)
	ref := leaseRef{Holder: "b", Start: granted.Lease.Start}

	id, err := ref.id()
	if err != nil {
		t.Fatal(err)
	}

	claimed := ref
	claimed.Caller = "b"

	tests := []struct {
		name string
		path string
		ref  leaseRef
	}{
		{"renew as node", "/leases/renew", ref},
		{"release as node", "/leases/release", ref},
		{"renew unsigned", "/leases/renew", claimed},
		{"release unsigned", "/leases/release", claimed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, s, "POST", tt.path, tt.ref); w.Code != http.StatusForbidden {
				t.Errorf("%s = %d, want 403: %s", tt.path, w.Code, w.Body.String())
			}
		})
	}

	wrongOp := claimed
	wrongOp.Signature = b.Sign(lease.CallerPayload("renew", id))

	if w := do(t, s, "POST", "/leases/release", wrongOp); w.Code != http.StatusForbidden {
		t.Errorf("release signed for renew = %d, want 403", w.Code)
	}

	if w := do(t, s, "POST", "/leases/renew", wrongOp); w.Code != http.StatusOK {
		t.Errorf("signed renew = %d: %s", w.Code, w.Body.String())
	}

	signed := claimed
	signed.Signature = b.Sign(lease.CallerPayload("release", id))

	if w := do(t, s, "POST", "/leases/release", signed); w.Code != http.StatusNoContent {
		t.Errorf("signed release = %d: %s", w.Code, w.Body.String())
	}
}

// TestGrantValidation tests malformed grant requests.
func TestGrantValidation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"relative domain", grantRequest{Domain: "data"}, http.StatusBadRequest},
		{"bad duration", grantRequest{Domain: "/data/x", Duration: "forever"}, http.StatusBadRequest},
		{"short duration", grantRequest{Domain: "/data/x", Duration: "1s"}, http.StatusBadRequest},
		{"outside scope", grantRequest{Domain: "/other"}, http.StatusForbidden},
		{"not json", "{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, s, "POST", "/leases", tt.body); w.Code != tt.want {
				t.Errorf("got %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

// TestFencedWriteRejected tests that writes stop once a lease is fenced and
// reads keep working.
func TestFencedWriteRejected(t *testing.T) {
	s, m := newTestServer(t)

	w := do(t, s, "POST", "/leases", grantRequest{Domain: "/data/x"})
	granted := decodeBody[proofView](t, w)
	ref := leaseRef{Holder: "a", Start: granted.Lease.Start}

	w = do(t, s, "POST", "/write", writeRequest{Domain: "/data/x", Lease: ref, Op: []byte("one")})
	if w.Code != http.StatusOK {
		t.Fatalf("write = %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, "POST", "/fence", fenceRequest{Domain: "/data/x", Reason: "test"})
	if w.Code != http.StatusOK {
		t.Fatalf("fence = %d: %s", w.Code, w.Body.String())
	}

	if fv := decodeBody[fenceView](t, w); fv.Fenced != "a@"+granted.Lease.Start || fv.Reason != "test" {
		t.Errorf("fence = %+v", fv)
	}

	w = do(t, s, "POST", "/write", writeRequest{Domain: "/data/x", Lease: ref, Op: []byte("two")})
	if w.Code != http.StatusConflict {
		t.Errorf("fenced write = %d, want 409", w.Code)
	}

	w = do(t, s, "GET", "/read/data/x", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read = %d", w.Code)
	}

	ops := decodeBody[map[string][][]byte](t, w)["ops"]
	if len(ops) != 1 || string(ops[0]) != "one" {
		t.Errorf("ops = %q", ops)
	}

	list := decodeBody[[]recordView](t, do(t, s, "GET", "/leases", nil))
	if len(list) != 1 || !list[0].Fenced {
		t.Errorf("leases = %+v", list)
	}

	if len(m.Fences()) != 1 {
		t.Errorf("fences = %d", len(m.Fences()))
	}
}

// TestStatusFor tests the error to status mapping.
func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{lease.ErrDurationOutOfBounds, http.StatusBadRequest},
		{lease.ErrNotHolder, http.StatusForbidden},
		{lease.ErrLeaseNotFound, http.StatusNotFound},
		{&lease.ConflictError{Domain: "/x"}, http.StatusConflict},
		{errors.Wrap(lease.ErrLeaseExpired, "renew"), http.StatusConflict},
		{errors.Wrap(bft.ErrConsensusTimeout, "agree"), http.StatusServiceUnavailable},
		{lease.ErrPartitionDegraded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
