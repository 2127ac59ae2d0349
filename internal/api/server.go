// Package api serves lease operations and node status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/bft"
	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/hlc"
	"Stratum/internal/lease"
	"Stratum/internal/logger"
)

const (
	// maxBodySize is the maximum request body in bytes.
	maxBodySize = 1 << 20 // 1 MB
)

// Leases is the lease authority the API drives.
type Leases interface {
	Self() crypto.Identity
	RequestLease(ctx context.Context, d domain.Domain, holder crypto.Identity, duration time.Duration, opts ...lease.RequestOption) (*lease.Proof, error)
	RenewLease(id lease.LeaseID, caller crypto.Identity) (*lease.Proof, error)
	Release(id lease.LeaseID, caller crypto.Identity) error
	VerifyCaller(caller crypto.Identity, op string, id lease.LeaseID, sig []byte) error
	Fence(d domain.Domain, reason string) (*lease.FenceCertificate, error)
	Migrate(ctx context.Context, d domain.Domain, newHolder crypto.Identity) (*lease.Proof, error)
	Covering(d domain.Domain) (*lease.Record, bool)
	Leases() []*lease.Record
	IsFenced(id lease.LeaseID) bool
}

// Store is the lease-gated storage path.
type Store interface {
	Write(ctx context.Context, d domain.Domain, id lease.LeaseID, op []byte) (uint64, error)
	Read(ctx context.Context, d domain.Domain) ([][]byte, error)
}

// Status is a node summary for monitoring.
type Status struct {
	Node           string   `json:"node"`
	Group          string   `json:"group"`
	Clock          string   `json:"clock"`
	Peers          []string `json:"peers"`
	Leases         int      `json:"leases"`
	ReplicaVersion uint64   `json:"replicaVersion"`
}

// StatusProvider exposes node state for monitoring.
type StatusProvider interface {
	Status() Status
}

// Server is the HTTP API server.
type Server struct {
	addr    string         // addr is the HTTP listen address
	leases  Leases         // leases grants and fences
	store   Store          // store is nil when the node has no storage path
	status  StatusProvider // status may be nil
	metrics http.Handler   // metrics serves /metrics when set
	server  *http.Server
	log     *slog.Logger
}

// New creates a server. store, status and metrics may be nil.
func New(addr string, leases Leases, store Store, status StatusProvider, metrics http.Handler) *Server {
	return &Server{
		addr:    addr,
		leases:  leases,
		store:   store,
		status:  status,
		metrics: metrics,
		log:     logger.Component("api"),
	}
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /leases", s.handleList)
	mux.HandleFunc("GET /leases/{domain...}", s.handleCovering)
	mux.HandleFunc("POST /leases", s.handleRequest)
	mux.HandleFunc("POST /leases/renew", s.handleRenew)
	mux.HandleFunc("POST /leases/release", s.handleRelease)
	mux.HandleFunc("POST /leases/migrate", s.handleMigrate)
	mux.HandleFunc("POST /fence", s.handleFence)
	mux.HandleFunc("POST /write", s.handleWrite)
	mux.HandleFunc("GET /read/{domain...}", s.handleRead)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.log.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	records := s.leases.Leases()

	out := make([]recordView, 0, len(records))
	for _, r := range records {
		out = append(out, s.view(r))
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCovering(w http.ResponseWriter, r *http.Request) {
	d, err := pathDomain(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, ok := s.leases.Covering(d)
	if !ok {
		writeError(w, http.StatusNotFound, "no lease covers "+string(d))
		return
	}

	writeJSON(w, http.StatusOK, s.view(rec))
}

type grantRequest struct {
	Domain   string `json:"domain"`
	Holder   string `json:"holder,omitempty"`   // Holder defaults to this node
	Duration string `json:"duration,omitempty"` // Duration defaults to the configured lease length
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decode(w, r, &req) {
		return
	}

	d, err := domain.Parse(req.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		if duration, err = time.ParseDuration(req.Duration); err != nil {
			writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
	}

	holder := crypto.Identity(req.Holder)
	if holder == "" {
		holder = s.leases.Self()
	}

	proof, err := s.leases.RequestLease(r.Context(), d, holder, duration)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, s.proofView(proof))
}

// leaseRef names a lease on the wire. Renew and release act for Caller,
// which defaults to the serving node and otherwise must sign the request.
type leaseRef struct {
	Holder    string `json:"holder"`
	Start     string `json:"start"` // Start is "physical:logical"
	Caller    string `json:"caller,omitempty"`
	Signature []byte `json:"signature,omitempty"` // Signature is Caller's over lease.CallerPayload
}

func (l leaseRef) id() (lease.LeaseID, error) {
	start, err := hlc.Parse(l.Start)
	if err != nil {
		return lease.LeaseID{}, err
	}

	return lease.LeaseID{Holder: crypto.Identity(l.Holder), Start: start}, nil
}

// caller resolves who a renew or release request acts for.
func (s *Server) caller(ref leaseRef, op string, id lease.LeaseID) (crypto.Identity, error) {
	if ref.Caller == "" {
		return s.leases.Self(), nil
	}

	c := crypto.Identity(ref.Caller)
	if err := s.leases.VerifyCaller(c, op, id, ref.Signature); err != nil {
		return "", err
	}

	return c, nil
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var ref leaseRef
	if !decode(w, r, &ref) {
		return
	}

	id, err := ref.id()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller, err := s.caller(ref, "renew", id)
	if err != nil {
		s.fail(w, err)
		return
	}

	proof, err := s.leases.RenewLease(id, caller)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.proofView(proof))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var ref leaseRef
	if !decode(w, r, &ref) {
		return
	}

	id, err := ref.id()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller, err := s.caller(ref, "release", id)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.leases.Release(id, caller); err != nil {
		s.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type migrateRequest struct {
	Domain string `json:"domain"`
	To     string `json:"to"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if !decode(w, r, &req) {
		return
	}

	d, err := domain.Parse(req.Domain)
	if err != nil || req.To == "" {
		writeError(w, http.StatusBadRequest, "domain and target are required")
		return
	}

	proof, err := s.leases.Migrate(r.Context(), d, crypto.Identity(req.To))
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.proofView(proof))
}

type fenceRequest struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

type fenceView struct {
	Domain string `json:"domain"`
	Fenced string `json:"fenced"`
	Issuer string `json:"issuer"`
	Reason string `json:"reason"`
}

func (s *Server) handleFence(w http.ResponseWriter, r *http.Request) {
	var req fenceRequest
	if !decode(w, r, &req) {
		return
	}

	d, err := domain.Parse(req.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := s.leases.Fence(d, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, fenceView{
		Domain: string(cert.Domain),
		Fenced: cert.Fenced.String(),
		Issuer: string(cert.Issuer),
		Reason: cert.Reason,
	})
}

type writeRequest struct {
	Domain string   `json:"domain"`
	Lease  leaseRef `json:"lease"`
	Op     []byte   `json:"op"` // Op is base64 in JSON
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}

	var req writeRequest
	if !decode(w, r, &req) {
		return
	}

	d, err := domain.Parse(req.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := req.Lease.id()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	seq, err := s.store.Write(r.Context(), d, id, req.Op)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]uint64{"seq": seq})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}

	d, err := pathDomain(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ops, err := s.store.Read(r.Context(), d)
	if err != nil {
		s.fail(w, err)
		return
	}

	if ops == nil {
		ops = [][]byte{}
	}

	writeJSON(w, http.StatusOK, map[string][][]byte{"ops": ops})
}

type recordView struct {
	Domain string `json:"domain"`
	Holder string `json:"holder"`
	Start  string `json:"start"`
	Expiry string `json:"expiry"`
	Issuer string `json:"issuer"`
	Group  string `json:"group,omitempty"`
	Fenced bool   `json:"fenced"`
}

type proofView struct {
	Lease     recordView `json:"lease"`
	Consensus *struct {
		Group string `json:"group"`
		Round uint64 `json:"round"`
	} `json:"consensus,omitempty"`
}

func (s *Server) view(r *lease.Record) recordView {
	return recordView{
		Domain: string(r.Domain),
		Holder: string(r.Holder),
		Start:  r.Start.String(),
		Expiry: r.Expiry.String(),
		Issuer: string(r.Issuer),
		Group:  r.Group,
		Fenced: s.leases.IsFenced(r.ID()),
	}
}

func (s *Server) proofView(p *lease.Proof) proofView {
	v := proofView{Lease: s.view(&p.Record)}

	if a := p.Agreement; a != nil {
		v.Consensus = &struct {
			Group string `json:"group"`
			Round uint64 `json:"round"`
		}{a.Group, a.Round}
	}

	return v
}

// fail maps a lease or consensus error to its HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Warn("request failed", "error", err)
	}

	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lease.ErrDurationOutOfBounds), errors.Is(err, lease.ErrInvalidDelegation):
		return http.StatusBadRequest
	case errors.Is(err, lease.ErrNotHolder), errors.Is(err, lease.ErrUnauthorized),
		errors.Is(err, lease.ErrUnauthorizedFence), errors.Is(err, lease.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, lease.ErrLeaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, lease.ErrLeaseConflict), errors.Is(err, lease.ErrLeaseFenced),
		errors.Is(err, lease.ErrLeaseExpired), errors.Is(err, lease.ErrLeaseSuperseded),
		errors.Is(err, lease.ErrLeaseNotYetValid):
		return http.StatusConflict
	case errors.Is(err, bft.ErrConsensusTimeout), errors.Is(err, lease.ErrUnavailable),
		errors.Is(err, lease.ErrPartitionDegraded), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pathDomain(r *http.Request) (domain.Domain, error) {
	return domain.Parse("/" + r.PathValue("domain"))
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}

	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
