package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/crdt"
	"Stratum/internal/logger"
)

const (
	// DefaultInterval is the time between digest announcements.
	DefaultInterval = 10 * time.Second

	// defaultRequestTimeout bounds one snapshot pull.
	defaultRequestTimeout = 5 * time.Second
)

// Bridge connects a replica to state owned by another component. The
// syncer exports it before every comparison and imports the merged result.
type Bridge interface {
	StateRecords() (map[string]crdt.Record, error)
	ApplyMerged(state map[string]crdt.Record) error
}

// Transport is the part of the network the syncer needs.
type Transport interface {
	Flood(data []byte) error
	Request(ctx context.Context, to string, data []byte) ([]byte, error)
	Peers() []string
}

// snapshotRequest asks a peer for its full snapshot.
type snapshotRequest struct {
	Replica string `cbor:"1,keyasint"` // Replica is the requester
}

// Syncer runs anti-entropy: it floods digests periodically and pulls a
// snapshot from any peer whose digest differs.
type Syncer struct {
	replica  *Replica
	bridge   Bridge
	out      Transport
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pulling map[string]bool // pulling marks peers with a pull in flight
	stop    chan struct{}
	wg      sync.WaitGroup
}

// SyncOption configures a Syncer.
type SyncOption func(*Syncer)

// WithBridge sets the component whose state is reconciled.
func WithBridge(b Bridge) SyncOption {
	return func(s *Syncer) {
		s.bridge = b
	}
}

// WithInterval sets the announcement interval.
func WithInterval(d time.Duration) SyncOption {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRequestTimeout bounds each snapshot pull.
func WithRequestTimeout(d time.Duration) SyncOption {
	return func(s *Syncer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSyncer creates a syncer for replica over out.
func NewSyncer(replica *Replica, out Transport, opts ...SyncOption) *Syncer {
	s := &Syncer{
		replica:  replica,
		out:      out,
		interval: DefaultInterval,
		timeout:  defaultRequestTimeout,
		log:      logger.Component("reconcile").With("replica", replica.ID()),
		pulling:  make(map[string]bool),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins periodic announcements.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the announcement loop and waits for it.
func (s *Syncer) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Syncer) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				s.log.Warn("announce failed", "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

// Refresh merges the bridged component's current state into the replica.
func (s *Syncer) Refresh() error {
	if s.bridge == nil {
		return nil
	}

	state, err := s.bridge.StateRecords()
	if err != nil {
		return errors.Wrap(err, "export state")
	}

	_, err = s.replica.Reconcile(state)

	return err
}

// Announce refreshes the replica and floods its digest.
func (s *Syncer) Announce() error {
	if err := s.Refresh(); err != nil {
		return err
	}

	d := s.replica.Digest()
	d.At = time.Now().UnixMilli()

	frame, err := codec.Encode(codec.TypeDigest, d)
	if err != nil {
		return err
	}

	return s.out.Flood(frame)
}

// HandleDigest compares a flooded digest and pulls from the sender when the
// states differ. from is the peer that delivered the frame.
func (s *Syncer) HandleDigest(ctx context.Context, from string, frame []byte) error {
	var d Digest
	if err := codec.Decode(frame, codec.TypeDigest, &d); err != nil {
		return err
	}

	if d.Replica == s.replica.ID() {
		return nil
	}

	if err := s.Refresh(); err != nil {
		return err
	}

	if !s.replica.Diverged(d) {
		return nil
	}

	target := from
	if slices.Contains(s.out.Peers(), d.Replica) {
		target = d.Replica
	}

	_, err := s.Pull(ctx, target)

	return err
}

// Pull fetches peer's snapshot, merges it and hands the result to the
// bridge. When the merge changed local state the new digest is announced
// so the peer can pull back.
func (s *Syncer) Pull(ctx context.Context, peer string) ([]string, error) {
	s.mu.Lock()
	if s.pulling[peer] {
		s.mu.Unlock()
		return nil, nil
	}
	s.pulling[peer] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pulling, peer)
		s.mu.Unlock()
	}()

	req, err := codec.Encode(codec.TypeSnapshot, snapshotRequest{Replica: s.replica.ID()})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	before := s.replica.Digest().Hash

	resp, err := s.out.Request(ctx, peer, req)
	if err != nil {
		return nil, errors.Wrapf(err, "pull snapshot from %s", peer)
	}

	changed, err := s.replica.ApplySnapshot(resp)
	if err != nil {
		return changed, errors.Wrapf(err, "apply snapshot from %s", peer)
	}

	if s.bridge != nil {
		if err := s.bridge.ApplyMerged(s.replica.Records()); err != nil {
			return changed, errors.Wrap(err, "import merged state")
		}
	}

	s.log.Info("reconciled", "peer", peer, "changed", len(changed))

	if len(changed) > 0 || s.replica.Digest().Hash != before {
		if err := s.Announce(); err != nil {
			s.log.Debug("announce after pull", "error", err)
		}
	}

	return changed, nil
}

// HandleRequest answers a snapshot request.
func (s *Syncer) HandleRequest(from string, data []byte) ([]byte, error) {
	var req snapshotRequest
	if err := codec.Decode(data, codec.TypeSnapshot, &req); err != nil {
		return nil, err
	}

	if err := s.Refresh(); err != nil {
		return nil, err
	}

	s.log.Debug("snapshot requested", "peer", from, "replica", req.Replica)

	return s.replica.CreateSnapshot()
}
