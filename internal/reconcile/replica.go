// Package reconcile holds keyed CRDT state per node and merges it with other
// replicas after a partition heals.
package reconcile

import (
	"encoding/binary"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/blake3"

	"Stratum/internal/crdt"
	"Stratum/internal/logger"
	"Stratum/internal/metrics"
	"Stratum/internal/storage"
)

// recordPrefix namespaces replica records in storage.
var recordPrefix = []byte("crdt/")

// Digest summarises a replica for divergence detection.
type Digest struct {
	Replica string   `cbor:"1,keyasint"` // Replica is the sender's id
	Version uint64   `cbor:"2,keyasint"` // Version counts local state changes
	Keys    int      `cbor:"3,keyasint"` // Keys is the number of records
	Hash    [32]byte `cbor:"4,keyasint"` // Hash is blake3 over the sorted records
	At      int64    `cbor:"5,keyasint,omitempty"` // At is the announce time in unix milliseconds
}

// Replica is a set of keyed CRDT records. Reconcile is idempotent: merging
// the same remote state twice changes nothing the second time.
type Replica struct {
	id      string
	store   *storage.Storage // store persists records when set
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.RWMutex
	records map[string]crdt.Record
	version uint64
}

// Option configures a Replica.
type Option func(*Replica)

// WithStore persists every changed record to s.
func WithStore(s *storage.Storage) Option {
	return func(r *Replica) {
		r.store = s
	}
}

// WithMetrics counts merged records.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replica) {
		r.metrics = m
	}
}

// NewReplica creates an empty replica named id.
func NewReplica(id string, opts ...Option) *Replica {
	r := &Replica{
		id:      id,
		records: make(map[string]crdt.Record),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.log = logger.Component("reconcile").With("replica", id)

	return r
}

// ID returns the replica id.
func (r *Replica) ID() string {
	return r.id
}

// Version returns the number of local state changes so far.
func (r *Replica) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.version
}

// Get returns the record stored under key.
func (r *Replica) Get(key string) (crdt.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]

	return rec, ok
}

// Keys returns the record keys, sorted.
func (r *Replica) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.records))
}

// Records returns a copy of the record map.
func (r *Replica) Records() map[string]crdt.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return maps.Clone(r.records)
}

// Put merges rec into the record under key. It reports whether the stored
// state changed.
func (r *Replica) Put(key string, rec crdt.Record) (bool, error) {
	changed, err := r.Reconcile(map[string]crdt.Record{key: rec})
	if err != nil {
		return false, err
	}

	return len(changed) > 0, nil
}

// Reconcile merges remote into the replica key by key and returns the keys
// whose state changed, sorted. A key whose kinds disagree is skipped and
// reported; the other keys still merge.
func (r *Replica) Reconcile(remote map[string]crdt.Record) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		changed []string
		errs    error
		ops     []storage.Op
	)

	for _, key := range slices.Sorted(maps.Keys(remote)) {
		in := remote[key]
		if err := in.Validate(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "key %q", key))
			continue
		}

		merged := in

		if cur, ok := r.records[key]; ok {
			m, err := crdt.Merge(cur, in)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "key %q", key))
				continue
			}

			if crdt.Equal(cur, m) {
				continue
			}

			merged = m
		}

		if r.store != nil {
			data, err := merged.Encode()
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "encode %q", key))
				continue
			}

			ops = append(ops, storage.Op{Key: recordKey(key), Value: data})
		}

		r.records[key] = merged
		changed = append(changed, key)
	}

	if len(changed) > 0 {
		r.version++
		r.metrics.Merged(len(changed))
	}

	if len(ops) > 0 {
		if err := r.store.Apply(ops, false); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "persist records"))
		}
	}

	return changed, errs
}

// Digest returns the replica summary. Equal digests mean equal state.
func (r *Replica) Digest() Digest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Digest{
		Replica: r.id,
		Version: r.version,
		Keys:    len(r.records),
		Hash:    r.hashLocked(),
	}
}

// Diverged reports whether d describes different state from the local one.
func (r *Replica) Diverged(d Digest) bool {
	return d.Hash != r.Digest().Hash
}

func (r *Replica) hashLocked() [32]byte {
	h := blake3.New()

	var n [4]byte

	for _, key := range slices.Sorted(maps.Keys(r.records)) {
		data, err := r.records[key].Encode()
		if err != nil {
			continue
		}

		binary.BigEndian.PutUint32(n[:], uint32(len(key)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(key))

		binary.BigEndian.PutUint32(n[:], uint32(len(data)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(data)
	}

	var sum [32]byte
	h.Sum(sum[:0])

	return sum
}

// Load reads every persisted record. It is called once before use.
func (r *Replica) Load() error {
	if r.store == nil {
		return errors.New("reconcile: replica has no store")
	}

	loaded := make(map[string]crdt.Record)

	err := r.store.IteratePrefix(recordPrefix, func(key, value []byte) error {
		rec, err := crdt.Decode(value)
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}

		loaded[string(key[len(recordPrefix):])] = rec

		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.records = loaded
	r.mu.Unlock()

	r.log.Info("records loaded", "count", len(loaded))

	return nil
}

func recordKey(key string) []byte {
	return append(slices.Clone(recordPrefix), key...)
}
