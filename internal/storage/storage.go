package storage

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// Op is one write in an atomic batch. A nil Value deletes Key.
type Op struct {
	Key   []byte // Key is the key to write
	Value []byte // Value is the new value, nil for deletion
}

// Storage is a key-value store backed by Pebble.
// Ordinary writes are NoSync and a background goroutine syncs the WAL
// periodically; SetDurable and a durable batch sync before returning.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
	closed   sync.Once
}

type options struct {
	memory       bool
	syncInterval time.Duration
	cacheSize    int64
}

// Option configures New.
type Option func(*options)

// InMemory keeps all data on an in-memory filesystem.
func InMemory() Option {
	return func(o *options) {
		o.memory = true
	}
}

// WithSyncInterval overrides the background WAL sync period.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		o.syncInterval = d
	}
}

// WithCacheSize overrides the block cache size in bytes.
func WithCacheSize(n int64) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// New opens a store at path. With InMemory the path only names the store.
func New(path string, opts ...Option) (*Storage, error) {
	o := options{syncInterval: defaultSyncInterval, cacheSize: 32 << 20}
	for _, opt := range opts {
		opt(&o)
	}

	cache := pebble.NewCache(o.cacheSize)
	defer cache.Unref()

	popts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	if o.memory {
		popts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", path)
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop(o.syncInterval)

	return s, nil
}

// Get retrieves the value for key, or nil if it does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// The value is only valid until closer.Close().
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair; the WAL is synced by the background loop.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// SetDurable stores a key-value pair and syncs the WAL before returning.
func (s *Storage) SetDurable(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

// Delete removes a key.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// Apply writes ops atomically; durable forces a WAL sync.
func (s *Storage) Apply(ops []Op, durable bool) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		var err error
		if op.Value == nil {
			err = batch.Delete(op.Key, nil)
		} else {
			err = batch.Set(op.Key, op.Value, nil)
		}

		if err != nil {
			return errors.Wrap(err, "stage batch op")
		}
	}

	wo := pebble.NoSync
	if durable {
		wo = pebble.Sync
	}

	return batch.Commit(wo)
}

// IteratePrefix calls fn for each pair whose key has prefix, in key order.
// Iteration stops at the first error fn returns.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// LastWithPrefix returns the greatest key with prefix and its value.
// Both are nil when no key matches.
func (s *Storage) LastWithPrefix(prefix []byte) ([]byte, []byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, nil, iter.Error()
	}

	value, err := iter.ValueAndErr()
	if err != nil {
		return nil, nil, err
	}

	return append([]byte(nil), iter.Key()...), append([]byte(nil), value...), nil
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil (unbounded) when prefix is empty or all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine, syncs once more and closes the database.
func (s *Storage) Close() error {
	var err error

	s.closed.Do(func() {
		close(s.stopSync)
		s.wg.Wait()

		if syncErr := s.sync(); syncErr != nil {
			err = syncErr
		}

		err = errors.CombineErrors(err, s.db.Close())
	})

	return err
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop(interval time.Duration) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
