package storage

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
)

// journalPrefix namespaces journal entries: j/<domain>\x00<seq>.
const journalPrefix = "j/"

// Journal is an append-only per-domain operation log. It is the write path
// the lease gate protects.
type Journal struct {
	store *Storage          // store holds the entries
	mu    sync.Mutex        // mu serializes sequence allocation
	seq   map[string]uint64 // seq caches the last sequence per domain
}

// NewJournal creates a journal over store.
func NewJournal(store *Storage) *Journal {
	return &Journal{store: store, seq: make(map[string]uint64)}
}

// Append durably appends op to the domain log and returns its sequence number.
func (j *Journal) Append(ctx context.Context, domain string, op []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq, err := j.lastSeq(domain)
	if err != nil {
		return 0, err
	}

	seq++

	if err := j.store.SetDurable(journalKey(domain, seq), op); err != nil {
		return 0, errors.Wrapf(err, "append to %s", domain)
	}

	j.seq[domain] = seq

	return seq, nil
}

// Read returns every operation logged for domain in append order.
func (j *Journal) Read(ctx context.Context, domain string) ([][]byte, error) {
	var ops [][]byte

	err := j.store.IteratePrefix(domainPrefix(domain), func(_, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		ops = append(ops, append([]byte(nil), value...))

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", domain)
	}

	return ops, nil
}

// lastSeq returns the highest sequence for domain, consulting storage on a cache miss.
func (j *Journal) lastSeq(domain string) (uint64, error) {
	if seq, ok := j.seq[domain]; ok {
		return seq, nil
	}

	key, _, err := j.store.LastWithPrefix(domainPrefix(domain))
	if err != nil {
		return 0, errors.Wrapf(err, "scan %s", domain)
	}

	if key == nil {
		return 0, nil
	}

	return binary.BigEndian.Uint64(key[len(key)-8:]), nil
}

func domainPrefix(domain string) []byte {
	key := make([]byte, 0, len(journalPrefix)+len(domain)+1)
	key = append(key, journalPrefix...)
	key = append(key, domain...)

	return append(key, 0x00)
}

func journalKey(domain string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(domainPrefix(domain), seq)
}
