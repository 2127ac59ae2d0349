package network

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zeebo/blake3"
)

const (
	// DefaultDedupSize is the number of message hashes remembered.
	DefaultDedupSize = 65536

	// DefaultDedupTTL is how long a seen message stays remembered.
	DefaultDedupTTL = 30 * time.Second
)

// Dedup remembers recently seen messages by blake3 hash so a flooded frame
// is delivered and re-flooded once per node.
type Dedup struct {
	mu   sync.Mutex // mu makes check-and-add atomic
	seen *expirable.LRU[[32]byte, struct{}]
}

// NewDedup creates a tracker holding up to size hashes for ttl each.
// Zero values select the defaults.
func NewDedup(size int, ttl time.Duration) *Dedup {
	if size <= 0 {
		size = DefaultDedupSize
	}

	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	return &Dedup{seen: expirable.NewLRU[[32]byte, struct{}](size, nil, ttl)}
}

// Check reports whether data is new and records it.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen.Get(hash); ok {
		return false
	}

	d.seen.Add(hash, struct{}{})

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	return d.seen.Len()
}
