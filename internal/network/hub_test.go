package network

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// collector records frames per endpoint.
type collector struct {
	mu  sync.Mutex
	got map[string][]string
}

func newCollector() *collector {
	return &collector{got: make(map[string][]string)}
}

func (c *collector) attach(e *Endpoint) {
	e.OnMessage(func(_ string, data []byte) {
		c.mu.Lock()
		c.got[e.ID()] = append(c.got[e.ID()], string(data))
		c.mu.Unlock()
	})
}

func (c *collector) frames(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.got[id])
}

func joinAll(h *Hub, c *collector, ids ...string) map[string]*Endpoint {
	eps := make(map[string]*Endpoint, len(ids))

	for _, id := range ids {
		eps[id] = h.Join(id)
		c.attach(eps[id])
	}

	return eps
}

// TestHubFlood tests that a flood reaches every other endpoint once.
func TestHubFlood(t *testing.T) {
	h := NewHub()
	defer h.Close()

	c := newCollector()
	eps := joinAll(h, c, "a", "b", "c")

	if err := eps["a"].Flood([]byte("m1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "delivery", func() bool { return len(c.frames("b")) == 1 && len(c.frames("c")) == 1 })

	time.Sleep(20 * time.Millisecond)

	if len(c.frames("a")) != 0 || len(c.frames("b")) != 1 || len(c.frames("c")) != 1 {
		t.Errorf("frames a=%v b=%v c=%v", c.frames("a"), c.frames("b"), c.frames("c"))
	}
}

// TestHubPartition tests that partitions isolate sides until healed.
func TestHubPartition(t *testing.T) {
	h := NewHub()
	defer h.Close()

	c := newCollector()
	eps := joinAll(h, c, "a", "b", "c", "d")

	h.Partition([]string{"a", "b"}, []string{"c", "d"})

	if got := eps["a"].Peers(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("a peers during partition = %v, want [b]", got)
	}

	_ = eps["a"].Flood([]byte("left"))
	_ = eps["c"].Flood([]byte("right"))

	waitFor(t, "side deliveries", func() bool { return len(c.frames("b")) == 1 && len(c.frames("d")) == 1 })

	time.Sleep(20 * time.Millisecond)

	if f := c.frames("c"); slices.Contains(f, "left") {
		t.Error("frame crossed the partition")
	}

	h.Heal()

	_ = eps["d"].Flood([]byte("healed"))

	waitFor(t, "healed delivery", func() bool { return slices.Contains(c.frames("a"), "healed") })
}

// TestHubRelayBridgesDroppedLink tests that re-flooding delivers across a
// dropped direct link.
func TestHubRelayBridgesDroppedLink(t *testing.T) {
	h := NewHub()
	defer h.Close()

	c := newCollector()
	eps := joinAll(h, c, "a", "b", "c")

	h.SetDrop(func(from, to string) bool { return from == "a" && to == "c" })

	_ = eps["a"].Flood([]byte("m"))

	waitFor(t, "relayed delivery", func() bool { return len(c.frames("c")) == 1 })
}

// TestHubRequest tests direct requests and unreachable targets.
func TestHubRequest(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a, b := h.Join("a"), h.Join("b")

	b.OnRequest(func(from string, data []byte) ([]byte, error) {
		return append([]byte(from+">"), data...), nil
	})

	resp, err := a.Request(context.Background(), "b", []byte("q"))
	if err != nil || string(resp) != "a>q" {
		t.Fatalf("Request = %q, %v", resp, err)
	}

	h.Partition([]string{"a"})

	if _, err := a.Request(context.Background(), "b", nil); !errors.Is(err, ErrUnreachable) {
		t.Errorf("partitioned request = %v, want ErrUnreachable", err)
	}

	if _, err := a.Request(context.Background(), "zz", nil); !errors.Is(err, ErrUnreachable) {
		t.Errorf("unknown peer = %v, want ErrUnreachable", err)
	}
}

// TestEndpointImplementsTransport tests both transports against the interface.
func TestEndpointImplementsTransport(t *testing.T) {
	var _ Transport = (*Endpoint)(nil)
	var _ Transport = (*Node)(nil)
}
