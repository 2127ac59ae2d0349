package network

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// Hub connects endpoints in one process. Reachability between endpoints is
// controlled by partitions and an optional link filter.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	side      map[string]int              // side assigns partitioned ids to a side; absent ids share side 0
	drop      func(from, to string) bool // drop discards individual link deliveries
}

// NewHub creates an empty fully connected hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		side:      make(map[string]int),
	}
}

// Join adds an endpoint with identity id, replacing any previous one.
func (h *Hub) Join(id string) *Endpoint {
	e := &Endpoint{
		id:    id,
		hub:   h,
		dedup: NewDedup(0, 0),
		inbox: newInbox(),
	}

	h.mu.Lock()
	prev := h.endpoints[id]
	h.endpoints[id] = e
	h.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	e.wg.Add(1)
	go e.run()

	return e
}

// Partition splits the hub. Each argument lists the ids of one side; ids not
// listed stay together on a further side. Endpoints on different sides
// cannot reach each other.
func (h *Hub) Partition(sides ...[]string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.side = make(map[string]int)

	for i, ids := range sides {
		for _, id := range ids {
			h.side[id] = i + 1
		}
	}
}

// Heal removes all partitions.
func (h *Hub) Heal() {
	h.mu.Lock()
	h.side = make(map[string]int)
	h.mu.Unlock()
}

// SetDrop installs a filter discarding deliveries for which fn returns true.
// A nil fn delivers everything.
func (h *Hub) SetDrop(fn func(from, to string) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

// Close stops every endpoint.
func (h *Hub) Close() {
	h.mu.Lock()
	eps := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		eps = append(eps, e)
	}
	h.endpoints = make(map[string]*Endpoint)
	h.mu.Unlock()

	for _, e := range eps {
		e.stop()
	}
}

// reachableLocked reports whether a and b are on the same side.
func (h *Hub) reachableLocked(a, b string) bool {
	return h.side[a] == h.side[b]
}

// targets returns the endpoints reachable from id, excluding skip.
func (h *Hub) targets(id, skip string) []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Endpoint, 0, len(h.endpoints))

	for other, e := range h.endpoints {
		if other == id || other == skip || !h.reachableLocked(id, other) {
			continue
		}

		if h.drop != nil && h.drop(id, other) {
			continue
		}

		out = append(out, e)
	}

	return out
}

func (h *Hub) endpoint(from, to string) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.endpoints[to]
	if !ok || !h.reachableLocked(from, to) {
		return nil, false
	}

	return e, true
}

// Endpoint is one node's attachment to a Hub. It implements Transport.
type Endpoint struct {
	id    string
	hub   *Hub
	dedup *Dedup
	inbox *inbox

	handlersMu sync.RWMutex
	handlers   handlers

	wg sync.WaitGroup
}

// ID returns the endpoint identity.
func (e *Endpoint) ID() string {
	return e.id
}

// Flood queues data for every reachable endpoint.
func (e *Endpoint) Flood(data []byte) error {
	e.dedup.Check(data)
	e.send(data, "")

	return nil
}

func (e *Endpoint) send(data []byte, skip string) {
	for _, t := range e.hub.targets(e.id, skip) {
		t.inbox.push(delivery{from: e.id, data: bytes.Clone(data)})
	}
}

// Request calls the handler of the endpoint to synchronously.
func (e *Endpoint) Request(ctx context.Context, to string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, ok := e.hub.endpoint(e.id, to)
	if !ok {
		return nil, errors.Wrapf(ErrUnreachable, "%s from %s", to, e.id)
	}

	t.handlersMu.RLock()
	fn := t.handlers.onRequest
	t.handlersMu.RUnlock()

	if fn == nil {
		return nil, errors.Newf("%s has no request handler", to)
	}

	return fn(e.id, bytes.Clone(data))
}

// Peers lists the reachable endpoint ids, sorted.
func (e *Endpoint) Peers() []string {
	ts := e.hub.targets(e.id, "")
	ids := make([]string, 0, len(ts))

	for _, t := range ts {
		ids = append(ids, t.id)
	}

	slices.Sort(ids)

	return ids
}

// OnMessage sets the handler for first-seen frames.
func (e *Endpoint) OnMessage(fn MessageHandler) {
	e.handlersMu.Lock()
	e.handlers.onMessage = fn
	e.handlersMu.Unlock()
}

// OnRequest sets the handler for direct requests.
func (e *Endpoint) OnRequest(fn RequestHandler) {
	e.handlersMu.Lock()
	e.handlers.onRequest = fn
	e.handlersMu.Unlock()
}

// run delivers queued frames in arrival order and re-floods first sightings
// so lossy links are bridged by intermediate endpoints.
func (e *Endpoint) run() {
	defer e.wg.Done()

	for {
		batch, ok := e.inbox.wait()
		if !ok {
			return
		}

		for _, d := range batch {
			if !e.dedup.Check(d.data) {
				continue
			}

			e.send(d.data, d.from)

			e.handlersMu.RLock()
			fn := e.handlers.onMessage
			e.handlersMu.RUnlock()

			if fn != nil {
				fn(d.from, d.data)
			}
		}
	}
}

func (e *Endpoint) stop() {
	e.inbox.close()
	e.wg.Wait()
}

type delivery struct {
	from string
	data []byte
}

// inbox is an unbounded queue so a handler that floods never blocks on a
// peer's full buffer.
type inbox struct {
	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(d delivery) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, d)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// wait blocks until deliveries are queued and takes them all.
func (b *inbox) wait() ([]delivery, bool) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, false
		}

		if len(b.queue) > 0 {
			batch := b.queue
			b.queue = nil
			b.mu.Unlock()

			return batch, true
		}
		b.mu.Unlock()

		<-b.signal
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}
