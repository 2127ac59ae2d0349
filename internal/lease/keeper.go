package lease

import (
	"sync"
	"time"

	"Stratum/internal/crypto"
	"Stratum/internal/hlc"
	"Stratum/internal/logger"
)

// DefaultRenewalWindow is how long before expiry the keeper renews.
const DefaultRenewalWindow = 5 * time.Second

// Renewer extends a lease on behalf of its holder.
type Renewer interface {
	RenewLease(id LeaseID, caller crypto.Identity) (*Proof, error)
}

// HoldState is the holder-side state of a tracked lease.
type HoldState int

const (
	// Held means the lease is believed valid.
	Held HoldState = iota

	// Lost means renewal failed or the lease expired; writes must stop.
	Lost
)

// String returns the state name.
func (s HoldState) String() string {
	if s == Held {
		return "held"
	}

	return "lost"
}

type held struct {
	id     LeaseID
	expiry hlc.Timestamp
	state  HoldState
}

// Keeper renews a holder's leases ahead of expiry. A lease that cannot be
// renewed moves to Lost and CanWrite reports false from then on.
type Keeper struct {
	self    crypto.Identity
	renewer Renewer
	clock   *hlc.Clock
	window  time.Duration
	tick    time.Duration

	mu     sync.Mutex
	leases map[LeaseID]*held

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewKeeper creates a keeper renewing leases for self within window of expiry.
func NewKeeper(self crypto.Identity, renewer Renewer, clock *hlc.Clock, window time.Duration) *Keeper {
	if window <= 0 {
		window = DefaultRenewalWindow
	}

	tick := window / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}

	return &Keeper{
		self:    self,
		renewer: renewer,
		clock:   clock,
		window:  window,
		tick:    tick,
		leases:  make(map[LeaseID]*held),
		stop:    make(chan struct{}),
	}
}

// Track starts keeping p's lease alive.
func (k *Keeper) Track(p *Proof) {
	k.mu.Lock()
	defer k.mu.Unlock()

	id := p.Record.ID()
	k.leases[id] = &held{id: id, expiry: p.Record.Expiry, state: Held}
}

// Untrack stops renewing id.
func (k *Keeper) Untrack(id LeaseID) {
	k.mu.Lock()
	delete(k.leases, id)
	k.mu.Unlock()
}

// State returns the tracked state of id.
func (k *Keeper) State(id LeaseID) (HoldState, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	h, ok := k.leases[id]
	if !ok {
		return Lost, false
	}

	return h.state, true
}

// CanWrite reports whether id is held and unexpired on the local clock.
func (k *Keeper) CanWrite(id LeaseID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	h, ok := k.leases[id]
	if !ok || h.state != Held {
		return false
	}

	if !k.clock.Last().Less(h.expiry) {
		h.state = Lost
		return false
	}

	return true
}

// Start runs the renewal loop until Stop.
func (k *Keeper) Start() {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return
	}
	k.started = true
	stop := k.stop
	k.mu.Unlock()

	k.wg.Add(1)

	go func() {
		defer k.wg.Done()

		ticker := time.NewTicker(k.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				k.RenewDue()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the renewal loop.
func (k *Keeper) Stop() {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		return
	}

	k.started = false
	stop := k.stop
	k.stop = make(chan struct{})
	k.mu.Unlock()

	close(stop)
	k.wg.Wait()
}

// RenewDue renews every held lease that expires within the window and
// returns how many it renewed.
func (k *Keeper) RenewDue() int {
	now := k.clock.Now()
	horizon := now.Add(k.window)

	k.mu.Lock()
	var due []LeaseID

	for id, h := range k.leases {
		if h.state != Held {
			continue
		}

		if !now.Less(h.expiry) {
			h.state = Lost
			continue
		}

		if h.expiry.Less(horizon) {
			due = append(due, id)
		}
	}
	k.mu.Unlock()

	renewed := 0

	for _, id := range due {
		p, err := k.renewer.RenewLease(id, k.self)

		k.mu.Lock()
		h, ok := k.leases[id]
		if ok {
			if err != nil {
				h.state = Lost
			} else {
				h.expiry = p.Record.Expiry
				renewed++
			}
		}
		k.mu.Unlock()

		if err != nil {
			logger.Warn("lease lost", "lease", id, "error", err)
		}
	}

	return renewed
}
