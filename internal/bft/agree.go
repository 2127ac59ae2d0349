package bft

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
)

// Agree proposes value and waits for it to commit. A round that times out,
// or commits a different value, is retried with a higher round number up
// to the retry limit.
func (e *Engine) Agree(ctx context.Context, key string, value []byte) (*Commit, error) {
	want := HashValue(value)

	for attempt := 0; attempt <= e.cfg.RetryLimit; attempt++ {
		r, err := e.propose(key, value)
		if err != nil {
			return nil, err
		}

		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, errors.Mark(errors.Wrapf(ctx.Err(), "round %d", r.Number), ErrConsensusTimeout)
		}

		if r.Status == Committed && r.Commit != nil && r.Commit.Hash == want {
			return r.Commit, nil
		}

		e.log.Info("round failed, retrying", "round", r.Number, "status", r.Status, "attempt", attempt+1)

		if attempt == e.cfg.RetryLimit {
			break
		}

		if err := sleep(ctx, jitter(e.cfg.RetryBackoff, attempt)); err != nil {
			return nil, errors.Mark(err, ErrConsensusTimeout)
		}
	}

	return nil, errors.Wrapf(ErrConsensusTimeout, "%d rounds for %q", e.cfg.RetryLimit+1, key)
}

// jitter returns a random duration in [base*2^attempt/2, base*2^attempt).
func jitter(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	d := base << min(attempt, 6)
	half := d / 2

	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle decodes a frame and passes it to the matching handler.
func (e *Engine) Handle(frame []byte) error {
	t, err := codec.Peek(frame)
	if err != nil {
		return err
	}

	switch t {
	case codec.TypePropose:
		var p Propose
		if err := codec.Decode(frame, t, &p); err != nil {
			return err
		}

		return e.HandlePropose(&p)
	case codec.TypeShare:
		var s Share
		if err := codec.Decode(frame, t, &s); err != nil {
			return err
		}

		return e.HandleShare(&s)
	case codec.TypeCommit:
		var c Commit
		if err := codec.Decode(frame, t, &c); err != nil {
			return err
		}

		return e.HandleCommit(&c)
	case codec.TypeEvidence:
		var ev Evidence
		if err := codec.Decode(frame, t, &ev); err != nil {
			return err
		}

		return e.HandleEvidence(&ev)
	default:
		return errors.Newf("bft: unexpected message type %s", t)
	}
}

// Coordinator routes consensus messages to per-group engines.
type Coordinator struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{engines: make(map[string]*Engine)}
}

// Add registers e under its group id, replacing any previous engine.
func (c *Coordinator) Add(e *Engine) {
	c.mu.Lock()
	c.engines[e.group.ID] = e
	c.mu.Unlock()
}

// Engine returns the engine for groupID.
func (c *Coordinator) Engine(groupID string) (*Engine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.engines[groupID]

	return e, ok
}

// Agree runs Agree on the engine of groupID.
func (c *Coordinator) Agree(ctx context.Context, groupID, key string, value []byte) (*Commit, error) {
	e, ok := c.Engine(groupID)
	if !ok {
		return nil, errors.Newf("bft: no engine for group %s", groupID)
	}

	return e.Agree(ctx, key, value)
}

// VerifyCommit checks a commit with the engine of its group.
func (c *Coordinator) VerifyCommit(commit *Commit) bool {
	if commit == nil {
		return false
	}

	e, ok := c.Engine(commit.Group)

	return ok && e.VerifyCommit(commit)
}

// header is the field every consensus message starts with.
type header struct {
	Group string `cbor:"1,keyasint"`
}

// Handle routes a consensus frame by its group.
func (c *Coordinator) Handle(frame []byte) error {
	if len(frame) < 2 {
		return errors.New("bft: short frame")
	}

	var h header
	if err := codec.Unmarshal(frame[1:], &h); err != nil {
		return err
	}

	e, ok := c.Engine(h.Group)
	if !ok {
		return errors.Wrapf(ErrWrongGroup, "%s", h.Group)
	}

	return e.Handle(frame)
}
