// Package bft agrees on one value per round inside a consensus group of
// 3f+1 arbitrators using two floods.
//
// A proposer floods PROPOSE. Each arbitrator that accepts it signs the round
// digest with its BLS key and floods SHARE to everyone. Any node holding a
// quorum of shares for one value combines them into an aggregate proof and
// floods COMMIT. Two values cannot both reach 2f+1 shares in one round since
// any two quorums share an honest arbitrator, who signs once per round.
package bft

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"Stratum/internal/codec"
	"Stratum/internal/crypto"
	"Stratum/internal/hlc"
)

// Hash is a blake3 digest.
type Hash [32]byte

// digestContext separates round digests from every other signed payload.
const digestContext = "stratum/bft/round/v1"

// HashValue returns the blake3 hash of a proposed value.
func HashValue(value []byte) Hash {
	return blake3.Sum256(value)
}

// RoundDigest is the message arbitrators sign for a round.
func RoundDigest(group string, round uint64, h Hash) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte(digestContext))
	_, _ = hasher.Write([]byte(group))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	_, _ = hasher.Write(buf[:])
	_, _ = hasher.Write(h[:])

	return hasher.Sum(nil)
}

// Status is the lifecycle state of a round.
type Status int

const (
	// Proposed means a proposal was sent or accepted.
	Proposed Status = iota

	// SharesCollected means a quorum of shares is held but not yet combined.
	SharesCollected

	// Committed means an aggregate proof exists for the round.
	Committed

	// TimedOut means the round ended without commit.
	TimedOut
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case SharesCollected:
		return "shares_collected"
	case Committed:
		return "committed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Propose opens a round for Value.
type Propose struct {
	Group     string          `cbor:"1,keyasint"`           // Group is the deciding consensus group
	Round     uint64          `cbor:"2,keyasint"`           // Round is the proposal's round number
	Key       string          `cbor:"3,keyasint,omitempty"` // Key scopes round staleness, usually a domain
	Value     []byte          `cbor:"4,keyasint"`           // Value is the proposed payload
	Hash      Hash            `cbor:"5,keyasint"`           // Hash is HashValue(Value)
	Proposer  crypto.Identity `cbor:"6,keyasint"`           // Proposer signed the proposal
	Timestamp hlc.Timestamp   `cbor:"7,keyasint"`           // Timestamp is the proposer's clock
	Signature []byte          `cbor:"8,keyasint,omitempty"` // Signature is the proposer's ed25519 signature
}

func (p *Propose) signingPayload() []byte {
	unsigned := *p
	unsigned.Signature = nil
	unsigned.Value = nil

	return append([]byte(digestContext+"/propose"), codec.MustMarshal(unsigned)...)
}

// Share is one arbitrator's signature over a round digest.
type Share struct {
	Group      string          `cbor:"1,keyasint"` // Group is the deciding consensus group
	Round      uint64          `cbor:"2,keyasint"` // Round is the signed round
	Key        string          `cbor:"3,keyasint,omitempty"`
	Hash       Hash            `cbor:"4,keyasint"` // Hash is the signed value hash
	Arbitrator crypto.Identity `cbor:"5,keyasint"` // Arbitrator produced the share
	Signature  []byte          `cbor:"6,keyasint"` // Signature is BLS over RoundDigest
}

// Commit carries the aggregate proof for a round.
type Commit struct {
	Group     string                 `cbor:"1,keyasint"`
	Round     uint64                 `cbor:"2,keyasint"`
	Key       string                 `cbor:"3,keyasint,omitempty"`
	Epoch     uint64                 `cbor:"4,keyasint"` // Epoch is the group epoch the roster belongs to
	Value     []byte                 `cbor:"5,keyasint"`
	Hash      Hash                   `cbor:"6,keyasint"`
	Aggregate *crypto.AggregateProof `cbor:"7,keyasint"` // Aggregate is the combined share signature
}

// Evidence accuses an arbitrator of signing two values in one round.
type Evidence struct {
	Group      string          `cbor:"1,keyasint"`
	Round      uint64          `cbor:"2,keyasint"`
	Arbitrator crypto.Identity `cbor:"3,keyasint"`
	First      Share           `cbor:"4,keyasint"`
	Second     Share           `cbor:"5,keyasint"`
}
