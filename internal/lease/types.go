// Package lease grants, renews, fences and migrates exclusive write authority
// over namespace domains.
//
// Each domain has at most one live lease at any HLC instant. A lease on a
// more specific domain overrides one on an enclosing domain for the paths it
// covers. Fencing a lease is permanent and is checked before every write.
package lease

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"Stratum/internal/codec"
	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/hlc"
)

// Signing contexts keep each signed structure in its own namespace.
const (
	recordContext   = "stratum/lease/record/v1"
	fenceContext    = "stratum/lease/fence/v1"
	ackContext      = "stratum/lease/fence-ack/v1"
	approvalContext = "stratum/lease/approval/v1"
	callerContext   = "stratum/lease/caller/v1"
)

// LeaseID identifies a lease by its holder and start timestamp.
type LeaseID struct {
	Holder crypto.Identity `cbor:"1,keyasint"` // Holder owns the lease
	Start  hlc.Timestamp   `cbor:"2,keyasint"` // Start is when authority begins
}

// String renders "holder@physical:logical".
func (id LeaseID) String() string {
	return fmt.Sprintf("%s@%s", id.Holder, id.Start)
}

// IsZero reports whether id is unset.
func (id LeaseID) IsZero() bool {
	return id.Holder == "" && id.Start.IsZero()
}

// Record is a granted lease.
type Record struct {
	Domain      domain.Domain        `cbor:"1,keyasint"`            // Domain is the region the lease covers
	Holder      crypto.Identity      `cbor:"2,keyasint"`            // Holder may write while the lease is valid
	Start       hlc.Timestamp        `cbor:"3,keyasint"`            // Start is when authority begins
	Expiry      hlc.Timestamp        `cbor:"4,keyasint"`            // Expiry is when authority ends
	Duration    time.Duration        `cbor:"5,keyasint"`            // Duration is the renewal increment
	Issuer      crypto.Identity      `cbor:"6,keyasint"`            // Issuer signed the record
	Group       string               `cbor:"7,keyasint,omitempty"`  // Group is the issuing consensus group
	Predecessor *LeaseID             `cbor:"8,keyasint,omitempty"`  // Predecessor is the fenced lease this one replaced
	Approvals   []DelegationApproval `cbor:"9,keyasint,omitempty"`  // Approvals is the delegation chain for delegated grants
	Updated     hlc.Timestamp        `cbor:"10,keyasint"`           // Updated is the grant or last renewal time
	Signature   []byte               `cbor:"11,keyasint,omitempty"` // Signature is the issuer's signature
}

// ID returns the lease id.
func (r *Record) ID() LeaseID {
	return LeaseID{Holder: r.Holder, Start: r.Start}
}

// ValidAt reports whether at lies in [Start, Expiry).
func (r *Record) ValidAt(at hlc.Timestamp) bool {
	return !at.Less(r.Start) && at.Less(r.Expiry)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r

	if r.Predecessor != nil {
		p := *r.Predecessor
		c.Predecessor = &p
	}

	c.Approvals = append([]DelegationApproval(nil), r.Approvals...)
	c.Signature = append([]byte(nil), r.Signature...)

	return &c
}

// signingPayload is the canonical encoding of everything but the signature.
func (r *Record) signingPayload() []byte {
	unsigned := *r
	unsigned.Signature = nil

	return append([]byte(recordContext), codec.MustMarshal(unsigned)...)
}

// Agreement is the consensus evidence attached to a cross-boundary grant.
type Agreement struct {
	Group     string                 `cbor:"1,keyasint"` // Group is the agreeing consensus group
	Round     uint64                 `cbor:"2,keyasint"` // Round is the committed round
	Epoch     uint64                 `cbor:"3,keyasint"` // Epoch is the group epoch at commit
	Aggregate *crypto.AggregateProof `cbor:"4,keyasint"` // Aggregate is the threshold signature
}

// Proof is what a holder presents to show authority over a domain.
//
// For a renewed consensus grant the agreement commits Origin, the record as
// first granted, and Record is a renewal of it.
type Proof struct {
	Record    Record     `cbor:"1,keyasint"`           // Record is the signed lease
	Agreement *Agreement `cbor:"2,keyasint,omitempty"` // Agreement is set for consensus grants
	Origin    *Record    `cbor:"3,keyasint,omitempty"` // Origin is the agreed record when Record renews it
}

// Authorized returns the record the agreement or chain authorizes.
func (p *Proof) Authorized() *Record {
	if p.Origin != nil {
		return p.Origin
	}

	return &p.Record
}

// CallerPayload is what a holder signs to renew or release id through a
// node other than itself. op is "renew" or "release".
func CallerPayload(op string, id LeaseID) []byte {
	return append([]byte(callerContext+"/"+op), codec.MustMarshal(id)...)
}

// FenceCertificate permanently revokes a lease.
type FenceCertificate struct {
	Domain     domain.Domain   `cbor:"1,keyasint"`           // Domain is the region the fenced lease covered
	Fenced     LeaseID         `cbor:"2,keyasint"`           // Fenced is the revoked lease
	FenceTime  hlc.Timestamp   `cbor:"3,keyasint"`           // FenceTime is when the fence was issued
	Issuer     crypto.Identity `cbor:"4,keyasint"`           // Issuer has authority over Domain
	NextHolder crypto.Identity `cbor:"5,keyasint,omitempty"` // NextHolder is the migration target, if any
	Reason     string          `cbor:"6,keyasint,omitempty"` // Reason is a human-readable cause
	Signature  []byte          `cbor:"7,keyasint,omitempty"` // Signature is the issuer's signature
}

func (c *FenceCertificate) signingPayload() []byte {
	unsigned := *c
	unsigned.Signature = nil

	return append([]byte(fenceContext), codec.MustMarshal(unsigned)...)
}

// FenceAck is the fenced holder's acknowledgment that it stopped writing.
type FenceAck struct {
	Domain    domain.Domain   `cbor:"1,keyasint"`           // Domain is the fenced domain
	Fenced    LeaseID         `cbor:"2,keyasint"`           // Fenced is the acknowledged lease
	At        hlc.Timestamp   `cbor:"3,keyasint"`           // At is when the holder acknowledged
	From      crypto.Identity `cbor:"4,keyasint"`           // From is the acknowledging holder
	Signature []byte          `cbor:"5,keyasint,omitempty"` // Signature is by Fenced.Holder
}

func (a *FenceAck) signingPayload() []byte {
	unsigned := *a
	unsigned.Signature = nil

	return append([]byte(ackContext), codec.MustMarshal(unsigned)...)
}

// DelegationApproval lets Grantee issue leases inside Scope until ValidUntil.
// Chains of approvals start at the root authority.
type DelegationApproval struct {
	ID         uuid.UUID       `cbor:"1,keyasint"`           // ID names the approval
	Issuer     crypto.Identity `cbor:"2,keyasint"`           // Issuer holds authority over Scope
	Grantee    crypto.Identity `cbor:"3,keyasint"`           // Grantee receives authority
	Scope      domain.Domain   `cbor:"4,keyasint"`           // Scope is the delegated region
	ValidUntil hlc.Timestamp   `cbor:"5,keyasint"`           // ValidUntil bounds the delegation
	Signature  []byte          `cbor:"6,keyasint,omitempty"` // Signature is the issuer's signature
}

func (a *DelegationApproval) signingPayload() []byte {
	unsigned := *a
	unsigned.Signature = nil

	return append([]byte(approvalContext), codec.MustMarshal(unsigned)...)
}
