// Package group describes consensus groups: the arbitrator sets that own a
// scope of the namespace and agree on lease grants crossing their boundary.
package group

import (
	"slices"

	"github.com/cockroachdb/errors"

	"Stratum/internal/crypto"
	"Stratum/internal/domain"
)

var (
	// ErrChangeInProgress is returned when a membership change is already joint.
	ErrChangeInProgress = errors.New("membership change in progress")

	// ErrNoChange is returned when committing without a pending change.
	ErrNoChange = errors.New("no membership change pending")
)

// Configuration is one membership set.
type Configuration struct {
	Members []crypto.Identity `cbor:"1,keyasint"` // Members are sorted and distinct
}

// NewConfiguration sorts and de-duplicates members.
func NewConfiguration(members ...crypto.Identity) Configuration {
	m := slices.Clone(members)
	slices.Sort(m)

	return Configuration{Members: slices.Compact(m)}
}

// Size is the member count.
func (c Configuration) Size() int {
	return len(c.Members)
}

// F is the number of Byzantine members tolerated, floor((n-1)/3).
func (c Configuration) F() int {
	if len(c.Members) == 0 {
		return 0
	}

	return (len(c.Members) - 1) / 3
}

// Quorum is n-f, which is 2f+1 when n = 3f+1.
func (c Configuration) Quorum() int {
	return len(c.Members) - c.F()
}

// Contains reports membership.
func (c Configuration) Contains(id crypto.Identity) bool {
	_, ok := slices.BinarySearch(c.Members, id)
	return ok
}

// count returns how many distinct signers are members.
func (c Configuration) count(signers []crypto.Identity) int {
	seen := make(map[crypto.Identity]bool, len(signers))
	n := 0

	for _, s := range signers {
		if !seen[s] && c.Contains(s) {
			seen[s] = true
			n++
		}
	}

	return n
}

// Group is a consensus group owning a scope.
type Group struct {
	ID              string          `cbor:"1,keyasint"`           // ID names the group
	Scope           domain.Domain   `cbor:"2,keyasint"`           // Scope is the namespace region the group owns
	Epoch           uint64          `cbor:"3,keyasint"`           // Epoch increments on every committed membership change
	Leader          crypto.Identity `cbor:"4,keyasint"`           // Leader proposes on behalf of the group
	ConfigurationID uint64          `cbor:"5,keyasint"`           // ConfigurationID increments on every begin or commit
	Current         Configuration   `cbor:"6,keyasint"`           // Current is the active membership
	Next            *Configuration  `cbor:"7,keyasint,omitempty"` // Next is set during joint consensus
}

// New creates a group in epoch zero. The leader defaults to the first member.
func New(id string, scope domain.Domain, members ...crypto.Identity) *Group {
	cfg := NewConfiguration(members...)

	g := &Group{ID: id, Scope: scope, Current: cfg}
	if len(cfg.Members) > 0 {
		g.Leader = cfg.Members[0]
	}

	return g
}

// Validate checks structural invariants.
func (g *Group) Validate() error {
	if g.ID == "" {
		return errors.New("group has no id")
	}

	if _, err := domain.Parse(string(g.Scope)); err != nil {
		return errors.Wrapf(err, "group %s scope", g.ID)
	}

	if g.Current.Size() == 0 {
		return errors.Newf("group %s has no members", g.ID)
	}

	if g.Leader != "" && !g.IsMember(g.Leader) {
		return errors.Newf("group %s leader %s is not a member", g.ID, g.Leader)
	}

	return nil
}

// Joint reports whether a membership change is in progress.
func (g *Group) Joint() bool {
	return g.Next != nil
}

// Roster is the sorted union of all members in force. Share indices and
// signer bitmaps refer to positions in this list.
func (g *Group) Roster() []crypto.Identity {
	if g.Next == nil {
		return slices.Clone(g.Current.Members)
	}

	return NewConfiguration(append(slices.Clone(g.Current.Members), g.Next.Members...)...).Members
}

// IndexOf returns the roster position of id, or -1.
func (g *Group) IndexOf(id crypto.Identity) int {
	idx, ok := slices.BinarySearch(g.Roster(), id)
	if !ok {
		return -1
	}

	return idx
}

// IsMember reports whether id is in any configuration in force.
func (g *Group) IsMember(id crypto.Identity) bool {
	return g.Current.Contains(id) || (g.Next != nil && g.Next.Contains(id))
}

// QuorumSize is the signer count needed in the current configuration.
func (g *Group) QuorumSize() int {
	return g.Current.Quorum()
}

// HasQuorum reports whether signers reach a quorum. During joint consensus
// a quorum requires n-f of both the old and the new configuration.
func (g *Group) HasQuorum(signers []crypto.Identity) bool {
	if g.Current.count(signers) < g.Current.Quorum() {
		return false
	}

	if g.Next != nil && g.Next.count(signers) < g.Next.Quorum() {
		return false
	}

	return true
}

// BeginChange enters joint consensus with members as the next configuration.
func (g *Group) BeginChange(members ...crypto.Identity) error {
	if g.Next != nil {
		return errors.Wrapf(ErrChangeInProgress, "group %s", g.ID)
	}

	next := NewConfiguration(members...)
	if next.Size() == 0 {
		return errors.Newf("group %s: next configuration is empty", g.ID)
	}

	g.Next = &next
	g.ConfigurationID++

	return nil
}

// CommitChange makes the next configuration current and bumps the epoch.
// The leader moves to the first new member if it left.
func (g *Group) CommitChange() error {
	if g.Next == nil {
		return errors.Wrapf(ErrNoChange, "group %s", g.ID)
	}

	g.Current = *g.Next
	g.Next = nil
	g.Epoch++
	g.ConfigurationID++

	if !g.Current.Contains(g.Leader) {
		g.Leader = g.Current.Members[0]
	}

	return nil
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	c := *g
	c.Current = Configuration{Members: slices.Clone(g.Current.Members)}

	if g.Next != nil {
		next := Configuration{Members: slices.Clone(g.Next.Members)}
		c.Next = &next
	}

	return &c
}
