package group

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"Stratum/internal/domain"
)

var (
	// ErrUnknownGroup is returned for an unregistered group id.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrNoOwner is returned when no registered scope covers a domain.
	ErrNoOwner = errors.New("no group owns domain")

	// ErrScopeTaken is returned when two groups claim the same scope.
	ErrScopeTaken = errors.New("scope already owned")
)

// scopeItem orders scopes lexicographically in the btree.
type scopeItem struct {
	scope   domain.Domain
	groupID string
}

func (s scopeItem) Less(than btree.Item) bool {
	return s.scope < than.(scopeItem).scope
}

// Index holds every known group, keyed by id and by scope. Groups carry no
// parent pointers; the hierarchy is implied by scope prefixes.
type Index struct {
	mu     sync.RWMutex
	groups map[string]*Group // groups maps id to group
	scopes *btree.BTree      // scopes orders owned scopes
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		groups: make(map[string]*Group),
		scopes: btree.New(8),
	}
}

// Put registers or replaces g. A scope can only be owned by one group.
func (ix *Index) Put(g *Group) error {
	if err := g.Validate(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if owner := ix.scopes.Get(scopeItem{scope: g.Scope}); owner != nil && owner.(scopeItem).groupID != g.ID {
		return errors.Wrapf(ErrScopeTaken, "%s by %s", g.Scope, owner.(scopeItem).groupID)
	}

	if old, ok := ix.groups[g.ID]; ok && old.Scope != g.Scope {
		ix.scopes.Delete(scopeItem{scope: old.Scope})
	}

	ix.groups[g.ID] = g.Clone()
	ix.scopes.ReplaceOrInsert(scopeItem{scope: g.Scope, groupID: g.ID})

	return nil
}

// Get returns a copy of the group with id.
func (ix *Index) Get(id string) (*Group, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	g, ok := ix.groups[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGroup, "%s", id)
	}

	return g.Clone(), nil
}

// Resolve returns the group owning the most specific scope covering d.
func (ix *Index) Resolve(d domain.Domain) (*Group, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, anc := range d.Ancestors() {
		if item := ix.scopes.Get(scopeItem{scope: anc}); item != nil {
			return ix.groups[item.(scopeItem).groupID].Clone(), nil
		}
	}

	return nil, errors.Wrapf(ErrNoOwner, "%s", d)
}

// Within lists the groups whose scopes lie inside d, d included, in scope order.
func (ix *Index) Within(d domain.Domain) []*Group {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*Group

	ix.scopes.AscendGreaterOrEqual(scopeItem{scope: d}, func(i btree.Item) bool {
		item := i.(scopeItem)
		if !d.Covers(item.scope) {
			// "/data-x" and "/database" share the string prefix of "/data"
			// without being inside it; skip them and keep scanning.
			return strings.HasPrefix(string(item.scope), string(d))
		}

		out = append(out, ix.groups[item.groupID].Clone())

		return true
	})

	return out
}

// All lists every group in scope order.
func (ix *Index) All() []*Group {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*Group, 0, len(ix.groups))

	ix.scopes.Ascend(func(i btree.Item) bool {
		out = append(out, ix.groups[i.(scopeItem).groupID].Clone())
		return true
	})

	return out
}
