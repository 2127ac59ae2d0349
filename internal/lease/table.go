package lease

import (
	"sync"
	"sync/atomic"

	"Stratum/internal/domain"
)

// slot holds the current record for one domain. Published records are
// immutable; updates swap the pointer.
type slot struct {
	cur atomic.Pointer[Record]
}

// table is the per-domain lease table. Each domain is linearized by
// compare-and-swap on its own slot, so grants on different domains never
// contend.
type table struct {
	slots  sync.Map // slots maps domain.Domain to *slot
	byID   sync.Map // byID maps LeaseID to domain.Domain
	fences  sync.Map // fences maps LeaseID to *FenceCertificate
	origins sync.Map // origins maps LeaseID to the *Proof that first granted it
}

func (t *table) slot(d domain.Domain) *slot {
	if s, ok := t.slots.Load(d); ok {
		return s.(*slot)
	}

	s, _ := t.slots.LoadOrStore(d, &slot{})

	return s.(*slot)
}

// get returns the current record for d, or nil.
func (t *table) get(d domain.Domain) *Record {
	s, ok := t.slots.Load(d)
	if !ok {
		return nil
	}

	return s.(*slot).cur.Load()
}

// cas installs next if the slot still holds prev. A nil next clears the slot.
func (t *table) cas(d domain.Domain, prev, next *Record) bool {
	if !t.slot(d).cur.CompareAndSwap(prev, next) {
		return false
	}

	if next != nil {
		t.byID.Store(next.ID(), d)
	}

	return true
}

// lookup returns the domain recorded for id.
func (t *table) lookup(id LeaseID) (domain.Domain, bool) {
	d, ok := t.byID.Load(id)
	if !ok {
		return "", false
	}

	return d.(domain.Domain), true
}

// forget drops the id index and origin entries.
func (t *table) forget(id LeaseID) {
	t.byID.Delete(id)
	t.origins.Delete(id)
}

// fenced returns the certificate revoking id, or nil.
func (t *table) fenced(id LeaseID) *FenceCertificate {
	c, ok := t.fences.Load(id)
	if !ok {
		return nil
	}

	return c.(*FenceCertificate)
}

// fence records cert unless id is already fenced and returns the stored certificate.
func (t *table) fence(cert *FenceCertificate) (*FenceCertificate, bool) {
	actual, loaded := t.fences.LoadOrStore(cert.Fenced, cert)
	return actual.(*FenceCertificate), !loaded
}

// origin returns the proof that granted id, or nil.
func (t *table) origin(id LeaseID) *Proof {
	p, ok := t.origins.Load(id)
	if !ok {
		return nil
	}

	return p.(*Proof)
}

// remember keeps the authorizing proof of a consensus grant.
func (t *table) remember(p *Proof) {
	if p.Agreement == nil {
		return
	}

	t.origins.LoadOrStore(p.Authorized().ID(), &Proof{Record: *p.Authorized().Clone(), Agreement: p.Agreement})
}

// each visits every non-empty slot.
func (t *table) each(fn func(d domain.Domain, r *Record) bool) {
	t.slots.Range(func(k, v any) bool {
		r := v.(*slot).cur.Load()
		if r == nil {
			return true
		}

		return fn(k.(domain.Domain), r)
	})
}

// eachFence visits every fence certificate.
func (t *table) eachFence(fn func(c *FenceCertificate) bool) {
	t.fences.Range(func(_, v any) bool {
		return fn(v.(*FenceCertificate))
	})
}
