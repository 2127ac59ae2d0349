package lease

import (
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/crdt"
	"Stratum/internal/crypto"
	"Stratum/internal/domain"
	"Stratum/internal/hlc"
)

const (
	// StateLeasePrefix prefixes the replicated key of each domain's record.
	StateLeasePrefix = "lease"

	// StateFencesKey is the replicated key of the fence set.
	StateFencesKey = "fences"
)

// StateRecords exports the table as replicated state. Each domain maps to a
// last-writer-wins register over its encoded proof; every fence certificate
// is an element of one observed-remove set, so fences survive any merge.
func (m *Manager) StateRecords() (map[string]crdt.Record, error) {
	out := make(map[string]crdt.Record)

	var err error

	m.table.each(func(d domain.Domain, r *Record) bool {
		var data []byte

		data, err = codec.Marshal(m.proofOf(r))
		if err != nil {
			err = errors.Wrapf(err, "encode lease %s", r.ID())
			return false
		}

		out[StateLeasePrefix+string(d)] = crdt.FromLWW(crdt.NewLWW(data, r.Updated, string(r.Issuer)))

		return true
	})
	if err != nil {
		return nil, err
	}

	fences := crdt.NewORSet()

	m.table.eachFence(func(c *FenceCertificate) bool {
		var data []byte

		data, err = codec.Marshal(c)
		if err != nil {
			err = errors.Wrapf(err, "encode fence of %s", c.Fenced)
			return false
		}

		fences.Add(base64.StdEncoding.EncodeToString(data), crdt.Tag{Actor: string(c.Issuer), TS: c.FenceTime})

		return true
	})
	if err != nil {
		return nil, err
	}

	out[StateFencesKey] = crdt.FromORSet(fences)

	return out, nil
}

// ApplyMerged installs reconciled state. Fences are imported first. A merged
// record is admitted under the same rules as a flooded grant. When it wins
// over a different live local record, the loser is fenced by this node if it
// has authority over the domain.
func (m *Manager) ApplyMerged(state map[string]crdt.Record) error {
	if fr, ok := state[StateFencesKey]; ok && fr.Kind == crdt.KindORSet && fr.ORSet != nil {
		for _, el := range fr.ORSet.Elements() {
			cert, err := decodeFence(el)
			if err != nil {
				m.log.Warn("skipping undecodable fence", "error", err)
				continue
			}

			if err := m.ApplyFence(cert); err != nil {
				m.log.Warn("rejecting merged fence", "lease", cert.Fenced, "error", err)
			}
		}
	}

	var errs error

	for key, rec := range state {
		if !strings.HasPrefix(key, StateLeasePrefix+string(domain.Root)) || rec.Kind != crdt.KindLWW || rec.LWW == nil {
			continue
		}

		if err := m.applyMergedRecord(rec.LWW.Value); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "merge %s", key))
		}
	}

	m.recount()

	return errs
}

func (m *Manager) applyMergedRecord(data []byte) error {
	var p Proof
	if err := codec.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "decode merged lease")
	}

	winner := p.Record.Clone()

	if err := m.verifyRecord(winner); err != nil {
		return err
	}

	if m.table.fenced(winner.ID()) != nil {
		return nil
	}

	if _, err := m.clock.Observe(winner.Updated); err != nil {
		return err
	}

	for {
		cur := m.table.get(winner.Domain)

		if cur != nil && cur.ID() == winner.ID() && !cur.Updated.Less(winner.Updated) {
			return nil
		}

		if err := m.admit(&p, winner, cur); err != nil {
			return err
		}

		if cur != nil && cur.ID() != winner.ID() && m.live(cur, m.clock.Now()) {
			if !m.authorizedFor(winner.Domain) {
				// Only an authority can fence the loser; leave the table to its certificate.
				return errors.Wrapf(ErrUnauthorizedFence, "%s cannot fence %s for %s", m.Self(), cur.ID(), winner.ID())
			}

			if _, err := m.revoke(cur, "reconciled", winner.Holder); err != nil {
				return err
			}

			m.log.Warn("partition conflict resolved", "domain", winner.Domain, "loser", cur.ID(), "winner", winner.ID())
		}

		if m.table.cas(winner.Domain, cur, winner) {
			m.table.remember(&p)
			m.persist(winner)
			m.installed(winner)

			return nil
		}
	}
}

func decodeFence(el string) (*FenceCertificate, error) {
	data, err := base64.StdEncoding.DecodeString(el)
	if err != nil {
		return nil, errors.Wrap(err, "decode fence element")
	}

	var c FenceCertificate
	if err := codec.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode fence")
	}

	return &c, nil
}

// HolderOf reports who holds the record under a replicated lease key.
func HolderOf(rec crdt.Record) (crypto.Identity, hlc.Timestamp, bool) {
	if rec.Kind != crdt.KindLWW || rec.LWW == nil {
		return "", hlc.Zero, false
	}

	var p Proof
	if err := codec.Unmarshal(rec.LWW.Value, &p); err != nil {
		return "", hlc.Zero, false
	}

	return p.Record.Holder, p.Record.Start, true
}
