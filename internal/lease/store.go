package lease

import (
	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/domain"
	"Stratum/internal/storage"
)

var (
	recordPrefix = []byte("lease/rec/")
	fencePrefix  = []byte("lease/fence/")
)

// Store persists the lease table to Pebble. Fence certificates are written
// durably since a lost fence could let a revoked holder write again.
type Store struct {
	db *storage.Storage // db is the backing key-value store
}

// NewStore wraps db.
func NewStore(db *storage.Storage) *Store {
	return &Store{db: db}
}

// PutLease stores the current record for its domain with the agreement
// that granted it.
func (s *Store) PutLease(p *Proof) error {
	data, err := codec.Marshal(p)
	if err != nil {
		return errors.Wrapf(err, "encode lease %s", p.Record.ID())
	}

	return s.db.Set(recordKey(p.Record.Domain), data)
}

// DeleteRecord removes the record for d.
func (s *Store) DeleteRecord(d domain.Domain) error {
	return s.db.Delete(recordKey(d))
}

// PutFence durably stores a fence certificate.
func (s *Store) PutFence(c *FenceCertificate) error {
	data, err := codec.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "encode fence of %s", c.Fenced)
	}

	return s.db.SetDurable(fenceKey(c.Fenced), data)
}

// Load reads every stored lease and fence certificate.
func (s *Store) Load() ([]*Proof, []*FenceCertificate, error) {
	var (
		records []*Proof
		fences  []*FenceCertificate
	)

	err := s.db.IteratePrefix(recordPrefix, func(key, value []byte) error {
		var p Proof
		if err := codec.Unmarshal(value, &p); err != nil {
			return errors.Wrapf(err, "decode lease at %q", key)
		}

		records = append(records, &p)

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	err = s.db.IteratePrefix(fencePrefix, func(key, value []byte) error {
		var c FenceCertificate
		if err := codec.Unmarshal(value, &c); err != nil {
			return errors.Wrapf(err, "decode fence at %q", key)
		}

		fences = append(fences, &c)

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return records, fences, nil
}

func recordKey(d domain.Domain) []byte {
	return append(append([]byte(nil), recordPrefix...), d...)
}

func fenceKey(id LeaseID) []byte {
	key := append(append([]byte(nil), fencePrefix...), id.Holder...)
	key = append(key, 0x00)

	return append(key, id.Start.Bytes()...)
}
