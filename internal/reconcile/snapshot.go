package reconcile

import (
	"encoding/binary"
	"maps"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Stratum/internal/codec"
	"Stratum/internal/crdt"
)

// snapshotVersion is the snapshot format version.
const snapshotVersion = 1

// ErrChecksumMismatch is returned when a snapshot fails its integrity check.
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// snapshot is the decoded form of a replica snapshot.
type snapshot struct {
	Version  uint32   `cbor:"1,keyasint"`
	Replica  string   `cbor:"2,keyasint"`
	Revision uint64   `cbor:"3,keyasint"` // Revision is the replica version when taken
	Entries  []entry  `cbor:"4,keyasint"`
	Checksum [32]byte `cbor:"5,keyasint"`
}

type entry struct {
	Key    string `cbor:"1,keyasint"`
	Record []byte `cbor:"2,keyasint"` // Record is the canonical record encoding
}

// CreateSnapshot encodes every record, sorted by key, with a blake3
// checksum, and compresses the result with zstd.
func (r *Replica) CreateSnapshot() ([]byte, error) {
	r.mu.RLock()
	s := snapshot{Version: snapshotVersion, Replica: r.id, Revision: r.version}

	for _, key := range slices.Sorted(maps.Keys(r.records)) {
		data, err := r.records[key].Encode()
		if err != nil {
			r.mu.RUnlock()
			return nil, errors.Wrapf(err, "encode %q", key)
		}

		s.Entries = append(s.Entries, entry{Key: key, Record: data})
	}
	r.mu.RUnlock()

	s.Checksum = checksum(s.Version, s.Revision, s.Entries)

	data, err := codec.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}

	return CompressSnapshot(data)
}

// ApplySnapshot verifies a compressed snapshot and merges its records. It
// returns the keys that changed.
func (r *Replica) ApplySnapshot(data []byte) ([]string, error) {
	raw, err := DecompressSnapshot(data)
	if err != nil {
		return nil, errors.Wrap(err, "decompress snapshot")
	}

	var s snapshot
	if err := codec.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}

	if s.Version != snapshotVersion {
		return nil, errors.Newf("unsupported snapshot version %d", s.Version)
	}

	if !slices.IsSortedFunc(s.Entries, func(a, b entry) int { return strings.Compare(a.Key, b.Key) }) {
		return nil, errors.Wrap(ErrChecksumMismatch, "entries out of order")
	}

	if checksum(s.Version, s.Revision, s.Entries) != s.Checksum {
		return nil, errors.Wrapf(ErrChecksumMismatch, "snapshot from %s", s.Replica)
	}

	remote := make(map[string]crdt.Record, len(s.Entries))

	for _, e := range s.Entries {
		rec, err := crdt.Decode(e.Record)
		if err != nil {
			return nil, errors.Wrapf(err, "record %q", e.Key)
		}

		remote[e.Key] = rec
	}

	changed, err := r.Reconcile(remote)

	r.log.Debug("snapshot applied", "from", s.Replica, "entries", len(s.Entries), "changed", len(changed))

	return changed, err
}

// checksum covers version, revision and every entry in order.
func checksum(version uint32, revision uint64, entries []entry) [32]byte {
	h := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], version)
	_, _ = h.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], revision)
	_, _ = h.Write(buf[:])

	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.Key)))
		_, _ = h.Write(buf[:4])
		_, _ = h.Write([]byte(e.Key))

		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.Record)))
		_, _ = h.Write(buf[:4])
		_, _ = h.Write(e.Record)
	}

	var sum [32]byte
	h.Sum(sum[:0])

	return sum
}

// CompressSnapshot compresses data with zstd.
func CompressSnapshot(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, "create encoder")
	}
	defer enc.Close()

	return enc.EncodeAll(data, nil), nil
}

// DecompressSnapshot reverses CompressSnapshot.
func DecompressSnapshot(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		return nil, errors.Wrap(err, "create decoder")
	}
	defer dec.Close()

	return dec.DecodeAll(data, nil)
}
