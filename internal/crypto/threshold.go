package crypto

import (
	"slices"

	"github.com/cockroachdb/errors"
)

// ErrInsufficientShares is returned when fewer distinct shares than the threshold are combined.
var ErrInsufficientShares = errors.New("insufficient shares")

// Share is one arbitrator's BLS signature over a round digest.
type Share struct {
	Index     int    `cbor:"1,keyasint"` // Index is the signer's position in the sorted roster
	Signature []byte `cbor:"2,keyasint"` // Signature is the compressed BLS signature
}

// AggregateProof is a combined threshold signature. Verifiers learn which
// roster members signed from the bitmap and never need the individual shares.
type AggregateProof struct {
	Signature []byte `cbor:"1,keyasint"` // Signature is the aggregated BLS signature
	Bitmap    []byte `cbor:"2,keyasint"` // Bitmap marks signer roster positions
}

// Signers returns the roster positions marked in the bitmap, ascending.
func (p *AggregateProof) Signers() []int {
	if p == nil {
		return nil
	}

	return ParseSignerBitmap(p.Bitmap)
}

// Combine aggregates shares from distinct signers into a proof.
// Duplicate indices count once; the first share seen for an index wins.
func Combine(shares []Share, threshold int, rosterSize int) (*AggregateProof, error) {
	seen := make(map[int]bool, len(shares))
	indices := make([]int, 0, len(shares))
	sigs := make([][]byte, 0, len(shares))

	for _, s := range shares {
		if s.Index < 0 || s.Index >= rosterSize || seen[s.Index] {
			continue
		}

		seen[s.Index] = true
		indices = append(indices, s.Index)
		sigs = append(sigs, s.Signature)
	}

	if threshold <= 0 || len(indices) < threshold {
		return nil, errors.Wrapf(ErrInsufficientShares, "have %d distinct shares, need %d", len(indices), threshold)
	}

	agg, err := aggregateSignatures(sigs)
	if err != nil {
		return nil, errors.Wrap(err, "combine shares")
	}

	slices.Sort(indices)

	return &AggregateProof{
		Signature: agg,
		Bitmap:    BuildSignerBitmap(indices, rosterSize),
	}, nil
}

// VerifyAggregate checks proof over message against the roster public keys.
// It fails if fewer than threshold members signed, if the bitmap names a
// position outside the roster, or if any input is malformed.
func VerifyAggregate(proof *AggregateProof, message []byte, roster [][]byte, threshold int) bool {
	if proof == nil || len(proof.Bitmap) != (len(roster)+7)/8 {
		return false
	}

	signers := proof.Signers()
	if len(signers) < threshold || len(signers) == 0 {
		return false
	}

	keys := make([][]byte, 0, len(signers))

	for _, idx := range signers {
		if idx >= len(roster) {
			return false
		}

		keys = append(keys, roster[idx])
	}

	return verifyAggregated(proof.Signature, message, keys)
}

// BuildSignerBitmap sets one bit per roster position in indices.
// Positions outside [0, total) are ignored.
func BuildSignerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// ParseSignerBitmap lists set positions in ascending order.
func ParseSignerBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := range 8 {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
