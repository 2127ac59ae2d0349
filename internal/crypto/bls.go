package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/cockroachdb/errors"
	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key (G1) in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature (G2) in bytes.
	BLSSignatureSize = 96

	// blsKeygenTag domain-separates BLS key derivation from the node seed.
	blsKeygenTag = "stratum-bls-keygen"
)

// blsDST is the ciphersuite tag for share signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BLSKeyPair is an arbitrator's share-signing key.
type BLSKeyPair struct {
	secret *blst.SecretKey // secret is the private scalar
	public *blst.P1Affine  // public is the G1 public key
}

// DeriveBLS derives the BLS key pair bound to an ed25519 identity key.
// The same ed25519 seed always yields the same BLS key.
func DeriveBLS(priv ed25519.PrivateKey) (*BLSKeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.Newf("ed25519 private key has %d bytes", len(priv))
	}

	h := blake3.New()
	h.Write([]byte(blsKeygenTag))
	h.Write(priv.Seed())

	var ikm [32]byte
	h.Sum(ikm[:0])

	return BLSFromSeed(ikm[:])
}

// GenerateBLS creates a BLS key pair from fresh randomness.
func GenerateBLS() (*BLSKeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, errors.Wrap(err, "read bls seed")
	}

	return BLSFromSeed(ikm[:])
}

// BLSFromSeed creates a BLS key pair from at least 32 bytes of key material.
func BLSFromSeed(seed []byte) (*BLSKeyPair, error) {
	if len(seed) < 32 {
		return nil, errors.Newf("bls seed has %d bytes, need 32", len(seed))
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, errors.New("bls keygen failed")
	}

	return &BLSKeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign produces a share signature over message.
func (k *BLSKeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress()
}

// PublicKey returns the compressed public key.
func (k *BLSKeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// VerifyShare checks one share signature against a single public key.
func VerifyShare(signature, message, publicKey []byte) bool {
	sig, ok := decodeSignature(signature)
	if !ok {
		return false
	}

	pk, ok := decodePublicKey(publicKey)
	if !ok {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// aggregateSignatures sums share signatures over the same message.
func aggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, 0, len(signatures))

	for i, raw := range signatures {
		sig, ok := decodeSignature(raw)
		if !ok {
			return nil, errors.Newf("malformed signature at index %d", i)
		}

		sigs = append(sigs, sig)
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, errors.New("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// verifyAggregated checks an aggregate signature against the sum of the given keys.
func verifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(publicKeys) == 0 {
		return false
	}

	sig, ok := decodeSignature(signature)
	if !ok {
		return false
	}

	pks := make([]*blst.P1Affine, 0, len(publicKeys))

	for _, raw := range publicKeys {
		pk, ok := decodePublicKey(raw)
		if !ok {
			return false
		}

		pks = append(pks, pk)
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, blsDST)
}

func decodeSignature(raw []byte) (*blst.P2Affine, bool) {
	if len(raw) != BLSSignatureSize {
		return nil, false
	}

	sig := new(blst.P2Affine).Uncompress(raw)

	return sig, sig != nil
}

func decodePublicKey(raw []byte) (*blst.P1Affine, bool) {
	if len(raw) != BLSPublicKeySize {
		return nil, false
	}

	pk := new(blst.P1Affine).Uncompress(raw)

	return pk, pk != nil
}
