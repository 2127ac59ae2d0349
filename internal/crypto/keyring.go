// Package crypto provides node identities, ordinary ed25519 signatures and
// BLS threshold signatures for consensus shares.
//
// Verification always fails closed: malformed keys, signatures or bitmaps
// make a check return false rather than panic.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/cockroachdb/errors"
)

// Identity names a node or lease holder.
type Identity string

// ErrUnknownIdentity is returned when a keyring has no keys for an identity.
var ErrUnknownIdentity = errors.New("unknown identity")

// PublicKeys are the verification keys registered for one identity.
type PublicKeys struct {
	Ed25519 ed25519.PublicKey `cbor:"1,keyasint"` // Ed25519 verifies ordinary signatures
	BLS     []byte            `cbor:"2,keyasint"` // BLS verifies consensus shares
}

// Keyring maps identities to their public keys.
type Keyring struct {
	mu   sync.RWMutex
	keys map[Identity]PublicKeys
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[Identity]PublicKeys)}
}

// Add registers or replaces the keys for id.
func (k *Keyring) Add(id Identity, keys PublicKeys) error {
	if len(keys.Ed25519) != ed25519.PublicKeySize {
		return errors.Newf("identity %s: ed25519 key has %d bytes", id, len(keys.Ed25519))
	}

	if keys.BLS != nil {
		if _, ok := decodePublicKey(keys.BLS); !ok {
			return errors.Newf("identity %s: malformed bls key", id)
		}
	}

	k.mu.Lock()
	k.keys[id] = keys
	k.mu.Unlock()

	return nil
}

// Lookup returns the keys for id.
func (k *Keyring) Lookup(id Identity) (PublicKeys, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys, ok := k.keys[id]

	return keys, ok
}

// Verify checks an ed25519 signature by id over payload.
func (k *Keyring) Verify(id Identity, payload, sig []byte) bool {
	keys, ok := k.Lookup(id)
	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(keys.Ed25519, payload, sig)
}

// VerifyShare checks a BLS share by id over message.
func (k *Keyring) VerifyShare(id Identity, message, sig []byte) bool {
	keys, ok := k.Lookup(id)
	if !ok {
		return false
	}

	return VerifyShare(sig, message, keys.BLS)
}

// BLSKeys returns the BLS keys for ids in order.
func (k *Keyring) BLSKeys(ids []Identity) ([][]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([][]byte, len(ids))

	for i, id := range ids {
		keys, ok := k.keys[id]
		if !ok || keys.BLS == nil {
			return nil, errors.Wrapf(ErrUnknownIdentity, "bls key for %s", id)
		}

		out[i] = keys.BLS
	}

	return out, nil
}

// Signer signs payloads as one identity.
type Signer struct {
	id   Identity           // id is the signing identity
	priv ed25519.PrivateKey // priv is the ed25519 private key
	bls  *BLSKeyPair        // bls signs consensus shares
}

// NewSigner binds a private key to an identity and derives its BLS key.
func NewSigner(id Identity, priv ed25519.PrivateKey) (*Signer, error) {
	bls, err := DeriveBLS(priv)
	if err != nil {
		return nil, errors.Wrapf(err, "derive bls key for %s", id)
	}

	return &Signer{id: id, priv: priv, bls: bls}, nil
}

// GenerateSigner creates a signer with a fresh key. The identity defaults to
// the hex prefix of the public key when id is empty.
func GenerateSigner(id Identity) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}

	if id == "" {
		id = DefaultIdentity(priv.Public().(ed25519.PublicKey))
	}

	return NewSigner(id, priv)
}

// DefaultIdentity derives a short identity from a public key.
func DefaultIdentity(pub ed25519.PublicKey) Identity {
	return Identity(hex.EncodeToString(pub[:8]))
}

// Identity returns the signer's identity.
func (s *Signer) Identity() Identity {
	return s.id
}

// Sign returns an ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) []byte {
	return ed25519.Sign(s.priv, payload)
}

// SignShare returns a BLS share signature over message.
func (s *Signer) SignShare(message []byte) []byte {
	return s.bls.Sign(message)
}

// PrivateKey returns the ed25519 private key.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// PublicKeys returns the keys others need to verify this signer.
func (s *Signer) PublicKeys() PublicKeys {
	return PublicKeys{
		Ed25519: s.priv.Public().(ed25519.PublicKey),
		BLS:     s.bls.PublicKey(),
	}
}
