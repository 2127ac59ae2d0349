// Package codec encodes wire messages and signed payloads.
//
// Bodies use canonical CBOR so that every node produces identical bytes for
// the same value, which signatures and value hashes depend on. A frame on the
// wire is one type byte followed by the CBOR body.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Type identifies a wire message.
type Type byte

// Wire message types.
const (
	TypePropose    Type = 0x01 // TypePropose carries a BFT proposal
	TypeShare      Type = 0x02 // TypeShare carries one arbitrator's signature share
	TypeCommit     Type = 0x03 // TypeCommit carries an aggregated commit proof
	TypeFence      Type = 0x04 // TypeFence carries a fence certificate
	TypeFenceAck   Type = 0x05 // TypeFenceAck acknowledges a fence certificate
	TypeLeaseGrant Type = 0x06 // TypeLeaseGrant announces a granted lease proof
	TypeDigest     Type = 0x07 // TypeDigest carries a replica digest for divergence checks
	TypeSnapshot   Type = 0x08 // TypeSnapshot carries a compressed replica snapshot
	TypeEvidence   Type = 0x09 // TypeEvidence reports arbitrator equivocation
)

// MaxFrameSize bounds a decoded frame.
const MaxFrameSize = 4 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor enc mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
		MaxNestedLevels:  24,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor dec mode: %v", err))
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode:\n%w", err)
	}

	return data, nil
}

// MustMarshal encodes v and panics on failure. Only for types whose
// encoding cannot fail, such as fixed structs of scalars and byte slices.
func MustMarshal(v any) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(err)
	}

	return data
}

// Unmarshal decodes canonical CBOR into v.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode:\n%w", err)
	}

	return nil
}

// Encode frames v as a message of type t.
// Format: [1B type] [CBOR body]
func Encode(t Type, v any) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 1+len(body))
	frame[0] = byte(t)
	copy(frame[1:], body)

	return frame, nil
}

// Peek returns the type of a frame without decoding the body.
func Peek(frame []byte) (Type, error) {
	if len(frame) < 2 {
		return 0, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	return Type(frame[0]), nil
}

// Decode checks the frame type and decodes the body into v.
func Decode(frame []byte, want Type, v any) error {
	t, err := Peek(frame)
	if err != nil {
		return err
	}

	if t != want {
		return fmt.Errorf("frame type 0x%02x, want 0x%02x", byte(t), byte(want))
	}

	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(frame), MaxFrameSize)
	}

	return Unmarshal(frame[1:], v)
}

// String names the message type for logs.
func (t Type) String() string {
	switch t {
	case TypePropose:
		return "propose"
	case TypeShare:
		return "share"
	case TypeCommit:
		return "commit"
	case TypeFence:
		return "fence"
	case TypeFenceAck:
		return "fence-ack"
	case TypeLeaseGrant:
		return "lease-grant"
	case TypeDigest:
		return "digest"
	case TypeSnapshot:
		return "snapshot"
	case TypeEvidence:
		return "evidence"
	default:
		return fmt.Sprintf("type-0x%02x", byte(t))
	}
}
