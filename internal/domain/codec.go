package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
)

// HashSize is the length of a content hash in bytes.
const HashSize = 32

// encMode applies the CBOR core deterministic encoding rules so canonical
// bytes are identical for structurally equal values on every machine.
var encMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("canonical encoder: %v", err))
	}
	encMode = mode
}

// Encoded pairs canonical bytes with their content hash.
type Encoded struct {
	Bytes []byte
	Hash  [HashSize]byte
}

// Encodable is the canonical-encoding contract. Implementations must be
// pure: same value, same bytes, any process, any run.
type Encodable interface {
	Canonical() (Encoded, error)
}

// Signable marks payloads whose content hash is signed at publish time.
type Signable interface {
	Encodable
	Signed(s Signer) ([]byte, error)
}

// MarshalCanonical encodes v deterministically.
func MarshalCanonical(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Cause: err}
	}
	return data, nil
}

// UnmarshalCanonical decodes canonical bytes into v.
func UnmarshalCanonical(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return &SerializationError{Cause: err}
	}
	return nil
}

// ContentHash digests canonical bytes.
func ContentHash(data []byte) [HashSize]byte {
	var h [HashSize]byte
	copy(h[:], crypto.Keccak256(data))
	return h
}

func encodeCanonical(v any) (Encoded, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Bytes: data, Hash: ContentHash(data)}, nil
}

// Canonical implements Encodable.
func (m TelemetryMessage) Canonical() (Encoded, error) { return encodeCanonical(m) }

// Signed implements Signable. The signature covers the content hash of the
// canonical encoding produced here, never a re-derived one, so divergence
// between encode calls is externally detectable.
func (m TelemetryMessage) Signed(s Signer) ([]byte, error) {
	enc, err := m.Canonical()
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(enc.Hash[:])
	if err != nil {
		return nil, &SignatureError{Cause: err}
	}
	return sig, nil
}

// Canonical implements Encodable.
func (m SignedTelemetryMessage) Canonical() (Encoded, error) { return encodeCanonical(m) }

// Canonical implements Encodable.
func (c ChallengeRequest) Canonical() (Encoded, error) { return encodeCanonical(c) }

// Canonical implements Encodable.
func (p ChallengeProof) Canonical() (Encoded, error) { return encodeCanonical(p) }

var (
	_ Signable  = TelemetryMessage{}
	_ Encodable = SignedTelemetryMessage{}
	_ Encodable = ChallengeRequest{}
	_ Encodable = ChallengeProof{}
)
