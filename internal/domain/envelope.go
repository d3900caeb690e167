package domain

import "github.com/fxamacker/cbor/v2"

// MessageKind discriminates gossip payload types so the transport can route
// a frame without decoding its payload.
type MessageKind uint8

const (
	KindTelemetry        MessageKind = 1
	KindChallengeRequest MessageKind = 2
	KindChallengeProof   MessageKind = 3
)

// Envelope is the outermost gossip frame.
type Envelope struct {
	Kind    MessageKind     `cbor:"kind" json:"kind"`
	Payload cbor.RawMessage `cbor:"payload" json:"payload"`
}

// WrapTelemetry seals a signed telemetry message into envelope bytes.
func WrapTelemetry(m SignedTelemetryMessage) ([]byte, error) {
	return wrap(KindTelemetry, m)
}

// WrapChallengeRequest seals an ownership challenge into envelope bytes.
func WrapChallengeRequest(c ChallengeRequest) ([]byte, error) {
	return wrap(KindChallengeRequest, c)
}

// WrapChallengeProof seals a challenge proof into envelope bytes.
func WrapChallengeProof(p ChallengeProof) ([]byte, error) {
	return wrap(KindChallengeProof, p)
}

func wrap(kind MessageKind, payload Encodable) ([]byte, error) {
	enc, err := payload.Canonical()
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(Envelope{Kind: kind, Payload: cbor.RawMessage(enc.Bytes)})
}

// OpenEnvelope decodes the outer frame only; the payload stays raw.
func OpenEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := UnmarshalCanonical(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeSignedTelemetryMessage decodes an envelope payload of KindTelemetry.
func DecodeSignedTelemetryMessage(payload []byte) (SignedTelemetryMessage, error) {
	var m SignedTelemetryMessage
	if err := UnmarshalCanonical(payload, &m); err != nil {
		return SignedTelemetryMessage{}, err
	}
	return m, nil
}

// DecodeChallengeRequest decodes an envelope payload of KindChallengeRequest.
func DecodeChallengeRequest(payload []byte) (ChallengeRequest, error) {
	var c ChallengeRequest
	if err := UnmarshalCanonical(payload, &c); err != nil {
		return ChallengeRequest{}, err
	}
	return c, nil
}

// DecodeChallengeProof decodes an envelope payload of KindChallengeProof.
func DecodeChallengeProof(payload []byte) (ChallengeProof, error) {
	var p ChallengeProof
	if err := UnmarshalCanonical(payload, &p); err != nil {
		return ChallengeProof{}, err
	}
	return p, nil
}
