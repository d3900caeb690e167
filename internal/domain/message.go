package domain

// IdentityMetadata identifies the publishing node. Timestamp is unix
// seconds and strictly increases across successive publications from the
// same small ID; receivers discard anything that is not strictly newer.
type IdentityMetadata struct {
	PublicURL string `cbor:"node_public_url" json:"node_public_url"`
	SmallID   uint64 `cbor:"node_small_id" json:"node_small_id"`
	Country   string `cbor:"country" json:"country"`
	Timestamp uint64 `cbor:"timestamp" json:"timestamp"`
}

// TelemetryMessage is the canonical payload that gets hashed and signed.
type TelemetryMessage struct {
	Identity IdentityMetadata `cbor:"node_metadata" json:"node_metadata"`
	Record   TelemetryRecord  `cbor:"node_metrics" json:"node_metrics"`
}

// SignedTelemetryMessage carries the signature over the content hash of the
// message's canonical encoding. The signature is produced once at publish
// time and never mutated.
type SignedTelemetryMessage struct {
	Message   TelemetryMessage `cbor:"node_message" json:"node_message"`
	Signature []byte           `cbor:"signature" json:"signature"`
}

// ChallengeRequest asks the node holding SmallID to prove it controls that
// identity for the claimed owner address.
type ChallengeRequest struct {
	SmallID      uint64 `cbor:"node_small_id" json:"node_small_id"`
	ClaimedOwner string `cbor:"claimed_owner" json:"claimed_owner"`
	Nonce        []byte `cbor:"nonce" json:"nonce"`
}

// ChallengeProof is the answer to a ChallengeRequest. The signature covers
// the digest of SmallID, Nonce and PeerID, binding the network credential
// to the claimed identity.
type ChallengeProof struct {
	SmallID   uint64 `cbor:"node_small_id" json:"node_small_id"`
	Owner     string `cbor:"owner" json:"owner"`
	PeerID    string `cbor:"peer_id" json:"peer_id"`
	Nonce     []byte `cbor:"nonce" json:"nonce"`
	Signature []byte `cbor:"signature" json:"signature"`
}
