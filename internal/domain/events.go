package domain

// EventKind discriminates NetworkEvent variants.
type EventKind string

const (
	EventRegistration       EventKind = "registration"
	EventOwnershipChallenge EventKind = "ownership_challenge"
	EventChallengeAnswer    EventKind = "challenge_answer"
)

// NetworkEvent is produced by the node core and consumed exactly once by
// the gossip layer.
type NetworkEvent interface {
	Kind() EventKind
}

// RegistrationEvent announces one telemetry publication. Payload is the
// canonical envelope bytes ready for the wire; Hash is the content hash of
// the inner message so consumers can deduplicate without re-encoding.
type RegistrationEvent struct {
	Identity IdentityMetadata
	Record   TelemetryRecord
	Payload  []byte
	Hash     [HashSize]byte
}

func (RegistrationEvent) Kind() EventKind { return EventRegistration }

// OwnershipChallenge asks the consumer to confirm that ClaimedOwner holds
// SmallID. The consumer answers on Reply; the emitter waits a bounded time
// and treats silence as unverified.
type OwnershipChallenge struct {
	SmallID      uint64
	ClaimedOwner string
	Reply        chan<- bool
}

func (OwnershipChallenge) Kind() EventKind { return EventOwnershipChallenge }

// ChallengeAnswer carries an encoded ownership proof envelope for
// publication.
type ChallengeAnswer struct {
	SmallID uint64
	Payload []byte
}

func (ChallengeAnswer) Kind() EventKind { return EventChallengeAnswer }
