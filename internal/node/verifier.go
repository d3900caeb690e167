package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/monitoring"
	"github.com/veritel/veritel-node/internal/signing"
)

const (
	defaultChallengeTimeout = 10 * time.Second

	// Dedup filter sizing. At the expected capacity the false positive
	// rate costs at most one fresh message per thousand.
	dedupCapacity          = 100000
	dedupFalsePositiveRate = 0.001
)

// PeerRecorder persists accepted peer publications. Persistence is best
// effort and never blocks acceptance.
type PeerRecorder interface {
	RecordPeer(ctx context.Context, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error
}

// Verifier enforces receive-side acceptance of peer telemetry: structural
// decode, freshness, dedup, signature recovery, then ownership. Verifier
// state only moves on full acceptance, so probing with stale or forged
// messages cannot poison the freshness map or the dedup filter.
type Verifier struct {
	emitter *Emitter
	store   PeerRecorder
	log     *slog.Logger

	challengeTimeout time.Duration

	mu       sync.Mutex
	lastSeen map[uint64]uint64
	seen     *bloom.BloomFilter
}

func NewVerifier(emitter *Emitter, store PeerRecorder, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		emitter:          emitter,
		store:            store,
		log:              log,
		challengeTimeout: defaultChallengeTimeout,
		lastSeen:         make(map[uint64]uint64),
		seen:             bloom.NewWithEstimates(dedupCapacity, dedupFalsePositiveRate),
	}
}

// SetOwnershipWindow overrides how long HandleMessage waits for an
// ownership answer.
func (v *Verifier) SetOwnershipWindow(d time.Duration) {
	if d > 0 {
		v.challengeTimeout = d
	}
}

// HandleMessage verifies one incoming telemetry frame and returns the
// accepted message. Rejections come back as the sentinel errors in the
// domain package.
func (v *Verifier) HandleMessage(ctx context.Context, data []byte) (domain.SignedTelemetryMessage, error) {
	env, err := domain.OpenEnvelope(data)
	if err != nil {
		monitoring.RecordRejection("malformed")
		return domain.SignedTelemetryMessage{}, err
	}
	if env.Kind != domain.KindTelemetry {
		monitoring.RecordRejection("malformed")
		return domain.SignedTelemetryMessage{}, fmt.Errorf("unexpected message kind %d", env.Kind)
	}

	signed, err := domain.DecodeSignedTelemetryMessage(env.Payload)
	if err != nil {
		monitoring.RecordRejection("malformed")
		return domain.SignedTelemetryMessage{}, err
	}

	id := signed.Message.Identity
	if !v.fresher(id.SmallID, id.Timestamp) {
		monitoring.RecordRejection("stale")
		return domain.SignedTelemetryMessage{}, domain.ErrStaleMessage
	}

	// Re-encode to the canonical form. The hash must come from our own
	// encoder, not from bytes the sender chose.
	enc, err := signed.Message.Canonical()
	if err != nil {
		monitoring.RecordRejection("malformed")
		return domain.SignedTelemetryMessage{}, err
	}

	if v.alreadySeen(enc.Hash) {
		monitoring.RecordRejection("duplicate")
		return domain.SignedTelemetryMessage{}, domain.ErrDuplicateMessage
	}

	owner, err := signing.RecoverAddress(enc.Hash[:], signed.Signature)
	if err != nil {
		monitoring.RecordRejection("bad_signature")
		return domain.SignedTelemetryMessage{}, domain.ErrBadSignature
	}

	if !v.confirmOwnership(ctx, id.SmallID, owner) {
		monitoring.RecordRejection("ownership")
		return domain.SignedTelemetryMessage{}, domain.ErrOwnershipUnverified
	}

	v.accept(id.SmallID, id.Timestamp, enc.Hash)

	if v.store != nil {
		if err := v.store.RecordPeer(ctx, signed, enc.Hash); err != nil {
			v.log.Warn("failed to record peer telemetry", "error", err)
		}
	}

	monitoring.MessagesAccepted.Inc()
	v.log.Debug("peer telemetry accepted",
		"small_id", id.SmallID,
		"timestamp", id.Timestamp,
		"owner", owner)
	return signed, nil
}

// confirmOwnership asks the gossip consumer whether owner holds smallID.
// Silence within the bound reads as unverified, not as node failure.
func (v *Verifier) confirmOwnership(ctx context.Context, smallID uint64, owner string) bool {
	reply := make(chan bool, 1)
	ev := domain.OwnershipChallenge{SmallID: smallID, ClaimedOwner: owner, Reply: reply}
	if !v.emitter.Emit(ctx, ev) {
		return false
	}

	timer := time.NewTimer(v.challengeTimeout)
	defer timer.Stop()

	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		return false
	case <-timer.C:
		v.log.Warn("ownership check timed out", "small_id", smallID)
		return false
	}
}

func (v *Verifier) fresher(smallID, ts uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	last, ok := v.lastSeen[smallID]
	return !ok || ts > last
}

func (v *Verifier) alreadySeen(hash [domain.HashSize]byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seen.Test(hash[:])
}

func (v *Verifier) accept(smallID, ts uint64, hash [domain.HashSize]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.lastSeen[smallID]; !ok || ts > last {
		v.lastSeen[smallID] = ts
	}
	v.seen.Add(hash[:])
}
