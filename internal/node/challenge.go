package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/signing"
)

const challengeTTL = 2 * time.Minute

// ProofDigest derives the digest an ownership proof signs: small ID, nonce
// and the responder's network peer ID bound together. Binding the network
// credential keeps a proof from being replayed by a different peer.
func ProofDigest(smallID uint64, nonce []byte, peerID string) [domain.HashSize]byte {
	buf := make([]byte, 8, 8+len(nonce)+len(peerID))
	binary.BigEndian.PutUint64(buf, smallID)
	buf = append(buf, nonce...)
	buf = append(buf, peerID...)
	return domain.ContentHash(buf)
}

// BuildProof answers a challenge for an identity this node controls.
func BuildProof(req domain.ChallengeRequest, signer domain.Signer, peerID string) (domain.ChallengeProof, error) {
	digest := ProofDigest(req.SmallID, req.Nonce, peerID)
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return domain.ChallengeProof{}, &domain.SignatureError{Cause: err}
	}
	return domain.ChallengeProof{
		SmallID:   req.SmallID,
		Owner:     signer.Address(),
		PeerID:    peerID,
		Nonce:     req.Nonce,
		Signature: sig,
	}, nil
}

// VerifyProof checks a proof against the challenge that prompted it.
func VerifyProof(proof domain.ChallengeProof, req domain.ChallengeRequest) error {
	if proof.SmallID != req.SmallID {
		return fmt.Errorf("proof names small ID %d, challenge was for %d", proof.SmallID, req.SmallID)
	}
	if !bytes.Equal(proof.Nonce, req.Nonce) {
		return fmt.Errorf("proof nonce does not match challenge")
	}
	if req.ClaimedOwner != "" && !strings.EqualFold(proof.Owner, req.ClaimedOwner) {
		return domain.ErrOwnershipUnverified
	}
	digest := ProofDigest(proof.SmallID, proof.Nonce, proof.PeerID)
	if !signing.Verify(digest[:], proof.Signature, proof.Owner) {
		return domain.ErrBadSignature
	}
	return nil
}

// Responder answers ownership challenges that name this node's identity.
type Responder struct {
	smallID uint64
	signer  domain.Signer
	peerID  string
	emitter *Emitter
	log     *slog.Logger
}

func NewResponder(smallID uint64, signer domain.Signer, peerID string, emitter *Emitter, log *slog.Logger) *Responder {
	if log == nil {
		log = slog.Default()
	}
	return &Responder{
		smallID: smallID,
		signer:  signer,
		peerID:  peerID,
		emitter: emitter,
		log:     log,
	}
}

// HandleChallenge builds and emits a proof when req names this node's
// identity. Challenges for other identities are ignored without error; the
// proof speaks for itself even when the challenger claimed a different
// owner.
func (r *Responder) HandleChallenge(ctx context.Context, req domain.ChallengeRequest) error {
	if req.SmallID != r.smallID {
		return nil
	}
	if req.ClaimedOwner != "" && !strings.EqualFold(req.ClaimedOwner, r.signer.Address()) {
		r.log.Warn("challenge claims a different owner for our identity",
			"small_id", req.SmallID,
			"claimed_owner", req.ClaimedOwner)
	}

	proof, err := BuildProof(req, r.signer, r.peerID)
	if err != nil {
		return err
	}
	payload, err := domain.WrapChallengeProof(proof)
	if err != nil {
		return err
	}
	if !r.emitter.Emit(ctx, domain.ChallengeAnswer{SmallID: req.SmallID, Payload: payload}) {
		return ErrEventDropped
	}

	r.log.Info("answered ownership challenge", "small_id", req.SmallID)
	return nil
}

// Challenger tracks ownership challenges this node issued and validates the
// proofs that come back. One pending challenge per identity; a new one
// supersedes the old.
type Challenger struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[uint64]pendingChallenge
}

type pendingChallenge struct {
	nonce   []byte
	owner   string
	expires time.Time
}

func NewChallenger() *Challenger {
	return &Challenger{
		ttl:     challengeTTL,
		now:     time.Now,
		pending: make(map[uint64]pendingChallenge),
	}
}

// Open creates a challenge asking whether owner holds smallID.
func (c *Challenger) Open(smallID uint64, owner string) (domain.ChallengeRequest, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return domain.ChallengeRequest{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	c.mu.Lock()
	c.pending[smallID] = pendingChallenge{
		nonce:   nonce,
		owner:   owner,
		expires: c.now().Add(c.ttl),
	}
	c.mu.Unlock()

	return domain.ChallengeRequest{SmallID: smallID, ClaimedOwner: owner, Nonce: nonce}, nil
}

// Settle validates proof against the pending challenge for its identity. A
// valid proof closes the challenge and returns the confirmed owner address.
func (c *Challenger) Settle(proof domain.ChallengeProof) (string, error) {
	c.mu.Lock()
	p, ok := c.pending[proof.SmallID]
	c.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("no pending challenge for small ID %d", proof.SmallID)
	}
	if c.now().After(p.expires) {
		c.forget(proof.SmallID)
		return "", fmt.Errorf("challenge for small ID %d expired", proof.SmallID)
	}

	req := domain.ChallengeRequest{SmallID: proof.SmallID, ClaimedOwner: p.owner, Nonce: p.nonce}
	if err := VerifyProof(proof, req); err != nil {
		return "", err
	}

	c.forget(proof.SmallID)
	return proof.Owner, nil
}

func (c *Challenger) forget(smallID uint64) {
	c.mu.Lock()
	delete(c.pending, smallID)
	c.mu.Unlock()
}
