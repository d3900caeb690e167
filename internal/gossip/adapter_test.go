package gossip

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/node"
	"github.com/veritel/veritel-node/internal/signing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPublisher struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (p *stubPublisher) Publish(_ context.Context, data []byte, _ ...pubsub.PubOpt) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, data)
	return nil
}

func (p *stubPublisher) published() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

type stubRegistry struct {
	mu        sync.Mutex
	owners    map[uint64]string
	verifyErr error
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{owners: make(map[uint64]string)}
}

func (r *stubRegistry) VerifyOwnership(_ context.Context, smallID uint64, owner string) (bool, error) {
	if r.verifyErr != nil {
		return false, r.verifyErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[smallID] == owner, nil
}

func (r *stubRegistry) RecordOwnership(_ context.Context, smallID uint64, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[smallID] = owner
	return nil
}

func (r *stubRegistry) ownerOf(smallID uint64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[smallID]
}

type countingRecorder struct {
	accepted atomic.Int64
}

func (r *countingRecorder) RecordPeer(context.Context, domain.SignedTelemetryMessage, [domain.HashSize]byte) error {
	r.accepted.Add(1)
	return nil
}

func signedTelemetryFrame(t *testing.T, w *signing.Wallet, smallID, ts uint64) []byte {
	t.Helper()
	msg := domain.TelemetryMessage{
		Identity: domain.IdentityMetadata{
			PublicURL: "https://node.example.com",
			SmallID:   smallID,
			Country:   "US",
			Timestamp: ts,
		},
		Record: domain.TelemetryRecord{NumCPUs: 4, NumDevices: 1, Devices: []domain.DeviceMetrics{{Temperature: 55}}},
	}
	enc, err := msg.Canonical()
	require.NoError(t, err)
	sig, err := w.Sign(enc.Hash[:])
	require.NoError(t, err)
	frame, err := domain.WrapTelemetry(domain.SignedTelemetryMessage{Message: msg, Signature: sig})
	require.NoError(t, err)
	return frame
}

// answerChallenges drains an emitter, replying to every ownership challenge
// with the given verdict. Run in tests that exercise the verifier without a
// full adapter event loop.
func answerChallenges(t *testing.T, em *node.Emitter, verdict bool) {
	t.Helper()
	go func() {
		for ev := range em.Events() {
			if ch, ok := ev.(domain.OwnershipChallenge); ok {
				ch.Reply <- verdict
			}
		}
	}()
	t.Cleanup(em.Close)
}

func TestAdapter_PublishesRegistrationEnvelope(t *testing.T) {
	pub := &stubPublisher{}
	a := &Adapter{pub: pub, log: testLogger()}

	a.handleEvent(context.Background(), domain.RegistrationEvent{
		Identity: domain.IdentityMetadata{SmallID: 7, Timestamp: 1700000000},
		Payload:  []byte("frame"),
	})

	frames := pub.published()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("frame"), frames[0])
}

func TestAdapter_PublishesChallengeAnswer(t *testing.T) {
	pub := &stubPublisher{}
	a := &Adapter{pub: pub, log: testLogger()}

	a.handleEvent(context.Background(), domain.ChallengeAnswer{SmallID: 7, Payload: []byte("proof")})

	frames := pub.published()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("proof"), frames[0])
}

func TestAdapter_OwnershipChallenge_ConfirmedFromRegistry(t *testing.T) {
	pub := &stubPublisher{}
	reg := newStubRegistry()
	reg.owners[7] = "0x00000000000000000000000000000000000000aa"
	a := &Adapter{pub: pub, registry: reg, challenger: node.NewChallenger(), log: testLogger()}

	reply := make(chan bool, 1)
	a.handleEvent(context.Background(), domain.OwnershipChallenge{
		SmallID:      7,
		ClaimedOwner: "0x00000000000000000000000000000000000000aa",
		Reply:        reply,
	})

	assert.True(t, <-reply)
	assert.Empty(t, pub.published(), "a known identity needs no challenge")
}

func TestAdapter_OwnershipChallenge_UnknownIdentityChallenged(t *testing.T) {
	pub := &stubPublisher{}
	reg := newStubRegistry()
	a := &Adapter{pub: pub, registry: reg, challenger: node.NewChallenger(), log: testLogger()}

	reply := make(chan bool, 1)
	a.handleEvent(context.Background(), domain.OwnershipChallenge{
		SmallID:      7,
		ClaimedOwner: "0x00000000000000000000000000000000000000aa",
		Reply:        reply,
	})

	assert.False(t, <-reply, "unknown identities read as unverified")

	frames := pub.published()
	require.Len(t, frames, 1, "a challenge should go out for the unknown identity")
	env, err := domain.OpenEnvelope(frames[0])
	require.NoError(t, err)
	require.Equal(t, domain.KindChallengeRequest, env.Kind)
	req, err := domain.DecodeChallengeRequest(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), req.SmallID)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", req.ClaimedOwner)
	assert.Len(t, req.Nonce, 32)
}

func TestAdapter_OwnershipChallenge_RegistryErrorReadsUnverified(t *testing.T) {
	pub := &stubPublisher{}
	reg := newStubRegistry()
	reg.verifyErr = assert.AnError
	a := &Adapter{pub: pub, registry: reg, challenger: node.NewChallenger(), log: testLogger()}

	reply := make(chan bool, 1)
	a.handleEvent(context.Background(), domain.OwnershipChallenge{SmallID: 7, ClaimedOwner: "0xaa", Reply: reply})

	assert.False(t, <-reply)
	assert.Empty(t, pub.published(), "a failing registry should not trigger challenges")
}

func TestAdapter_InboundChallengeRequest_AnswersWithProof(t *testing.T) {
	wallet, err := signing.GenerateWallet()
	require.NoError(t, err)

	em := node.NewEmitter(4, testLogger())
	responder := node.NewResponder(7, wallet, "peer-b", em, testLogger())
	a := &Adapter{responder: responder, log: testLogger()}

	challenger := node.NewChallenger()
	req, err := challenger.Open(7, wallet.Address())
	require.NoError(t, err)
	frame, err := domain.WrapChallengeRequest(req)
	require.NoError(t, err)

	a.handleInbound(context.Background(), frame)

	var answer domain.ChallengeAnswer
	select {
	case ev := <-em.Events():
		var ok bool
		answer, ok = ev.(domain.ChallengeAnswer)
		require.True(t, ok, "expected a challenge answer, got %T", ev)
	case <-time.After(time.Second):
		t.Fatal("responder emitted nothing")
	}
	assert.Equal(t, uint64(7), answer.SmallID)

	// The emitted proof settles the challenge that prompted it.
	env, err := domain.OpenEnvelope(answer.Payload)
	require.NoError(t, err)
	require.Equal(t, domain.KindChallengeProof, env.Kind)
	proof, err := domain.DecodeChallengeProof(env.Payload)
	require.NoError(t, err)
	owner, err := challenger.Settle(proof)
	require.NoError(t, err)
	assert.Equal(t, wallet.Address(), owner)
}

func TestAdapter_InboundChallengeRequest_ForOtherIdentityIgnored(t *testing.T) {
	wallet, err := signing.GenerateWallet()
	require.NoError(t, err)

	em := node.NewEmitter(4, testLogger())
	responder := node.NewResponder(9, wallet, "peer-b", em, testLogger())
	a := &Adapter{responder: responder, log: testLogger()}

	challenger := node.NewChallenger()
	req, err := challenger.Open(7, wallet.Address())
	require.NoError(t, err)
	frame, err := domain.WrapChallengeRequest(req)
	require.NoError(t, err)

	a.handleInbound(context.Background(), frame)

	select {
	case ev := <-em.Events():
		t.Fatalf("challenge for a foreign identity answered: %v", ev)
	default:
	}
}

func TestAdapter_InboundProof_RecordsOwnership(t *testing.T) {
	wallet, err := signing.GenerateWallet()
	require.NoError(t, err)

	challenger := node.NewChallenger()
	req, err := challenger.Open(7, wallet.Address())
	require.NoError(t, err)
	proof, err := node.BuildProof(req, wallet, "peer-b")
	require.NoError(t, err)
	frame, err := domain.WrapChallengeProof(proof)
	require.NoError(t, err)

	reg := newStubRegistry()
	a := &Adapter{challenger: challenger, registry: reg, log: testLogger()}
	a.handleInbound(context.Background(), frame)

	assert.Equal(t, wallet.Address(), reg.ownerOf(7))
}

func TestAdapter_InboundProof_WithoutPendingChallengeIgnored(t *testing.T) {
	wallet, err := signing.GenerateWallet()
	require.NoError(t, err)

	req := domain.ChallengeRequest{SmallID: 7, ClaimedOwner: wallet.Address(), Nonce: make([]byte, 32)}
	proof, err := node.BuildProof(req, wallet, "peer-b")
	require.NoError(t, err)
	frame, err := domain.WrapChallengeProof(proof)
	require.NoError(t, err)

	reg := newStubRegistry()
	a := &Adapter{challenger: node.NewChallenger(), registry: reg, log: testLogger()}
	a.handleInbound(context.Background(), frame)

	assert.Empty(t, reg.ownerOf(7), "an unsolicited proof must not register ownership")
}

func inboundMessage(data []byte, from peer.ID) *pubsub.Message {
	return &pubsub.Message{Message: &pb.Message{Data: data}, ReceivedFrom: from}
}

func TestAdapter_Validate_AcceptsVerifiedTelemetry(t *testing.T) {
	wallet, err := signing.GenerateWallet()
	require.NoError(t, err)

	em := node.NewEmitter(4, testLogger())
	answerChallenges(t, em, true)
	verifier := node.NewVerifier(em, nil, testLogger())
	a := &Adapter{self: peer.ID("local"), verifier: verifier, log: testLogger()}

	frame := signedTelemetryFrame(t, wallet, 7, 1700000000)
	verdict := a.validate(context.Background(), peer.ID("remote"), inboundMessage(frame, peer.ID("remote")))
	assert.Equal(t, pubsub.ValidationAccept, verdict)

	// A replay of the accepted frame is no longer fresh.
	verdict = a.validate(context.Background(), peer.ID("remote"), inboundMessage(frame, peer.ID("remote")))
	assert.Equal(t, pubsub.ValidationReject, verdict)
}

func TestAdapter_Validate_RejectsMalformedFrame(t *testing.T) {
	a := &Adapter{self: peer.ID("local"), log: testLogger()}

	verdict := a.validate(context.Background(), peer.ID("remote"), inboundMessage([]byte("garbage"), peer.ID("remote")))
	assert.Equal(t, pubsub.ValidationReject, verdict)
}

func TestAdapter_Validate_RejectsUnknownKind(t *testing.T) {
	inner, err := domain.MarshalCanonical(uint64(42))
	require.NoError(t, err)
	frame, err := domain.MarshalCanonical(domain.Envelope{Kind: 9, Payload: inner})
	require.NoError(t, err)

	a := &Adapter{self: peer.ID("local"), log: testLogger()}
	verdict := a.validate(context.Background(), peer.ID("remote"), inboundMessage(frame, peer.ID("remote")))
	assert.Equal(t, pubsub.ValidationReject, verdict)
}

func TestAdapter_Validate_AcceptsOwnMessagesUnchecked(t *testing.T) {
	self := peer.ID("local")
	a := &Adapter{self: self, log: testLogger()}

	verdict := a.validate(context.Background(), self, inboundMessage([]byte("garbage"), self))
	assert.Equal(t, pubsub.ValidationAccept, verdict)
}

func TestAdapter_Validate_AcceptsWellFormedChallengeTraffic(t *testing.T) {
	wallet, err := signing.GenerateWallet()
	require.NoError(t, err)
	challenger := node.NewChallenger()
	req, err := challenger.Open(7, wallet.Address())
	require.NoError(t, err)

	a := &Adapter{self: peer.ID("local"), log: testLogger()}

	reqFrame, err := domain.WrapChallengeRequest(req)
	require.NoError(t, err)
	verdict := a.validate(context.Background(), peer.ID("remote"), inboundMessage(reqFrame, peer.ID("remote")))
	assert.Equal(t, pubsub.ValidationAccept, verdict)

	proof, err := node.BuildProof(req, wallet, "peer-b")
	require.NoError(t, err)
	proofFrame, err := domain.WrapChallengeProof(proof)
	require.NoError(t, err)
	verdict = a.validate(context.Background(), peer.ID("remote"), inboundMessage(proofFrame, peer.ID("remote")))
	assert.Equal(t, pubsub.ValidationAccept, verdict)
}

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	h, err := NewHost(HostOptions{
		Identity:    priv,
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		IdleTimeout: time.Minute,
	})
	require.NoError(t, err)
	return h
}

func TestAdapter_EndToEnd_TelemetryPropagates(t *testing.T) {
	if testing.Short() {
		t.Skip("dials real sockets")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wallet, err := signing.GenerateWallet()
	require.NoError(t, err)

	// Publishing side.
	emitterA := node.NewEmitter(16, testLogger())
	adapterA, err := NewAdapter(ctx, Options{
		Host:       newTestHost(t),
		Events:     emitterA.Events(),
		Verifier:   node.NewVerifier(emitterA, nil, testLogger()),
		Challenger: node.NewChallenger(),
		Registry:   newStubRegistry(),
		Log:        testLogger(),
	})
	require.NoError(t, err)
	defer adapterA.Close()
	go adapterA.Run(ctx)

	// Receiving side, with the publisher's ownership already registered.
	recorded := &countingRecorder{}
	emitterB := node.NewEmitter(16, testLogger())
	regB := newStubRegistry()
	regB.owners[7] = wallet.Address()
	adapterB, err := NewAdapter(ctx, Options{
		Host:       newTestHost(t),
		Events:     emitterB.Events(),
		Verifier:   node.NewVerifier(emitterB, recorded, testLogger()),
		Challenger: node.NewChallenger(),
		Registry:   regB,
		Log:        testLogger(),
	})
	require.NoError(t, err)
	defer adapterB.Close()
	go adapterB.Run(ctx)

	require.NoError(t, adapterB.host.Connect(ctx, peer.AddrInfo{
		ID:    adapterA.host.ID(),
		Addrs: adapterA.host.Addrs(),
	}))

	// Republish until the mesh has formed and B has verified one frame.
	frame := signedTelemetryFrame(t, wallet, 7, 1700000000)
	require.Eventually(t, func() bool {
		emitterA.Emit(ctx, domain.RegistrationEvent{
			Identity: domain.IdentityMetadata{SmallID: 7, Timestamp: 1700000000},
			Payload:  frame,
		})
		return recorded.accepted.Load() > 0
	}, 20*time.Second, 250*time.Millisecond)

	assert.Equal(t, 1, adapterA.PeerCount())
}
