package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/node"
)

// TelemetryTopic carries every envelope kind: telemetry heartbeats,
// ownership challenges and their proofs.
const TelemetryTopic = "veritel/telemetry/v1"

// OwnershipRegistry is the slice of the state store the gossip layer needs:
// answering ownership checks and recording settled proofs.
type OwnershipRegistry interface {
	VerifyOwnership(ctx context.Context, smallID uint64, owner string) (bool, error)
	RecordOwnership(ctx context.Context, smallID uint64, owner string) error
}

// publisher is the slice of *pubsub.Topic the adapter writes through.
type publisher interface {
	Publish(ctx context.Context, data []byte, opts ...pubsub.PubOpt) error
}

// Options wires an Adapter. Responder is optional: a node without a
// registered small ID cannot answer ownership challenges.
type Options struct {
	Host       host.Host
	Events     <-chan domain.NetworkEvent
	Verifier   *node.Verifier
	Responder  *node.Responder
	Challenger *node.Challenger
	Registry   OwnershipRegistry
	Log        *slog.Logger
}

// Adapter bridges the node core and gossipsub. Inbound frames pass through
// the topic validator (telemetry is fully verified there, so gossipsub only
// relays what this node accepted) and the subscription loop handles the
// challenge traffic. Outbound, it drains the emitter's event stream and
// publishes envelopes.
type Adapter struct {
	host host.Host
	self peer.ID
	ps   *pubsub.PubSub
	top  *pubsub.Topic
	sub  *pubsub.Subscription
	pub  publisher

	events     <-chan domain.NetworkEvent
	verifier   *node.Verifier
	responder  *node.Responder
	challenger *node.Challenger
	registry   OwnershipRegistry
	log        *slog.Logger
}

// NewAdapter joins the telemetry topic on the given host and registers the
// inbound validator. Run must be started before peers publish, otherwise
// ownership checks go unanswered and inbound telemetry is rejected until
// the next heartbeat.
func NewAdapter(ctx context.Context, opts Options) (*Adapter, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		host:       opts.Host,
		self:       opts.Host.ID(),
		events:     opts.Events,
		verifier:   opts.Verifier,
		responder:  opts.Responder,
		challenger: opts.Challenger,
		registry:   opts.Registry,
		log:        log,
	}

	ps, err := pubsub.NewGossipSub(ctx, opts.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}
	if err := ps.RegisterTopicValidator(TelemetryTopic, a.validate); err != nil {
		return nil, fmt.Errorf("failed to register topic validator: %w", err)
	}
	top, err := ps.Join(TelemetryTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", TelemetryTopic, err)
	}
	sub, err := top.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", TelemetryTopic, err)
	}

	a.ps = ps
	a.top = top
	a.sub = sub
	a.pub = top
	return a, nil
}

// Run drains inbound frames and outbound events until the context ends or
// the event stream closes.
func (a *Adapter) Run(ctx context.Context) error {
	go a.readLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.events:
			if !ok {
				return nil
			}
			a.handleEvent(ctx, ev)
		}
	}
}

// Close tears down the subscription, the topic and the host.
func (a *Adapter) Close() error {
	a.sub.Cancel()
	_ = a.ps.UnregisterTopicValidator(TelemetryTopic)
	if err := a.top.Close(); err != nil {
		a.log.Warn("failed to close topic", "error", err)
	}
	return a.host.Close()
}

// PeerID returns this node's network identity.
func (a *Adapter) PeerID() peer.ID {
	return a.self
}

// PeerCount returns the number of connected peers.
func (a *Adapter) PeerCount() int {
	return len(a.host.Network().Peers())
}

// validate is the gossipsub topic validator. Telemetry runs the full
// verification pipeline here so the mesh only relays messages this node
// accepted; challenge traffic gets a structural check and is handled by the
// subscription loop.
func (a *Adapter) validate(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if msg.ReceivedFrom == a.self {
		return pubsub.ValidationAccept
	}

	env, err := domain.OpenEnvelope(msg.Data)
	if err != nil {
		a.log.Debug("rejected malformed envelope", "from", from, "error", err)
		return pubsub.ValidationReject
	}

	switch env.Kind {
	case domain.KindTelemetry:
		if _, err := a.verifier.HandleMessage(ctx, msg.Data); err != nil {
			a.log.Debug("rejected peer telemetry", "from", from, "error", err)
			return pubsub.ValidationReject
		}
		return pubsub.ValidationAccept
	case domain.KindChallengeRequest:
		if _, err := domain.DecodeChallengeRequest(env.Payload); err != nil {
			return pubsub.ValidationReject
		}
		return pubsub.ValidationAccept
	case domain.KindChallengeProof:
		if _, err := domain.DecodeChallengeProof(env.Payload); err != nil {
			return pubsub.ValidationReject
		}
		return pubsub.ValidationAccept
	default:
		a.log.Debug("rejected envelope of unknown kind", "from", from, "kind", env.Kind)
		return pubsub.ValidationReject
	}
}

func (a *Adapter) readLoop(ctx context.Context) {
	for {
		msg, err := a.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				a.log.Error("subscription closed", "error", err)
			}
			return
		}
		if msg.ReceivedFrom == a.self {
			continue
		}
		a.handleInbound(ctx, msg.Data)
	}
}

func (a *Adapter) handleInbound(ctx context.Context, data []byte) {
	env, err := domain.OpenEnvelope(data)
	if err != nil {
		// The validator already rejected malformed frames; getting here
		// means a race with validator deregistration during shutdown.
		return
	}

	switch env.Kind {
	case domain.KindTelemetry:
		// Fully handled by the validator before delivery.
	case domain.KindChallengeRequest:
		if a.responder == nil {
			return
		}
		req, err := domain.DecodeChallengeRequest(env.Payload)
		if err != nil {
			return
		}
		if err := a.responder.HandleChallenge(ctx, req); err != nil {
			a.log.Warn("failed to answer ownership challenge", "small_id", req.SmallID, "error", err)
		}
	case domain.KindChallengeProof:
		proof, err := domain.DecodeChallengeProof(env.Payload)
		if err != nil {
			return
		}
		a.settleProof(ctx, proof)
	}
}

// settleProof validates a proof against this node's pending challenges and
// records the confirmed owner. Proofs for challenges other nodes opened
// settle there, not here, so an unmatched proof is routine.
func (a *Adapter) settleProof(ctx context.Context, proof domain.ChallengeProof) {
	owner, err := a.challenger.Settle(proof)
	if err != nil {
		a.log.Debug("discarded ownership proof", "small_id", proof.SmallID, "error", err)
		return
	}
	if err := a.registry.RecordOwnership(ctx, proof.SmallID, owner); err != nil {
		a.log.Warn("failed to record ownership", "small_id", proof.SmallID, "error", err)
		return
	}
	a.log.Info("ownership confirmed", "small_id", proof.SmallID, "owner", owner)
}

func (a *Adapter) handleEvent(ctx context.Context, ev domain.NetworkEvent) {
	switch e := ev.(type) {
	case domain.RegistrationEvent:
		if err := a.pub.Publish(ctx, e.Payload); err != nil {
			a.log.Error("failed to publish telemetry", "timestamp", e.Identity.Timestamp, "error", err)
			return
		}
		a.log.Debug("telemetry broadcast",
			"timestamp", e.Identity.Timestamp,
			"devices", e.Record.NumDevices)
	case domain.OwnershipChallenge:
		a.answerOwnership(ctx, e)
	case domain.ChallengeAnswer:
		if err := a.pub.Publish(ctx, e.Payload); err != nil {
			a.log.Error("failed to publish challenge proof", "small_id", e.SmallID, "error", err)
		}
	default:
		a.log.Warn("dropping event of unknown kind", "kind", ev.Kind())
	}
}

// answerOwnership consults the ownership registry. An identity the registry
// does not know yet is reported unverified, and a challenge goes out on the
// topic so the owner can prove itself before its next heartbeat.
func (a *Adapter) answerOwnership(ctx context.Context, ev domain.OwnershipChallenge) {
	known, err := a.registry.VerifyOwnership(ctx, ev.SmallID, ev.ClaimedOwner)
	if err != nil {
		a.log.Warn("ownership lookup failed", "small_id", ev.SmallID, "error", err)
		a.reply(ev, false)
		return
	}
	a.reply(ev, known)
	if known {
		return
	}

	req, err := a.challenger.Open(ev.SmallID, ev.ClaimedOwner)
	if err != nil {
		a.log.Warn("failed to open ownership challenge", "small_id", ev.SmallID, "error", err)
		return
	}
	payload, err := domain.WrapChallengeRequest(req)
	if err != nil {
		a.log.Warn("failed to encode ownership challenge", "small_id", ev.SmallID, "error", err)
		return
	}
	if err := a.pub.Publish(ctx, payload); err != nil {
		a.log.Warn("failed to publish ownership challenge", "small_id", ev.SmallID, "error", err)
		return
	}
	a.log.Info("challenged unverified identity", "small_id", ev.SmallID, "claimed_owner", ev.ClaimedOwner)
}

func (a *Adapter) reply(ev domain.OwnershipChallenge, verdict bool) {
	// Reply is buffered and single-use; never block on a verifier that
	// already timed out.
	select {
	case ev.Reply <- verdict:
	default:
	}
}
