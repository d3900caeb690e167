package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/monitoring"
)

// Phase tracks the identity lifecycle: a node is unregistered until its
// first successful publication, registered after it, and republished once
// the heartbeat has renewed the registration at least once.
type Phase string

const (
	PhaseUnregistered Phase = "unregistered"
	PhaseRegistered   Phase = "registered"
	PhaseRepublished  Phase = "republished"
)

// Collector produces one telemetry record per cycle.
type Collector interface {
	Collect(ctx context.Context) (domain.TelemetryRecord, error)
}

// SelfRecorder persists this node's own publications. Persistence is best
// effort and never blocks a publication.
type SelfRecorder interface {
	RecordSelf(ctx context.Context, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error
}

// Options wires a telemetry Service. Store is optional; everything else is
// required. The Timestamp field of Identity is ignored and assigned per
// publication.
type Options struct {
	Identity  domain.IdentityMetadata
	Collector Collector
	Signer    domain.Signer
	Emitter   *Emitter
	Store     SelfRecorder
	Interval  time.Duration
	Log       *slog.Logger
}

// Service drives the telemetry heartbeat: collect, encode, sign, emit. One
// cycle per tick; a failed cycle publishes nothing and the next tick
// retries.
type Service struct {
	identity  domain.IdentityMetadata
	collector Collector
	signer    domain.Signer
	emitter   *Emitter
	store     SelfRecorder
	log       *slog.Logger

	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}

	mu         sync.Mutex
	phase      Phase
	lastTS     uint64
	lastRecord domain.TelemetryRecord
	published  bool
}

func NewService(opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		identity:  opts.Identity,
		collector: opts.Collector,
		signer:    opts.Signer,
		emitter:   opts.Emitter,
		store:     opts.Store,
		log:       log,
		interval:  interval,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		phase:     PhaseUnregistered,
	}
}

// Run publishes immediately, then once per heartbeat interval until the
// context ends or Stop is called. Cycle errors are logged and retried on
// the next tick.
func (s *Service) Run(ctx context.Context) error {
	if err := s.PublishOnce(ctx); err != nil {
		s.log.Error("telemetry cycle failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if err := s.PublishOnce(ctx); err != nil {
				s.log.Error("telemetry cycle failed", "error", err)
			}
		}
	}
}

// Stop ends the heartbeat loop.
func (s *Service) Stop() {
	close(s.stopCh)
}

// PublishOnce runs one full telemetry cycle. The identity timestamp and
// phase advance only after the registration event has been handed to the
// gossip layer, so failed cycles leave no trace on the wire or in state.
func (s *Service) PublishOnce(ctx context.Context) error {
	record, err := s.collector.Collect(ctx)
	if err != nil {
		monitoring.RecordCycleFailure("collect")
		return err
	}

	msg := domain.TelemetryMessage{
		Identity: s.nextIdentity(),
		Record:   record,
	}

	enc, err := msg.Canonical()
	if err != nil {
		monitoring.RecordCycleFailure("encode")
		return err
	}

	sig, err := s.signer.Sign(enc.Hash[:])
	if err != nil {
		monitoring.RecordCycleFailure("sign")
		return &domain.SignatureError{Cause: err}
	}

	signed := domain.SignedTelemetryMessage{Message: msg, Signature: sig}
	payload, err := domain.WrapTelemetry(signed)
	if err != nil {
		monitoring.RecordCycleFailure("encode")
		return err
	}

	event := domain.RegistrationEvent{
		Identity: msg.Identity,
		Record:   record,
		Payload:  payload,
		Hash:     enc.Hash,
	}
	if !s.emitter.Emit(ctx, event) {
		monitoring.RecordCycleFailure("emit")
		return ErrEventDropped
	}

	s.advance(msg.Identity.Timestamp, record)

	if s.store != nil {
		if err := s.store.RecordSelf(ctx, signed, enc.Hash); err != nil {
			s.log.Warn("failed to record own publication", "error", err)
		}
	}

	monitoring.CyclesPublished.Inc()
	monitoring.LastPublishTimestamp.Set(float64(msg.Identity.Timestamp))
	monitoring.DevicesReported.Set(float64(record.NumDevices))

	s.log.Info("telemetry published",
		"timestamp", msg.Identity.Timestamp,
		"devices", record.NumDevices,
		"phase", s.Phase())
	return nil
}

// nextIdentity stamps the static identity with a candidate timestamp that is
// strictly newer than the last published one, even when the wall clock has
// not moved or has gone backward.
func (s *Service) nextIdentity() domain.IdentityMetadata {
	s.mu.Lock()
	last := s.lastTS
	s.mu.Unlock()

	ts := uint64(s.now().Unix())
	if ts <= last {
		ts = last + 1
	}

	id := s.identity
	id.Timestamp = ts
	return id
}

func (s *Service) advance(ts uint64, record domain.TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTS = ts
	s.lastRecord = record
	s.published = true
	switch s.phase {
	case PhaseUnregistered:
		s.phase = PhaseRegistered
		monitoring.NodePhase.Set(1)
	case PhaseRegistered:
		s.phase = PhaseRepublished
		monitoring.NodePhase.Set(2)
	}
}

// Phase returns the current lifecycle phase.
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastTimestamp returns the identity timestamp of the newest publication,
// zero before the first one.
func (s *Service) LastTimestamp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTS
}

// LastRecord returns the newest published telemetry record; ok is false
// before the first publication.
func (s *Service) LastRecord() (domain.TelemetryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecord, s.published
}
