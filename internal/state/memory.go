package state

import (
	"context"
	"strings"
	"sync"

	"github.com/veritel/veritel-node/internal/domain"
)

// MemoryStore keeps state in process memory for nodes run without a
// database. Verification state resets with the process; only the newest
// message per identity is retained.
type MemoryStore struct {
	mu     sync.Mutex
	owners map[uint64]string
	latest map[uint64]domain.SignedTelemetryMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners: make(map[uint64]string),
		latest: make(map[uint64]domain.SignedTelemetryMessage),
	}
}

func (m *MemoryStore) RecordSelf(ctx context.Context, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error {
	return m.record(msg)
}

func (m *MemoryStore) RecordPeer(ctx context.Context, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error {
	return m.record(msg)
}

func (m *MemoryStore) record(msg domain.SignedTelemetryMessage) error {
	id := msg.Message.Identity
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.latest[id.SmallID]; !ok || id.Timestamp > prev.Message.Identity.Timestamp {
		m.latest[id.SmallID] = msg
	}
	return nil
}

func (m *MemoryStore) LatestTimestamp(ctx context.Context, smallID uint64) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.latest[smallID]
	if !ok {
		return 0, false, nil
	}
	return msg.Message.Identity.Timestamp, true, nil
}

func (m *MemoryStore) VerifyOwnership(ctx context.Context, smallID uint64, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	registered, ok := m.owners[smallID]
	if !ok {
		return false, nil
	}
	return strings.EqualFold(registered, owner), nil
}

func (m *MemoryStore) RecordOwnership(ctx context.Context, smallID uint64, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[smallID] = owner
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
