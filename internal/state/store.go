package state

import (
	"context"

	"github.com/veritel/veritel-node/internal/domain"
)

// Store persists telemetry publications and the identity registry that backs
// ownership checks.
type Store interface {
	// RecordSelf saves one of this node's own publications.
	RecordSelf(ctx context.Context, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error
	// RecordPeer saves an accepted peer publication.
	RecordPeer(ctx context.Context, msg domain.SignedTelemetryMessage, hash [domain.HashSize]byte) error
	// LatestTimestamp returns the newest recorded identity timestamp for
	// smallID, and whether any record exists.
	LatestTimestamp(ctx context.Context, smallID uint64) (uint64, bool, error)
	// VerifyOwnership reports whether owner holds smallID. An identity
	// with no registry entry answers (false, nil), not an error.
	VerifyOwnership(ctx context.Context, smallID uint64, owner string) (bool, error)
	// RecordOwnership registers owner as the holder of smallID,
	// superseding any previous entry.
	RecordOwnership(ctx context.Context, smallID uint64, owner string) error
	// Close releases underlying resources.
	Close() error
}
