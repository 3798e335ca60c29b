// Package storage defines the durable group store contract shared by the
// postgres, redis and memory backends.
//
// Every mutation of a room's counters is a single store-side atomic operation.
// Backends return domain.ErrNotFound and domain.ErrQuotaExceeded for the
// deterministic outcomes; any other error is a store failure.
package storage

import (
	"context"
	"time"

	"example.com/groups/internal/domain"
)

type GroupStore interface {
	Ping(ctx context.Context) error
	Close() error

	// Insert persists room unless its creator already holds maxPerCreator
	// rooms. The count and the insert are atomic per creator.
	Insert(ctx context.Context, room domain.Room, maxPerCreator int) (domain.Room, error)
	Get(ctx context.Context, id string) (domain.Room, error)
	// ListByCreator returns rooms newest first by CreatedAt.
	ListByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Room, error)
	// CountByCreator backs the advisory quota read.
	CountByCreator(ctx context.Context, creatorID string) (int, error)
	// Delete removes the room and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// AdjustPresence adds delta to the active user count, clamped at zero,
	// and advances LastActiveAt to at unless it is already later.
	AdjustPresence(ctx context.Context, id string, delta int, at time.Time) (int, error)
	// Touch advances LastActiveAt to at unless it is already later.
	Touch(ctx context.Context, id string, at time.Time) (time.Time, error)

	GetKey(ctx context.Context, id string) (key []byte, digest string, err error)

	// DeleteEmpty removes every room with an active user count <= 0.
	DeleteEmpty(ctx context.Context) ([]string, error)
	// DeleteInactive removes every room with exactly one active user whose
	// LastActiveAt is strictly before cutoff.
	DeleteInactive(ctx context.Context, cutoff time.Time) ([]string, error)
}
