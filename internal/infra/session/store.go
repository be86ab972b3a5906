// Package session persists the access and refresh credentials of the current
// session.
//
// This package contains:
//   - Store interface: load/save/clear of one session
//   - MemoryStore: process-local store for tests and single-shot CLIs
//   - RedisStore: go-redis backed store with TTL tied to the refresh lifetime
//   - PostgresStore: sqlx/pgx backed store with goose migrations
package session

import (
	"context"
	"errors"

	"github.com/vietddude/resilience/internal/core/domain"
)

// ErrNotFound is returned when no session has been stored.
var ErrNotFound = errors.New("session not found")

// Store persists a single session. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored session or ErrNotFound.
	Load(ctx context.Context) (domain.Session, error)

	// Save replaces the stored session.
	Save(ctx context.Context, s domain.Session) error

	// Clear discards both credentials. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
