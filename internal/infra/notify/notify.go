// Package notify delivers user-visible session events: terminal expiry (the
// redirect-to-login signal) and proactive refresh outcomes.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/resilience/internal/core/domain"
)

// EventType names a session event.
type EventType string

const (
	EventSessionExpired   EventType = "session_expired"
	EventRefreshSucceeded EventType = "refresh_succeeded"
	EventRefreshFailed    EventType = "refresh_failed"
)

// Event is the serialised form of a notification.
type Event struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	At        time.Time  `json:"at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Sink receives session events. Implementations must not block for long.
type Sink interface {
	SessionExpired(ctx context.Context, reason error)
	RefreshSucceeded(ctx context.Context, cred domain.AccessCredential)
	RefreshFailed(ctx context.Context, err error)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink. logger nil means slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

func (s *LogSink) SessionExpired(_ context.Context, reason error) {
	s.log.Warn("Session expired, re-authentication required", "reason", reason)
}

func (s *LogSink) RefreshSucceeded(_ context.Context, cred domain.AccessCredential) {
	s.log.Info("Session extended", "expires_at", cred.Expiry())
}

func (s *LogSink) RefreshFailed(_ context.Context, err error) {
	s.log.Warn("Proactive refresh failed", "error", err)
}

// Multi fans every event out to all sinks in order.
type Multi []Sink

func (m Multi) SessionExpired(ctx context.Context, reason error) {
	for _, s := range m {
		s.SessionExpired(ctx, reason)
	}
}

func (m Multi) RefreshSucceeded(ctx context.Context, cred domain.AccessCredential) {
	for _, s := range m {
		s.RefreshSucceeded(ctx, cred)
	}
}

func (m Multi) RefreshFailed(ctx context.Context, err error) {
	for _, s := range m {
		s.RefreshFailed(ctx, err)
	}
}
