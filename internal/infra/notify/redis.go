package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/resilience/internal/core/domain"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "resilience:events"

// RedisSink publishes events as JSON on a Redis pub/sub channel so other
// processes (a UI gateway, another tab's backend) can react to them.
type RedisSink struct {
	rdb       *redis.Client
	channel   string
	sessionID string
	log       *slog.Logger
	now       func() time.Time
}

// NewRedisSink creates a sink publishing to channel.
func NewRedisSink(rdb *redis.Client, channel, sessionID string, logger *slog.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{
		rdb:       rdb,
		channel:   channel,
		sessionID: sessionID,
		log:       logger,
		now:       time.Now,
	}
}

func (s *RedisSink) SessionExpired(ctx context.Context, reason error) {
	ev := s.event(EventSessionExpired)
	if reason != nil {
		ev.Error = reason.Error()
	}
	s.publish(ctx, ev)
}

func (s *RedisSink) RefreshSucceeded(ctx context.Context, cred domain.AccessCredential) {
	ev := s.event(EventRefreshSucceeded)
	exp := cred.Expiry()
	ev.ExpiresAt = &exp
	s.publish(ctx, ev)
}

func (s *RedisSink) RefreshFailed(ctx context.Context, err error) {
	ev := s.event(EventRefreshFailed)
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(ctx, ev)
}

func (s *RedisSink) event(t EventType) Event {
	return Event{Type: t, SessionID: s.sessionID, At: s.now().UTC()}
}

// publish is best effort; delivery failures are logged, never returned.
func (s *RedisSink) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.rdb.Publish(pctx, s.channel, data).Err(); err != nil {
		s.log.Warn("Failed to publish event", "type", ev.Type, "channel", s.channel, "error", err)
	}
}
