package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/resilience/internal/core/domain"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"` // 0 = no expiry
}

// RedisStore stores the session as a JSON blob under one key.
type RedisStore struct {
	rdb    *redis.Client
	id     string
	prefix string
	ttl    time.Duration
}

// NewRedisClient parses cfg.URL and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}

// NewRedisStore creates a store for session id on an existing client.
func NewRedisStore(rdb *redis.Client, id string, cfg RedisConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "resilience"
	}
	return &RedisStore{
		rdb:    rdb,
		id:     id,
		prefix: prefix,
		ttl:    cfg.TTL,
	}
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("%s:session:%s", s.prefix, s.id)
}

// Load returns the stored session.
func (s *RedisStore) Load(ctx context.Context) (domain.Session, error) {
	data, err := s.rdb.Get(ctx, s.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return domain.Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return sess, nil
}

// Save replaces the stored session.
func (s *RedisStore) Save(ctx context.Context, sess domain.Session) error {
	sess.ID = s.id
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.rdb.Set(ctx, s.key(), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// Clear deletes the session key.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
