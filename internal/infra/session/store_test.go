package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/resilience/internal/core/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

// exerciseStore runs the shared contract against any Store.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load on empty store = %v, want ErrNotFound", err)
	}

	sess := domain.Session{
		Access:  domain.AccessCredential{Token: "access-1", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		Refresh: domain.RefreshCredential{Token: "refresh-1"},
	}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Access != sess.Access || got.Refresh != sess.Refresh {
		t.Errorf("Load = %+v, want credentials of %+v", got, sess)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped on save")
	}

	sess.Access.Token = "access-2"
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	got, _ = store.Load(ctx)
	if got.Access.Token != "access-2" {
		t.Errorf("Access.Token = %q, want access-2", got.Access.Token)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("second Clear failed: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Clear = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore("default"))
}

func TestRedisStore(t *testing.T) {
	_, rdb := newTestRedis(t)
	exerciseStore(t, NewRedisStore(rdb, "default", RedisConfig{KeyPrefix: "test"}))
}

func TestRedisStore_TTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "u1", RedisConfig{TTL: time.Minute})

	if err := store.Save(context.Background(), domain.Session{
		Refresh: domain.RefreshCredential{Token: "r"},
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if ttl := mr.TTL("resilience:session:u1"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after expiry = %v, want ErrNotFound", err)
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), RedisConfig{URL: "not-a-url"}); err == nil {
		t.Error("expected parse error")
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := OpenPostgres(ctx, DatabaseConfig{URL: url})
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, "test-session")
	_ = store.Clear(ctx)
	exerciseStore(t, store)
}
