package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/resilience/internal/core/domain"
)

func TestRedisSink_Publishes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch := sub.Channel()

	sink := NewRedisSink(rdb, "events", "u1", nil)
	exp := time.Unix(1_800_000_000, 0)
	sink.RefreshSucceeded(ctx, domain.AccessCredential{Token: "secret", ExpiresAt: exp.Unix()})
	sink.SessionExpired(ctx, errors.New("invalid_grant"))

	want := []EventType{EventRefreshSucceeded, EventSessionExpired}
	for i, wt := range want {
		select {
		case msg := <-ch:
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.Fatalf("decode event %d: %v", i, err)
			}
			if ev.Type != wt || ev.SessionID != "u1" {
				t.Errorf("event %d = %+v, want type %s", i, ev, wt)
			}
			if wt == EventRefreshSucceeded && (ev.ExpiresAt == nil || !ev.ExpiresAt.Equal(exp)) {
				t.Errorf("ExpiresAt = %v, want %v", ev.ExpiresAt, exp)
			}
			if wt == EventSessionExpired && ev.Error != "invalid_grant" {
				t.Errorf("Error = %q", ev.Error)
			}
			if strings.Contains(msg.Payload, "secret") {
				t.Error("event leaked the access token")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestRedisSink_PublishFailureIsSwallowed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	// Must return without panicking.
	NewRedisSink(rdb, "", "u1", nil).RefreshFailed(context.Background(), errors.New("boom"))
}

type recordingSink struct{ events []EventType }

func (r *recordingSink) SessionExpired(context.Context, error) {
	r.events = append(r.events, EventSessionExpired)
}

func (r *recordingSink) RefreshSucceeded(context.Context, domain.AccessCredential) {
	r.events = append(r.events, EventRefreshSucceeded)
}

func (r *recordingSink) RefreshFailed(context.Context, error) {
	r.events = append(r.events, EventRefreshFailed)
}

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := Multi{a, NewLogSink(nil), b}

	ctx := context.Background()
	m.RefreshSucceeded(ctx, domain.AccessCredential{})
	m.RefreshFailed(ctx, errors.New("x"))
	m.SessionExpired(ctx, nil)

	for _, r := range []*recordingSink{a, b} {
		if len(r.events) != 3 || r.events[2] != EventSessionExpired {
			t.Errorf("events = %v", r.events)
		}
	}
}
