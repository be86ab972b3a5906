package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/resilience/classify"
)

func TestClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" {
			t.Errorf("expected path /v1/orders, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": body["id"], "ok": true})
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second)

	var out struct {
		ID string `json:"id"`
		OK bool   `json:"ok"`
	}
	err := c.Do(context.Background(), domain.AccessCredential{Token: "tok"}, http.MethodPost, "v1/orders",
		map[string]any{"id": "o-1"}, &out)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if out.ID != "o-1" || !out.OK {
		t.Errorf("unexpected response: %+v", out)
	}
}

func TestClient_DoStatusError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		category   classify.Category
		hint       time.Duration
	}{
		{"unauthorized", http.StatusUnauthorized, "", classify.AuthExpired, 0},
		{"forbidden", http.StatusForbidden, "", classify.PermissionDenied, 0},
		{"throttled", http.StatusTooManyRequests, "7", classify.RetryableServer, 7 * time.Second},
		{"bad request", http.StatusBadRequest, "", classify.NonRetryableClient, 0},
		{"unavailable", http.StatusServiceUnavailable, "", classify.RetryableServer, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			err := NewClient(server.URL, time.Second).Do(context.Background(), domain.AccessCredential{}, http.MethodGet, "/x", nil, nil)

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected *StatusError, got %v", err)
			}
			if se.Code != tt.status {
				t.Errorf("Code = %d, want %d", se.Code, tt.status)
			}
			if got := classify.Classify(err); got != tt.category {
				t.Errorf("Classify = %v, want %v", got, tt.category)
			}
			if d, _ := classify.RetryAfter(err); d != tt.hint {
				t.Errorf("RetryAfter = %v, want %v", d, tt.hint)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"-3", 0},
		{"12", 12 * time.Second},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
