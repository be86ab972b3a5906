package network

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	p := NewHTTPProber(server.URL + "/health")
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("probe against healthy server: %v", err)
	}

	status.Store(http.StatusServiceUnavailable)
	if err := p.Probe(context.Background()); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestHTTPProber_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	mon := NewMonitor(DefaultConfig(), NewHTTPProber(url), nil, nil)
	if err := mon.Probe(context.Background()); err == nil {
		t.Fatal("expected probe error")
	}
	if !mon.IsOffline() {
		t.Errorf("status = %s, want offline", mon.Status())
	}
}

func TestGRPCProber(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	p, err := NewGRPCProber("passthrough:///bufnet", "",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewGRPCProber: %v", err)
	}
	defer p.Close()

	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("probe against serving server: %v", err)
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if err := p.Probe(context.Background()); err == nil {
		t.Fatal("expected error for NOT_SERVING")
	}
}
