package network

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/resilience/internal/infra/transport"
)

// Prober performs one reachability check. It must honour ctx cancellation.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber issues a GET against a cheap, side-effect-free endpoint.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober for url. Timeouts come from the probe context.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		url: url,
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// Probe succeeds on any 2xx or 3xx response.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 {
		return transport.NewStatusError(resp, body)
	}
	return nil
}

// GRPCProber calls the standard gRPC health service.
type GRPCProber struct {
	client  healthpb.HealthClient
	service string
	conn    *grpc.ClientConn
}

// NewGRPCProber dials target lazily. service may be empty for overall server health.
func NewGRPCProber(target, service string, opts ...grpc.DialOption) (*GRPCProber, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}
	return &GRPCProber{
		client:  healthpb.NewHealthClient(conn),
		service: service,
		conn:    conn,
	}, nil
}

// Probe fails unless the service reports SERVING.
func (p *GRPCProber) Probe(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("grpc health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health check: service %q is %s", p.service, resp.GetStatus())
	}
	return nil
}

// Close releases the underlying connection.
func (p *GRPCProber) Close() error {
	return p.conn.Close()
}
