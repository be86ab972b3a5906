// Package classify maps call failures to the category that decides whether the
// call is refreshed, retried with backoff, or failed terminally.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category is the failure class of a remote call.
type Category int

const (
	Unknown Category = iota
	AuthExpired
	RefreshCredentialInvalid
	PermissionDenied
	RetryableNetwork
	RetryableServer
	NonRetryableClient
)

func (c Category) String() string {
	switch c {
	case AuthExpired:
		return "auth_expired"
	case RefreshCredentialInvalid:
		return "refresh_credential_invalid"
	case PermissionDenied:
		return "permission_denied"
	case RetryableNetwork:
		return "retryable_network"
	case RetryableServer:
		return "retryable_server"
	case NonRetryableClient:
		return "non_retryable_client"
	default:
		return "unknown"
	}
}

// Retryable reports whether the category is recovered through backoff.
func (c Category) Retryable() bool {
	return c == RetryableNetwork || c == RetryableServer
}

// Terminal reports whether no further attempt can succeed.
// AuthExpired is not terminal: it is resolved by a refresh.
func (c Category) Terminal() bool {
	return !c.Retryable() && c != AuthExpired
}

// StatusCoder is implemented by errors carrying an HTTP-like status code.
type StatusCoder interface {
	StatusCode() int
}

// Categorizer is implemented by errors that already know their category.
type Categorizer interface {
	Category() Category
}

// statusCategories is the fixed status-code mapping. Codes not listed fall back
// to range rules in fromStatus.
var statusCategories = map[int]Category{
	401: AuthExpired,
	403: PermissionDenied,
	408: RetryableNetwork,
	425: RetryableServer,
	429: RetryableServer,
	500: RetryableServer,
	502: RetryableServer,
	503: RetryableServer,
	504: RetryableServer,
}

var grpcCategories = map[codes.Code]Category{
	codes.Unauthenticated:    AuthExpired,
	codes.PermissionDenied:   PermissionDenied,
	codes.Unavailable:        RetryableNetwork,
	codes.DeadlineExceeded:   RetryableNetwork,
	codes.ResourceExhausted:  RetryableServer,
	codes.Aborted:            RetryableServer,
	codes.Internal:           RetryableServer,
	codes.InvalidArgument:    NonRetryableClient,
	codes.NotFound:           NonRetryableClient,
	codes.AlreadyExists:      NonRetryableClient,
	codes.FailedPrecondition: NonRetryableClient,
	codes.OutOfRange:         NonRetryableClient,
	codes.Unimplemented:      NonRetryableClient,
}

// Message fragments for transport errors without a structured code. Order matters:
// refresh-credential fragments are checked before generic auth ones.
var messageRules = []struct {
	category  Category
	fragments []string
}{
	{RefreshCredentialInvalid, []string{
		"invalid_grant",
		"invalid refresh token",
		"refresh token expired",
		"refresh token revoked",
		"reauthorization required",
	}},
	{AuthExpired, []string{
		"token expired",
		"token is expired",
		"jwt expired",
		"unauthorized",
		"unauthenticated",
	}},
	{PermissionDenied, []string{
		"forbidden",
		"permission denied",
		"access denied",
	}},
	{RetryableNetwork, []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"timeout",
		"unexpected eof",
		"failed to fetch",
		"network error",
	}},
	{RetryableServer, []string{
		"too many requests",
		"rate limit",
		"service unavailable",
		"bad gateway",
		"internal server error",
	}},
}

// Classify maps err to exactly one category. It never panics; inputs it cannot
// place map to Unknown, which callers treat as terminal.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}

	var cz Categorizer
	if errors.As(err, &cz) {
		return cz.Category()
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return fromStatus(sc.StatusCode())
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown && st.Code() != codes.OK {
		if c, ok := grpcCategories[st.Code()]; ok {
			return c
		}
		return Unknown
	}

	// Caller cancellation is not something a retry fixes.
	if errors.Is(err, context.Canceled) {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetryableNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return RetryableNetwork
	}

	return fromMessage(err.Error())
}

func fromStatus(code int) Category {
	if c, ok := statusCategories[code]; ok {
		return c
	}
	switch {
	case code >= 500:
		return RetryableServer
	case code >= 400:
		return NonRetryableClient
	default:
		return Unknown
	}
}

func fromMessage(msg string) Category {
	lower := strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, f := range rule.fragments {
			if strings.Contains(lower, f) {
				return rule.category
			}
		}
	}
	return Unknown
}

// RetryAfterer is implemented by errors carrying a server-provided retry hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// RetryAfter extracts a server backoff hint from err: a Retry-After value from an
// HTTP error, or a RetryInfo detail from a gRPC status.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var ra RetryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d, true
		}
	}

	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			if d := info.GetRetryDelay().AsDuration(); d > 0 {
				return d, true
			}
		}
	}
	return 0, false
}

type categorized struct {
	err      error
	category Category
}

func (e *categorized) Error() string      { return e.err.Error() }
func (e *categorized) Unwrap() error      { return e.err }
func (e *categorized) Category() Category { return e.category }

// WithCategory tags err so Classify returns c for it and anything wrapping it.
func WithCategory(err error, c Category) error {
	if err == nil {
		return nil
	}
	return &categorized{err: err, category: c}
}
