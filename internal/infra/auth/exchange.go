// Package auth implements the refresh exchange: trading a refresh credential for a
// new access credential against an OAuth2-style token endpoint.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/infra/transport"
	"github.com/vietddude/resilience/internal/resilience/classify"
)

// ErrNoExpiry is returned when neither expires_in nor a JWT exp claim is present.
var ErrNoExpiry = errors.New("token response carries no expiry")

// rejectionCodes are OAuth2 error codes meaning the refresh credential is unusable.
var rejectionCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_token":       true,
	"unauthorized_client": true,
}

// RejectedError means the backend refused the refresh credential itself.
type RejectedError struct {
	Code        string
	Description string
	Status      int
}

func (e *RejectedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("refresh rejected (%d %s): %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("refresh rejected (%d %s)", e.Status, e.Code)
}

// Category marks the rejection as terminal for the session.
func (e *RejectedError) Category() classify.Category {
	return classify.RefreshCredentialInvalid
}

// Config configures the HTTP exchange.
type Config struct {
	URL      string
	ClientID string
	Timeout  time.Duration
}

// HTTPExchange posts the refresh credential to a token endpoint.
type HTTPExchange struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPExchange creates an exchange client.
func NewHTTPExchange(cfg Config) *HTTPExchange {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPExchange{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges rc for a new grant.
func (x *HTTPExchange) Refresh(ctx context.Context, rc domain.RefreshCredential) (domain.TokenGrant, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: rc.Token,
		ClientID:     x.cfg.ClientID,
	})
	if err != nil {
		return domain.TokenGrant{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return domain.TokenGrant{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return domain.TokenGrant{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.TokenGrant{}, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return domain.TokenGrant{}, x.rejection(resp, data)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return domain.TokenGrant{}, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return domain.TokenGrant{}, errors.New("token response missing access_token")
	}

	expiresAt, err := x.expiry(tr)
	if err != nil {
		return domain.TokenGrant{}, err
	}

	return domain.TokenGrant{
		Access:  domain.AccessCredential{Token: tr.AccessToken, ExpiresAt: expiresAt},
		Refresh: domain.RefreshCredential{Token: tr.RefreshToken},
	}, nil
}

func (x *HTTPExchange) rejection(resp *http.Response, data []byte) error {
	var er errorResponse
	_ = json.Unmarshal(data, &er)

	code := strings.ToLower(strings.TrimSpace(er.Error))
	if resp.StatusCode == http.StatusUnauthorized || rejectionCodes[code] {
		return &RejectedError{Code: code, Description: er.ErrorDescription, Status: resp.StatusCode}
	}
	return transport.NewStatusError(resp, data)
}

func (x *HTTPExchange) expiry(tr tokenResponse) (int64, error) {
	if tr.ExpiresIn > 0 {
		return x.now().Add(time.Duration(tr.ExpiresIn) * time.Second).Unix(), nil
	}
	return ExpiryFromJWT(tr.AccessToken)
}

// ExpiryFromJWT reads the exp claim of token without verifying its signature.
// Verification belongs to the resource server; the client only needs the expiry.
func ExpiryFromJWT(token string) (int64, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return 0, fmt.Errorf("decode access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return 0, ErrNoExpiry
	}
	return claims.ExpiresAt.Unix(), nil
}
