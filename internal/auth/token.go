// Package auth supplies the bearer credential used on every backend call
// and on the live-update socket handshake.
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
	"sync"
	"time"
)

// TokenProvider returns the current bearer credential.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by providers that cache a token which the
// backend may later reject.
type Invalidator interface {
	Invalidate()
}

// Reject drops p's cached token, if it keeps one, after the backend answered
// 401. The next Token call obtains a fresh credential.
func Reject(p TokenProvider) {
	if inv, ok := p.(Invalidator); ok {
		inv.Invalidate()
	}
}

// ErrNoCredentials is returned when no way to obtain a token is configured.
var ErrNoCredentials = errors.New("no API token or login credentials configured")

// StaticToken is a fixed credential taken from configuration.
type StaticToken string

// Token returns the fixed credential.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoCredentials
	}
	return string(t), nil
}

// LoginProvider obtains a token from POST /api/login and caches it until
// Invalidate is called.
type LoginProvider struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewLoginProvider creates a provider that logs in with the given account.
func NewLoginProvider(baseURL, username, password string, timeout time.Duration) *LoginProvider {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &LoginProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Token returns the cached token, logging in first if necessary.
func (p *LoginProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" {
		return p.token, nil
	}
	if p.username == "" {
		return "", ErrNoCredentials
	}

	token, err := p.login(ctx)
	if err != nil {
		return "", err
	}
	p.token = token
	return token, nil
}

// Invalidate drops the cached token so the next call logs in again.
func (p *LoginProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

func (p *LoginProvider) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]any{
		"login": map[string]string{
			"user":     p.username,
			"password": p.password,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read login response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("login failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse login response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("login response carried no token")
	}
	return out.Token, nil
}

// Ensure both providers implement TokenProvider.
var (
	_ TokenProvider = StaticToken("")
	_ TokenProvider = (*LoginProvider)(nil)
	_ Invalidator   = (*LoginProvider)(nil)
)
