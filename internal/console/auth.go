package console

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/markus-barta/routedeck/internal/config"
)

const (
	sessionCookie   = "routedeck_session"
	sessionDuration = 12 * time.Hour
)

// ErrNoSession is returned for a missing, unknown or expired session.
var ErrNoSession = errors.New("no valid session")

// Session represents an operator session.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RateLimiter tracks login attempts.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow records an attempt from key and reports whether it is under the
// limit.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.attempts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.attempts[key] = recent
		return false
	}

	r.attempts[key] = append(recent, now)
	return true
}

// Reset clears attempts for key (on successful login).
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

// AuthService handles operator authentication. Sessions live in memory and
// do not survive a restart.
type AuthService struct {
	cfg         *config.Config
	rateLimiter *RateLimiter

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewAuthService creates a new auth service.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		sessions:    make(map[string]*Session),
	}
}

// Enabled reports whether operators must log in.
func (a *AuthService) Enabled() bool {
	return a.cfg.HasOperatorLogin()
}

// CheckPassword verifies the password against the bcrypt hash.
func (a *AuthService) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password)) == nil
}

// CheckTOTP verifies the TOTP code. Always true when TOTP is not configured.
func (a *AuthService) CheckTOTP(code string) bool {
	if !a.cfg.HasTOTP() {
		return true
	}
	return totp.Validate(code, a.cfg.TOTPSecret)
}

// CreateSession creates a new session.
func (a *AuthService) CreateSession() (*Session, error) {
	id, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}
	csrf, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:        id,
		CSRFToken: csrf,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionDuration),
	}

	a.mu.Lock()
	a.sessions[id] = session
	a.mu.Unlock()
	return session, nil
}

// GetSession returns a live session, dropping it if expired.
func (a *AuthService) GetSession(id string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	session, ok := a.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	if time.Now().After(session.ExpiresAt) {
		delete(a.sessions, id)
		return nil, ErrNoSession
	}
	return session, nil
}

// DeleteSession removes a session.
func (a *AuthService) DeleteSession(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// ValidateCSRF checks if the CSRF token matches the session.
func (a *AuthService) ValidateCSRF(session *Session, token string) bool {
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) == 1
}

// IsRateLimited checks if the client is rate limited.
func (a *AuthService) IsRateLimited(ip string) bool {
	return !a.rateLimiter.Allow(ip)
}

// ResetRateLimit clears the rate limit for a client.
func (a *AuthService) ResetRateLimit(ip string) {
	a.rateLimiter.Reset(ip)
}

// SetSessionCookie sets the session cookie on the response.
func (a *AuthService) SetSessionCookie(w http.ResponseWriter, r *http.Request, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearSessionCookie clears the session cookie.
func (a *AuthService) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// GetSessionFromRequest extracts the session from the request cookie.
func (a *AuthService) GetSessionFromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, ErrNoSession
	}
	return a.GetSession(cookie.Value)
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type contextKey string

const sessionContextKey contextKey = "session"

func withSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

func sessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionContextKey).(*Session)
	return session
}
