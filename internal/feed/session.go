package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/thomasdunn15/trading-bot/internal/logger"
)

// Authenticator exchanges long-lived credentials for a session token.
type Authenticator interface {
	Login(ctx context.Context) (string, error)
}

// SessionStatus is a read-only view of the credential state.
type SessionStatus struct {
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Degraded            bool      `json:"degraded"`
}

// Session owns the brokerage token and its refresh schedule. Only the feed
// side holds it; the position engine never sees credentials.
type Session struct {
	auth             Authenticator
	interval         time.Duration
	failureThreshold int
	now              func() time.Time

	mu        sync.RWMutex
	token     string
	issuedAt  time.Time
	expiresAt time.Time
	failures  int
	lastErr   error
}

func NewSession(auth Authenticator, interval time.Duration, failureThreshold int) *Session {
	if interval <= 0 {
		interval = 2 * time.Hour
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Session{auth: auth, interval: interval, failureThreshold: failureThreshold, now: time.Now}
}

// Refresh re-authenticates once. A failure keeps the previous token.
func (s *Session) Refresh(ctx context.Context) error {
	token, err := s.auth.Login(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		s.lastErr = err
		return fmt.Errorf("refresh session: %w", err)
	}
	s.token = token
	s.issuedAt = s.now()
	s.expiresAt = tokenExpiry(token)
	s.failures = 0
	s.lastErr = nil
	return nil
}

// Token returns the current token, or "" before the first login.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Valid reports whether a token is held and not past its expiry. Tokens
// without an exp claim are trusted until the next scheduled refresh.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.now().Before(s.expiresAt)
}

// Ensure logs in when no valid token is held.
func (s *Session) Ensure(ctx context.Context) (string, error) {
	if s.Valid() {
		return s.Token(), nil
	}
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}
	return s.Token(), nil
}

func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SessionStatus{
		IssuedAt:            s.issuedAt,
		ExpiresAt:           s.expiresAt,
		ConsecutiveFailures: s.failures,
		Degraded:            s.failures >= s.failureThreshold,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// RunRefresher re-authenticates every interval until ctx is cancelled. It
// never touches an open stream; failures are retried on the next cycle.
func (s *Session) RunRefresher(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.refreshCycle(ctx)
		}
	}
}

func (s *Session) refreshCycle(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		st := s.Status()
		if st.Degraded {
			logger.Errorf("Session: refresh failed %d times in a row: %v", st.ConsecutiveFailures, err)
			return
		}
		logger.Warnf("Session: %v (attempt %d, retrying in %s)", err, st.ConsecutiveFailures, s.interval)
		return
	}
	logger.Infof("Session: token refreshed")
}

func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
