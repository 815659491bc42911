package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionUnavailable is returned when no validated session can be obtained
// for a user/account pair.
var ErrSessionUnavailable = errors.New("broker: session unavailable")

// Session is a validated broker session for one user/account pair.
type Session struct {
	Token       string
	UserID      string
	Account     string
	ValidatedAt time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionProvider exchanges a refresh token for a live session.
type SessionProvider interface {
	GetSession(ctx context.Context, refreshToken string) (*Session, error)
}

// SessionProviderFunc adapts a function to the SessionProvider interface.
type SessionProviderFunc func(ctx context.Context, refreshToken string) (*Session, error)

func (f SessionProviderFunc) GetSession(ctx context.Context, refreshToken string) (*Session, error) {
	return f(ctx, refreshToken)
}

// SessionManager caches sessions per (user, account). Cached sessions may be
// used for reads; any order-mutating call must go through FreshSession, which
// revalidates against the provider so a silently expired session is never
// used to submit an order.
type SessionManager struct {
	mu       sync.Mutex
	provider SessionProvider
	tokens   map[string]string   // (user,account) -> refresh token
	sessions map[string]*Session // (user,account) -> last validated session
	accounts map[string]string   // account -> user
}

// NewSessionManager creates a SessionManager backed by the given provider.
func NewSessionManager(provider SessionProvider) *SessionManager {
	return &SessionManager{
		provider: provider,
		tokens:   make(map[string]string),
		sessions: make(map[string]*Session),
		accounts: make(map[string]string),
	}
}

func sessionKey(userID, account string) string {
	return userID + "/" + account
}

// Register stores the refresh token for a user/account pair.
func (m *SessionManager) Register(userID, account, refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[sessionKey(userID, account)] = refreshToken
	m.accounts[account] = userID
}

// FreshSessionByAccount revalidates the session for whichever user owns the
// account. Components that work per account rather than per user go through
// this before any order-mutating broker call.
func (m *SessionManager) FreshSessionByAccount(ctx context.Context, account string) (*Session, error) {
	m.mu.Lock()
	userID, ok := m.accounts[account]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no user registered for account %s",
			ErrSessionUnavailable, account)
	}
	return m.FreshSession(ctx, userID, account)
}

// CachedSession returns the last validated session, if any. Suitable for
// read-only broker calls.
func (m *SessionManager) CachedSession(userID, account string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(userID, account)]
	if !ok || s.Expired(time.Now().UTC()) {
		return nil, false
	}
	return s, true
}

// FreshSession validates a session against the provider and caches the
// result. One provider call is made per invocation; a failure maps to
// ErrSessionUnavailable so callers can classify it as an auth error.
func (m *SessionManager) FreshSession(ctx context.Context, userID, account string) (*Session, error) {
	m.mu.Lock()
	token, ok := m.tokens[sessionKey(userID, account)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no refresh token registered for %s/%s",
			ErrSessionUnavailable, userID, account)
	}

	s, err := m.provider.GetSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if s == nil || s.Token == "" {
		return nil, fmt.Errorf("%w: provider returned empty session", ErrSessionUnavailable)
	}
	s.UserID = userID
	s.Account = account
	s.ValidatedAt = time.Now().UTC()

	m.mu.Lock()
	m.sessions[sessionKey(userID, account)] = s
	m.mu.Unlock()
	return s, nil
}
