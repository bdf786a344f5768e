package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"flakies/terminal/internal/domain"
)

var (
	ErrNoSession      = errors.New("no active session")
	ErrSessionExpired = errors.New("session expired")
	ErrUnlockDenied   = errors.New("offline unlock denied")
)

type terminalClaims struct {
	jwtlib.RegisteredClaims
	BusinessID string `json:"business_id"`
	Role       string `json:"role"`
}

// Manager holds the access token issued by the remote server and the
// authenticated context extracted from it. The terminal parses claims without
// verifying the signature: it does not hold the server secret, and the server
// re-validates the token on every submission anyway.
//
// For offline operation the manager caches a bcrypt hash of the operator
// password at the last online login, so the terminal can be unlocked when the
// server is unreachable.
type Manager struct {
	mu         sync.RWMutex
	current    *domain.Session
	unlockHash string
}

func NewManager() *Manager {
	return &Manager{}
}

// Accept installs a freshly issued access token, extracting businessId,
// userId, role and expiry from its claims. An optional operator password is
// hashed and cached for later offline unlock.
func (m *Manager) Accept(accessToken string, operatorPassword string) (domain.Session, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return domain.Session{}, ErrNoSession
	}

	claims := &terminalClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return domain.Session{}, err
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Session{}, errors.New("token has no subject")
	}

	sess := domain.Session{
		BusinessID:  claims.BusinessID,
		UserID:      sub,
		Role:        claims.Role,
		AccessToken: accessToken,
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}

	var unlockHash string
	if operatorPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(operatorPassword), bcrypt.DefaultCost)
		if err != nil {
			return domain.Session{}, err
		}
		unlockHash = string(hash)
	}

	m.mu.Lock()
	m.current = &sess
	if unlockHash != "" {
		m.unlockHash = unlockHash
	}
	m.mu.Unlock()

	return sess, nil
}

// Current returns the active session. An expired session is still returned
// alongside ErrSessionExpired so callers can decide whether stale context is
// acceptable for queued offline work.
func (m *Manager) Current() (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return domain.Session{}, ErrNoSession
	}
	sess := *m.current
	if !sess.ExpiresAt.IsZero() && time.Now().UTC().After(sess.ExpiresAt) {
		return sess, ErrSessionExpired
	}
	return sess, nil
}

// AccessToken implements remote.TokenSource.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return ""
	}
	return m.current.AccessToken
}

// Unlock verifies the operator password against the hash cached at the last
// online login. It never talks to the server.
func (m *Manager) Unlock(password string) error {
	m.mu.RLock()
	hash := m.unlockHash
	m.mu.RUnlock()

	if hash == "" || strings.TrimSpace(password) == "" {
		return ErrUnlockDenied
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrUnlockDenied
	}
	return nil
}

func (m *Manager) Clear() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}
