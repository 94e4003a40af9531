package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrWrongPassword = errors.New("wrong access password")
	errInvalidToken  = errors.New("invalid token")
	errTokenExpired  = errors.New("token expired")
)

// Service guards the API with the configured access password. A browser that
// presented the password once gets a token cookie instead of resending it.
type Service struct {
	password       string
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	passwordHeader string
	csrfCookieName string
	csrfHeaderName string
	now            func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time
}

// NewService constructs the gate. An empty password disables it.
func NewService(password string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		password:       password,
		tokenTTL:       ttl,
		cookieName:     "access_token",
		headerName:     "Authorization",
		passwordHeader: "X-Access-Password",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
		now:            time.Now,
		tokens:         make(map[string]time.Time),
	}
}

// Enabled reports whether an access password is configured.
func (s *Service) Enabled() bool {
	return s.password != ""
}

// CheckPassword compares in constant time.
func (s *Service) CheckPassword(password string) bool {
	if !s.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
}

// IssueToken mints a token for a caller that presented the right password.
func (s *Service) IssueToken(password string) (string, error) {
	if !s.CheckPassword(password) {
		return "", ErrWrongPassword
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tokens[token] = s.now().Add(s.tokenTTL)
	s.mu.Unlock()
	return token, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired.
func (s *Service) ValidateToken(token string) error {
	if token == "" {
		return errors.New("token required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.tokens[token]
	if !ok {
		return errInvalidToken
	}
	if s.now().After(expires) {
		delete(s.tokens, token)
		return errTokenExpired
	}
	return nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing access tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
