package coopapi

import (
	"errors"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/oauth2"
)

var (
	ErrNoSession          = errors.New("no active session")
	ErrMissingCredentials = errors.New("email and password are required")
)

// Session holds the bearer credential obtained at login. It is created
// empty, filled by Client.Login and emptied by Clear or when the token's
// exp claim has passed.
type Session struct {
	mu    sync.Mutex
	token *oauth2.Token
	now   func() time.Time
}

func NewSession() *Session {
	return &Session{now: time.Now}
}

// Set stores a raw bearer token. If it is a JWT carrying exp, the session
// expires with it; the signature is not checked here.
func (s *Session) Set(raw string) {
	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(raw, claims); err == nil && claims.ExpiresAt > 0 {
		tok.Expiry = time.Unix(claims.ExpiresAt, 0)
	}

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

// Clear ends the session.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

// Active reports whether a non-expired token is held.
func (s *Session) Active() bool {
	_, err := s.Token()
	return err == nil
}

// Token implements oauth2.TokenSource.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return nil, ErrNoSession
	}
	if !s.token.Expiry.IsZero() && !s.now().Before(s.token.Expiry) {
		s.token = nil
		return nil, ErrNoSession
	}
	tok := *s.token
	return &tok, nil
}
