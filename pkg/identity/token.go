package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken reports a token that failed verification.
var ErrInvalidToken = errors.New("identity: invalid token")

var _ Provider = (*TokenProvider)(nil)

// TokenProvider derives the current identity from HS256-signed JWTs.
// SetToken verifies a raw token and publishes the extracted identity to
// watchers; Clear publishes signed-out.
type TokenProvider struct {
	secret []byte

	mu      sync.Mutex
	current *Identity

	watchers watcherSet
}

// NewTokenProvider returns a signed-out provider verifying against
// secret.
func NewTokenProvider(secret []byte) *TokenProvider {
	return &TokenProvider{secret: secret}
}

// Current returns the identity of the last accepted token, nil if
// signed out.
func (p *TokenProvider) Current() *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Watch subscribes fn to identity-change events.
func (p *TokenProvider) Watch(fn func(*Identity)) func() {
	return p.watchers.add(fn)
}

// SetToken verifies raw and, on success, makes its identity current and
// publishes a change event. A failed verification leaves the current
// identity untouched.
func (p *TokenProvider) SetToken(raw string) (*Identity, error) {
	id, err := Verify(p.secret, raw)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = id
	p.mu.Unlock()

	p.watchers.publish(id)
	return id, nil
}

// Clear signs out and publishes a nil identity.
func (p *TokenProvider) Clear() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	p.watchers.publish(nil)
}

// Verify checks an HS256 token against secret and extracts its identity.
func Verify(secret []byte, raw string) (*Identity, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := &Identity{Subject: sub}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}

	extra := make(map[string]any)
	for k, v := range claims {
		switch k {
		case "sub", "name", "email", "exp", "iat", "nbf", "iss", "aud", "jti":
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		id.Claims = extra
	}
	return id, nil
}

// Sign issues an HS256 token for id expiring after ttl. Used by the
// daemon's token minting and by tests.
func Sign(secret []byte, id *Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": id.Subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	if id.Email != "" {
		claims["email"] = id.Email
	}
	for k, v := range id.Claims {
		claims[k] = v
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
