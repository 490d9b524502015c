// Package tenant supplies the authenticated tenant and actor to the sync
// engine and the repositories.
package tenant

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tillbook/tillbook/internal/record"
)

// Provider reports the currently authenticated tenant.
type Provider interface {
	// CurrentTenantID returns record.ErrNoTenant when nobody is signed in.
	CurrentTenantID() (string, error)
	// CurrentActorID identifies the signed-in user or device; may be empty.
	CurrentActorID() string
}

// Static is a fixed tenant and actor.
type Static struct {
	TenantID string
	ActorID  string
}

// CurrentTenantID implements Provider.
func (s Static) CurrentTenantID() (string, error) {
	if s.TenantID == "" {
		return "", record.ErrNoTenant
	}
	return s.TenantID, nil
}

// CurrentActorID implements Provider.
func (s Static) CurrentActorID() string { return s.ActorID }

// Session tracks sign-in state for a running app.
type Session struct {
	mu       sync.RWMutex
	tenantID string
	actorID  string
}

// NewSession returns a signed-out session.
func NewSession() *Session {
	return &Session{}
}

// SignIn sets the current tenant and actor.
func (s *Session) SignIn(tenantID, actorID string) {
	s.mu.Lock()
	s.tenantID, s.actorID = tenantID, actorID
	s.mu.Unlock()
}

// SignOut clears the session.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.tenantID, s.actorID = "", ""
	s.mu.Unlock()
}

// CurrentTenantID implements Provider.
func (s *Session) CurrentTenantID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tenantID == "" {
		return "", record.ErrNoTenant
	}
	return s.tenantID, nil
}

// CurrentActorID implements Provider.
func (s *Session) CurrentActorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actorID
}

// Claims is the token payload: tid names the tenant, sub the actor.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tid"`
}

// FromToken validates an HS256 token and returns the tenant it carries.
func FromToken(token string, secret []byte) (Static, error) {
	if token == "" {
		return Static{}, record.ErrNoTenant
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Static{}, fmt.Errorf("%w: parse token: %w", record.ErrNoTenant, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TenantID == "" {
		return Static{}, fmt.Errorf("%w: token has no tenant claim", record.ErrNoTenant)
	}
	return Static{TenantID: claims.TenantID, ActorID: claims.Subject}, nil
}

// IssueToken signs a token for tenantID and actorID valid for ttl.
func IssueToken(tenantID, actorID string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
