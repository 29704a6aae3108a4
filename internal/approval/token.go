package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexuscore/core/internal/corerr"
)

// ResolverClaims identifies the human operator resolving an approval
// request. Subject is the operator id passed to Gate.Resolve as
// resolver; Email/Name are carried for audit display only.
type ResolverClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ResolverAuth issues and verifies the bearer tokens an approval
// dashboard or Slack/Telegram interaction hands back as the "who
// resolved this" identity — narrowed to just the resolver identity
// this package's Resolve needs, not a full login-session token.
type ResolverAuth struct {
	secret []byte
	expiry time.Duration
}

// NewResolverAuth builds a ResolverAuth. expiry <= 0 means issued
// tokens never expire.
func NewResolverAuth(secret []byte, expiry time.Duration) *ResolverAuth {
	return &ResolverAuth{secret: secret, expiry: expiry}
}

// Issue signs a token identifying operatorID as the resolver.
func (a *ResolverAuth) Issue(operatorID, email, name string) (string, error) {
	if len(a.secret) == 0 {
		return "", corerr.New(corerr.CodeConfigError, "resolver auth secret is not configured")
	}
	if strings.TrimSpace(operatorID) == "" {
		return "", corerr.New(corerr.CodeValidation, "operator id is required")
	}

	claims := ResolverClaims{
		Email: strings.TrimSpace(email),
		Name:  strings.TrimSpace(name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  operatorID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if a.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(a.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ResolverID validates token and returns the operator id (the JWT
// subject) to pass as Gate.Resolve's resolver argument.
func (a *ResolverAuth) ResolverID(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", corerr.New(corerr.CodeConfigError, "resolver auth secret is not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &ResolverClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", corerr.Wrap(corerr.CodeValidation, err)
	}

	claims, ok := parsed.Claims.(*ResolverClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", corerr.New(corerr.CodeValidation, "invalid resolver token")
	}
	return claims.Subject, nil
}
