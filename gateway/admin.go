package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminTokenIssuer = "empleadora"

// AdminVerifier authenticates support-staff bearer tokens on the dispute
// administration endpoints. Tokens are HS256 JWTs minted by the back office;
// the subject claim identifies the admin for the arbiter roster check.
type AdminVerifier struct {
	secret []byte
	nowFn  func() time.Time
}

func NewAdminVerifier(secret string) *AdminVerifier {
	return &AdminVerifier{secret: []byte(secret), nowFn: time.Now}
}

// VerifyRequest extracts and validates the bearer token, returning the admin
// subject.
func (v *AdminVerifier) VerifyRequest(r *http.Request) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("admin access not configured")
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	return v.Verify(strings.TrimSpace(strings.TrimPrefix(header, prefix)))
}

// Verify validates a raw token string and returns its subject claim.
func (v *AdminVerifier) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(adminTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.nowFn() }),
	)
	if err != nil {
		return "", fmt.Errorf("invalid admin token: %w", err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("invalid admin token: missing subject")
	}
	return claims.Subject, nil
}

// MintAdminToken issues a short-lived token for the given subject. Used by
// tests and the local development tooling.
func (v *AdminVerifier) MintAdminToken(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := v.nowFn()
	claims := jwt.RegisteredClaims{
		Issuer:    adminTokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
