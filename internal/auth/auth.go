// Package auth validates the two admin-facing credential shapes the
// HTTP envelope contract (SPEC_FULL.md §6.1) requires: a bearer JWT and
// a static API key. It exposes pure functions only — no router, no
// middleware — transport wiring is outside this service's scope.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/new-api-tools/sidecar/internal/config"
)

// Claims is the admin bearer-JWT payload: HS256, subject="admin", expiry ≤ 24h.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken issues a token for the given subject, capped at the
// configured expiry (never more than 24h per the contract).
func GenerateToken(subject string) (string, time.Time, error) {
	cfg := config.Get()
	hours := cfg.JWTExpireHour
	if hours <= 0 || hours > 24 {
		hours = 24
	}
	expiresAt := time.Now().Add(time.Duration(hours) * time.Hour)

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and verifies a bearer token, rejecting anything
// not signed with HS256 by the configured secret or whose subject is not
// "admin".
func ValidateToken(tokenString string) (*Claims, error) {
	cfg := config.Get()
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject != "admin" {
		return nil, fmt.Errorf("invalid token subject")
	}
	return claims, nil
}

// HashAPIKey produces a bcrypt hash suitable for storing a configured API key.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(h), err
}

// VerifyAPIKey compares a presented key against its stored bcrypt hash.
func VerifyAPIKey(presented, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
}
