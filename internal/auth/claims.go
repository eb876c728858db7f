package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoUserID is returned when a token carries no usable user id claim.
var ErrNoUserID = errors.New("token has no user id claim")

// Claims is the subset of access token claims the client needs.
type Claims struct {
	UserID    string
	ExpiresAt time.Time // Zero when the token has no exp claim
}

// Expired reports whether the token is expired at now. Tokens without an
// expiry never expire here; the server still has the last word.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseClaims decodes an access token without verifying its signature.
// The signing key lives on the server; the client only reads the claims
// to learn its user id and when to expect a refresh.
func ParseClaims(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	userID := claimString(mc, "user_id")
	if userID == "" {
		userID = claimString(mc, "userId")
	}
	if userID == "" {
		userID = claimString(mc, "sub")
	}
	if userID == "" {
		return Claims{}, ErrNoUserID
	}

	claims := Claims{UserID: userID}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("parse exp: %w", err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}

// claimString reads a string or numeric claim.
func claimString(mc jwt.MapClaims, key string) string {
	switch v := mc[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
