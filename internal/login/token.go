package login

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// resumeClaims is the payload of a session-resume token, issued over
// the SESSION subchannel on successful login and presented back on
// reconnect to skip re-auth (base-spec §4.4).
type resumeClaims struct {
	jwt.RegisteredClaims
	PlayerName string `json:"playerName"`
}

// TokenIssuer issues and validates opaque, TTL-bounded session-resume
// tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer returns a TokenIssuer signing with secret and expiring
// tokens after ttl.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue returns a signed resume token for playerName plus its
// expiration time.
func (i *TokenIssuer) Issue(playerName string) (token string, expiresAt time.Time, err error) {
	expiresAt = time.Now().Add(i.ttl)
	claims := resumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		PlayerName: playerName,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign resume token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses tokenString and returns the bound player name. It
// returns an error for any expired or unknown token, which callers map
// to the SESSION subchannel's session_invalid reply.
func (i *TokenIssuer) Validate(tokenString string) (playerName string, err error) {
	var claims resumeClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse resume token: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("resume token invalid")
	}
	return claims.PlayerName, nil
}
