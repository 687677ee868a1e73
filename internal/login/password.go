// Package login implements the Login State Machine: credential
// verification, the name/password/confirm/email/gender prompt sequence,
// the structured AUTH_REQ/AUTH flow, and session-resume tokens
// (base-spec §4.4).
package login

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 1 << 15 // 32768
	scryptR      = 8
	scryptP      = 1
	saltLen      = 16
	derivedKeyLen = 64
)

var nameRE = regexp.MustCompile(`^[A-Za-z]{3,16}$`)

// ValidName reports whether name matches the stored-name grammar
// [A-Za-z]{3,16}.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// NormalizeName title-cases name for storage ("alice" and "ALICE" both
// become "Alice", so lookups are case-insensitive by construction).
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// ValidPassword reports whether password meets the minimum-strength
// rule: at least 6 characters.
func ValidPassword(password string) bool {
	return len(password) >= 6
}

// HashPassword derives a scrypt key from password with a fresh random
// salt and returns the encoded "salt$derivedKey" form (both
// base64-std), per base-spec §4.4 (salt ≥ 16 bytes, derived key ≥ 64
// bytes).
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, derivedKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(key), nil
}

// VerifyPassword checks password against an encoded hash produced by
// HashPassword, comparing the derived keys in constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("malformed password hash")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("decode key: %w", err)
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, len(want))
	if err != nil {
		return false, fmt.Errorf("derive key: %w", err)
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
