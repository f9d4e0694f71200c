package session

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/0x4d31/rulesync/internal/state"
)

// ErrAuthFailed covers unknown sensors and wrong secrets alike.
var ErrAuthFailed = errors.New("authentication failed")

// HashSecret hashes a sensor secret at the default bcrypt cost.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash failed: %w", err)
	}
	return string(hash), nil
}

// CheckSecret reports whether secret matches the stored hash.
func CheckSecret(hash, secret string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// Authenticate checks secret against the sensor's stored credential and, on
// success, issues a new session. A nil sensor is an unknown name.
func (c *Cache) Authenticate(s *state.Sensor, secret string) (Session, error) {
	if s == nil || !CheckSecret(s.SecretHash, secret) {
		return Session{}, ErrAuthFailed
	}
	return c.Issue(s.ID, s.Name), nil
}
