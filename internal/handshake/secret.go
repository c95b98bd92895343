package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Secrets derives per-agent secrets from a controller key.
type Secrets struct {
	key []byte
}

// NewSecrets returns a deriver for key. key must not be empty.
func NewSecrets(key []byte) (*Secrets, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("agent secret key is empty")
	}
	return &Secrets{key: append([]byte(nil), key...)}, nil
}

// GenerateKey returns a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating agent secret key: %w", err)
	}
	return key, nil
}

// For returns the secret for the named agent.
func (s *Secrets) For(agent string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(agent))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether secret belongs to agent, in constant time.
func (s *Secrets) Verify(agent, secret string) bool {
	got, err := hex.DecodeString(secret)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(agent))
	return hmac.Equal(got, mac.Sum(nil))
}
