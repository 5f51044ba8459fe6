package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer produces and verifies expiring HMAC signatures for download URLs,
// so media can be served without an authenticated session.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex signature for a storage key valid until expiresAt.
func (s *Signer) Sign(key string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", key, expiresAt.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign and that it has not expired.
func (s *Signer) Verify(key, signature string, expiresAtUnix string) bool {
	exp, err := strconv.ParseInt(expiresAtUnix, 10, 64)
	if err != nil {
		return false
	}
	expiresAt := time.Unix(exp, 0)
	if time.Now().After(expiresAt) {
		return false
	}
	expected := s.Sign(key, expiresAt)
	return hmac.Equal([]byte(expected), []byte(signature))
}
