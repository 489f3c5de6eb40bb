package redact

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// saltSource derives a per-day salt from the master secret, so name
// pseudonyms stay stable within a day and unlinkable across days.
type saltSource struct {
	secret []byte

	mu   sync.Mutex
	day  string
	salt []byte
}

// newSaltSource uses the configured secret, or a random one when none
// is set. A random secret makes pseudonyms unstable across restarts.
func newSaltSource(secret string) *saltSource {
	if secret == "" {
		b := make([]byte, 32)
		rand.Read(b)
		return &saltSource{secret: b}
	}
	return &saltSource{secret: []byte(secret)}
}

func (s *saltSource) at(now time.Time) []byte {
	day := now.UTC().Format("20060102")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.day != day {
		s.salt = pbkdf2.Key(s.secret, []byte(day), 4096, 32, sha256.New)
		s.day = day
	}
	return s.salt
}

// hashName returns the 6-hex-char pseudonym used in name masks.
func hashName(salt []byte, name string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	return hex.EncodeToString(h.Sum(nil))[:6]
}
