package types

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// NewGrpid generates a stable opaque group identifier for a new protocol
// group, analogous to how the teacher mints new topic names (server/hub.go
// used a "new"-prefixed client-side placeholder resolved server-side; here
// the id is generated once, at creation, and carried as Chat-Group-ID on
// every future message).
func NewGrpid() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DeterministicMessageID generates a stable Message-ID for mail that is
// missing one, from From + Date + Subject (spec.md §4.1 "Missing
// Message-ID"). The hash is stable across restarts because it depends only
// on wire content, never on process state or randomness.
func DeterministicMessageID(from, date, subject string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(from))))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(date)))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:16]) + "@generated.local"
}
