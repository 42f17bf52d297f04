package editor

import (
	"crypto/hmac"
	"crypto/sha256"
	"math/big"
	"sync"
)

// uidRoot prefixes hashed UIDs so the output stays a legal UID under
// the 2.25 OID arc.
const uidRoot = "2.25."

const maxUIDLength = 64

// UIDHasher maps source UIDs to pseudonymous replacements via
// session-keyed HMAC-SHA256. The same input always maps to the same
// output within one process lifetime, and re-hashing an already issued
// output returns it unchanged.
type UIDHasher struct {
	mu      sync.Mutex
	key     []byte
	mapped  map[string]string
	issued  map[string]struct{}
}

// NewUIDHasher creates a hasher with the given session key.
func NewUIDHasher(key []byte) *UIDHasher {
	return &UIDHasher{
		key:    key,
		mapped: make(map[string]string),
		issued: make(map[string]struct{}),
	}
}

// Hash returns the pseudonymous UID for uid.
func (h *UIDHasher) Hash(uid string) string {
	if uid == "" {
		return uid
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.issued[uid]; ok {
		return uid
	}
	if out, ok := h.mapped[uid]; ok {
		return out
	}

	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(uid))
	digest := mac.Sum(nil)

	var n big.Int
	n.SetBytes(digest)
	out := uidRoot + n.String()
	if len(out) > maxUIDLength {
		out = out[:maxUIDLength]
	}

	h.mapped[uid] = out
	h.issued[out] = struct{}{}
	return out
}
