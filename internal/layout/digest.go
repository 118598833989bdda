package layout

import (
	"crypto/sha256"
	"encoding/hex"
)

// Address is the hex-encoded SHA-256 digest of a message's raw bytes. It
// is the authoritative identity for dedup and block-store keys; truncated
// forms are for human-facing short names only.
type Address string

// Digest computes the content address of raw message bytes.
func Digest(raw []byte) Address {
	sum := sha256.Sum256(raw)
	return Address(hex.EncodeToString(sum[:]))
}

// Short returns the first n hex characters for display. Never use the
// result as an identity check.
func (a Address) Short(n int) string {
	if n >= len(a) {
		return string(a)
	}
	return string(a[:n])
}

func (a Address) String() string { return string(a) }
