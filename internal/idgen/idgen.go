// Package idgen generates random identifiers for ledger records.
package idgen

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars, e.g. "txn_3f9c...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Hex returns a random hex string of the given byte length (max 16).
func Hex(numBytes int) string {
	if numBytes > 16 {
		numBytes = 16
	}
	id := uuid.New()
	return hex.EncodeToString(id[:numBytes])
}
