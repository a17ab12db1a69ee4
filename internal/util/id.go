package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns 128 random bits as hex, prefixed with "prefix_" when a
// prefix is given.
func NewID(prefix string) string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	id := hex.EncodeToString(raw[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

const maxRequestIDLen = 64

// RequestID keeps a caller supplied request id when it is short and made of
// [A-Za-z0-9_.-], so it can go into log lines as is. Anything else is
// replaced with a fresh "req_" id.
func RequestID(incoming string) string {
	if incoming == "" || len(incoming) > maxRequestIDLen {
		return NewID("req")
	}
	for i := 0; i < len(incoming); i++ {
		c := incoming[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.':
		default:
			return NewID("req")
		}
	}
	return incoming
}
