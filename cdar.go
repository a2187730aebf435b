package cdar

import (
	"encoding/hex"
	"strings"
)

// Store describes where chunks live.
type Store struct {
	// Path is a file system path (e.g. /home/michael/.cache/cdar/store) or
	// HTTP URL (e.g. http://chunks.example.net/store).
	Path string
}

// Remote reports whether the store is accessed over HTTP.
func (s Store) Remote() bool {
	return strings.HasPrefix(s.Path, "http://") ||
		strings.HasPrefix(s.Path, "https://")
}

// DigestString formats a chunk digest the way store paths and index listings
// spell it.
func DigestString(d [32]byte) string {
	return hex.EncodeToString(d[:])
}

// ParseDigest is the inverse of DigestString.
func ParseDigest(s string) (d [32]byte, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != len(d) {
		return d, hex.ErrLength
	}
	copy(d[:], b)
	return d, nil
}
