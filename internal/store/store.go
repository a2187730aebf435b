// Package store keeps chunks under their content digest. The local store is
// a directory of zstd-compressed chunk files, sharded by the first four hex
// digits of the digest; the remote store reads the same layout over HTTP
// (serve one with cdar export).
package store

import (
	"context"
	"fmt"

	"github.com/cdar1/cdar"
)

// chunkSuffix is the file name extension of stored chunks.
const chunkSuffix = ".cdc"

// A Source hands out chunks by digest.
type Source interface {
	Get(ctx context.Context, digest [32]byte) ([]byte, error)
}

// ErrNotFound is returned when a store does not hold the requested chunk.
type ErrNotFound struct {
	Digest [32]byte
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("chunk %s not found", cdar.DigestString(e.Digest))
}

// chunkName returns the store-relative path of a chunk, e.g.
// 8a3f/8a3f….cdc.
func chunkName(digest [32]byte) string {
	name := cdar.DigestString(digest)
	return name[:4] + "/" + name + chunkSuffix
}
