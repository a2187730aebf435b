package store

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/cdar1/cdar"
	"github.com/cdar1/cdar/internal/chunker"
)

// A Local store is a chunk directory on the file system. It is safe for
// concurrent use; chunk files are published atomically, so a crashed or
// interrupted writer never leaves a torn chunk behind.
type Local struct {
	root string
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Local{root: root, enc: enc, dec: dec}, nil
}

func (s *Local) path(digest [32]byte) string {
	return filepath.Join(s.root, filepath.FromSlash(chunkName(digest)))
}

// Has reports whether the chunk is already stored.
func (s *Local) Has(digest [32]byte) bool {
	_, err := os.Stat(s.path(digest))
	return err == nil
}

// Put stores data under digest. Storing a chunk that already exists is a
// no-op: content-addressed names make the write idempotent.
func (s *Local) Put(digest [32]byte, data []byte) error {
	fn := s.path(digest)
	if _, err := os.Stat(fn); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := renameio.TempFile("", fn)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if _, err := f.Write(s.enc.EncodeAll(data, nil)); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// PutAll stores a batch of chunks concurrently.
func (s *Local) PutAll(ctx context.Context, chunks []chunker.Chunk) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, c := range chunks {
		c := c // not captured by reference
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.Put(c.Digest, c.Data)
		})
	}
	return eg.Wait()
}

// Get returns the chunk's uncompressed contents.
func (s *Local) Get(ctx context.Context, digest [32]byte) ([]byte, error) {
	ra, err := mmap.Open(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Digest: digest}
		}
		return nil, err
	}
	defer ra.Close()
	buf := make([]byte, ra.Len())
	if _, err := ra.ReadAt(buf, 0); err != nil {
		return nil, xerrors.Errorf("reading chunk %s: %w", cdar.DigestString(digest), err)
	}
	return s.dec.DecodeAll(buf, nil)
}

// Close releases the shared compressor state.
func (s *Local) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

var _ Source = (*Local)(nil)
