package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/cdar1/cdar/internal/chunker"
	"github.com/cdar1/cdar/internal/env"
	"github.com/cdar1/cdar/internal/index"
	"github.com/cdar1/cdar/internal/store"
	"github.com/cdar1/cdar/internal/stream"
)

const makeHelp = `cdar make [-flags] <path>

Encode a directory tree (or a single regular file, or a block device) into a
deterministic archive stream. The stream is either written to a file as-is
(-out), or cut into content-defined chunks which land in a chunk store,
described by an index file (-store/-index).

Example:
  % cdar make -out /tmp/etc.cdar /etc
  % cdar make -index /tmp/etc.caix /etc
`

func cmdmake(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("make", flag.ExitOnError)
	var (
		out = fset.String("out",
			"",
			`write the archive stream to this file ("-" for stdout) instead of chunking it`)
		gz = fset.Bool("gzip",
			false,
			"compress the -out stream with parallel gzip")
		storeDir = fset.String("store",
			env.DefaultStore(),
			"chunk store directory to fill when chunking")
		indexFn = fset.String("index",
			"",
			"index file to write when chunking")
		featureFlags = fset.Uint64("featureflags",
			stream.DefaultFeatureFlags,
			"feature flag word selecting which optional fields entry records carry")
	)
	fset.Usage = usage(fset, makeHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: make [options] <path>")
	}
	if *out == "" && *indexFn == "" {
		return xerrors.New("specify either -out or -index")
	}

	fd, err := unix.Open(fset.Arg(0), unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return xerrors.Errorf("open(%s): %w", fset.Arg(0), err)
	}
	enc := stream.NewEncoder()
	defer enc.Close()
	if err := enc.SetFeatureFlags(*featureFlags); err != nil {
		return err
	}
	if err := enc.SetBaseFd(fd); err != nil {
		unix.Close(fd)
		return err
	}

	if *out != "" {
		return writeStream(enc, *out, *gz)
	}
	return chunkStream(ctx, enc, *storeDir, *indexFn)
}

// writeStream copies the whole archive into a single file, published
// atomically (except when streaming to stdout).
func writeStream(enc *stream.Encoder, out string, gz bool) error {
	if out == "-" {
		return copyStream(os.Stdout, enc, gz)
	}
	f, err := renameio.TempFile("", out)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if err := copyStream(f, enc, gz); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

func copyStream(w io.Writer, enc *stream.Encoder, gz bool) error {
	if gz {
		zw := pgzip.NewWriter(w)
		if _, err := io.Copy(zw, enc.Reader()); err != nil {
			return err
		}
		return zw.Close()
	}
	_, err := io.Copy(w, enc.Reader())
	return err
}

// chunkStream cuts the archive into content-defined chunks, stores them and
// writes the index describing the stream.
func chunkStream(ctx context.Context, enc *stream.Encoder, storeDir, indexFn string) error {
	st, err := store.NewLocal(storeDir)
	if err != nil {
		return err
	}
	defer st.Close()

	progress := isatty.IsTerminal(os.Stderr.Fd())
	cnk := chunker.New(enc.Reader())
	idx := &index.Index{
		FeatureFlags: enc.FeatureFlags(),
		ChunkSizeMin: chunker.DefaultSizeMin,
		ChunkSizeAvg: chunker.DefaultSizeAvg,
		ChunkSizeMax: chunker.DefaultSizeMax,
	}

	const batchSize = 128
	var batch []chunker.Chunk
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := st.PutAll(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		if progress {
			log.Printf("%d chunks (%d bytes) so far", len(idx.Chunks), idx.TotalSize)
		}
		return nil
	}

	for {
		c, err := cnk.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		idx.Chunks = append(idx.Chunks, index.Chunk{Offset: c.Offset, Digest: c.Digest})
		idx.TotalSize = c.Offset + uint64(len(c.Data))
		batch = append(batch, c)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return index.Write(indexFn, idx)
}
