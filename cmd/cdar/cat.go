package main

import (
	"bufio"
	"context"
	"crypto/sha512"
	"flag"
	"os"

	"golang.org/x/xerrors"

	"github.com/cdar1/cdar"
	"github.com/cdar1/cdar/internal/env"
	"github.com/cdar1/cdar/internal/index"
	"github.com/cdar1/cdar/internal/store"
)

const catHelp = `cdar cat [-flags] <index>

Reassemble the archive stream described by an index file from a chunk store
and write it to stdout. The store may be a local directory or an HTTP URL
served by cdar export.

Example:
  % cdar cat /tmp/etc.caix | cdar list -
  % cdar cat -store http://ws:7080 /tmp/etc.caix | cdar extract - /tmp/etc
`

func cat(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("cat", flag.ExitOnError)
	var (
		storeLoc = fset.String("store", env.DefaultStore(), "chunk store directory or URL to read from")
	)
	fset.Usage = usage(fset, catHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: cat [options] <index>")
	}

	idx, err := index.Read(fset.Arg(0))
	if err != nil {
		return err
	}

	var src store.Source
	if loc := (cdar.Store{Path: *storeLoc}); loc.Remote() {
		remote, err := store.NewRemote(loc.Path)
		if err != nil {
			return err
		}
		defer remote.Close()
		src = remote
	} else {
		local, err := store.NewLocal(loc.Path)
		if err != nil {
			return err
		}
		defer local.Close()
		src = local
	}

	w := bufio.NewWriter(os.Stdout)
	var off uint64
	for i, c := range idx.Chunks {
		want := idx.TotalSize - c.Offset
		if i+1 < len(idx.Chunks) {
			want = idx.Chunks[i+1].Offset - c.Offset
		}
		data, err := src.Get(ctx, c.Digest)
		if err != nil {
			return err
		}
		if sha512.Sum512_256(data) != c.Digest {
			return xerrors.Errorf("chunk %s: store contents do not match their digest",
				cdar.DigestString(c.Digest))
		}
		if uint64(len(data)) != want {
			return xerrors.Errorf("chunk %s: %d bytes, index expects %d",
				cdar.DigestString(c.Digest), len(data), want)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		off += uint64(len(data))
	}
	if off != idx.TotalSize {
		return xerrors.Errorf("reassembled %d bytes, index expects %d", off, idx.TotalSize)
	}
	return w.Flush()
}
