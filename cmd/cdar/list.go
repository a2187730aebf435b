package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/cdar1/cdar/internal/stream"
)

const listHelp = `cdar list [-flags] <archive>

List the contents of an archive stream ("-" reads from stdin).

Example:
  % cdar make -out - /etc | cdar list -
`

func cmdlist(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	var (
		gz = fset.Bool("gzip", false, "the archive stream is gzip-compressed")
	)
	fset.Usage = usage(fset, listHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: list [options] <archive>")
	}

	var in io.Reader = os.Stdin
	if fn := fset.Arg(0); fn != "-" {
		f, err := os.Open(fn)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	if *gz {
		zr, err := pgzip.NewReader(in)
		if err != nil {
			return err
		}
		defer zr.Close()
		in = zr
	}

	w := tabwriter.NewWriter(os.Stdout, 1, 8, 1, ' ', 0)
	defer w.Flush()

	rd := stream.NewReader(in)
	var pending *stream.Entry
	printEntry := func(ent stream.Entry, detail string) {
		mtime := time.Unix(0, int64(ent.MTime)).UTC()
		fmt.Fprintf(w, "%07o\t%d\t%d\t%s\t%s%s\n",
			ent.Mode, ent.UID, ent.GID,
			mtime.Format(time.RFC3339), rd.Path(), detail)
	}
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			if pending != nil {
				return xerrors.New("archive ends in the middle of an entry")
			}
			return nil
		}
		if err != nil {
			return err
		}
		switch rec := rec.(type) {
		case stream.Hello:
			// Nothing to print; the feature flags are implied by the fields.
		case stream.Entry:
			switch rec.Mode & 0170000 {
			case 0100000: // regular: the payload record carries the size
				ent := rec
				pending = &ent
			case 0120000, 0060000, 0020000: // symlink, block, char: trailer follows
				ent := rec
				pending = &ent
			default:
				printEntry(rec, "")
			}
		case stream.Payload:
			if pending == nil {
				return xerrors.New("payload record without entry")
			}
			printEntry(*pending, fmt.Sprintf("\t%d bytes", rec.Size))
			pending = nil
		case stream.Symlink:
			if pending == nil {
				return xerrors.New("symlink record without entry")
			}
			printEntry(*pending, "\t-> "+rec.Target)
			pending = nil
		case stream.Device:
			if pending == nil {
				return xerrors.New("device record without entry")
			}
			printEntry(*pending, fmt.Sprintf("\t%d:%d", rec.Major, rec.Minor))
			pending = nil
		case stream.Goodbye:
		}
	}
}
