package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/pgzip"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/cdar1/cdar/internal/stream"
)

const extractHelp = `cdar extract [-flags] <archive> <dest>

Restore a directory tree from an archive stream ("-" reads from stdin).
Ownership is only restored when running as root; device nodes require root
and are skipped otherwise.

Example:
  % cdar extract /tmp/etc.cdar /tmp/etc.restored
`

func extract(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		gz = fset.Bool("gzip", false, "the archive stream is gzip-compressed")
	)
	fset.Usage = usage(fset, extractHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.New("syntax: extract [options] <archive> <dest>")
	}
	dest := fset.Arg(1)

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

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	return restore(stream.NewReader(in), dest)
}

// dirMeta remembers a directory's metadata until its goodbye record: the
// modification time must be applied after the children are in place, since
// creating them would touch it again.
type dirMeta struct {
	path  string
	mode  uint64
	mtime uint64
	uid   uint64
	gid   uint64
}

func restore(rd *stream.Reader, dest string) error {
	asRoot := os.Getuid() == 0
	var dirs []dirMeta
	var pending *stream.Entry

	applyMeta := func(path string, ent stream.Entry) error {
		if asRoot {
			if err := os.Lchown(path, int(ent.UID), int(ent.GID)); err != nil {
				return err
			}
		}
		if ent.Mode&0170000 == 0120000 {
			// Links carry no useful permission bits or times.
			return nil
		}
		if err := os.Chmod(path, os.FileMode(ent.Mode&07777)); err != nil {
			return err
		}
		if ent.MTime != 0 {
			t := time.Unix(0, int64(ent.MTime))
			return os.Chtimes(path, t, t)
		}
		return nil
	}

	for {
		rec, err := rd.Next()
		if err == io.EOF {
			if pending != nil || len(dirs) > 0 {
				return xerrors.New("archive ends in the middle of a directory")
			}
			return nil
		}
		if err != nil {
			return err
		}

		switch rec := rec.(type) {
		case stream.Hello:

		case stream.Entry:
			path := filepath.Join(dest, filepath.FromSlash(rd.Path()))
			switch rec.Mode & 0170000 {
			case 0040000: // directory
				if err := os.Mkdir(path, 0700); err != nil && !os.IsExist(err) {
					return err
				}
				dirs = append(dirs, dirMeta{
					path:  path,
					mode:  rec.Mode,
					mtime: rec.MTime,
					uid:   rec.UID,
					gid:   rec.GID,
				})
			case 0100000, 0120000, 0060000, 0020000:
				// Completed by the payload/symlink/device record.
				ent := rec
				pending = &ent
			case 0010000: // fifo
				if err := unix.Mkfifo(path, uint32(rec.Mode&07777)); err != nil {
					return xerrors.Errorf("mkfifo(%s): %w", path, err)
				}
				if err := applyMeta(path, rec); err != nil {
					return err
				}
			case 0140000: // socket
				log.Printf("skipping socket %s: sockets cannot be restored", rd.Path())
			default:
				return xerrors.Errorf("%s: unsupported mode %#o", rd.Path(), rec.Mode)
			}

		case stream.Payload:
			if pending == nil {
				return xerrors.New("payload record without entry")
			}
			path := filepath.Join(dest, filepath.FromSlash(rd.Path()))
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, rd.PayloadReader()); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if err := applyMeta(path, *pending); err != nil {
				return err
			}
			pending = nil

		case stream.Symlink:
			if pending == nil {
				return xerrors.New("symlink record without entry")
			}
			path := filepath.Join(dest, filepath.FromSlash(rd.Path()))
			if err := os.Symlink(rec.Target, path); err != nil {
				return err
			}
			if err := applyMeta(path, *pending); err != nil {
				return err
			}
			pending = nil

		case stream.Device:
			if pending == nil {
				return xerrors.New("device record without entry")
			}
			if !asRoot {
				log.Printf("skipping device node %s: not running as root", rd.Path())
				pending = nil
				continue
			}
			path := filepath.Join(dest, filepath.FromSlash(rd.Path()))
			mode := uint32(pending.Mode&07777) | unix.S_IFBLK
			if pending.Mode&0170000 == 0020000 {
				mode = uint32(pending.Mode&07777) | unix.S_IFCHR
			}
			dev := unix.Mkdev(uint32(rec.Major), uint32(rec.Minor))
			if err := unix.Mknod(path, mode, int(dev)); err != nil {
				return xerrors.Errorf("mknod(%s): %w", path, err)
			}
			if err := applyMeta(path, *pending); err != nil {
				return err
			}
			pending = nil

		case stream.Goodbye:
			if len(dirs) == 0 {
				// The root directory itself has no entry record.
				continue
			}
			d := dirs[len(dirs)-1]
			dirs = dirs[:len(dirs)-1]
			if asRoot {
				if err := os.Lchown(d.path, int(d.uid), int(d.gid)); err != nil {
					return err
				}
			}
			if err := os.Chmod(d.path, os.FileMode(d.mode&07777)); err != nil {
				return err
			}
			if d.mtime != 0 {
				t := time.Unix(0, int64(d.mtime))
				if err := os.Chtimes(d.path, t, t); err != nil {
					return err
				}
			}
		}
	}
}
