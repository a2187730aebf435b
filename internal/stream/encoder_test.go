package stream

import (
	"bytes"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func openBase(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		t.Fatalf("open(%s): %v", path, err)
	}
	return fd
}

func newTestEncoder(t *testing.T, path string, flags uint64) *Encoder {
	t.Helper()
	enc := NewEncoder()
	if err := enc.SetFeatureFlags(flags); err != nil {
		enc.Close()
		t.Fatal(err)
	}
	if err := enc.SetBaseFd(openBase(t, path)); err != nil {
		enc.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() { enc.Close() })
	return enc
}

func encode(t *testing.T, path string, flags uint64) []byte {
	t.Helper()
	enc := newTestEncoder(t, path, flags)
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, enc.Reader()); err != nil {
		t.Fatalf("encoding %s: %v", path, err)
	}
	return buf.Bytes()
}

func TestEmptyDirectory(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	flags := uint64(With32BitUIDs | WithNSecTime | WithPermissions)
	got := encode(t, dir, flags)

	// An empty directory is precisely one hello and one goodbye record.
	var want bytes.Buffer
	if err := appendHello(&want, flags); err != nil {
		t.Fatal(err)
	}
	if err := appendGoodbye(&want); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want.Bytes(), got); diff != "" {
		t.Fatalf("stream: diff (-want +got):\n%s", diff)
	}
	if len(got) != 56 {
		t.Fatalf("stream is %d bytes, want 56", len(got))
	}
}

func TestDirectoryWithFiles(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	// Create b before a: the stream must order entries by name, not by
	// on-disk dirent order.
	if err := ioutil.WriteFile(filepath.Join(dir, "b"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "a"), []byte("xyz"), 0644); err != nil {
		t.Fatal(err)
	}
	// The fixture files just got written; umask may have interfered.
	if err := os.Chmod(filepath.Join(dir, "b"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(dir, "a"), 0644); err != nil {
		t.Fatal(err)
	}

	got := encode(t, dir, With32BitUIDs|WithNSecTime|WithPermissions)

	rd := NewReader(bytes.NewReader(got))
	uid := uint64(os.Getuid())
	gid := uint64(os.Getgid())

	rec, err := rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rec.(Hello); !ok {
		t.Fatalf("first record is %T, want Hello", rec)
	}

	type listing struct {
		Path    string
		Mode    uint64
		UID     uint64
		GID     uint64
		Payload string
	}
	var entries []listing
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		switch rec := rec.(type) {
		case Entry:
			entries = append(entries, listing{
				Path: rd.Path(),
				Mode: rec.Mode,
				UID:  rec.UID,
				GID:  rec.GID,
			})
		case Payload:
			b, err := ioutil.ReadAll(rd.PayloadReader())
			if err != nil {
				t.Fatal(err)
			}
			entries[len(entries)-1].Payload = string(b)
		case Goodbye:
		default:
			t.Fatalf("unexpected record %T", rec)
		}
	}

	want := []listing{
		{Path: "a", Mode: 0100644, UID: uid, GID: gid, Payload: "xyz"},
		{Path: "b", Mode: 0100600, UID: uid, GID: gid},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries: diff (-want +got):\n%s", diff)
	}
}

func TestDeterministic(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	if err := os.MkdirAll(filepath.Join(dir, "sub", "deeper"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, fn := range []string{"z", "a", "sub/mid", "sub/deeper/leaf"} {
		if err := ioutil.WriteFile(filepath.Join(dir, fn), []byte(fn), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("a", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}

	flags := uint64(With32BitUIDs | WithNSecTime | WithPermissions | WithSymlinks)
	first := encode(t, dir, flags)
	second := encode(t, dir, flags)
	if !bytes.Equal(first, second) {
		t.Fatalf("two encodes of the same tree differ (%d vs %d bytes)", len(first), len(second))
	}
}

func TestSingleFile(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	contents := bytes.Repeat([]byte("payload chunks cross boundaries "), 10000)
	fn := filepath.Join(dir, "f")
	if err := ioutil.WriteFile(fn, contents, 0644); err != nil {
		t.Fatal(err)
	}

	enc := newTestEncoder(t, fn, With32BitUIDs|WithNSecTime|WithPermissions)

	// A single-file archive has no records at all: the stream is the raw
	// file contents.
	if _, err := enc.CurrentPath(); !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("CurrentPath = %v, want ErrNotDirectory", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, enc.Reader()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), contents) {
		t.Fatalf("stream is %d bytes, want the %d raw file bytes", buf.Len(), len(contents))
	}
	if got, want := enc.PayloadOffset(), uint64(len(contents)); got != want {
		t.Fatalf("PayloadOffset = %d, want %d", got, want)
	}
	if got, want := enc.ArchiveOffset(), uint64(len(contents)); got != want {
		t.Fatalf("ArchiveOffset = %d, want %d", got, want)
	}

	// Finished is sticky.
	for i := 0; i < 3; i++ {
		sig, err := enc.Step()
		if err != nil {
			t.Fatal(err)
		}
		if sig != Finished {
			t.Fatalf("Step after the end = %v, want Finished", sig)
		}
	}
	if b, err := enc.Data(); err != nil || b != nil {
		t.Fatalf("Data at leaf EOF = (%v, %v), want (nil, nil)", b, err)
	}
}

func TestReyieldsUnfetchedRecord(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	if err := ioutil.WriteFile(filepath.Join(dir, "a"), []byte("xyz"), 0644); err != nil {
		t.Fatal(err)
	}

	enc := newTestEncoder(t, dir, With32BitUIDs|WithNSecTime|WithPermissions)

	sig, err := enc.Step()
	if err != nil {
		t.Fatal(err)
	}
	if sig != Data {
		t.Fatalf("first Step = %v, want Data", sig)
	}
	// Stepping without fetching must not advance.
	again, err := enc.Step()
	if err != nil {
		t.Fatal(err)
	}
	if again != sig {
		t.Fatalf("Step without fetch = %v, want %v again", again, sig)
	}

	first, err := enc.Data()
	if err != nil {
		t.Fatal(err)
	}
	second, err := enc.Data()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("Data is not idempotent between steps")
	}
	if got := enc.ArchiveOffset(); got != 0 {
		t.Fatalf("ArchiveOffset before acknowledgement = %d, want 0", got)
	}

	if _, err := enc.Step(); err != nil {
		t.Fatal(err)
	}
	if got, want := enc.ArchiveOffset(), uint64(len(first)); got != want {
		t.Fatalf("ArchiveOffset after acknowledgement = %d, want %d", got, want)
	}
}

func TestSymlinkGatedByFlag(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	if err := os.Symlink("target", filepath.Join(dir, "l")); err != nil {
		t.Fatal(err)
	}

	enc := newTestEncoder(t, dir, With32BitUIDs|WithNSecTime|WithPermissions)
	_, err = io.Copy(ioutil.Discard, enc.Reader())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("encoding a symlink without WithSymlinks = %v, want ErrProtocol", err)
	}
}

func TestSymlinkEntry(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	// Long enough to exercise the doubling readlinkat buffer.
	target := strings.Repeat("../", 20) + "target"
	if err := os.Symlink(target, filepath.Join(dir, "l")); err != nil {
		t.Fatal(err)
	}

	got := encode(t, dir, With32BitUIDs|WithNSecTime|WithPermissions|WithSymlinks)
	rd := NewReader(bytes.NewReader(got))

	var sawEntry, sawTarget bool
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		switch rec := rec.(type) {
		case Entry:
			sawEntry = true
			// Links carry no useful permission bits.
			if got, want := rec.Mode, uint64(0120777); got != want {
				t.Errorf("symlink entry mode = %#o, want %#o", got, want)
			}
		case Symlink:
			sawTarget = true
			if rec.Target != target {
				t.Errorf("symlink target = %q, want %q", rec.Target, target)
			}
		}
	}
	if !sawEntry || !sawTarget {
		t.Fatalf("stream lacks symlink records (entry %v, target %v)", sawEntry, sawTarget)
	}
}

func TestFifoGatedByFlag(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	if err := unix.Mkfifo(filepath.Join(dir, "fifo"), 0600); err != nil {
		t.Fatal(err)
	}

	enc := newTestEncoder(t, dir, With32BitUIDs|WithNSecTime|WithPermissions)
	if _, err := io.Copy(ioutil.Discard, enc.Reader()); !errors.Is(err, ErrProtocol) {
		t.Fatalf("encoding a fifo without WithFIFOs = %v, want ErrProtocol", err)
	}

	got := encode(t, dir, With32BitUIDs|WithNSecTime|WithPermissions|WithFIFOs)
	rd := NewReader(bytes.NewReader(got))
	var sawFifo bool
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if ent, ok := rec.(Entry); ok && ent.Mode&modeTypeMask == modeFifo {
			sawFifo = true
		}
	}
	if !sawFifo {
		t.Fatal("stream lacks the fifo entry")
	}
}

func TestMTimeGranularity(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	fn := filepath.Join(dir, "a")
	if err := ioutil.WriteFile(fn, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	odd := time.Unix(1600000001, 234567891)
	if err := os.Chtimes(fn, odd, odd); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		flag    uint64
		quantum uint64
	}{
		{WithSecTime, 1000 * 1000 * 1000},
		{With2SecTime, 2 * 1000 * 1000 * 1000},
		{WithNSecTime, 1},
	} {
		got := encode(t, dir, With32BitUIDs|WithPermissions|tt.flag)
		rd := NewReader(bytes.NewReader(got))
		for {
			rec, err := rd.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			ent, ok := rec.(Entry)
			if !ok {
				continue
			}
			if ent.MTime == 0 || ent.MTime%tt.quantum != 0 {
				t.Errorf("flag %#x: mtime %d is not a non-zero multiple of %d",
					tt.flag, ent.MTime, tt.quantum)
			}
		}
	}
}

func TestDepthExceeded(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	deep := dir
	for i := 0; i < nodesMax+1; i++ {
		deep = filepath.Join(deep, "d")
	}
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatal(err)
	}

	enc := newTestEncoder(t, dir, With32BitUIDs|WithNSecTime|WithPermissions)
	if _, err := io.Copy(ioutil.Discard, enc.Reader()); !errors.Is(err, ErrDepth) {
		t.Fatalf("encoding a %d-deep chain = %v, want ErrDepth", nodesMax+1, err)
	}
}

func TestUID16Rejected(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skip("chown requires root")
	}

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	fn := filepath.Join(dir, "a")
	if err := ioutil.WriteFile(fn, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chown(fn, 70000, 0); err != nil {
		t.Fatal(err)
	}

	enc := newTestEncoder(t, dir, With16BitUIDs|WithNSecTime|WithPermissions)
	if _, err := io.Copy(ioutil.Discard, enc.Reader()); !errors.Is(err, ErrProtocol) {
		t.Fatalf("encoding uid 70000 with 16 bit uids = %v, want ErrProtocol", err)
	}
}

func TestSetBase(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	enc := NewEncoder()
	defer enc.Close()
	if err := enc.SetBaseFd(openBase(t, dir)); err != nil {
		t.Fatal(err)
	}
	fd := openBase(t, dir)
	defer unix.Close(fd)
	if err := enc.SetBaseFd(fd); !errors.Is(err, ErrBusy) {
		t.Fatalf("second SetBaseFd = %v, want ErrBusy", err)
	}
	if err := enc.SetFeatureFlags(WithNSecTime); !errors.Is(err, ErrBusy) {
		t.Fatalf("SetFeatureFlags after SetBaseFd = %v, want ErrBusy", err)
	}
}

func TestCurrentPathAndMode(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "streamtest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "sub", "leaf"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	enc := newTestEncoder(t, dir, With32BitUIDs|WithNSecTime|WithPermissions)

	var paths []string
	for {
		sig, err := enc.Step()
		if err != nil {
			t.Fatal(err)
		}
		if sig == Finished {
			break
		}
		if sig == NextFile {
			path, err := enc.CurrentPath()
			if err != nil {
				t.Fatal(err)
			}
			paths = append(paths, path)
			if _, err := enc.CurrentMode(); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := enc.Data(); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"sub", "sub/leaf"}, paths); diff != "" {
		t.Fatalf("paths: diff (-want +got):\n%s", diff)
	}
}
