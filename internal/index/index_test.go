package index

import (
	"crypto/sha512"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundtrip(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "indextest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	fn := filepath.Join(dir, "tree.caix")

	want := &Index{
		FeatureFlags: 0x1b2a,
		ChunkSizeMin: 16 * 1024,
		ChunkSizeAvg: 64 * 1024,
		ChunkSizeMax: 256 * 1024,
		TotalSize:    90000,
		Chunks: []Chunk{
			{Offset: 0, Digest: sha512.Sum512_256([]byte("first"))},
			{Offset: 40000, Digest: sha512.Sum512_256([]byte("second"))},
			{Offset: 70000, Digest: sha512.Sum512_256([]byte("third"))},
		},
	}
	if err := Write(fn, want); err != nil {
		t.Fatal(err)
	}
	got, err := Read(fn)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("index: diff (-want +got):\n%s", diff)
	}
}

func TestRejectsForeignFiles(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "indextest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	fn := filepath.Join(dir, "not-an-index")
	if err := ioutil.WriteFile(fn, []byte("not an index file, but long enough to hold a whole index header"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(fn); err == nil {
		t.Fatal("Read accepted a file without the index magic")
	}
}

func TestRejectsUnorderedOffsets(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "indextest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	fn := filepath.Join(dir, "tree.caix")

	idx := &Index{
		TotalSize: 100,
		Chunks: []Chunk{
			{Offset: 0},
			{Offset: 50},
			{Offset: 50},
		},
	}
	if err := Write(fn, idx); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(fn); err == nil {
		t.Fatal("Read accepted a chunk table with non-increasing offsets")
	}
}
