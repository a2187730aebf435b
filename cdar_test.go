package cdar

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Not parallel: the at-exit registry is process-global and this is its only
// test.
func TestAtExit(t *testing.T) {
	var order []string
	failure := errors.New("hook failure")
	RegisterAtExit(func() error { order = append(order, "first"); return nil })
	RegisterAtExit(func() error { order = append(order, "second"); return failure })
	RegisterAtExit(func() error { order = append(order, "third"); return nil })

	if err := RunAtExit(); err != failure {
		t.Fatalf("RunAtExit = %v, want the first hook error", err)
	}
	// A failing hook must not keep later hooks from running.
	if diff := cmp.Diff([]string{"first", "second", "third"}, order); diff != "" {
		t.Fatalf("hook order: diff (-want +got):\n%s", diff)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("RegisterAtExit after RunAtExit did not panic")
		}
	}()
	RegisterAtExit(func() error { return nil })
}

func TestDigestString(t *testing.T) {
	t.Parallel()

	var d [32]byte
	for i := range d {
		d[i] = byte(i)
	}
	s := DigestString(d)
	if len(s) != 64 {
		t.Fatalf("DigestString returned %d characters, want 64", len(s))
	}
	got, err := ParseDigest(s)
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Fatal("ParseDigest(DigestString(d)) != d")
	}
	if _, err := ParseDigest("123abc"); err == nil {
		t.Fatal("ParseDigest accepted a truncated digest")
	}
}

func TestStoreRemote(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		path string
		want bool
	}{
		{"/home/michael/.cache/cdar/store", false},
		{"http://chunks.example.net/store", true},
		{"https://chunks.example.net/store", true},
	} {
		if got := (Store{Path: tt.path}).Remote(); got != tt.want {
			t.Errorf("Store{%q}.Remote() = %v, want %v", tt.path, got, tt.want)
		}
	}
}
