// Package addrfd lets cdar export hand its actually-chosen listening
// address back to a parent process. A harness that starts cdar export with
// -listen=localhost:0 cannot know which port the kernel picked; with
// -addrfd it reads the address from a pipe instead of parsing log output.
package addrfd

import (
	"flag"
	"log"
	"os"
)

var addrfd = flag.Int("addrfd", -1, "file descriptor to write the chosen listen address to")

// MustWrite reports addr on the -addrfd descriptor and closes it, so that
// the parent sees EOF once the address is complete. It must be called
// precisely once, after the listener is bound.
func MustWrite(addr string) {
	if *addrfd == -1 {
		return
	}
	f := os.NewFile(uintptr(*addrfd), "addrfd")
	if _, err := f.WriteString(addr); err != nil {
		log.Fatalf("reporting listen address: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("reporting listen address: %v", err)
	}
}
