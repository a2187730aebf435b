package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"

	"github.com/lpar/gzipped/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cdar1/cdar/internal/addrfd"
	"github.com/cdar1/cdar/internal/env"
)

const exportHelp = `cdar export [-flags]

Serve a local chunk store to others.

Example:
  ws % cdar export
  laptop % cdar cat -store http://ws:7080 /tmp/etc.caix | cdar extract - /tmp/restored
`

// Copied from src/net/http/server.go
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	return tc, nil
}

func export(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("export", flag.ExitOnError)
	var (
		listen = fset.String("listen", ":7080", "[host]:port listen address for exporting the chunk store")
		gzip   = fset.Bool("gzip", true, "serve .gz files (if they exist). Typically desired on all networks but local loopback")
		store  = fset.String("store", env.DefaultStore(), "chunk store to serve")
	)
	fset.Usage = usage(fset, exportHelp)
	fset.Parse(args)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	addr := ln.Addr().String()
	server := &http.Server{Addr: addr}
	log.Printf("exporting %s on %s", *store, addr)

	if *gzip {
		http.Handle("/", gzipped.FileServer(gzipped.Dir(*store)))
	} else {
		http.Handle("/", http.FileServer(http.Dir(*store)))
	}

	addrfd.MustWrite(addr)
	var eg errgroup.Group
	eg.Go(func() error { return server.Serve(tcpKeepAliveListener{ln.(*net.TCPListener)}) })
	eg.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(ctx)
	})
	return eg.Wait()
}
