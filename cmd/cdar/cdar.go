package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/cdar1/cdar"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
	tracefile  = flag.String("tracefile", "", "path to store a trace at")
)

func funcmain() error {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		cdar.RegisterAtExit(func() error {
			pprof.StopCPUProfile()
			return f.Close()
		})
	}

	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		if err := trace.Start(f); err != nil {
			return err
		}
		cdar.RegisterAtExit(func() error {
			trace.Stop()
			return f.Close()
		})
	}

	if *memprofile != "" {
		cdar.RegisterAtExit(func() error {
			f, err := os.Create(*memprofile)
			if err != nil {
				return err
			}
			defer f.Close()
			runtime.GC() // get up-to-date statistics
			return pprof.WriteHeapProfile(f)
		})
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"make":    {cmdmake},
		"cat":     {cat},
		"list":    {cmdlist},
		"extract": {extract},
		"export":  {export},
		"env":     {printenv},
	}

	args := flag.Args()
	verb := ""
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "cdar [-flags] <command> [-flags] <args>\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "To get help on any command, use cdar <command> -help or cdar help <command>.\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Archive commands:\n")
			fmt.Fprintf(os.Stderr, "\tmake     - encode a directory tree into an archive\n")
			fmt.Fprintf(os.Stderr, "\tlist     - list the contents of an archive stream\n")
			fmt.Fprintf(os.Stderr, "\textract  - restore a directory tree from an archive stream\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Chunk store commands:\n")
			fmt.Fprintf(os.Stderr, "\tcat      - reassemble an archive stream from an index\n")
			fmt.Fprintf(os.Stderr, "\texport   - serve a local chunk store to others\n")
			fmt.Fprintf(os.Stderr, "\tenv      - display cdar variables\n")
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}

	ctx, canc := cdar.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: cdar <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return nil
}

func main() {
	err := funcmain()
	// The at-exit hooks (stopping profiles, flushing their files) must run
	// on the error path too.
	if aerr := cdar.RunAtExit(); err == nil {
		err = aerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
