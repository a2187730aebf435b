package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/cdar1/cdar/internal/env"
)

const envHelp = `cdar env [-flags]

Display cdar variables.

Example:
  % cdar env
`

func printenv(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Usage = usage(fset, envHelp)
	fset.Parse(args)
	if fset.NArg() > 0 {
		switch fset.Arg(0) {
		case "CDARROOT":
			fmt.Println(env.Root)
		case "CDARSTORE":
			fmt.Println(env.DefaultStore())
		}
		return nil
	}
	fmt.Printf("CDARROOT=%q\n", env.Root)
	fmt.Printf("CDARSTORE=%q\n", env.DefaultStore())
	return nil
}
