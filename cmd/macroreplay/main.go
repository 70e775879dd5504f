// Package main is the entry point for macroreplay.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dshills/macroreplay/internal/cli"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli.Version = version
	cli.Commit = commit

	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
