// Package main is the entry point for the treeserve CLI.
//
// All functionality lives in the internal/cli package.
package main

import (
	"github.com/shinji-kodama/treeserve/internal/cli"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
