package main

import "github.com/anstrom/scanlink/cmd/cli"

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
