package main

import (
	"os"

	"github.com/millwork/taskmill/internal/cmd"
)

// Stamped at build time via -ldflags.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
