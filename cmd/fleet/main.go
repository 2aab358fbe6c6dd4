package main

import (
	"os"

	"github.com/wesleyorama2/fleet/internal/cli"
)

// Main runs the command line and returns the exit code.
func Main() int {
	if err := cli.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(Main())
}
