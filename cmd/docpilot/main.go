// Package main provides the entry point for the docpilot CLI.
package main

import (
	"os"

	"github.com/docpilot/docpilot/cmd/docpilot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
