// Package main provides the entry point for the steward CLI.
package main

import (
	"os"

	"github.com/steward-dev/steward/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
