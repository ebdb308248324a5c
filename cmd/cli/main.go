// Package main is the entry point for the pipeforge CLI.
// The CLI is the developer terminal tool for interacting with the pipeforge API.
package main

import (
	"os"

	"pipeforge/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
