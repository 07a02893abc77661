// Package main provides the entry point for the csearch CLI.
package main

import (
	"os"

	"github.com/csearch-dev/csearch/cmd/csearch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
