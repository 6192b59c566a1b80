// Package main provides the entry point for the skyvern CLI.
package main

import (
	"os"

	"github.com/skyvernhq/skyvern-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
