// Package main is the entry point for the hlsget application.
package main

import (
	"os"

	"github.com/jmylchreest/hlsget/cmd/hlsget/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
