// Package main is the entry point for the batch queue service.
package main

import (
	"os"

	"github.com/Popie52/batchqueue/cmd/batchqueue/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
