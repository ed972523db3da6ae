// Package main is the entry point for the vhq-syncd sync engine daemon.
package main

import (
	"os"

	"github.com/venuehq/sync-engine/cmd/vhq-syncd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
