// Package main implements the taskq host process: it runs the worker loop
// against the Postgres queue store and applies the queue schema.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
