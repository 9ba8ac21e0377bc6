//go:build linux

package main

import (
	"os"

	"github.com/smazurov/v4l2shim/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
