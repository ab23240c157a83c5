// Package main is the entry point for the validation station binary
// (vsb). It runs either the broker service or the provider service,
// selected by CLI flag.
package main

import (
	"os"

	"validation.station/vsb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
