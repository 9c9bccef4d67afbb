// Package main provides a one-shot utility for relay state key generation.
package main

import (
	"flag"
	"os"

	"github.com/karashiiro/mogmog/internal/platform/config"
	"github.com/karashiiro/mogmog/internal/tools/statekey"
)

func main() {
	cfg, err := statekey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := statekey.Run(cfg, os.Stdout); err != nil {
		config.Exitf("issue state key: %v", err)
	}
}
