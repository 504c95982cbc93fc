package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the Gatewarden CLI
//
// This file is intentionally slim. All command implementations live in
// their own files (cmd_*.go). Shared helpers are in helpers.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			printUsage(os.Stdout)
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "serve":
		cmdServe(args)
	case "check":
		cmdCheck(args)
	case "config":
		cmdConfig(args)
	case "version":
		printVersion(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion(w *os.File) {
	fmt.Fprintf(w, "gatewarden %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printUsage(w *os.File) {
	fmt.Fprintf(w, `%s — request defense pipeline

Usage:
  gatewarden <command> [flags]

Commands:
  serve      Start the defense pipeline in front of an upstream application
  check      Run pre-flight diagnostics and offline payload/card probes
  config     Show, validate, or write configuration
  version    Print version information

Flags common to most commands:
  -config <path>   Config file path (default configs/default.yaml,
                   overridable via GATEWARDEN_CONFIG)

Run 'gatewarden <command> -h' for command-specific flags.
`, bold("gatewarden"))
}
