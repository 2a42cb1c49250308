// Package main is the entry point for the opencane CLI.
//
// Usage:
//
//	opencane [flags] <command> [args]
//
// Commands:
//
//	serve     - Run the device runtime and control API
//	validate  - Check a configuration file and exit
//	status    - Query a running instance over the control API
//	version   - Show version information
package main

import (
	"os"

	"github.com/opencane/opencane/cmd/opencane/commands"
)

func main() {
	os.Exit(commands.Execute())
}
