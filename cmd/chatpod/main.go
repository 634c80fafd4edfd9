// Package main is the entry point for the chatpod CLI.
//
// Usage:
//
//	chatpod [flags] <command> [subcommand] [args]
//
// Commands:
//
//	run       - Run the voice client engine
//	activate  - Register this device with the provisioning server
//	config    - Configuration management (contexts, services)
//	version   - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/murmulab/chatpod/cmd/chatpod/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
