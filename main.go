// Package main is the entry point for the aegis playbook engine.
package main

import (
	"os"

	"aegis/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
