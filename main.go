// Package main is the entry point for the wstap WebSocket tap.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/wstap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
