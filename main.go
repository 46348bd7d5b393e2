// Package main is the entry point for the swfab switch fabric.
package main

import (
	"fmt"
	"os"

	"etherweave.xyz/swfab/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
