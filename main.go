// Package main contains the entrypoint for running a huddle node.
package main

import (
	"fmt"
	"os"

	"github.com/cryptagon/huddle/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
