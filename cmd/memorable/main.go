package main

import (
	"fmt"
	"os"

	"memorable/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "memorable:", err)
		os.Exit(1)
	}
}
