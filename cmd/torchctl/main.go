package main

import (
	"fmt"
	"os"

	"torch/internal/cli"
)

func main() {
	if err := cli.BuildCLI(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
