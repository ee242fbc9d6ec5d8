package main

import (
	"os"

	"github.com/agentgrid/agentgrid/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
