package main

import (
	"os"

	"github.com/jun/doclock/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
