package main

import (
	"os"

	"github.com/opd-ai/radon/cmd/radon/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
