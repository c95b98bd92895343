package main

import (
	"os"

	"github.com/majorcontext/buildfleet/cmd/buildfleet/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
