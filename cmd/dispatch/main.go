package main

import (
	"os"

	"github.com/dispatchbot/dispatch/cmd/dispatch/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
