package main

import (
	"os"

	"github.com/kiracore/devpulse/cmd/devpulse/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
