package main

import (
	"os"

	"github.com/hkontrol/hkpair/cmd/hkpair/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
