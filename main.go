package main

import (
	"os"

	"github.com/pmkol/replaycache/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
