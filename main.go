package main

import (
	"os"

	"github.com/termhost/termhost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
