package main

import (
	"os"

	"github.com/heartneyes/lenslink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
