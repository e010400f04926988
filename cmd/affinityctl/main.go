package main

import (
	"os"

	"github.com/danmuck/affinity/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
