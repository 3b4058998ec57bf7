package main

import (
	"os"

	"github.com/zmdio/zmd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
