package main

import (
	"os"

	"github.com/austindbirch/taskhawk/cmd/taskhawk/cmd"
)

func main() {
	if err := cmd.Execute(cmd.App{}); err != nil {
		os.Exit(1)
	}
}
