package main

import (
	"os"

	"github.com/wardenhq/warden/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
