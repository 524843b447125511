package main

import (
	"os"

	"github.com/cat4igp/cat4igp/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
