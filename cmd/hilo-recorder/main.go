package main

import (
	"fmt"
	"os"

	"github.com/yegors/hilo-recorder/internal/cli"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	deps := &cli.Dependencies{}
	return cli.NewRootCmd(deps).Execute()
}
