package main

import (
	"fmt"
	"os"

	"github.com/senzing-garage/data-mart-replicator/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
