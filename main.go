package main

import (
	"fmt"
	"os"

	cmd "github.com/groundline-ai/groundline/cmd/groundline"
)

var version = "dev"

func main() {
	cmd.SetVersion(version)
	if err := cmd.GetRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cmd.ExitCode(err))
	}
}
