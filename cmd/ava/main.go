// Command ava is the command-line client for the Ava voice assistant backend.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ava/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
