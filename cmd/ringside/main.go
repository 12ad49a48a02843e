// Command ringside inspects, syncs and serves the offline trial-day replica.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ringside/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
