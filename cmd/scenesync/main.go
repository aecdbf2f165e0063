// Command scenesync runs and drives scene replication servers.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/scenesync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
