// Command vaultctl manages encrypted vaults on local storage or through a
// vault server.
package main

import (
	"fmt"
	"os"

	"github.com/atinyakov/GophVault/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
