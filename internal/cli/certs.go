package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/atinyakov/GophVault/internal/certgen"
)

// NewCertsCommand creates the certs command group.
func NewCertsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage server TLS material",
	}

	var (
		dir   string
		hosts []string
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a CA and a server certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := certgen.WriteBundle(dir, hosts); err != nil {
				return WrapExitError(ExitCommandError, "write certificates", err)
			}
			return emit(cmd, opts, map[string]string{"dir": dir}, func(out io.Writer) {
				fmt.Fprintf(out, "CA and server certificate written to %s\n", dir)
			})
		},
	}
	initCmd.Flags().StringVar(&dir, "dir", "certs", "output directory")
	initCmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "server host names or IPs")

	cmd.AddCommand(initCmd)
	return cmd
}
