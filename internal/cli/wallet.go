package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/atinyakov/GophVault/internal/crypto"
)

// NewWalletCommand creates the wallet command group.
func NewWalletCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the local wallet",
	}

	var force bool
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a wallet and save it to --wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.Wallet); err == nil && !force {
				return WrapExitError(ExitCommandError, "wallet exists", fmt.Errorf("%s (use --force to replace)", opts.Wallet))
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return WrapExitError(ExitCommandError, "stat wallet", err)
			}
			w, err := crypto.NewWallet()
			if err != nil {
				return WrapExitError(ExitCommandError, "generate wallet", err)
			}
			if err := crypto.SaveWallet(opts.Wallet, w); err != nil {
				return WrapExitError(ExitCommandError, "save wallet", err)
			}
			return emitPublicKey(cmd, opts, w)
		},
	}
	newCmd.Flags().BoolVar(&force, "force", false, "replace an existing wallet")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the wallet public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := crypto.LoadWallet(opts.Wallet)
			if err != nil {
				return WrapExitError(ExitCommandError, "load wallet", err)
			}
			return emitPublicKey(cmd, opts, w)
		},
	}

	cmd.AddCommand(newCmd, showCmd)
	return cmd
}

func emitPublicKey(cmd *cobra.Command, opts *RootOptions, w *crypto.Wallet) error {
	return emit(cmd, opts, map[string]string{"public_key": w.PublicKey()}, func(out io.Writer) {
		fmt.Fprintln(out, w.PublicKey())
	})
}
