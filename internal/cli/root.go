// Package cli implements vaultctl, the command line front end for local
// vault directories and for a remote vault server.
package cli

import (
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atinyakov/GophVault/internal/lock"
	"github.com/atinyakov/GophVault/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	// Root is the local storage directory.
	Root string
	// BasePath is the directory under Root holding vaults.
	BasePath string
	// Wallet is the wallet file used to author and decrypt.
	Wallet string
	// Vault is the vault id to operate on.
	Vault   string
	Format  string // "json" | "text"
	Verbose bool
	// Redis is the address of a Redis server shared by every process
	// writing the same storage root. Empty keeps locks inside this process.
	Redis string
	// LockRetries bounds how often a busy lock is retried.
	LockRetries int

	log    *zap.Logger
	rdb    *redis.Client
	locker *lock.Service
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the vaultctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "Encrypted versioned vaults",
		Long: "Create, read and audit encrypted, signed and ledgered vaults on local storage or through a vault server.\n\n" +
			"Local commands lock a vault only within this process. Pass --redis when several\n" +
			"processes write the same storage root.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.log = zap.NewNop()
			if opts.Verbose {
				l := logger.New()
				if err := l.Init("debug"); err != nil {
					return err
				}
				opts.log = l.Log
			}
			if opts.Redis != "" {
				opts.rdb = redis.NewClient(&redis.Options{Addr: opts.Redis})
				lockOpts := lock.DefaultOptions()
				lockOpts.Retries = opts.LockRetries
				lockOpts.Logger = opts.log
				opts.locker = lock.NewService(lock.NewRedisBackend(opts.rdb), lockOpts)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.rdb != nil {
				return opts.rdb.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Root, "root", "vaultdata", "local storage directory")
	cmd.PersistentFlags().StringVar(&opts.BasePath, "base", "vaults", "vault directory inside the storage root")
	cmd.PersistentFlags().StringVarP(&opts.Wallet, "wallet", "w", "wallet.json", "wallet file")
	cmd.PersistentFlags().StringVar(&opts.Vault, "vault", "", "vault id")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging to stderr")
	cmd.PersistentFlags().StringVar(&opts.Redis, "redis", "", "Redis address for vault locks shared across processes")
	cmd.PersistentFlags().IntVar(&opts.LockRetries, "lock-retries", lock.DefaultOptions().Retries, "attempts to take a busy vault lock")

	cmd.AddCommand(NewWalletCommand(opts))
	for _, sub := range newVaultCommands(opts) {
		cmd.AddCommand(sub)
	}
	cmd.AddCommand(NewCertsCommand(opts))
	cmd.AddCommand(NewRemoteCommand(opts))

	return cmd
}

// logger returns the logger configured by the root command.
func (o *RootOptions) logger() *zap.Logger {
	if o.log == nil {
		return zap.NewNop()
	}
	return o.log
}
