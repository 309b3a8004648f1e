package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atinyakov/GophVault/internal/crypto"
	"github.com/atinyakov/GophVault/internal/lock"
	"github.com/atinyakov/GophVault/internal/storage"
	"github.com/atinyakov/GophVault/internal/vault"
)

func (o *RootOptions) openVault(id, kind string) (*vault.Vault, error) {
	driver, err := storage.NewLocalDriver(o.Root)
	if err != nil {
		return nil, err
	}
	opts := vault.Options{
		ID:       id,
		BasePath: o.BasePath,
		Driver:   driver,
		Logger:   o.logger(),
		Kind:     kind,
	}
	if o.locker != nil {
		opts.Locker = o.locker
	}
	return vault.New(opts)
}

// session opens --vault with --wallet, runs fn and, for writes, persists
// the metadata. With --redis the whole command holds the vault's session
// lock.
func (o *RootOptions) session(ctx context.Context, write bool, fn func(*vault.Vault, *crypto.Wallet) error) error {
	if o.Vault == "" {
		return WrapExitError(ExitCommandError, "no vault", errors.New("--vault is required"))
	}
	w, err := crypto.LoadWallet(o.Wallet)
	if err != nil {
		return WrapExitError(ExitCommandError, "load wallet", err)
	}
	v, err := o.openVault(o.Vault, "")
	if err != nil {
		return WrapExitError(ExitCommandError, "open vault", err)
	}

	run := func(ctx context.Context, l *lock.Lease) error {
		if err := v.LoadMetadata(ctx); err != nil {
			return WrapExitError(ExitCommandError, "load vault", err)
		}
		if err := fn(v, w); err != nil {
			return err
		}
		if !write {
			return nil
		}
		if l != nil {
			if err := l.Extend(ctx); err != nil {
				return WrapExitError(ExitCommandError, "lock vault", err)
			}
		}
		if err := v.WriteMetadata(ctx, w); err != nil {
			return WrapExitError(ExitCommandError, "write vault", err)
		}
		return nil
	}
	if o.locker == nil {
		return run(ctx, nil)
	}
	err = o.locker.WithLease(ctx, "session:"+o.Vault, 0, run)
	if errors.Is(err, lock.ErrNotAcquired) {
		return WrapExitError(ExitCommandError, "lock vault", err)
	}
	return err
}

// readValue resolves @path arguments to file contents, then parses the
// value as JSON or a plain string.
func readValue(arg string) (any, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return parseValue(strings.TrimSpace(string(data))), nil
	}
	return parseValue(arg), nil
}

func newVaultCommands(opts *RootOptions) []*cobra.Command {
	return []*cobra.Command{
		newCreateCommand(opts),
		newContainersCommand(opts),
		newWriteCommand(opts, "set <container> <value|@file>", "Replace the content of a single-content container", vault.TypeEmbeddedFile),
		newWriteCommand(opts, "append <container> <value|@file>", "Append a value to a list container", vault.TypeExternalList),
		newPutFileCommand(opts),
		newGetCommand(opts),
		newFilesCommand(opts),
		newHistoryCommand(opts),
		newVerifyCommand(opts),
		newRoleCommand(opts),
		newGrantCommand(opts),
		newRemoveCommand(opts),
		newDestroyCommand(opts),
	}
}

func newCreateCommand(opts *RootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a vault owned by the wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := crypto.LoadWallet(opts.Wallet)
			if err != nil {
				return WrapExitError(ExitCommandError, "load wallet", err)
			}
			v, err := opts.openVault(opts.Vault, kind)
			if err != nil {
				return WrapExitError(ExitCommandError, "open vault", err)
			}
			if _, err := v.GetOrCreateMetadata(cmd.Context(), w); err != nil {
				return WrapExitError(ExitCommandError, "create vault", err)
			}
			return emit(cmd, opts, map[string]string{"id": v.ID()}, func(out io.Writer) {
				fmt.Fprintln(out, v.ID())
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "vault type marker")
	return cmd
}

func newContainersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "containers",
		Short: "List containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd.Context(), false, func(v *vault.Vault, _ *crypto.Wallet) error {
				names := v.ContainerNames()
				return emit(cmd, opts, names, func(out io.Writer) {
					for _, n := range names {
						c, _ := v.GetContainer(n)
						fmt.Fprintf(out, "%s\t%s\t%s\n", n, c.Type(), strings.Join(c.Roles(), ","))
					}
				})
			})
		},
	}
}

// writeFlags are shared by the commands that may create a container.
type writeFlags struct {
	typ   string
	roles []string
}

func (f *writeFlags) register(cmd *cobra.Command, def vault.Type) {
	cmd.Flags().StringVarP(&f.typ, "type", "t", string(def), "container type when creating")
	cmd.Flags().StringSliceVarP(&f.roles, "role", "r", nil, "roles to encrypt for when creating (owners always included)")
}

func write(ctx context.Context, opts *RootOptions, f *writeFlags, name, key, raw string) error {
	value, err := readValue(raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "read value", err)
	}
	return opts.session(ctx, true, func(v *vault.Vault, w *crypto.Wallet) error {
		c, err := v.GetOrCreateContainer(ctx, w, name, vault.Type(f.typ), f.roles...)
		if err != nil {
			return WrapExitError(ExitCommandError, "container "+name, err)
		}
		if err := vault.WriteContent(ctx, c, w, key, value); err != nil {
			return WrapExitError(ExitCommandError, "write "+name, err)
		}
		return nil
	})
}

func newWriteCommand(opts *RootOptions, use, short string, def vault.Type) *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return write(cmd.Context(), opts, f, args[0], "", args[1])
		},
	}
	f.register(cmd, def)
	return cmd
}

func newPutFileCommand(opts *RootOptions) *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "put-file <container> <key> <value|@file>",
		Short: "Set one file of a multi-file container",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return write(cmd.Context(), opts, f, args[0], args[1], args[2])
		},
	}
	f.register(cmd, vault.TypeExternalFileMulti)
	return cmd
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "get <container>",
		Short: "Decrypt a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.session(ctx, false, func(v *vault.Vault, w *crypto.Wallet) error {
				c, err := v.GetContainer(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "get", err)
				}
				value, err := vault.ReadContent(ctx, c, w, key)
				if err != nil {
					return WrapExitError(ExitCommandError, "decrypt "+args[0], err)
				}
				return emit(cmd, opts, value, func(out io.Writer) {
					fmt.Fprintln(out, formatValue(value))
				})
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "file key or day (YYYYMMDD)")
	return cmd
}

func newFilesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "files <container>",
		Short: "List the files of a multi-file container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.session(ctx, false, func(v *vault.Vault, _ *crypto.Wallet) error {
				c, err := v.GetContainer(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "files", err)
				}
				mc, ok := c.(vault.MultiFileContent)
				if !ok {
					return WrapExitError(ExitCommandError, "files", fmt.Errorf("%w: %s is %s", vault.ErrWrongContainerType, args[0], c.Type()))
				}
				files, err := mc.ListFiles(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "files", err)
				}
				return emit(cmd, opts, files, func(out io.Writer) {
					for _, f := range files {
						fmt.Fprintln(out, f.Name)
					}
				})
			})
		},
	}
}

func newHistoryCommand(opts *RootOptions) *cobra.Command {
	var (
		container, key, date string
		index                int64
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Replay the ledger up to an index or date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.session(ctx, false, func(v *vault.Vault, w *crypto.Wallet) error {
				var (
					snap *vault.Snapshot
					err  error
				)
				if date != "" {
					at, perr := time.Parse(time.RFC3339, date)
					if perr != nil {
						return WrapExitError(ExitCommandError, "parse --date", perr)
					}
					snap, err = v.GetHistoricalDataByDate(ctx, w, container, at, key)
				} else {
					snap, err = v.GetHistoricalDataBySequence(ctx, w, container, index, key)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "history", err)
				}
				return emit(cmd, opts, snap, func(out io.Writer) {
					fmt.Fprintf(out, "index %d at %s\n", snap.Index, snap.OnDate.Format(time.RFC3339))
					fmt.Fprintln(out, formatValue(snap.Data))
				})
			})
		},
	}
	cmd.Flags().StringVarP(&container, "container", "c", "", "only this container")
	cmd.Flags().StringVarP(&key, "key", "k", "", "only this file of a multi-file container")
	cmd.Flags().Int64VarP(&index, "index", "i", 0, "ledger index (0 = latest)")
	cmd.Flags().StringVar(&date, "date", "", "replay up to this RFC 3339 time")
	cmd.MarkFlagsMutuallyExclusive("index", "date")
	return cmd
}

func newVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every container and the metadata signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd.Context(), false, func(v *vault.Vault, _ *crypto.Wallet) error {
				ok, err := v.Verify(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "verify", err)
				}
				if err := emit(cmd, opts, map[string]bool{"verified": ok}, func(out io.Writer) {
					if ok {
						fmt.Fprintln(out, "verified")
					} else {
						fmt.Fprintln(out, "verification FAILED")
					}
				}); err != nil {
					return err
				}
				if !ok {
					return &ExitError{Code: ExitFailure, Message: "vault failed verification"}
				}
				return nil
			})
		},
	}
}

func newRoleCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "role <name>",
		Short: "Create a role held by the wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd.Context(), true, func(v *vault.Vault, w *crypto.Wallet) error {
				created, err := v.CreateRole(w, args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "create role", err)
				}
				return emit(cmd, opts, map[string]bool{"created": created}, func(out io.Writer) {
					if created {
						fmt.Fprintf(out, "role %s created\n", args[0])
					} else {
						fmt.Fprintf(out, "role %s exists\n", args[0])
					}
				})
			})
		},
	}
}

func newGrantCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <role> <public-key>",
		Short: "Grant a role to another wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd.Context(), true, func(v *vault.Vault, w *crypto.Wallet) error {
				granted, err := v.Authorize(w, args[0], args[1])
				if err != nil {
					return WrapExitError(ExitCommandError, "grant", err)
				}
				if !granted {
					return WrapExitError(ExitCommandError, "grant", fmt.Errorf("%w: wallet does not hold %s", vault.ErrUnauthorized, args[0]))
				}
				return emit(cmd, opts, map[string]bool{"granted": true}, func(out io.Writer) {
					fmt.Fprintf(out, "granted %s\n", args[0])
				})
			})
		},
	}
}

func newRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <container>",
		Short: "Delete a container and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.session(cmd.Context(), true, func(v *vault.Vault, w *crypto.Wallet) error {
				if err := v.RemoveContainer(cmd.Context(), w, args[0]); err != nil {
					return WrapExitError(ExitCommandError, "remove", err)
				}
				return nil
			})
		},
	}
}

func newDestroyCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the whole vault directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return WrapExitError(ExitCommandError, "refusing to destroy", errors.New("pass --yes to confirm"))
			}
			if opts.Vault == "" {
				return WrapExitError(ExitCommandError, "no vault", errors.New("--vault is required"))
			}
			v, err := opts.openVault(opts.Vault, "")
			if err != nil {
				return WrapExitError(ExitCommandError, "open vault", err)
			}
			if err := v.DeleteEverything(cmd.Context()); err != nil {
				return WrapExitError(ExitCommandError, "destroy", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
