package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atinyakov/GophVault/internal/certgen"
	"github.com/atinyakov/GophVault/internal/client"
	"github.com/atinyakov/GophVault/internal/models"
)

type remoteOptions struct {
	server string
	certs  string
}

func (r *remoteOptions) caPath() string { return filepath.Join(r.certs, certgen.CACertFile) }

func (r *remoteOptions) client() (*client.Client, error) {
	hc, err := client.LoadClientCertificate(
		filepath.Join(r.certs, client.CertFile),
		filepath.Join(r.certs, client.KeyFile),
		r.caPath(),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load client certificate", err)
	}
	return client.New(hc, r.server), nil
}

func requireVault(opts *RootOptions) error {
	if opts.Vault == "" {
		return WrapExitError(ExitCommandError, "no vault", errors.New("--vault is required"))
	}
	return nil
}

// NewRemoteCommand creates the remote command group, which talks to a
// vault server over mutual TLS.
func NewRemoteCommand(opts *RootOptions) *cobra.Command {
	r := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Work with vaults held by a vault server",
	}
	cmd.PersistentFlags().StringVar(&r.server, "server", "https://localhost:8080", "server base URL")
	cmd.PersistentFlags().StringVar(&r.certs, "certs", "certs", "directory with ca.crt, client.crt and client.key")

	cmd.AddCommand(
		remoteRegister(opts, r),
		remoteLogin(opts, r),
		remoteCreate(opts, r),
		remoteList(opts, r),
		remoteContainers(opts, r),
		remotePut(opts, r),
		remoteGet(opts, r),
		remoteFiles(opts, r),
		remoteHistory(opts, r),
		remoteVerify(opts, r),
		remoteRole(opts, r),
		remoteGrant(opts, r),
		remoteDestroy(opts, r),
	)
	return cmd
}

func remoteRegister(opts *RootOptions, r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register <login>",
		Short: "Register a login and store its client certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Register(cmd.Context(), r.server, args[0], r.caPath(), r.certs)
			if err != nil {
				return WrapExitError(ExitCommandError, "register", err)
			}
			return emit(cmd, opts, map[string]string{"public_key": resp.PublicKey}, func(out io.Writer) {
				fmt.Fprintln(out, resp.PublicKey)
			})
		},
	}
}

func remoteLogin(opts *RootOptions, r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check the client certificate against the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client()
			if err != nil {
				return err
			}
			msg, err := c.Login(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "login", err)
			}
			return emit(cmd, opts, map[string]string{"message": msg}, func(out io.Writer) {
				fmt.Fprintln(out, msg)
			})
		},
	}
}

func remoteCreate(opts *RootOptions, r *remoteOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a vault on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client()
			if err != nil {
				return err
			}
			id, err := c.CreateVault(cmd.Context(), kind)
			if err != nil {
				return WrapExitError(ExitCommandError, "create vault", err)
			}
			return emit(cmd, opts, map[string]string{"id": id}, func(out io.Writer) {
				fmt.Fprintln(out, id)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "vault type marker")
	return cmd
}

func remoteList(opts *RootOptions, r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the vaults owned by the login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.client()
			if err != nil {
				return err
			}
			vaults, err := c.ListVaults(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "list vaults", err)
			}
			return emit(cmd, opts, vaults, func(out io.Writer) {
				for _, v := range vaults {
					fmt.Fprintf(out, "%s\t%s\t%s\n", v.ID, v.Kind, v.CreatedAt.Format(time.RFC3339))
				}
			})
		},
	}
}

func remoteContainers(opts *RootOptions, r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "containers",
		Short: "List the containers of --vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			names, err := c.Containers(cmd.Context(), opts.Vault)
			if err != nil {
				return WrapExitError(ExitCommandError, "containers", err)
			}
			return emit(cmd, opts, names, func(out io.Writer) {
				fmt.Fprintln(out, strings.Join(names, "\n"))
			})
		},
	}
}

func remotePut(opts *RootOptions, r *remoteOptions) *cobra.Command {
	var (
		typ, key string
		roles    []string
	)
	cmd := &cobra.Command{
		Use:   "put <container> <value|@file>",
		Short: "Write to a container, creating it when missing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			value, err := readValue(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "read value", err)
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			req := models.PutContentRequest{Type: typ, Value: value, Key: key, Roles: roles}
			if err := c.Put(cmd.Context(), opts.Vault, args[0], req); err != nil {
				return WrapExitError(ExitCommandError, "put", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "embedded_file", "container type when creating")
	cmd.Flags().StringVarP(&key, "key", "k", "", "file key for multi-file containers")
	cmd.Flags().StringSliceVarP(&roles, "role", "r", nil, "roles to encrypt for when creating")
	return cmd
}

func remoteGet(opts *RootOptions, r *remoteOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "get <container>",
		Short: "Decrypt a container on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			resp, err := c.Get(cmd.Context(), opts.Vault, args[0], key)
			if err != nil {
				return WrapExitError(ExitCommandError, "get", err)
			}
			return emit(cmd, opts, resp, func(out io.Writer) {
				fmt.Fprintln(out, formatValue(resp.Value))
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "file key or day (YYYYMMDD)")
	return cmd
}

func remoteFiles(opts *RootOptions, r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "files <container>",
		Short: "List the files of a multi-file container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			files, err := c.Files(cmd.Context(), opts.Vault, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "files", err)
			}
			return emit(cmd, opts, files, func(out io.Writer) {
				fmt.Fprintln(out, strings.Join(files, "\n"))
			})
		},
	}
}

func remoteHistory(opts *RootOptions, r *remoteOptions) *cobra.Command {
	var (
		container, key, date string
		index                int64
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Replay the ledger of --vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			var at time.Time
			if date != "" {
				var err error
				if at, err = time.Parse(time.RFC3339, date); err != nil {
					return WrapExitError(ExitCommandError, "parse --date", err)
				}
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			resp, err := c.History(cmd.Context(), opts.Vault, container, key, index, at)
			if err != nil {
				return WrapExitError(ExitCommandError, "history", err)
			}
			return emit(cmd, opts, resp, func(out io.Writer) {
				fmt.Fprintf(out, "index %d at %s\n", resp.Index, resp.OnDate.Format(time.RFC3339))
				fmt.Fprintln(out, formatValue(resp.Data))
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

func remoteVerify(opts *RootOptions, r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify --vault on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			ok, err := c.Verify(cmd.Context(), opts.Vault)
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
		},
	}
}

func remoteRole(opts *RootOptions, r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "role <name>",
		Short: "Create a role in --vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			created, err := c.CreateRole(cmd.Context(), opts.Vault, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "create role", err)
			}
			return emit(cmd, opts, map[string]bool{"created": created}, func(out io.Writer) {
				fmt.Fprintf(out, "role %s created: %t\n", args[0], created)
			})
		},
	}
}

func remoteGrant(opts *RootOptions, r *remoteOptions) *cobra.Command {
	var login string
	cmd := &cobra.Command{
		Use:   "grant <role> [public-key]",
		Short: "Grant a role to a wallet by public key or --login",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			req := models.GrantRequest{Login: login}
			if len(args) == 2 {
				req.PublicKey = args[1]
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			granted, err := c.Grant(cmd.Context(), opts.Vault, args[0], req)
			if err != nil {
				return WrapExitError(ExitCommandError, "grant", err)
			}
			return emit(cmd, opts, map[string]bool{"granted": granted}, func(out io.Writer) {
				fmt.Fprintf(out, "granted %s: %t\n", args[0], granted)
			})
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "grant to the wallet of this login")
	return cmd
}

func remoteDestroy(opts *RootOptions, r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Delete --vault on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireVault(opts); err != nil {
				return err
			}
			c, err := r.client()
			if err != nil {
				return err
			}
			if err := c.DeleteVault(cmd.Context(), opts.Vault); err != nil {
				return WrapExitError(ExitCommandError, "destroy", err)
			}
			return nil
		},
	}
}
