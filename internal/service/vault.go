package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophVault/internal/crypto"
	"github.com/atinyakov/GophVault/internal/lock"
	"github.com/atinyakov/GophVault/internal/models"
	"github.com/atinyakov/GophVault/internal/repository"
	"github.com/atinyakov/GophVault/internal/vault"
)

var (
	// ErrForbidden is returned when the caller may not perform an operation.
	ErrForbidden = errors.New("forbidden")
	// ErrVaultNotFound is returned for vaults missing from the registry.
	ErrVaultNotFound = errors.New("vault not found")
	// ErrInvalidRequest is returned for malformed operation parameters.
	ErrInvalidRequest = errors.New("invalid request")
)

// VaultRepository is the vault registry.
type VaultRepository interface {
	CreateVault(ctx context.Context, rec models.VaultRecord) error
	GetVault(ctx context.Context, id string) (*models.VaultRecord, error)
	ListVaults(ctx context.Context, login string) ([]models.VaultRecord, error)
	MarkDeleted(ctx context.Context, owner string, ids []string, at time.Time) error
}

// UserLookup resolves logins to public keys.
type UserLookup interface {
	GetUser(ctx context.Context, login string) (*models.User, error)
}

// HistoryQuery selects a replay. Date wins over Index when set.
type HistoryQuery struct {
	Container string
	Key       string
	Index     int64
	Date      *time.Time
}

// VaultService runs vault operations for authenticated wallets. Every
// call opens a fresh vault handle; calls on the same vault are serialized
// through the locker.
type VaultService struct {
	repo     VaultRepository
	users    UserLookup
	wallets  WalletStore
	template vault.Options
	log      *zap.Logger
}

// NewVaultService returns a service opening vaults with template. The
// template's Driver, BasePath, Locker, LockLease, Clock and Logger are
// shared by all vaults.
func NewVaultService(repo VaultRepository, users UserLookup, wallets WalletStore, template vault.Options) *VaultService {
	log := template.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &VaultService{repo: repo, users: users, wallets: wallets, template: template, log: log}
}

func (s *VaultService) now() time.Time {
	if s.template.Clock != nil {
		return s.template.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *VaultService) wallet(login string) (*crypto.Wallet, error) {
	w, err := s.wallets.Load(login)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet %s: %v", ErrForbidden, login, err)
	}
	return w, nil
}

// CreateVault initializes a new vault owned by login.
func (s *VaultService) CreateVault(ctx context.Context, login, kind string) (string, error) {
	w, err := s.wallet(login)
	if err != nil {
		return "", err
	}
	opts := s.template
	opts.ID = ""
	opts.Kind = kind
	v, err := vault.New(opts)
	if err != nil {
		return "", err
	}
	if _, err := v.GetOrCreateMetadata(ctx, w); err != nil {
		return "", err
	}

	rec := models.VaultRecord{ID: v.ID(), Owner: login, Kind: kind, CreatedAt: s.now()}
	if err := s.repo.CreateVault(ctx, rec); err != nil {
		if derr := v.DeleteEverything(context.WithoutCancel(ctx)); derr != nil {
			s.log.Error("failed to roll back vault files", zap.String("vault", v.ID()), zap.Error(derr))
		}
		return "", err
	}
	return v.ID(), nil
}

// ListVaults returns the vaults owned by login.
func (s *VaultService) ListVaults(ctx context.Context, login string) ([]models.VaultRecord, error) {
	return s.repo.ListVaults(ctx, login)
}

// session loads vault id under the request lock and runs fn with the
// caller's wallet. When write is set, metadata is written after fn, once
// the lock is confirmed to still be held.
func (s *VaultService) session(ctx context.Context, login, id string, write bool, fn func(*vault.Vault, *crypto.Wallet) error) error {
	rec, err := s.repo.GetVault(ctx, id)
	if errors.Is(err, repository.ErrVaultNotFound) {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	if err != nil {
		return err
	}
	w, err := s.wallet(login)
	if err != nil {
		return err
	}

	opts := s.template
	opts.ID = rec.ID
	opts.Kind = rec.Kind
	v, err := vault.New(opts)
	if err != nil {
		return err
	}

	run := func(ctx context.Context, l *lock.Lease) error {
		if err := v.LoadMetadata(ctx); err != nil {
			return err
		}
		if err := fn(v, w); err != nil {
			return err
		}
		if !write {
			return nil
		}
		if l != nil {
			if err := l.Extend(ctx); err != nil {
				return err
			}
		}
		return v.WriteMetadata(ctx, w)
	}

	key := "session:" + id
	switch locker := s.template.Locker.(type) {
	case nil:
		return run(ctx, nil)
	case leaseLocker:
		return locker.WithLease(ctx, key, s.template.LockLease, run)
	default:
		return locker.WithLock(ctx, key, s.template.LockLease, func(ctx context.Context) error {
			return run(ctx, nil)
		})
	}
}

// leaseLocker hands the held lease to fn so a write can confirm it still
// owns the session before touching storage.
type leaseLocker interface {
	WithLease(ctx context.Context, key string, lease time.Duration, fn func(context.Context, *lock.Lease) error) error
}

// canWrite reports whether w holds one of the container's roles.
func canWrite(v *vault.Vault, w vault.Wallet, roles []string) bool {
	for _, r := range roles {
		if v.AuthorizedForRole(w.PublicKey(), r) {
			return true
		}
	}
	return false
}

// PutContent writes req.Value into container name, creating it with
// req.Type and req.Roles when missing. Single-content containers are
// overwritten, list containers appended to and multi-file containers set
// at req.Key.
func (s *VaultService) PutContent(ctx context.Context, login, id, name string, req models.PutContentRequest) error {
	return s.session(ctx, login, id, true, func(v *vault.Vault, w *crypto.Wallet) error {
		roles := req.Roles
		if _, err := v.GetContainer(name); err == nil {
			roles = nil
		} else if !canWrite(v, w, []string{vault.OwnersRole}) {
			for _, r := range roles {
				if !v.AuthorizedForRole(w.PublicKey(), r) {
					return fmt.Errorf("%w: role %s", ErrForbidden, r)
				}
			}
			if len(roles) == 0 {
				return fmt.Errorf("%w: only owners create containers without roles", ErrForbidden)
			}
		}

		c, err := v.GetOrCreateContainer(ctx, w, name, vault.Type(req.Type), roles...)
		if err != nil {
			return err
		}
		if !canWrite(v, w, c.Roles()) {
			return fmt.Errorf("%w: container %s", ErrForbidden, name)
		}

		return vault.WriteContent(ctx, c, w, req.Key, req.Value)
	})
}

// GetContent decrypts container name. For multi-file containers key
// selects one file; for daily lists it selects one day (YYYYMMDD).
func (s *VaultService) GetContent(ctx context.Context, login, id, name, key string) (*models.ContentResponse, error) {
	out := &models.ContentResponse{Name: name, Key: key}
	err := s.session(ctx, login, id, false, func(v *vault.Vault, w *crypto.Wallet) error {
		c, err := v.GetContainer(name)
		if err != nil {
			return err
		}
		out.Type = string(c.Type())
		out.Value, err = vault.ReadContent(ctx, c, w, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListFiles returns the file keys of a multi-file container.
func (s *VaultService) ListFiles(ctx context.Context, login, id, name string) ([]string, error) {
	var out []string
	err := s.session(ctx, login, id, false, func(v *vault.Vault, _ *crypto.Wallet) error {
		c, err := v.GetContainer(name)
		if err != nil {
			return err
		}
		mc, ok := c.(vault.MultiFileContent)
		if !ok {
			return fmt.Errorf("%w: %s is %s", vault.ErrWrongContainerType, name, c.Type())
		}
		files, err := mc.ListFiles(ctx)
		if err != nil {
			return err
		}
		out = make([]string, 0, len(files))
		for _, f := range files {
			out = append(out, f.Name)
		}
		return nil
	})
	return out, err
}

// History replays the ledger as of q.
func (s *VaultService) History(ctx context.Context, login, id string, q HistoryQuery) (*models.HistoryResponse, error) {
	var snap *vault.Snapshot
	err := s.session(ctx, login, id, false, func(v *vault.Vault, w *crypto.Wallet) error {
		var err error
		if q.Date != nil {
			snap, err = v.GetHistoricalDataByDate(ctx, w, q.Container, *q.Date, q.Key)
		} else {
			snap, err = v.GetHistoricalDataBySequence(ctx, w, q.Container, q.Index, q.Key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.HistoryResponse{Index: snap.Index, OnDate: snap.OnDate, Data: snap.Data}, nil
}

// Verify checks the integrity of every container and the metadata.
func (s *VaultService) Verify(ctx context.Context, login, id string) (bool, error) {
	var ok bool
	err := s.session(ctx, login, id, false, func(v *vault.Vault, _ *crypto.Wallet) error {
		var err error
		ok, err = v.Verify(ctx)
		return err
	})
	return ok, err
}

// CreateRole adds a role held by the caller. Only owners create roles.
func (s *VaultService) CreateRole(ctx context.Context, login, id, role string) (bool, error) {
	var created bool
	err := s.session(ctx, login, id, true, func(v *vault.Vault, w *crypto.Wallet) error {
		if !v.AuthorizedForRole(w.PublicKey(), vault.OwnersRole) {
			return fmt.Errorf("%w: only owners create roles", ErrForbidden)
		}
		var err error
		created, err = v.CreateRole(w, role)
		return err
	})
	return created, err
}

// Grant gives role to the wallet in req. The caller must hold role.
func (s *VaultService) Grant(ctx context.Context, login, id, role string, req models.GrantRequest) (bool, error) {
	target := req.PublicKey
	if target == "" {
		if req.Login == "" {
			return false, fmt.Errorf("%w: public_key or login is required", ErrInvalidRequest)
		}
		u, err := s.users.GetUser(ctx, req.Login)
		if errors.Is(err, repository.ErrUserNotFound) {
			return false, fmt.Errorf("%w: unknown user %s", ErrInvalidRequest, req.Login)
		}
		if err != nil {
			return false, err
		}
		target = u.PublicKey
	}

	var granted bool
	err := s.session(ctx, login, id, true, func(v *vault.Vault, w *crypto.Wallet) error {
		var err error
		granted, err = v.Authorize(w, role, target)
		if err == nil && !granted {
			return fmt.Errorf("%w: role %s", ErrForbidden, role)
		}
		return err
	})
	return granted, err
}

// DeleteVault destroys the vault files and soft-deletes its record. Only
// the registered owner may delete.
func (s *VaultService) DeleteVault(ctx context.Context, login, id string) error {
	rec, err := s.repo.GetVault(ctx, id)
	if errors.Is(err, repository.ErrVaultNotFound) {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	if err != nil {
		return err
	}
	if rec.Owner != login {
		return fmt.Errorf("%w: not the vault owner", ErrForbidden)
	}

	opts := s.template
	opts.ID = id
	v, err := vault.New(opts)
	if err != nil {
		return err
	}
	if err := v.DeleteEverything(ctx); err != nil {
		return err
	}
	return s.repo.MarkDeleted(ctx, login, []string{id}, s.now())
}

// ContainerNames lists the containers of vault id.
func (s *VaultService) ContainerNames(ctx context.Context, login, id string) ([]string, error) {
	var names []string
	err := s.session(ctx, login, id, false, func(v *vault.Vault, _ *crypto.Wallet) error {
		names = slices.Clone(v.ContainerNames())
		return nil
	})
	return names, err
}
