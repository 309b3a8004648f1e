// Package service provides the business logic of the vault server:
// custodial wallet registration and vault operations on behalf of
// authenticated wallets. Persistence is delegated to repository
// interfaces.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/GophVault/internal/crypto"
	"github.com/atinyakov/GophVault/internal/models"
)

// ErrUserExists is returned when registering a taken login.
var ErrUserExists = errors.New("user already exists")

// UserRepository defines the persistence operations required by the
// authentication service.
type UserRepository interface {
	// UserExists returns true if a user with the given login exists.
	UserExists(ctx context.Context, login string) (bool, error)
	// RegisterUser records login with its wallet public key.
	RegisterUser(ctx context.Context, login, publicKey string) error
	// GetUser returns the user registered under login.
	GetUser(ctx context.Context, login string) (*models.User, error)
}

// WalletStore keeps the custodial wallets, keyed by login.
type WalletStore interface {
	Load(name string) (*crypto.Wallet, error)
	Store(name string, w *crypto.Wallet) error
}

// Service implements authentication operations.
type Service struct {
	repo    UserRepository
	wallets WalletStore
}

// NewAuthService constructs a Service over repo and wallets.
func NewAuthService(repo UserRepository, wallets WalletStore) *Service {
	return &Service{repo: repo, wallets: wallets}
}

// UserExists checks whether a user with the specified login exists.
func (s *Service) UserExists(ctx context.Context, login string) (bool, error) {
	return s.repo.UserExists(ctx, login)
}

// RegisterUser creates a wallet for login, stores it in the keyring and
// records the user. It returns the wallet public key.
func (s *Service) RegisterUser(ctx context.Context, login string) (string, error) {
	exists, err := s.repo.UserExists(ctx, login)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrUserExists
	}

	w, err := crypto.NewWallet()
	if err != nil {
		return "", fmt.Errorf("new wallet: %w", err)
	}
	if err := s.wallets.Store(login, w); err != nil {
		return "", fmt.Errorf("store wallet: %w", err)
	}
	if err := s.repo.RegisterUser(ctx, login, w.PublicKey()); err != nil {
		return "", err
	}
	return w.PublicKey(), nil
}

// PublicKey returns the wallet public key registered for login.
func (s *Service) PublicKey(ctx context.Context, login string) (string, error) {
	u, err := s.repo.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.PublicKey, nil
}
