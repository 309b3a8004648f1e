package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"filippo.io/age"
)

// Wallet is a caller identity: an age identity that receives role grants
// and an ed25519 key that signs vault metadata.
type Wallet struct {
	identity *age.X25519Identity
	signing  ed25519.PrivateKey
}

// walletFile is the on-disk form of a Wallet.
type walletFile struct {
	Identity   string `json:"identity"`
	SigningKey string `json:"signing_key"`
}

// NewWallet generates a fresh wallet.
func NewWallet() (*Wallet, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate wallet identity: %w", err)
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate wallet signing key: %w", err)
	}
	return &Wallet{identity: identity, signing: signing}, nil
}

// PublicKey returns "<age recipient>.<hex ed25519 public key>".
func (w *Wallet) PublicKey() string {
	pub := w.signing.Public().(ed25519.PublicKey)
	return w.identity.Recipient().String() + "." + hex.EncodeToString(pub)
}

// Decrypt decrypts a ciphertext addressed to this wallet.
func (w *Wallet) Decrypt(ciphertext string) ([]byte, error) {
	return decrypt(w.identity, ciphertext)
}

// Sign returns the base64 ed25519 signature of message.
func (w *Wallet) Sign(message []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(w.signing, message)), nil
}

// MarshalJSON encodes the wallet including its private material.
func (w *Wallet) MarshalJSON() ([]byte, error) {
	return json.Marshal(walletFile{
		Identity:   w.identity.String(),
		SigningKey: base64.StdEncoding.EncodeToString(w.signing.Seed()),
	})
}

// UnmarshalJSON decodes a wallet written by MarshalJSON.
func (w *Wallet) UnmarshalJSON(data []byte) error {
	var f walletFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	identity, err := age.ParseX25519Identity(f.Identity)
	if err != nil {
		return fmt.Errorf("%w: wallet identity: %v", ErrInvalidKey, err)
	}
	seed, err := base64.StdEncoding.DecodeString(f.SigningKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return fmt.Errorf("%w: wallet signing key", ErrInvalidKey)
	}
	w.identity = identity
	w.signing = ed25519.NewKeyFromSeed(seed)
	return nil
}

// SaveWallet writes w to path with owner-only permissions.
func SaveWallet(path string, w *Wallet) error {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("encode wallet: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create wallet dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	return nil
}

// LoadWallet reads a wallet written by SaveWallet.
func LoadWallet(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	w := &Wallet{}
	if err := json.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("decode wallet %s: %w", path, err)
	}
	return w, nil
}

// ErrUnknownWallet is returned by Keyring.Load for names without a file.
var ErrUnknownWallet = errors.New("crypto: unknown wallet")

var walletName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Keyring is a directory of wallet files named <name>.json.
type Keyring struct {
	dir string
}

// NewKeyring returns a Keyring reading wallets from dir.
func NewKeyring(dir string) *Keyring {
	return &Keyring{dir: dir}
}

// Load returns the wallet stored under name.
func (k *Keyring) Load(name string) (*Wallet, error) {
	if !walletName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWallet, name)
	}
	path := filepath.Join(k.dir, name+".json")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWallet, name)
	}
	return LoadWallet(path)
}

// Store saves w under name.
func (k *Keyring) Store(name string, w *Wallet) error {
	if !walletName.MatchString(name) {
		return fmt.Errorf("invalid wallet name %q", name)
	}
	return SaveWallet(filepath.Join(k.dir, name+".json"), w)
}
