// Package crypto provides the cryptographic collaborators of the vault:
// age X25519 encryption for roles and wallets, ed25519 signatures and
// BLAKE3 object hashing.
//
// Ciphertexts are base64-encoded age files so they can be stored in JSON
// documents. A wallet public key is "<age recipient>.<hex ed25519 key>";
// a role public key is a bare age recipient.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// ErrInvalidKey is returned for malformed public or private keys.
var ErrInvalidKey = errors.New("crypto: invalid key")

// objectDomainKey separates vault object hashes from any other BLAKE3 use.
// Changing it invalidates every stored hash.
var objectDomainKey = [32]byte{
	'g', 'o', 'p', 'h', 'v', 'a', 'u', 'l', 't', '.', 'o', 'b', 'j', 'e', 'c', 't',
}

// Provider implements the crypto operations the vault invokes. It holds no
// secrets and is safe for concurrent use.
type Provider struct{}

// NewProvider returns a Provider.
func NewProvider() *Provider { return &Provider{} }

// GenerateRoleKey creates a fresh age keypair for a role. The private key
// is returned in AGE-SECRET-KEY-1 form and must only be stored encrypted.
func (p *Provider) GenerateRoleKey() (string, string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generate role key: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}

// Encrypt encrypts plaintext to a role or wallet public key.
func (p *Provider) Encrypt(publicKey string, plaintext []byte) (string, error) {
	agePart, _, _ := strings.Cut(publicKey, ".")
	recipient, err := age.ParseX25519Recipient(agePart)
	if err != nil {
		return "", fmt.Errorf("%w: parse recipient: %v", ErrInvalidKey, err)
	}
	return encrypt(recipient, plaintext)
}

// DecryptWithKey decrypts ciphertext with a role private key.
func (p *Provider) DecryptWithKey(privateKey, ciphertext string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parse identity: %v", ErrInvalidKey, err)
	}
	return decrypt(identity, ciphertext)
}

// Hash returns the hex BLAKE3 object-domain hash of data.
func (p *Provider) Hash(data []byte) string {
	hasher, err := blake3.NewKeyed(objectDomainKey[:])
	if err != nil {
		panic("crypto: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// Verify checks a base64 ed25519 signature made by the wallet owning
// publicKey.
func (p *Provider) Verify(publicKey string, message []byte, signature string) bool {
	_, edPart, ok := strings.Cut(publicKey, ".")
	if !ok {
		return false
	}
	pub, err := hex.DecodeString(edPart)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

func encrypt(recipient age.Recipient, plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decrypt(identity age.Identity, ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
