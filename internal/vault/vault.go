// Package vault implements an encrypted, signed, versioned document store.
// A vault is a signed metadata record (meta.json) indexing named
// containers whose content is encrypted for roles. Every container
// mutation is mirrored into a ledger that can replay the vault's state at
// any earlier index or date.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/GophVault/internal/clock"
	"github.com/atinyakov/GophVault/internal/crypto"
	"github.com/atinyakov/GophVault/internal/lock"
	"github.com/atinyakov/GophVault/internal/storage"
)

const (
	metaFile   = "meta.json"
	ledgerName = "ledger"
)

// Wallet is a caller identity. Its public key receives role grants and
// identifies it as a signer.
type Wallet interface {
	PublicKey() string
	Decrypt(ciphertext string) ([]byte, error)
	Sign(message []byte) (string, error)
}

// Crypto is the asymmetric crypto the vault relies on.
type Crypto interface {
	GenerateRoleKey() (publicKey, privateKey string, err error)
	Encrypt(publicKey string, plaintext []byte) (string, error)
	DecryptWithKey(privateKey, ciphertext string) ([]byte, error)
	Hash(data []byte) string
	Verify(publicKey string, message []byte, signature string) bool
}

// Locker serializes backend access per key.
type Locker interface {
	WithLock(ctx context.Context, key string, lease time.Duration, fn func(context.Context) error) error
}

// Options configures a Vault.
type Options struct {
	// ID of an existing vault. A new UUID is assigned when empty.
	ID string
	// BasePath is the directory holding vaults in the driver.
	BasePath string
	// Driver is the storage backend.
	Driver storage.Driver
	// Locker guards every backend call. Defaults to an in-process lock.
	Locker Locker
	// LockLease defaults to lock.DefaultLease.
	LockLease time.Duration
	// Crypto defaults to crypto.NewProvider().
	Crypto Crypto
	// Clock defaults to clock.Real().
	Clock clock.Clock
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Kind marks a specialized vault type. When set, loading metadata of
	// another kind fails with ErrWrongVaultType.
	Kind string
}

// Vault owns its containers and roles. A Vault is not safe for concurrent
// use; access across processes is serialized through the Locker.
type Vault struct {
	id     string
	kind   string
	driver storage.Driver
	locker Locker
	lease  time.Duration
	crypto Crypto
	clock  clock.Clock
	logger *zap.Logger

	version    string
	created    time.Time
	roles      *Roles
	containers map[string]Container
	ledger     *ExternalFileLedger
	stored     *Meta
	keys       map[string]string
}

// New creates a vault handle. It performs no I/O.
func New(opts Options) (*Vault, error) {
	if opts.Driver == nil {
		return nil, errors.New("vault: storage driver is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	scoped, err := storage.Scope(opts.Driver, path.Join(opts.BasePath, id))
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", id, err)
	}

	v := &Vault{
		id:     id,
		kind:   opts.Kind,
		driver: scoped,
		locker: opts.Locker,
		lease:  opts.LockLease,
		crypto: opts.Crypto,
		clock:  opts.Clock,
		logger: opts.Logger,
		keys:   make(map[string]string),
	}
	if v.clock == nil {
		v.clock = clock.Real()
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	v.logger = v.logger.With(zap.String("vault", id))
	if v.crypto == nil {
		v.crypto = crypto.NewProvider()
	}
	if v.locker == nil {
		v.locker = lock.NewService(lock.NewMemoryBackend(v.clock), lock.Options{Clock: v.clock, Logger: v.logger})
	}
	if v.lease <= 0 {
		v.lease = lock.DefaultLease
	}
	return v, nil
}

// ID returns the vault identifier.
func (v *Vault) ID() string { return v.id }

// Version returns the version of the loaded or last written metadata.
func (v *Vault) Version() string { return v.version }

// Meta returns the metadata as last loaded or written, with container
// blobs uncompressed.
func (v *Vault) Meta() *Meta { return v.stored }

// Roles returns a copy of the live role table.
func (v *Vault) Roles() *Roles {
	if v.roles == nil {
		return newRoles()
	}
	return v.roles.clone()
}

// Ledger returns the vault's ledger container.
func (v *Vault) Ledger() *ExternalFileLedger { return v.ledger }

// ContainerNames returns the names of all live containers, sorted.
func (v *Vault) ContainerNames() []string {
	return slices.Sorted(maps.Keys(v.containers))
}

// GetOrCreateMetadata loads the vault metadata, or initializes and
// persists it with the owners and ledger roles when the vault is new.
func (v *Vault) GetOrCreateMetadata(ctx context.Context, author Wallet) (*Meta, error) {
	exists, err := v.FileExists(ctx, metaFile)
	if err != nil {
		return nil, fmt.Errorf("vault %s: check metadata: %w", v.id, err)
	}
	if exists {
		if err := v.LoadMetadata(ctx); err != nil {
			return nil, err
		}
		return v.stored, nil
	}

	v.roles = newRoles()
	v.containers = make(map[string]Container)
	v.created = v.now()
	for _, role := range []string{OwnersRole, LedgerRole} {
		if _, err := v.CreateRole(author, role); err != nil {
			return nil, err
		}
	}
	v.ledger = newLedger(base{env: v, name: ledgerName, typ: TypeExternalFileLedger, roles: []string{OwnersRole, LedgerRole}})
	v.containers[ledgerName] = v.ledger

	if err := v.WriteMetadata(ctx, author); err != nil {
		return nil, err
	}
	v.logger.Info("vault created", zap.String("author", author.PublicKey()))
	return v.stored, nil
}

// CreateRole adds a role with a fresh keypair granted to author. It
// returns false when the role already exists.
func (v *Vault) CreateRole(author Wallet, role string) (bool, error) {
	if v.roles == nil {
		return false, ErrNotInitialized
	}
	if role == "" {
		return false, ErrNameRequired
	}
	if v.roles.has(role) {
		return false, nil
	}

	pub, priv, err := v.crypto.GenerateRoleKey()
	if err != nil {
		return false, fmt.Errorf("role %s: %w", role, err)
	}
	grant, err := v.crypto.Encrypt(author.PublicKey(), []byte(priv))
	if err != nil {
		return false, fmt.Errorf("role %s: grant to author: %w", role, err)
	}
	r := Role{PublicKey: pub, Grants: map[string]string{walletGrant(author.PublicKey()): grant}}

	// Owners hold every role through an escrow copy of its key.
	if owners, ok := v.roles.Get(OwnersRole); ok && role != OwnersRole {
		escrow, err := v.crypto.Encrypt(owners.PublicKey, []byte(priv))
		if err != nil {
			return false, fmt.Errorf("role %s: owners escrow: %w", role, err)
		}
		r.Grants[roleGrant(OwnersRole)] = escrow
	}

	v.roles.set(role, r)
	v.keys[keyCacheID(author.PublicKey(), role)] = priv
	v.logger.Debug("role created", zap.String("role", role))
	return true, nil
}

// AuthorizedForRole reports whether publicKey holds a grant for role or
// for owners.
func (v *Vault) AuthorizedForRole(publicKey, role string) bool {
	if v.roles == nil {
		return false
	}
	if owners, ok := v.roles.Get(OwnersRole); ok {
		if _, ok := owners.Grants[walletGrant(publicKey)]; ok {
			return true
		}
	}
	r, ok := v.roles.Get(role)
	if !ok {
		return false
	}
	_, ok = r.Grants[walletGrant(publicKey)]
	return ok
}

// Authorize grants role to targetPublicKey. It returns false when author
// is not authorized for role. Grants cannot be revoked.
func (v *Vault) Authorize(author Wallet, role, targetPublicKey string) (bool, error) {
	if v.roles == nil {
		return false, ErrNotInitialized
	}
	r, ok := v.roles.Get(role)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if !v.AuthorizedForRole(author.PublicKey(), role) {
		return false, nil
	}

	priv, err := v.rolePrivateKey(author, role)
	if err != nil {
		return false, err
	}
	grant, err := v.crypto.Encrypt(targetPublicKey, []byte(priv))
	if err != nil {
		return false, fmt.Errorf("role %s: grant: %w", role, err)
	}
	r.Grants[walletGrant(targetPublicKey)] = grant
	v.roles.set(role, r)
	v.logger.Info("role granted", zap.String("role", role), zap.String("grantee", targetPublicKey))
	return true, nil
}

// DecryptMessage decrypts a message encrypted to any role w holds, trying
// owners first and then the remaining roles in creation order.
func (v *Vault) DecryptMessage(w Wallet, message string) ([]byte, error) {
	return v.decryptAs(w, func(string) (string, bool) { return message, true })
}

// GetOrCreateContainer returns the container called name, creating it
// with type typ when missing. The container is always encrypted for
// owners in addition to roles. typ is ignored for existing containers.
func (v *Vault) GetOrCreateContainer(ctx context.Context, author Wallet, name string, typ Type, roles ...string) (Container, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if v.containers == nil {
		return nil, ErrNotInitialized
	}
	if c, ok := v.containers[name]; ok {
		return c, nil
	}
	if typ == TypeExternalFileLedger {
		return nil, fmt.Errorf("%w: %s", ErrReservedContainer, typ)
	}
	if typ == "" {
		typ = TypeEmbeddedFile
	}

	containerRoles := []string{OwnersRole}
	for _, role := range roles {
		if slices.Contains(containerRoles, role) {
			continue
		}
		if !v.roles.has(role) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
		}
		containerRoles = append(containerRoles, role)
	}

	c, err := newContainer(v, typ, name, containerRoles)
	if err != nil {
		return nil, err
	}
	v.containers[name] = c
	err = v.updateLedger(ctx, author, LedgerEntry{
		ContainerType: typ,
		Action:        ActionCreateContainer,
		ContainerName: name,
		Params:        map[string]any{"roles": containerRoles},
	})
	if err != nil {
		delete(v.containers, name)
		return nil, err
	}
	v.logger.Debug("container created", zap.String("container", name), zap.String("type", string(typ)))
	return c, nil
}

// SingleContainer is GetOrCreateContainer for single-content types.
func (v *Vault) SingleContainer(ctx context.Context, author Wallet, name string, typ Type, roles ...string) (SingleContent, error) {
	return as[SingleContent](v.GetOrCreateContainer(ctx, author, name, typ, roles...))
}

// ListContainer is GetOrCreateContainer for list types.
func (v *Vault) ListContainer(ctx context.Context, author Wallet, name string, typ Type, roles ...string) (ListContent, error) {
	return as[ListContent](v.GetOrCreateContainer(ctx, author, name, typ, roles...))
}

// MultiFileContainer is GetOrCreateContainer for multi-file types.
func (v *Vault) MultiFileContainer(ctx context.Context, author Wallet, name string, typ Type, roles ...string) (MultiFileContent, error) {
	return as[MultiFileContent](v.GetOrCreateContainer(ctx, author, name, typ, roles...))
}

func as[T Container](c Container, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %s", ErrWrongContainerType, c.Name(), c.Type())
	}
	return t, nil
}

// GetContainer returns an existing container.
func (v *Vault) GetContainer(name string) (Container, error) {
	c, ok := v.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", ErrNotFound, name)
	}
	return c, nil
}

// RemoveContainer drops a container and its backend files.
func (v *Vault) RemoveContainer(ctx context.Context, author Wallet, name string) error {
	if name == ledgerName {
		return fmt.Errorf("%w: %s", ErrReservedContainer, name)
	}
	c, err := v.GetContainer(name)
	if err != nil {
		return err
	}
	delete(v.containers, name)
	err = v.updateLedger(ctx, author, LedgerEntry{
		ContainerType: c.Type(),
		Action:        ActionRemoveContainer,
		ContainerName: name,
	})
	if err != nil {
		v.containers[name] = c
		return err
	}
	// Files left behind by a failed removal are orphans no metadata points to.
	if err := c.removeFiles(ctx); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// WriteMetadata persists every container, then signs and writes the
// vault metadata at the current version.
func (v *Vault) WriteMetadata(ctx context.Context, author Wallet) error {
	if v.roles == nil {
		return ErrNotInitialized
	}

	// The ledger goes last so its metadata covers every entry.
	names := slices.DeleteFunc(v.ContainerNames(), func(n string) bool { return n == ledgerName })
	if v.ledger != nil {
		names = append(names, ledgerName)
	}
	blobs := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		blob, err := v.containers[name].buildMetadata(ctx, author)
		if err != nil {
			return fmt.Errorf("vault %s: container %s: %w", v.id, name, err)
		}
		blobs[name] = blob
	}

	meta := &Meta{
		ID:         v.id,
		Kind:       v.kind,
		Version:    CurrentVersion,
		Created:    v.created,
		Roles:      v.roles.clone(),
		Containers: blobs,
	}
	sig, err := v.signObject(author, meta.unsigned())
	if err != nil {
		return fmt.Errorf("vault %s: sign metadata: %w", v.id, err)
	}
	meta.Hash = sig.Hash
	meta.Signed = &sig.Signed

	disk := *meta
	disk.Containers = make(map[string]json.RawMessage, len(blobs))
	for name, blob := range blobs {
		compressed, err := compressBlob(blob)
		if err != nil {
			return fmt.Errorf("vault %s: container %s: %w", v.id, name, err)
		}
		disk.Containers[name] = compressed
	}
	data, err := json.Marshal(&disk)
	if err != nil {
		return fmt.Errorf("vault %s: encode metadata: %w", v.id, err)
	}
	if err := v.PutFile(ctx, metaFile, data); err != nil {
		return fmt.Errorf("vault %s: write metadata: %w", v.id, err)
	}

	v.stored = meta
	v.version = CurrentVersion
	v.logger.Debug("metadata written", zap.Int("containers", len(blobs)))
	return nil
}

// LoadMetadata reads the metadata and rebuilds live containers, migrating
// older versions in memory.
func (v *Vault) LoadMetadata(ctx context.Context) error {
	data, err := v.GetFile(ctx, metaFile)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: vault %s: %w", ErrNotFound, v.id, err)
	}
	if err != nil {
		return fmt.Errorf("vault %s: read metadata: %w", v.id, err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("%w: vault %s metadata: %v", ErrParse, v.id, err)
	}
	if meta.Roles == nil {
		meta.Roles = newRoles()
	}
	ver, err := checkVersion(meta.Version)
	if err != nil {
		return fmt.Errorf("vault %s: %w", v.id, err)
	}
	if v.kind != "" && meta.Kind != v.kind {
		return fmt.Errorf("%w: want %q, stored %q", ErrWrongVaultType, v.kind, meta.Kind)
	}

	if !ver.LessThan(compressedVersion) {
		for name, blob := range meta.Containers {
			raw, err := decompressBlob(blob)
			if err != nil {
				return fmt.Errorf("vault %s: container %s: %w", v.id, name, err)
			}
			meta.Containers[name] = raw
		}
	}

	containers := make(map[string]Container, len(meta.Containers))
	for name, blob := range meta.Containers {
		c, err := containerFromMeta(v, name, blob)
		if err != nil {
			return fmt.Errorf("vault %s: %w", v.id, err)
		}
		containers[name] = c
	}
	ledger, ok := containers[ledgerName].(*ExternalFileLedger)
	if !ok {
		ledger = newLedger(base{env: v, name: ledgerName, typ: TypeExternalFileLedger, roles: []string{OwnersRole, LedgerRole}})
		containers[ledgerName] = ledger
	}

	v.kind = meta.Kind
	v.version = meta.Version
	v.created = meta.Created
	v.roles = migrateRoles(meta.Roles, ver)
	v.containers = containers
	v.ledger = ledger
	v.stored = &meta
	v.keys = make(map[string]string)
	if meta.Version != CurrentVersion {
		v.logger.Info("metadata migrated in memory", zap.String("from", meta.Version), zap.String("to", CurrentVersion))
	}
	return nil
}

// Verify reloads the metadata and checks every container, stopping at
// the first failure, then the metadata hash and signature. Integrity
// failures report false; only I/O failures return an error.
func (v *Vault) Verify(ctx context.Context) (bool, error) {
	if err := v.LoadMetadata(ctx); err != nil {
		return false, err
	}
	for _, name := range v.ContainerNames() {
		ok, err := v.containers[name].Verify(ctx)
		if err != nil {
			return false, fmt.Errorf("vault %s: verify %s: %w", v.id, name, err)
		}
		if !ok {
			v.logger.Warn("container failed verification", zap.String("container", name))
			return false, nil
		}
	}

	meta := v.stored
	if meta.Signed == nil {
		return false, nil
	}
	ok, err := v.verifyObject(meta.unsigned(), ObjectSignature{Hash: meta.Hash, Signed: *meta.Signed})
	if err != nil {
		return false, fmt.Errorf("vault %s: verify metadata: %w", v.id, err)
	}
	if !ok {
		v.logger.Warn("metadata failed verification")
	}
	return ok, nil
}

// GetHistoricalDataBySequence replays the ledger up to index.
func (v *Vault) GetHistoricalDataBySequence(ctx context.Context, user Wallet, container string, index int64, subFile string) (*Snapshot, error) {
	if v.ledger == nil {
		return nil, ErrNotInitialized
	}
	return v.ledger.DecryptToIndex(ctx, user, container, index, subFile)
}

// GetHistoricalDataByDate replays the ledger up to the last entry at or
// before date.
func (v *Vault) GetHistoricalDataByDate(ctx context.Context, user Wallet, container string, date time.Time, subFile string) (*Snapshot, error) {
	if v.ledger == nil {
		return nil, ErrNotInitialized
	}
	return v.ledger.DecryptToDate(ctx, user, container, date, subFile)
}

// DeleteEverything removes the vault's whole backend directory. The
// handle is unusable afterwards until metadata is created again.
func (v *Vault) DeleteEverything(ctx context.Context) error {
	if err := v.RemoveDirectory(ctx, "", true); err != nil {
		return fmt.Errorf("vault %s: delete: %w", v.id, err)
	}
	v.roles = nil
	v.containers = nil
	v.ledger = nil
	v.stored = nil
	v.keys = make(map[string]string)
	v.logger.Info("vault deleted")
	return nil
}

func (v *Vault) withLock(ctx context.Context, fn func(context.Context) error) error {
	return v.locker.WithLock(ctx, v.id, v.lease, fn)
}

// GetFile reads a file relative to the vault directory.
func (v *Vault) GetFile(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := v.withLock(ctx, func(ctx context.Context) error {
		var err error
		data, err = v.driver.GetFile(ctx, p)
		return err
	})
	return data, err
}

// PutFile writes a file relative to the vault directory.
func (v *Vault) PutFile(ctx context.Context, p string, data []byte) error {
	return v.withLock(ctx, func(ctx context.Context) error {
		return v.driver.PutFile(ctx, p, data)
	})
}

// RemoveFile removes a file relative to the vault directory.
func (v *Vault) RemoveFile(ctx context.Context, p string) error {
	return v.withLock(ctx, func(ctx context.Context) error {
		return v.driver.RemoveFile(ctx, p)
	})
}

// RemoveDirectory removes a directory relative to the vault directory.
func (v *Vault) RemoveDirectory(ctx context.Context, p string, recursive bool) error {
	return v.withLock(ctx, func(ctx context.Context) error {
		return v.driver.RemoveDirectory(ctx, p, recursive)
	})
}

// FileExists reports whether a file exists relative to the vault
// directory.
func (v *Vault) FileExists(ctx context.Context, p string) (bool, error) {
	var exists bool
	err := v.withLock(ctx, func(ctx context.Context) error {
		var err error
		exists, err = v.driver.FileExists(ctx, p)
		return err
	})
	return exists, err
}

// ListDirectory lists a directory relative to the vault directory.
func (v *Vault) ListDirectory(ctx context.Context, p string, recursive bool) (*storage.Listing, error) {
	var listing *storage.Listing
	err := v.withLock(ctx, func(ctx context.Context) error {
		var err error
		listing, err = v.driver.ListDirectory(ctx, p, recursive)
		return err
	})
	return listing, err
}

func (v *Vault) now() time.Time { return v.clock.Now().UTC() }

func (v *Vault) log() *zap.Logger { return v.logger }

func (v *Vault) roleExists(role string) bool { return v.roles != nil && v.roles.has(role) }

func (v *Vault) encryptForRole(role string, plaintext []byte) (string, error) {
	r, ok := v.roles.Get(role)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return v.crypto.Encrypt(r.PublicKey, plaintext)
}

func (v *Vault) decryptForWallet(w Wallet, ciphertexts map[string]string) ([]byte, error) {
	return v.decryptAs(w, func(role string) (string, bool) {
		ct, ok := ciphertexts[role]
		return ct, ok
	})
}

// decryptAs tries each role w is authorized for until one decrypts the
// ciphertext returned by lookup for that role.
func (v *Vault) decryptAs(w Wallet, lookup func(role string) (string, bool)) ([]byte, error) {
	roles := v.authorizedRoles(w.PublicKey())
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: no access", ErrUnauthorized)
	}
	var lastErr error
	for _, role := range roles {
		ct, ok := lookup(role)
		if !ok {
			continue
		}
		priv, err := v.rolePrivateKey(w, role)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := v.crypto.DecryptWithKey(priv, ct)
		if err != nil {
			lastErr = fmt.Errorf("%w: role %s: %v", ErrDecryption, role, err)
			continue
		}
		return plaintext, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no granted role can decrypt", ErrUnauthorized)
}

// authorizedRoles lists the roles publicKey may use, owners first.
func (v *Vault) authorizedRoles(publicKey string) []string {
	if v.roles == nil {
		return nil
	}
	var out []string
	if v.AuthorizedForRole(publicKey, OwnersRole) {
		out = append(out, OwnersRole)
	}
	for _, name := range v.roles.order {
		if name != OwnersRole && v.AuthorizedForRole(publicKey, name) {
			out = append(out, name)
		}
	}
	return out
}

func keyCacheID(publicKey, role string) string { return publicKey + "\x00" + role }

// rolePrivateKey recovers a role's private key through w's direct grant
// or, for owners, through the owners escrow.
func (v *Vault) rolePrivateKey(w Wallet, role string) (string, error) {
	id := keyCacheID(w.PublicKey(), role)
	if priv, ok := v.keys[id]; ok {
		return priv, nil
	}
	r, ok := v.roles.Get(role)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	var priv string
	if grant, ok := r.Grants[walletGrant(w.PublicKey())]; ok {
		plain, err := w.Decrypt(grant)
		if err != nil {
			return "", fmt.Errorf("%w: role %s grant: %v", ErrDecryption, role, err)
		}
		priv = string(plain)
	} else if escrow, ok := r.Grants[roleGrant(OwnersRole)]; ok && role != OwnersRole && v.AuthorizedForRole(w.PublicKey(), OwnersRole) {
		ownersKey, err := v.rolePrivateKey(w, OwnersRole)
		if err != nil {
			return "", err
		}
		plain, err := v.crypto.DecryptWithKey(ownersKey, escrow)
		if err != nil {
			return "", fmt.Errorf("%w: role %s escrow: %v", ErrDecryption, role, err)
		}
		priv = string(plain)
	} else {
		return "", fmt.Errorf("%w: role %s", ErrUnauthorized, role)
	}
	v.keys[id] = priv
	return priv, nil
}

func (v *Vault) signObject(author Wallet, obj any) (ObjectSignature, error) {
	canonical, err := canonicalJSON(obj)
	if err != nil {
		return ObjectSignature{}, fmt.Errorf("canonical encoding: %w", err)
	}
	hash := v.crypto.Hash(canonical)
	at := v.now()
	sig, err := author.Sign(signingMessage(hash, at))
	if err != nil {
		return ObjectSignature{}, fmt.Errorf("sign: %w", err)
	}
	return ObjectSignature{Hash: hash, Signed: Signed{At: at, By: author.PublicKey(), Sig: sig}}, nil
}

func (v *Vault) verifyObject(obj any, sig ObjectSignature) (bool, error) {
	canonical, err := canonicalJSON(obj)
	if err != nil {
		return false, fmt.Errorf("canonical encoding: %w", err)
	}
	if v.crypto.Hash(canonical) != sig.Hash {
		return false, nil
	}
	return v.crypto.Verify(sig.Signed.By, signingMessage(sig.Hash, sig.Signed.At), sig.Signed.Sig), nil
}

// updateLedger mirrors a container mutation into the ledger.
func (v *Vault) updateLedger(ctx context.Context, author Wallet, entry LedgerEntry) error {
	if entry.ContainerName == ledgerName {
		return nil
	}
	if v.ledger == nil {
		return ErrNotInitialized
	}
	entry.Tag = "container." + string(entry.ContainerType) + "." + entry.Action
	entry.At = v.now()
	if _, err := v.ledger.AddIndexedEntry(ctx, author, entry); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

// validName checks a container name usable as a file name.
func validName(name string) error {
	if name == "" {
		return ErrNameRequired
	}
	if err := validKey(name); err != nil {
		return err
	}
	if name == "meta" {
		return fmt.Errorf("%w: %s", ErrReservedContainer, name)
	}
	return nil
}
