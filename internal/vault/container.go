package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophVault/internal/storage"
)

// Type is a container's persisted type tag.
type Type string

// Container type tags.
const (
	TypeEmbeddedFile       Type = "embedded_file"
	TypeEmbeddedList       Type = "embedded_list"
	TypeExternalFile       Type = "external_file"
	TypeExternalList       Type = "external_list"
	TypeExternalFileMulti  Type = "external_file_multi"
	TypeExternalListDaily  Type = "external_list_daily"
	TypeLink               Type = "link"
	TypeExternalFileLedger Type = "external_file_ledger"
)

// Container is a named, role-encrypted unit of vault data.
type Container interface {
	Name() string
	Type() Type
	// Roles lists the roles the container is encrypted for.
	Roles() []string
	// Modified reports whether the container has changes not yet
	// written by WriteMetadata.
	Modified() bool
	// AddRole re-encrypts the container for one more role. author must be
	// able to decrypt the current content.
	AddRole(ctx context.Context, author Wallet, role string) error
	// Verify checks persisted external data against recorded signatures.
	Verify(ctx context.Context) (bool, error)

	buildMetadata(ctx context.Context, author Wallet) (json.RawMessage, error)
	removeFiles(ctx context.Context) error
}

// SingleContent holds one value.
type SingleContent interface {
	Container
	SetContents(ctx context.Context, author Wallet, value any) error
	DecryptContents(ctx context.Context, w Wallet) (any, error)
}

// ListContent holds an append-only list of values.
type ListContent interface {
	Container
	Append(ctx context.Context, author Wallet, value any) error
	DecryptContents(ctx context.Context, w Wallet) ([]any, error)
}

// MultiFileContent holds many values, each stored in its own file.
type MultiFileContent interface {
	Container
	SetSingleContent(ctx context.Context, author Wallet, key string, value any) error
	DecryptSingleContent(ctx context.Context, w Wallet, key string) (any, error)
	ListFiles(ctx context.Context) ([]storage.File, error)
	VerifyFile(ctx context.Context, key string) (bool, error)
}

// env is what containers need from their vault.
type env interface {
	now() time.Time
	log() *zap.Logger
	roleExists(role string) bool
	encryptForRole(role string, plaintext []byte) (string, error)
	decryptForWallet(w Wallet, ciphertexts map[string]string) ([]byte, error)
	signObject(author Wallet, obj any) (ObjectSignature, error)
	verifyObject(obj any, sig ObjectSignature) (bool, error)
	updateLedger(ctx context.Context, author Wallet, entry LedgerEntry) error

	GetFile(ctx context.Context, p string) ([]byte, error)
	PutFile(ctx context.Context, p string, data []byte) error
	FileExists(ctx context.Context, p string) (bool, error)
	ListDirectory(ctx context.Context, p string, recursive bool) (*storage.Listing, error)
	RemoveFile(ctx context.Context, p string) error
	RemoveDirectory(ctx context.Context, p string, recursive bool) error
}

// containerMeta is the blob stored for each container in the vault
// metadata. Fields not used by a type stay empty.
type containerMeta struct {
	Type       Type                       `json:"type"`
	Name       string                     `json:"name"`
	Roles      []string                   `json:"roles"`
	Encrypted  map[string]string          `json:"encrypted,omitempty"`
	Signature  *ObjectSignature           `json:"signature,omitempty"`
	Files      map[string]ObjectSignature `json:"files,omitempty"`
	NextIndex  int64                      `json:"next_index,omitempty"`
	Timestamps map[string]time.Time       `json:"timestamps,omitempty"`
}

// filePayload is the document written for external content.
type filePayload struct {
	Container string            `json:"container"`
	Key       string            `json:"key,omitempty"`
	Encrypted map[string]string `json:"encrypted"`
}

type base struct {
	env      env
	name     string
	typ      Type
	roles    []string
	modified bool
}

func (b *base) Name() string          { return b.name }
func (b *base) Type() Type            { return b.typ }
func (b *base) Roles() []string       { return slices.Clone(b.roles) }
func (b *base) Modified() bool        { return b.modified }
func (b *base) hasRole(r string) bool { return slices.Contains(b.roles, r) }

func (b *base) meta() containerMeta {
	return containerMeta{Type: b.typ, Name: b.name, Roles: b.roles}
}

// prepareRole validates a role about to be added. It reports false when
// the container already has it.
func (b *base) prepareRole(role string) (bool, error) {
	if b.hasRole(role) {
		return false, nil
	}
	if !b.env.roleExists(role) {
		return false, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return true, nil
}

// mutate applies change to p and records it in the ledger. When either
// step fails, p and the container's modified flag are restored so the
// live state never holds a change the ledger lacks.
func (b *base) mutate(ctx context.Context, author Wallet, p *payload, change func() error, action string, params map[string]any) error {
	saved, modified := *p, b.modified
	err := change()
	if err == nil {
		err = b.record(ctx, author, action, params)
	}
	if err != nil {
		*p = saved
		b.modified = modified
	}
	return err
}

// mutateFile is mutate for one key of a file set. A key created by the
// failed change is dropped again.
func (b *base) mutateFile(ctx context.Context, author Wallet, s fileSet, key string, change func(*payload) error, action string, params map[string]any) error {
	_, existed := s.files[key]
	p := s.item(key)
	err := b.mutate(ctx, author, p, func() error { return change(p) }, action, params)
	if err != nil && !existed {
		delete(s.files, key)
	}
	return err
}

func (b *base) record(ctx context.Context, author Wallet, action string, params map[string]any) error {
	return b.env.updateLedger(ctx, author, LedgerEntry{
		ContainerType: b.typ,
		Action:        action,
		ContainerName: b.name,
		Params:        params,
	})
}

// payload is one encrypted unit: the whole content of a single or list
// container, or one key of a multi-file container. Encryption happens
// eagerly on change, so reads and metadata writes reuse the ciphertexts.
type payload struct {
	raw       any
	hasRaw    bool
	dirty     bool
	modified  bool
	encrypted map[string]string
	signature *ObjectSignature
}

func (p *payload) set(value any) {
	p.raw = value
	p.hasRaw = true
	p.dirty = true
	p.modified = true
}

func (p *payload) encrypt(e env, roles []string) error {
	if !p.dirty && p.encrypted != nil {
		return nil
	}
	if !p.hasRaw {
		return nil
	}
	plaintext, err := json.Marshal(p.raw)
	if err != nil {
		return fmt.Errorf("encode contents: %w", err)
	}
	encrypted := make(map[string]string, len(roles))
	for _, role := range roles {
		ct, err := e.encryptForRole(role, plaintext)
		if err != nil {
			return err
		}
		encrypted[role] = ct
	}
	p.encrypted = encrypted
	p.dirty = false
	return nil
}

// fetch lazily loads ciphertexts of external content.
func (p *payload) fetch(ctx context.Context, e env, path string) error {
	if p.encrypted != nil {
		return nil
	}
	if p.signature == nil {
		return ErrContentEmpty
	}
	data, err := e.GetFile(ctx, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var doc filePayload
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	p.encrypted = doc.Encrypted
	return nil
}

func (p *payload) decrypt(e env, w Wallet) ([]byte, error) {
	if p.encrypted == nil {
		return nil, ErrContentEmpty
	}
	return e.decryptForWallet(w, p.encrypted)
}

// load makes sure the plaintext is in memory, decrypting with w if needed.
func (p *payload) load(ctx context.Context, e env, w Wallet, path string) error {
	if p.hasRaw {
		return nil
	}
	if path != "" {
		if err := p.fetch(ctx, e, path); err != nil {
			return err
		}
	}
	plaintext, err := p.decrypt(e, w)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return fmt.Errorf("%w: contents: %v", ErrParse, err)
	}
	p.raw = value
	p.hasRaw = true
	return nil
}

// persist writes external content when it changed or its file is missing.
func (p *payload) persist(ctx context.Context, e env, author Wallet, path string, doc filePayload) error {
	if !p.modified && p.signature != nil {
		exists, err := e.FileExists(ctx, path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if exists || p.encrypted == nil {
			return nil
		}
	}
	if p.encrypted == nil {
		return nil
	}

	doc.Encrypted = p.encrypted
	sig, err := e.signObject(author, doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := e.PutFile(ctx, path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	p.signature = &sig
	p.modified = false
	return nil
}

// verify re-reads the persisted file and checks it against the signature.
// A missing or unparsable file is an integrity failure, not an error.
func (p *payload) verify(ctx context.Context, e env, path string) (bool, error) {
	if p.signature == nil {
		return true, nil
	}
	data, err := e.GetFile(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		e.log().Warn("signed file missing", zap.String("path", path))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	var doc filePayload
	if err := json.Unmarshal(data, &doc); err != nil {
		e.log().Warn("signed file unparsable", zap.String("path", path), zap.Error(err))
		return false, nil
	}
	return e.verifyObject(doc, *p.signature)
}

// isEmpty reports whether v carries no content: nil, or an empty string,
// slice or map.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// newContainer builds an empty container of the given type.
func newContainer(e env, typ Type, name string, roles []string) (Container, error) {
	b := base{env: e, name: name, typ: typ, roles: roles}
	switch typ {
	case TypeEmbeddedFile:
		return &EmbeddedFile{base: b}, nil
	case TypeEmbeddedList:
		return &EmbeddedList{base: b}, nil
	case TypeLink:
		return &Link{EmbeddedFile: EmbeddedFile{base: b}}, nil
	case TypeExternalFile:
		return &ExternalFile{base: b}, nil
	case TypeExternalList:
		return &ExternalList{base: b}, nil
	case TypeExternalFileMulti:
		return &ExternalFileMulti{base: b, set: newFileSet()}, nil
	case TypeExternalListDaily:
		return &ExternalListDaily{base: b, set: newFileSet()}, nil
	case TypeExternalFileLedger:
		return newLedger(b), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainerType, typ)
	}
}

// containerFromMeta rebuilds a container from its stored blob.
func containerFromMeta(e env, name string, blob json.RawMessage) (Container, error) {
	var cm containerMeta
	if err := json.Unmarshal(blob, &cm); err != nil {
		return nil, fmt.Errorf("%w: container %s: %v", ErrParse, name, err)
	}
	c, err := newContainer(e, cm.Type, name, cm.Roles)
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", name, err)
	}

	switch c := c.(type) {
	case *EmbeddedFile:
		c.p.encrypted = cm.Encrypted
	case *EmbeddedList:
		c.p.encrypted = cm.Encrypted
	case *Link:
		c.p.encrypted = cm.Encrypted
	case *ExternalFile:
		c.p.signature = cm.Signature
	case *ExternalList:
		c.p.signature = cm.Signature
	case *ExternalFileMulti:
		c.set.load(cm.Files)
	case *ExternalListDaily:
		c.set.load(cm.Files)
	case *ExternalFileLedger:
		c.set.load(cm.Files)
		c.nextIndex = max(cm.NextIndex, 1)
		if cm.Timestamps != nil {
			c.timestamps = cm.Timestamps
		}
	}
	return c, nil
}
