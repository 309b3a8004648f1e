package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/atinyakov/GophVault/internal/storage"
)

// fileSet is a directory of payloads, one file per key, shared by the
// multi-file, daily and ledger containers.
type fileSet struct {
	files map[string]*payload
}

func newFileSet() fileSet {
	return fileSet{files: make(map[string]*payload)}
}

func (s fileSet) load(sigs map[string]ObjectSignature) {
	for key, sig := range sigs {
		s.files[key] = &payload{signature: &sig}
	}
}

func (s fileSet) keys() []string {
	return slices.Sorted(maps.Keys(s.files))
}

func (s fileSet) item(key string) *payload {
	p, ok := s.files[key]
	if !ok {
		p = &payload{}
		s.files[key] = p
	}
	return p
}

func filePath(b *base, key string) string {
	return b.name + "/" + key + fileExt
}

func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func (s fileSet) put(b *base, key string, value any) error {
	p := s.item(key)
	p.set(value)
	b.modified = true
	if err := p.encrypt(b.env, b.roles); err != nil {
		return fmt.Errorf("encrypt %s/%s: %w", b.name, key, err)
	}
	return nil
}

func (s fileSet) decrypt(ctx context.Context, b *base, w Wallet, key string) ([]byte, error) {
	p, ok := s.files[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSuchFile, b.name, key)
	}
	if err := p.fetch(ctx, b.env, filePath(b, key)); err != nil {
		return nil, err
	}
	return p.decrypt(b.env, w)
}

func (s fileSet) verify(ctx context.Context, b *base, key string) (bool, error) {
	p, ok := s.files[key]
	if !ok {
		return false, fmt.Errorf("%w: %s/%s", ErrNoSuchFile, b.name, key)
	}
	return p.verify(ctx, b.env, filePath(b, key))
}

func (s fileSet) verifyAll(ctx context.Context, b *base) (bool, error) {
	for _, key := range s.keys() {
		ok, err := s.verify(ctx, b, key)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// build persists modified items and returns the signature of every
// persisted one.
func (s fileSet) build(ctx context.Context, b *base, author Wallet) (map[string]ObjectSignature, error) {
	sigs := make(map[string]ObjectSignature, len(s.files))
	for _, key := range s.keys() {
		p := s.files[key]
		if err := p.encrypt(b.env, b.roles); err != nil {
			return nil, fmt.Errorf("encrypt %s/%s: %w", b.name, key, err)
		}
		doc := filePayload{Container: b.name, Key: key}
		if err := p.persist(ctx, b.env, author, filePath(b, key), doc); err != nil {
			return nil, err
		}
		if p.signature != nil {
			sigs[key] = *p.signature
		}
	}
	return sigs, nil
}

// list returns the files present in the backend directory, without the
// .json suffix.
func (s fileSet) list(ctx context.Context, b *base) ([]storage.File, error) {
	listing, err := b.env.ListDirectory(ctx, b.name, false)
	if errors.Is(err, storage.ErrNotFound) {
		return []storage.File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", b.name, err)
	}
	files := make([]storage.File, 0, len(listing.Files))
	for _, f := range listing.Files {
		name, ok := strings.CutSuffix(f.Name, fileExt)
		if !ok {
			continue
		}
		files = append(files, storage.File{Name: name})
	}
	return files, nil
}

// ExternalFileMulti stores one value per key, each in <name>/<key>.json.
type ExternalFileMulti struct {
	base
	set fileSet
}

// SetSingleContent stores value under key.
func (c *ExternalFileMulti) SetSingleContent(ctx context.Context, author Wallet, key string, value any) error {
	if isEmpty(value) {
		return ErrContentEmpty
	}
	if err := validKey(key); err != nil {
		return err
	}
	return c.mutateFile(ctx, author, c.set, key, func(*payload) error {
		return c.set.put(&c.base, key, value)
	}, ActionSetSingleContent, map[string]any{"key": key, "contents": value})
}

// DecryptSingleContent returns the value stored under key.
func (c *ExternalFileMulti) DecryptSingleContent(ctx context.Context, w Wallet, key string) (any, error) {
	plaintext, err := c.set.decrypt(ctx, &c.base, w, key)
	if err != nil {
		return nil, err
	}
	return decodeValue(plaintext)
}

// DecryptContents returns every stored value by key.
func (c *ExternalFileMulti) DecryptContents(ctx context.Context, w Wallet) (map[string]any, error) {
	out := make(map[string]any, len(c.set.files))
	for _, key := range c.set.keys() {
		value, err := c.DecryptSingleContent(ctx, w, key)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", c.name, key, err)
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil, ErrContentEmpty
	}
	return out, nil
}

// Keys returns the known keys, sorted.
func (c *ExternalFileMulti) Keys() []string { return c.set.keys() }

// ListFiles lists the container's backend directory.
func (c *ExternalFileMulti) ListFiles(ctx context.Context) ([]storage.File, error) {
	return c.set.list(ctx, &c.base)
}

// VerifyFile checks a single key's file against its signature.
func (c *ExternalFileMulti) VerifyFile(ctx context.Context, key string) (bool, error) {
	return c.set.verify(ctx, &c.base, key)
}

// Verify implements Container.
func (c *ExternalFileMulti) Verify(ctx context.Context) (bool, error) {
	return c.set.verifyAll(ctx, &c.base)
}

// AddRole implements Container.
func (c *ExternalFileMulti) AddRole(ctx context.Context, author Wallet, role string) error {
	return c.addRoleTo(ctx, author, role, c.set.files, func(key string) string { return filePath(&c.base, key) })
}

func (c *ExternalFileMulti) buildMetadata(ctx context.Context, author Wallet) (json.RawMessage, error) {
	sigs, err := c.set.build(ctx, &c.base, author)
	if err != nil {
		return nil, err
	}
	cm := c.meta()
	cm.Files = sigs
	blob, err := json.Marshal(cm)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", c.name, err)
	}
	c.modified = false
	return blob, nil
}

func (c *ExternalFileMulti) removeFiles(ctx context.Context) error {
	return c.env.RemoveDirectory(ctx, c.name, true)
}

// dayLayout names daily buckets.
const dayLayout = "20060102"

// ExternalListDaily is an append-only list bucketed by UTC day, one file
// per day in <name>/<YYYYMMDD>.json.
type ExternalListDaily struct {
	base
	set fileSet
}

// Append adds value to today's bucket.
func (c *ExternalListDaily) Append(ctx context.Context, author Wallet, value any) error {
	if isEmpty(value) {
		return ErrContentEmpty
	}
	day := c.env.now().UTC().Format(dayLayout)
	return c.mutateFile(ctx, author, c.set, day, func(p *payload) error {
		return appendTo(ctx, &c.base, p, author, filePath(&c.base, day), value)
	}, ActionAppend, map[string]any{"value": value, "day": day})
}

// DecryptContents concatenates every bucket in day order.
func (c *ExternalListDaily) DecryptContents(ctx context.Context, w Wallet) ([]any, error) {
	var out []any
	for _, day := range c.set.keys() {
		entries, err := c.DecryptDay(ctx, w, day)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", c.name, day, err)
		}
		out = append(out, entries...)
	}
	if len(out) == 0 {
		return nil, ErrContentEmpty
	}
	return out, nil
}

// DecryptDay returns one bucket's entries.
func (c *ExternalListDaily) DecryptDay(ctx context.Context, w Wallet, day string) ([]any, error) {
	plaintext, err := c.set.decrypt(ctx, &c.base, w, day)
	if err != nil {
		return nil, err
	}
	return decodeList(plaintext)
}

// Days returns the bucket keys, oldest first.
func (c *ExternalListDaily) Days() []string { return c.set.keys() }

// Verify implements Container.
func (c *ExternalListDaily) Verify(ctx context.Context) (bool, error) {
	return c.set.verifyAll(ctx, &c.base)
}

// AddRole implements Container.
func (c *ExternalListDaily) AddRole(ctx context.Context, author Wallet, role string) error {
	return c.addRoleTo(ctx, author, role, c.set.files, func(key string) string { return filePath(&c.base, key) })
}

func (c *ExternalListDaily) buildMetadata(ctx context.Context, author Wallet) (json.RawMessage, error) {
	sigs, err := c.set.build(ctx, &c.base, author)
	if err != nil {
		return nil, err
	}
	cm := c.meta()
	cm.Files = sigs
	blob, err := json.Marshal(cm)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", c.name, err)
	}
	c.modified = false
	return blob, nil
}

func (c *ExternalListDaily) removeFiles(ctx context.Context) error {
	return c.env.RemoveDirectory(ctx, c.name, true)
}
