package vault

import (
	"context"
	"encoding/json"
	"fmt"
)

const fileExt = ".json"

// ExternalFile keeps a single value in its own file, <name>.json. Only
// the file's signature is stored in the vault metadata.
type ExternalFile struct {
	base
	p payload
}

func (c *ExternalFile) path() string { return c.name + fileExt }

// SetContents replaces the stored value.
func (c *ExternalFile) SetContents(ctx context.Context, author Wallet, value any) error {
	if isEmpty(value) {
		return ErrContentEmpty
	}
	return c.mutate(ctx, author, &c.p, func() error {
		c.p.set(value)
		c.modified = true
		if err := c.p.encrypt(c.env, c.roles); err != nil {
			return fmt.Errorf("encrypt %s: %w", c.name, err)
		}
		return nil
	}, ActionSetContents, map[string]any{"contents": value})
}

// DecryptContents fetches the file if it is not cached and returns the
// stored value.
func (c *ExternalFile) DecryptContents(ctx context.Context, w Wallet) (any, error) {
	if err := c.p.fetch(ctx, c.env, c.path()); err != nil {
		return nil, err
	}
	plaintext, err := c.p.decrypt(c.env, w)
	if err != nil {
		return nil, err
	}
	return decodeValue(plaintext)
}

// AddRole implements Container.
func (c *ExternalFile) AddRole(ctx context.Context, author Wallet, role string) error {
	return c.addRoleTo(ctx, author, role, map[string]*payload{"": &c.p}, func(string) string { return c.path() })
}

// Verify implements Container.
func (c *ExternalFile) Verify(ctx context.Context) (bool, error) {
	return c.p.verify(ctx, c.env, c.path())
}

func (c *ExternalFile) buildMetadata(ctx context.Context, author Wallet) (json.RawMessage, error) {
	return buildExternal(ctx, &c.base, &c.p, author, c.path())
}

func (c *ExternalFile) removeFiles(ctx context.Context) error {
	return c.env.RemoveFile(ctx, c.path())
}

// ExternalList keeps an append-only list in its own file, <name>.json.
type ExternalList struct {
	base
	p payload
}

func (c *ExternalList) path() string { return c.name + fileExt }

// Append adds value to the end of the list, reading existing entries
// first when only the encrypted form is known.
func (c *ExternalList) Append(ctx context.Context, author Wallet, value any) error {
	return c.mutate(ctx, author, &c.p, func() error {
		return appendTo(ctx, &c.base, &c.p, author, c.path(), value)
	}, ActionAppend, map[string]any{"value": value})
}

// DecryptContents returns all list entries in insertion order.
func (c *ExternalList) DecryptContents(ctx context.Context, w Wallet) ([]any, error) {
	if err := c.p.fetch(ctx, c.env, c.path()); err != nil {
		return nil, err
	}
	plaintext, err := c.p.decrypt(c.env, w)
	if err != nil {
		return nil, err
	}
	return decodeList(plaintext)
}

// AddRole implements Container.
func (c *ExternalList) AddRole(ctx context.Context, author Wallet, role string) error {
	return c.addRoleTo(ctx, author, role, map[string]*payload{"": &c.p}, func(string) string { return c.path() })
}

// Verify implements Container.
func (c *ExternalList) Verify(ctx context.Context) (bool, error) {
	return c.p.verify(ctx, c.env, c.path())
}

func (c *ExternalList) buildMetadata(ctx context.Context, author Wallet) (json.RawMessage, error) {
	return buildExternal(ctx, &c.base, &c.p, author, c.path())
}

func (c *ExternalList) removeFiles(ctx context.Context) error {
	return c.env.RemoveFile(ctx, c.path())
}

func buildExternal(ctx context.Context, b *base, p *payload, author Wallet, path string) (json.RawMessage, error) {
	if err := p.encrypt(b.env, b.roles); err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", b.name, err)
	}
	if err := p.persist(ctx, b.env, author, path, filePayload{Container: b.name}); err != nil {
		return nil, err
	}
	cm := b.meta()
	cm.Signature = p.signature
	blob, err := json.Marshal(cm)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", b.name, err)
	}
	b.modified = false
	return blob, nil
}
