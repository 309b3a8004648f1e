package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// Ledger-visible container actions.
const (
	ActionCreateContainer  = "create_container"
	ActionRemoveContainer  = "remove_container"
	ActionSetContents      = "set_contents"
	ActionAppend           = "append"
	ActionSetSingleContent = "set_single_content"
	ActionAddRole          = "add_role"
)

// EmbeddedFile keeps a single value inline in the vault metadata.
type EmbeddedFile struct {
	base
	p payload
}

// SetContents replaces the stored value.
func (c *EmbeddedFile) SetContents(ctx context.Context, author Wallet, value any) error {
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

// DecryptContents returns the stored value.
func (c *EmbeddedFile) DecryptContents(_ context.Context, w Wallet) (any, error) {
	plaintext, err := c.p.decrypt(c.env, w)
	if err != nil {
		return nil, err
	}
	return decodeValue(plaintext)
}

// AddRole implements Container.
func (c *EmbeddedFile) AddRole(ctx context.Context, author Wallet, role string) error {
	return c.addRoleTo(ctx, author, role, map[string]*payload{"": &c.p}, noPath)
}

// Verify implements Container. Embedded content is covered by the vault
// signature.
func (c *EmbeddedFile) Verify(context.Context) (bool, error) { return true, nil }

func (c *EmbeddedFile) buildMetadata(context.Context, Wallet) (json.RawMessage, error) {
	return buildEmbedded(&c.base, &c.p)
}

func (c *EmbeddedFile) removeFiles(context.Context) error { return nil }

// EmbeddedList keeps an append-only list inline in the vault metadata.
type EmbeddedList struct {
	base
	p payload
}

// Append adds value to the end of the list.
func (c *EmbeddedList) Append(ctx context.Context, author Wallet, value any) error {
	return c.mutate(ctx, author, &c.p, func() error {
		return appendTo(ctx, &c.base, &c.p, author, "", value)
	}, ActionAppend, map[string]any{"value": value})
}

// DecryptContents returns all list entries in insertion order.
func (c *EmbeddedList) DecryptContents(_ context.Context, w Wallet) ([]any, error) {
	plaintext, err := c.p.decrypt(c.env, w)
	if err != nil {
		return nil, err
	}
	return decodeList(plaintext)
}

// AddRole implements Container.
func (c *EmbeddedList) AddRole(ctx context.Context, author Wallet, role string) error {
	return c.addRoleTo(ctx, author, role, map[string]*payload{"": &c.p}, noPath)
}

// Verify implements Container.
func (c *EmbeddedList) Verify(context.Context) (bool, error) { return true, nil }

func (c *EmbeddedList) buildMetadata(context.Context, Wallet) (json.RawMessage, error) {
	return buildEmbedded(&c.base, &c.p)
}

func (c *EmbeddedList) removeFiles(context.Context) error { return nil }

// LinkPointer addresses content held by another, possibly remote, vault.
type LinkPointer struct {
	RemoteVault   string `json:"remote_vault"`
	RemoteWallet  string `json:"remote_wallet,omitempty"`
	RemoteStorage string `json:"remote_storage,omitempty"`
	Revision      int64  `json:"revision,omitempty"`
	Container     string `json:"container"`
	SubFile       string `json:"sub_file,omitempty"`
}

// Validate checks the pointer shape.
func (p LinkPointer) Validate() error {
	switch {
	case p.RemoteVault == "":
		return fmt.Errorf("%w: remote vault is required", ErrInvalidLink)
	case p.Container == "":
		return fmt.Errorf("%w: container is required", ErrInvalidLink)
	case p.Revision < 0:
		return fmt.Errorf("%w: negative revision", ErrInvalidLink)
	}
	return nil
}

// Link stores a LinkPointer. Resolving it against the remote vault is up
// to the caller.
type Link struct {
	EmbeddedFile
}

// SetContents stores value after checking it is a valid LinkPointer.
func (c *Link) SetContents(ctx context.Context, author Wallet, value any) error {
	if isEmpty(value) {
		return ErrContentEmpty
	}
	ptr, err := toLinkPointer(value)
	if err != nil {
		return err
	}
	return c.EmbeddedFile.SetContents(ctx, author, ptr)
}

// SetLink is SetContents for a typed pointer.
func (c *Link) SetLink(ctx context.Context, author Wallet, ptr LinkPointer) error {
	return c.SetContents(ctx, author, ptr)
}

// Pointer decrypts the stored pointer.
func (c *Link) Pointer(ctx context.Context, w Wallet) (LinkPointer, error) {
	value, err := c.DecryptContents(ctx, w)
	if err != nil {
		return LinkPointer{}, err
	}
	return toLinkPointer(value)
}

func toLinkPointer(value any) (LinkPointer, error) {
	var ptr LinkPointer
	switch v := value.(type) {
	case LinkPointer:
		ptr = v
	case *LinkPointer:
		ptr = *v
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return LinkPointer{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
		}
		if err := json.Unmarshal(raw, &ptr); err != nil {
			return LinkPointer{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
		}
	}
	if err := ptr.Validate(); err != nil {
		return LinkPointer{}, err
	}
	return ptr, nil
}

func noPath(string) string { return "" }

func buildEmbedded(b *base, p *payload) (json.RawMessage, error) {
	if err := p.encrypt(b.env, b.roles); err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", b.name, err)
	}
	cm := b.meta()
	cm.Encrypted = p.encrypted
	blob, err := json.Marshal(cm)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", b.name, err)
	}
	p.modified = false
	b.modified = false
	return blob, nil
}

// appendTo performs the read-modify-write of a list payload.
func appendTo(ctx context.Context, b *base, p *payload, author Wallet, path string, value any) error {
	if isEmpty(value) {
		return ErrContentEmpty
	}
	if !p.hasRaw && (p.encrypted != nil || p.signature != nil) {
		if err := p.load(ctx, b.env, author, path); err != nil {
			return fmt.Errorf("load %s: %w", b.name, err)
		}
	}
	list, _ := p.raw.([]any)
	list = append(list, value)
	p.set(list)
	b.modified = true
	if err := p.encrypt(b.env, b.roles); err != nil {
		return fmt.Errorf("encrypt %s: %w", b.name, err)
	}
	return nil
}

// addRoleTo re-encrypts every payload of a container for the full role
// list including role.
func (b *base) addRoleTo(ctx context.Context, author Wallet, role string, items map[string]*payload, path func(string) string) error {
	add, err := b.prepareRole(role)
	if err != nil || !add {
		return err
	}
	for key, p := range items {
		if !p.hasRaw && p.encrypted == nil && p.signature == nil {
			continue
		}
		if err := p.load(ctx, b.env, author, path(key)); err != nil {
			return fmt.Errorf("add role %s to %s: %w", role, b.name, err)
		}
	}

	roles, modified := b.roles, b.modified
	saved := make(map[string]payload, len(items))
	for key, p := range items {
		saved[key] = *p
	}
	restore := func() {
		b.roles, b.modified = roles, modified
		for key, p := range items {
			*p = saved[key]
		}
	}

	b.roles = append(slices.Clone(b.roles), role)
	b.modified = true
	for _, p := range items {
		if !p.hasRaw {
			continue
		}
		p.dirty = true
		p.modified = true
		if err := p.encrypt(b.env, b.roles); err != nil {
			restore()
			return fmt.Errorf("encrypt %s: %w", b.name, err)
		}
	}
	if err := b.record(ctx, author, ActionAddRole, map[string]any{"role": role}); err != nil {
		restore()
		return err
	}
	return nil
}

func decodeValue(plaintext []byte) (any, error) {
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, fmt.Errorf("%w: contents: %v", ErrParse, err)
	}
	if isEmpty(value) {
		return nil, ErrContentEmpty
	}
	return value, nil
}

func decodeList(plaintext []byte) ([]any, error) {
	var list []any
	if err := json.Unmarshal(plaintext, &list); err != nil {
		return nil, fmt.Errorf("%w: list contents: %v", ErrParse, err)
	}
	if len(list) == 0 {
		return nil, ErrContentEmpty
	}
	return list, nil
}
