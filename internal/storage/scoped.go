package storage

import (
	"context"
	"path"
)

// ScopedDriver confines a Driver to a sub-directory. The vault uses it to
// address <base_path>/<vault_id>/... with paths relative to the vault.
type ScopedDriver struct {
	inner  Driver
	prefix string
}

// Scope returns a Driver whose paths are resolved below prefix in inner.
func Scope(inner Driver, prefix string) (*ScopedDriver, error) {
	cleaned, err := cleanPath("scope", prefix)
	if err != nil {
		return nil, err
	}
	return &ScopedDriver{inner: inner, prefix: cleaned}, nil
}

// Prefix returns the directory this driver is confined to.
func (s *ScopedDriver) Prefix() string { return s.prefix }

func (s *ScopedDriver) join(op, p string) (string, error) {
	cleaned, err := cleanPath(op, p)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, cleaned), nil
}

// GetFile implements Driver.
func (s *ScopedDriver) GetFile(ctx context.Context, p string) ([]byte, error) {
	full, err := s.join("get", p)
	if err != nil {
		return nil, err
	}
	return s.inner.GetFile(ctx, full)
}

// PutFile implements Driver.
func (s *ScopedDriver) PutFile(ctx context.Context, p string, data []byte) error {
	full, err := s.join("put", p)
	if err != nil {
		return err
	}
	return s.inner.PutFile(ctx, full, data)
}

// RemoveFile implements Driver.
func (s *ScopedDriver) RemoveFile(ctx context.Context, p string) error {
	full, err := s.join("remove", p)
	if err != nil {
		return err
	}
	return s.inner.RemoveFile(ctx, full)
}

// RemoveDirectory implements Driver.
func (s *ScopedDriver) RemoveDirectory(ctx context.Context, p string, recursive bool) error {
	full, err := s.join("rmdir", p)
	if err != nil {
		return err
	}
	return s.inner.RemoveDirectory(ctx, full, recursive)
}

// FileExists implements Driver.
func (s *ScopedDriver) FileExists(ctx context.Context, p string) (bool, error) {
	full, err := s.join("stat", p)
	if err != nil {
		return false, err
	}
	return s.inner.FileExists(ctx, full)
}

// ListDirectory implements Driver. Listing the scope root of a vault that
// was never written yields an empty listing, like a missing driver root.
func (s *ScopedDriver) ListDirectory(ctx context.Context, p string, recursive bool) (*Listing, error) {
	cleaned, err := cleanPath("list", p)
	if err != nil {
		return nil, err
	}
	listing, err := s.inner.ListDirectory(ctx, path.Join(s.prefix, cleaned), recursive)
	if err != nil {
		if cleaned == "" && KindOf(err) == KindNotFound {
			return buildListing("", nil, recursive), nil
		}
		return nil, err
	}
	if cleaned == "" {
		listing.Name = ""
	}
	return listing, nil
}
