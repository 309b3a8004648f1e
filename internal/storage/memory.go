package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
)

// MemoryDriver keeps files in process memory. It backs tests and the
// "memory" backend of short-lived servers.
type MemoryDriver struct {
	mu    sync.RWMutex
	files map[string][]byte
	// puts counts successful PutFile calls.
	puts int
}

// NewMemoryDriver returns an empty MemoryDriver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{files: make(map[string][]byte)}
}

// Puts returns the number of successful PutFile calls so far.
func (d *MemoryDriver) Puts() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.puts
}

// GetFile implements Driver.
func (d *MemoryDriver) GetFile(_ context.Context, p string) ([]byte, error) {
	cleaned, err := cleanPath("get", p)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.files[cleaned]
	if !ok {
		return nil, newError(KindNotFound, "get", p, nil)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PutFile implements Driver.
func (d *MemoryDriver) PutFile(_ context.Context, p string, data []byte) error {
	cleaned, err := cleanPath("put", p)
	if err != nil {
		return err
	}
	if cleaned == "" {
		return newError(KindParameter, "put", p, errors.New("empty file path"))
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[cleaned] = stored
	d.puts++
	return nil
}

// RemoveFile implements Driver.
func (d *MemoryDriver) RemoveFile(_ context.Context, p string) error {
	cleaned, err := cleanPath("remove", p)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, cleaned)
	return nil
}

// RemoveDirectory implements Driver.
func (d *MemoryDriver) RemoveDirectory(_ context.Context, p string, recursive bool) error {
	cleaned, err := cleanPath("rmdir", p)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	children := d.below(cleaned)
	if len(children) == 0 {
		return nil
	}
	if !recursive {
		return newError(KindRequest, "rmdir", p, errNotEmpty)
	}
	for _, rel := range children {
		delete(d.files, path.Join(cleaned, rel))
	}
	return nil
}

// FileExists implements Driver.
func (d *MemoryDriver) FileExists(_ context.Context, p string) (bool, error) {
	cleaned, err := cleanPath("stat", p)
	if err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.files[cleaned]
	return ok, nil
}

// ListDirectory implements Driver.
func (d *MemoryDriver) ListDirectory(_ context.Context, p string, recursive bool) (*Listing, error) {
	cleaned, err := cleanPath("list", p)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	children := d.below(cleaned)
	if len(children) == 0 && cleaned != "" {
		return nil, newError(KindNotFound, "list", p, nil)
	}
	return buildListing(listingName(cleaned), children, recursive), nil
}

// below returns the paths of all files under dir, relative to dir.
// Callers hold d.mu.
func (d *MemoryDriver) below(dir string) []string {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	var out []string
	for name := range d.files {
		if strings.HasPrefix(name, prefix) {
			out = append(out, strings.TrimPrefix(name, prefix))
		}
	}
	return out
}
