package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalDriver stores files below a directory on the local filesystem.
type LocalDriver struct {
	root string
}

// NewLocalDriver returns a driver rooted at dir. The directory itself is
// created lazily by the first write.
func NewLocalDriver(dir string) (*LocalDriver, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, newError(KindConfiguration, "init", dir, errors.New("empty root directory"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, newError(KindConfiguration, "init", dir, err)
	}
	return &LocalDriver{root: abs}, nil
}

func (d *LocalDriver) resolve(op, p string) (string, string, error) {
	cleaned, err := cleanPath(op, p)
	if err != nil {
		return "", "", err
	}
	return cleaned, filepath.Join(d.root, filepath.FromSlash(cleaned)), nil
}

// translateLocal maps an os error to the storage taxonomy.
func translateLocal(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(KindNotFound, op, p, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(KindRequest, op, p, err)
	default:
		return newError(KindUnknown, op, p, err)
	}
}

// GetFile implements Driver.
func (d *LocalDriver) GetFile(_ context.Context, p string) ([]byte, error) {
	_, full, err := d.resolve("get", p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, translateLocal("get", p, err)
	}
	return data, nil
}

// PutFile implements Driver.
func (d *LocalDriver) PutFile(_ context.Context, p string, data []byte) error {
	cleaned, full, err := d.resolve("put", p)
	if err != nil {
		return err
	}
	if cleaned == "" {
		return newError(KindParameter, "put", p, errors.New("empty file path"))
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return translateLocal("put", p, err)
	}

	// Write through a temp file so readers never observe a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return translateLocal("put", p, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return translateLocal("put", p, err)
	}
	if err := tmp.Close(); err != nil {
		return translateLocal("put", p, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return translateLocal("put", p, err)
	}
	return nil
}

// RemoveFile implements Driver.
func (d *LocalDriver) RemoveFile(_ context.Context, p string) error {
	_, full, err := d.resolve("remove", p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return translateLocal("remove", p, err)
	}
	return nil
}

// RemoveDirectory implements Driver.
func (d *LocalDriver) RemoveDirectory(_ context.Context, p string, recursive bool) error {
	_, full, err := d.resolve("rmdir", p)
	if err != nil {
		return err
	}
	if recursive {
		if err := os.RemoveAll(full); err != nil {
			return translateLocal("rmdir", p, err)
		}
		return nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return translateLocal("rmdir", p, err)
	}
	if len(entries) > 0 {
		return newError(KindRequest, "rmdir", p, errNotEmpty)
	}
	if err := os.Remove(full); err != nil {
		return translateLocal("rmdir", p, err)
	}
	return nil
}

// FileExists implements Driver.
func (d *LocalDriver) FileExists(_ context.Context, p string) (bool, error) {
	_, full, err := d.resolve("stat", p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, translateLocal("stat", p, err)
	}
	return !info.IsDir(), nil
}

// ListDirectory implements Driver.
func (d *LocalDriver) ListDirectory(_ context.Context, p string, recursive bool) (*Listing, error) {
	cleaned, full, err := d.resolve("list", p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		if cleaned == "" {
			return buildListing("", nil, recursive), nil
		}
		return nil, translateLocal("list", p, err)
	}
	if err != nil {
		return nil, translateLocal("list", p, err)
	}
	if !info.IsDir() {
		return nil, newError(KindParameter, "list", p, fmt.Errorf("%s is not a directory", p))
	}

	var files []string
	var dirs []string
	err = filepath.WalkDir(full, func(walked string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if walked == full {
			return nil
		}
		rel, err := filepath.Rel(full, walked)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if entry.IsDir() {
			dirs = append(dirs, rel)
			if !recursive {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, translateLocal("list", p, err)
	}

	listing := buildListing(listingName(cleaned), files, recursive)
	addDirectories(listing, dirs)
	return listing, nil
}

// addDirectories makes sure directories without files still appear in the
// listing.
func addDirectories(root *Listing, dirs []string) {
	for _, dir := range dirs {
		parent := root
		for _, part := range strings.Split(dir, "/") {
			var next *Listing
			for _, child := range parent.Directories {
				if child.Name == part {
					next = child
					break
				}
			}
			if next == nil {
				next = &Listing{Name: part, Files: []File{}, Directories: []*Listing{}}
				parent.Directories = append(parent.Directories, next)
			}
			parent = next
		}
	}
}
