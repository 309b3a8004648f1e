// Package storage defines the byte-level file contract a vault backend must
// provide and ships the drivers used by GophVault: a local directory, an
// in-process memory store, S3-compatible object storage and SFTP.
//
// Paths are slash-separated and relative to the driver root. Every driver
// normalizes its native failures into *Error so callers can branch with
// errors.Is(err, storage.ErrNotFound) and friends.
package storage

import (
	"context"
	"path"
	"sort"
	"strings"
)

// Driver is the file contract used by the vault.
type Driver interface {
	// GetFile returns the content stored at p. Fails with ErrNotFound when
	// nothing is stored there.
	GetFile(ctx context.Context, p string) ([]byte, error)
	// PutFile stores data at p, creating intermediate directories.
	PutFile(ctx context.Context, p string, data []byte) error
	// RemoveFile deletes p. A missing file is not an error.
	RemoveFile(ctx context.Context, p string) error
	// RemoveDirectory deletes the directory p. Without recursive it fails
	// with a request error when the directory is not empty.
	RemoveDirectory(ctx context.Context, p string, recursive bool) error
	// FileExists reports whether a file is stored at p.
	FileExists(ctx context.Context, p string) (bool, error)
	// ListDirectory lists p (the driver root when p is empty). A missing
	// root yields an empty listing; any other missing directory fails with
	// ErrNotFound.
	ListDirectory(ctx context.Context, p string, recursive bool) (*Listing, error)
}

// Listing is a directory tree returned by ListDirectory.
type Listing struct {
	Name        string     `json:"name"`
	Files       []File     `json:"files"`
	Directories []*Listing `json:"directories"`
}

// File is a single entry of a Listing.
type File struct {
	Name string `json:"name"`
}

// cleanPath normalizes a driver path and rejects paths escaping the root.
func cleanPath(op, p string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean(strings.TrimSpace(p)), "/")
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", newError(KindParameter, op, p, errPathEscapesRoot)
	}
	if cleaned == "." {
		cleaned = ""
	}
	return cleaned, nil
}

// listingName is the Name of the Listing for a cleaned directory path.
func listingName(cleaned string) string {
	if cleaned == "" {
		return ""
	}
	return path.Base(cleaned)
}

// buildListing assembles a Listing from the relative paths of every file
// below a directory.
func buildListing(name string, relPaths []string, recursive bool) *Listing {
	root := &Listing{Name: name, Files: []File{}, Directories: []*Listing{}}
	dirs := map[string]*Listing{"": root}

	sort.Strings(relPaths)
	for _, rel := range relPaths {
		parts := strings.Split(rel, "/")
		if !recursive && len(parts) > 1 {
			parts = parts[:1]
			if _, ok := dirs[parts[0]]; !ok {
				d := &Listing{Name: parts[0], Files: []File{}, Directories: []*Listing{}}
				dirs[parts[0]] = d
				root.Directories = append(root.Directories, d)
			}
			continue
		}

		parent := root
		prefix := ""
		for _, dir := range parts[:len(parts)-1] {
			prefix = path.Join(prefix, dir)
			d, ok := dirs[prefix]
			if !ok {
				d = &Listing{Name: dir, Files: []File{}, Directories: []*Listing{}}
				dirs[prefix] = d
				parent.Directories = append(parent.Directories, d)
			}
			parent = d
		}
		parent.Files = append(parent.Files, File{Name: parts[len(parts)-1]})
	}
	return root
}
