package vault

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/klauspost/compress/flate"
)

// Metadata format versions.
const (
	// LegacyVersion stores container metadata as raw objects and role
	// grants under bare wallet public keys.
	LegacyVersion = "0.0.1"
	// CompressedVersion is the first version storing each container blob
	// deflate+base64 compressed, with prefixed grant keys.
	CompressedVersion = "0.1.0"
	// CurrentVersion is written by WriteMetadata.
	CurrentVersion = CompressedVersion
)

var (
	currentVersion    = version.Must(version.NewVersion(CurrentVersion))
	compressedVersion = version.Must(version.NewVersion(CompressedVersion))
)

// checkVersion parses a stored version and rejects versions newer than
// the engine.
func checkVersion(stored string) (*version.Version, error) {
	v, err := version.NewVersion(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrParse, stored, err)
	}
	if v.GreaterThan(currentVersion) {
		return nil, fmt.Errorf("%w: stored %s, engine %s", ErrVersionUnsupported, stored, CurrentVersion)
	}
	return v, nil
}

// compressBlob deflates a container blob and returns it as a JSON string.
func compressBlob(blob json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(blob); err != nil {
		return nil, fmt.Errorf("deflate container blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate container blob: %w", err)
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
}

// decompressBlob reverses compressBlob.
func decompressBlob(stored json.RawMessage) (json.RawMessage, error) {
	var encoded string
	if err := json.Unmarshal(stored, &encoded); err != nil {
		return nil, fmt.Errorf("%w: compressed container blob: %v", ErrParse, err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: container blob base64: %v", ErrParse, err)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate container blob: %v", ErrParse, err)
	}
	if !json.Valid(blob) {
		return nil, fmt.Errorf("%w: container blob is not JSON", ErrParse)
	}
	return blob, nil
}

// migrateRoles upgrades legacy grant keys to the prefixed form. It
// returns a new Roles value and leaves the stored one untouched so the
// stored signature can still be verified.
func migrateRoles(stored *Roles, from *version.Version) *Roles {
	migrated := stored.clone()
	if !from.LessThan(compressedVersion) {
		return migrated
	}
	for _, name := range migrated.order {
		role := migrated.byName[name]
		grants := make(map[string]string, len(role.Grants))
		for key, ct := range role.Grants {
			if strings.HasPrefix(key, walletGrantPrefix) || strings.HasPrefix(key, roleGrantPrefix) {
				grants[key] = ct
				continue
			}
			grants[walletGrantPrefix+key] = ct
		}
		role.Grants = grants
		migrated.byName[name] = role
	}
	return migrated
}
