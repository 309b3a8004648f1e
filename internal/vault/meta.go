package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Reserved role names.
const (
	OwnersRole = "owners"
	LedgerRole = "ledger"
)

// Grant key prefixes. Wallet grants are keyed by the wallet public key,
// escrow grants by the role holding the escrow key.
const (
	walletGrantPrefix = "wallet:"
	roleGrantPrefix   = "role:"
)

func walletGrant(publicKey string) string { return walletGrantPrefix + publicKey }

func roleGrant(role string) string { return roleGrantPrefix + role }

// Role is a named keypair. Grants maps a grant key to the role private key
// encrypted for that grantee.
type Role struct {
	PublicKey string
	Grants    map[string]string
}

const publicKeyField = "public_key"

// MarshalJSON flattens grants next to the public key.
func (r Role) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(r.Grants)+1)
	maps.Copy(out, r.Grants)
	out[publicKeyField] = r.PublicKey
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Role) UnmarshalJSON(data []byte) error {
	var in map[string]string
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.PublicKey = in[publicKeyField]
	delete(in, publicKeyField)
	r.Grants = in
	return nil
}

// Roles is the role table. It keeps insertion order, which decides the
// order roles are tried in when decrypting.
type Roles struct {
	order  []string
	byName map[string]Role
}

func newRoles() *Roles {
	return &Roles{byName: make(map[string]Role)}
}

// Names returns role names in insertion order.
func (r *Roles) Names() []string {
	return append([]string(nil), r.order...)
}

// Get returns a role by name.
func (r *Roles) Get(name string) (Role, bool) {
	role, ok := r.byName[name]
	return role, ok
}

func (r *Roles) has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

func (r *Roles) set(name string, role Role) {
	if _, ok := r.byName[name]; !ok {
		r.order = append(r.order, name)
	}
	r.byName[name] = role
}

func (r *Roles) clone() *Roles {
	out := newRoles()
	for _, name := range r.order {
		role := r.byName[name]
		out.set(name, Role{PublicKey: role.PublicKey, Grants: maps.Clone(role.Grants)})
	}
	return out
}

// MarshalJSON writes roles as an object in insertion order.
func (r *Roles) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(r.byName[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads roles keeping the order they appear in.
func (r *Roles) UnmarshalJSON(data []byte) error {
	*r = *newRoles()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("roles: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("roles: expected role name, got %v", tok)
		}
		var role Role
		if err := dec.Decode(&role); err != nil {
			return fmt.Errorf("roles: %s: %w", name, err)
		}
		r.set(name, role)
	}
	_, err = dec.Token()
	return err
}

// Signed records who signed an object and when.
type Signed struct {
	At  time.Time `json:"at"`
	By  string    `json:"by"`
	Sig string    `json:"sig"`
}

// ObjectSignature binds a content hash to its signer.
type ObjectSignature struct {
	Hash   string `json:"hash"`
	Signed Signed `json:"signed"`
}

// signingMessage is what a wallet actually signs.
func signingMessage(hash string, at time.Time) []byte {
	return []byte(hash + "|" + at.UTC().Format(time.RFC3339Nano))
}

// Meta is the vault's root metadata document.
type Meta struct {
	ID         string                     `json:"id"`
	Kind       string                     `json:"kind,omitempty"`
	Version    string                     `json:"version"`
	Created    time.Time                  `json:"created"`
	Roles      *Roles                     `json:"roles"`
	Containers map[string]json.RawMessage `json:"containers"`
	Hash       string                     `json:"hash,omitempty"`
	Signed     *Signed                    `json:"signed,omitempty"`
}

// unsigned returns a shallow copy without hash and signature, the form
// that gets hashed.
func (m *Meta) unsigned() *Meta {
	out := *m
	out.Hash = ""
	out.Signed = nil
	return &out
}

// canonicalJSON encodes v with object keys sorted at every level, so equal
// values hash equally regardless of field or map order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
