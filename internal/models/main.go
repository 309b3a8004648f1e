// Package models defines the records and wire types shared by the vault
// server, its repositories and the API client.
package models

import "time"

// User is a registered wallet holder. The server keeps the wallet itself
// in its keyring under Login.
type User struct {
	// Login is the wallet name, also the client certificate CN.
	Login string `json:"login"`
	// PublicKey is the wallet public key.
	PublicKey string `json:"public_key"`
}

// VaultRecord is the registry entry of a hosted vault.
type VaultRecord struct {
	// ID is the vault UUID.
	ID string `json:"id"`
	// Owner is the login that created the vault.
	Owner string `json:"owner"`
	// Kind is the optional vault type marker.
	Kind string `json:"kind,omitempty"`
	// CreatedAt is the registration time.
	CreatedAt time.Time `json:"created_at"`
	// Deleted marks a destroyed vault awaiting cleanup.
	Deleted bool `json:"deleted,omitempty"`
}

// RegisterRequest is the payload of POST /api/register.
type RegisterRequest struct {
	// Login is the wallet name to register.
	Login string `json:"login"`
}

// RegisterResponse carries the issued client certificate.
type RegisterResponse struct {
	Cert      string `json:"cert"`
	Key       string `json:"key"`
	PublicKey string `json:"public_key"`
}

// CreateVaultRequest is the payload of POST /api/vaults.
type CreateVaultRequest struct {
	Kind string `json:"kind,omitempty"`
}

// CreateVaultResponse returns the new vault id.
type CreateVaultResponse struct {
	ID string `json:"id"`
}

// PutContentRequest writes to a container. The container is created with
// Type and Roles when missing; the operation (set, append, or set a
// single key) follows the container's type.
type PutContentRequest struct {
	Type  string   `json:"type,omitempty"`
	Value any      `json:"value"`
	Key   string   `json:"key,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// ContentResponse is decrypted container content.
type ContentResponse struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value"`
}

// FilesResponse lists the files of a multi-file container.
type FilesResponse struct {
	Files []string `json:"files"`
}

// HistoryResponse is a replayed vault state.
type HistoryResponse struct {
	Index  int64          `json:"index"`
	OnDate time.Time      `json:"on_date"`
	Data   map[string]any `json:"data"`
}

// VerifyResponse reports the integrity check result.
type VerifyResponse struct {
	Verified bool `json:"verified"`
}

// RoleRequest is the payload of POST /api/vaults/{id}/roles.
type RoleRequest struct {
	Name string `json:"name"`
}

// GrantRequest grants a role to a wallet, given either by public key or
// by registered login.
type GrantRequest struct {
	PublicKey string `json:"public_key,omitempty"`
	Login     string `json:"login,omitempty"`
}

// GrantResponse reports whether the grant happened.
type GrantResponse struct {
	Granted bool `json:"granted"`
}
