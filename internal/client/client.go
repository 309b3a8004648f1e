package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/GophVault/internal/models"
)

// Client calls the vault API.
type Client struct {
	http    *http.Client
	baseURL string
}

// New returns a client for the server at baseURL.
func New(hc *http.Client, baseURL string) *Client {
	return &Client{http: hc, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func vaultPath(id string, parts ...string) string {
	p := "/api/vaults/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// Login checks the client certificate against the server.
func (c *Client) Login(ctx context.Context) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, "/api/login", nil, &out); err != nil {
		return "", err
	}
	return out["user"], nil
}

// CreateVault creates a vault and returns its id.
func (c *Client) CreateVault(ctx context.Context, kind string) (string, error) {
	var out models.CreateVaultResponse
	if err := c.do(ctx, http.MethodPost, "/api/vaults", models.CreateVaultRequest{Kind: kind}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ListVaults returns the caller's vaults.
func (c *Client) ListVaults(ctx context.Context) ([]models.VaultRecord, error) {
	var out []models.VaultRecord
	err := c.do(ctx, http.MethodGet, "/api/vaults", nil, &out)
	return out, err
}

// DeleteVault destroys a vault.
func (c *Client) DeleteVault(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, vaultPath(id), nil, nil)
}

// Containers lists the container names of a vault.
func (c *Client) Containers(ctx context.Context, id string) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, vaultPath(id, "containers"), nil, &out)
	return out, err
}

// Put writes to a container.
func (c *Client) Put(ctx context.Context, id, name string, req models.PutContentRequest) error {
	return c.do(ctx, http.MethodPut, vaultPath(id, "containers", name), req, nil)
}

// Get decrypts a container, or one key of it.
func (c *Client) Get(ctx context.Context, id, name, key string) (*models.ContentResponse, error) {
	p := vaultPath(id, "containers", name)
	if key != "" {
		p += "?key=" + url.QueryEscape(key)
	}
	var out models.ContentResponse
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Files lists the keys of a multi-file container.
func (c *Client) Files(ctx context.Context, id, name string) ([]string, error) {
	var out models.FilesResponse
	err := c.do(ctx, http.MethodGet, vaultPath(id, "containers", name, "files"), nil, &out)
	return out.Files, err
}

// History replays the ledger. A zero date selects by index.
func (c *Client) History(ctx context.Context, id, container, key string, index int64, date time.Time) (*models.HistoryResponse, error) {
	q := url.Values{}
	if container != "" {
		q.Set("container", container)
	}
	if key != "" {
		q.Set("key", key)
	}
	if index != 0 {
		q.Set("index", strconv.FormatInt(index, 10))
	}
	if !date.IsZero() {
		q.Set("date", date.UTC().Format(time.RFC3339))
	}
	p := vaultPath(id, "history")
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	var out models.HistoryResponse
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify runs the integrity check.
func (c *Client) Verify(ctx context.Context, id string) (bool, error) {
	var out models.VerifyResponse
	err := c.do(ctx, http.MethodGet, vaultPath(id, "verify"), nil, &out)
	return out.Verified, err
}

// CreateRole adds a role to the vault.
func (c *Client) CreateRole(ctx context.Context, id, role string) (bool, error) {
	var out map[string]bool
	err := c.do(ctx, http.MethodPost, vaultPath(id, "roles"), models.RoleRequest{Name: role}, &out)
	return out["created"], err
}

// Grant gives role to a wallet.
func (c *Client) Grant(ctx context.Context, id, role string, req models.GrantRequest) (bool, error) {
	var out models.GrantResponse
	err := c.do(ctx, http.MethodPost, vaultPath(id, "roles", role, "grants"), req, &out)
	return out.Granted, err
}
