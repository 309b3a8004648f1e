package client

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/GophVault/internal/models"
)

// writeServerCA saves the test server's certificate so it can act as the
// trusted CA.
func writeServerCA(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.crt")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ts.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRegister(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		var req models.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Login == "taken" {
			http.Error(w, "user already exists", http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(models.RegisterResponse{Cert: "CERT", Key: "KEY", PublicKey: "pk"})
	}))
	defer ts.Close()
	caPath := writeServerCA(t, ts)
	out := filepath.Join(t.TempDir(), "alice")

	resp, err := Register(context.Background(), ts.URL, "alice", caPath, out)
	require.NoError(t, err)
	assert.Equal(t, "pk", resp.PublicKey)

	cert, err := os.ReadFile(filepath.Join(out, CertFile))
	require.NoError(t, err)
	assert.Equal(t, "CERT", string(cert))

	_, err = Register(context.Background(), ts.URL, "taken", caPath, out)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, StatusOf(err))
}

func TestRegister_BadCA(t *testing.T) {
	_, err := Register(context.Background(), "https://localhost", "alice", "/nonexistent/ca.crt", t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(bad, []byte("invalid pem"), 0o600))
	_, err = Register(context.Background(), "https://localhost", "alice", bad, t.TempDir())
	assert.ErrorContains(t, err, "failed to parse CA cert")
}

func TestLoadClientCertificate_Errors(t *testing.T) {
	_, err := LoadClientCertificate("/nonexistent.crt", "/nonexistent.key", "/nonexistent/ca.crt")
	assert.ErrorContains(t, err, "failed to load client cert/key")
}

func TestClient_Calls(t *testing.T) {
	type call struct{ method, uri string }
	var calls []call

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{r.Method, r.URL.RequestURI()})
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/vaults":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"v1"}`))
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/api/vaults/v1/containers/notes":
			_, _ = w.Write([]byte(`{"name":"notes","type":"embedded_file","value":"hello"}`))
		case r.URL.Path == "/api/vaults/v1/history":
			_, _ = w.Write([]byte(`{"index":2,"data":{"notes":"v1"}}`))
		case r.URL.Path == "/api/vaults/v1/verify":
			_, _ = w.Write([]byte(`{"verified":true}`))
		case r.URL.Path == "/api/vaults/v1/roles/readers/grants":
			_, _ = w.Write([]byte(`{"granted":true}`))
		default:
			http.Error(w, "vault not found", http.StatusNotFound)
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.Client(), ts.URL+"/")
	ctx := context.Background()

	id, err := c.CreateVault(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "v1", id)

	require.NoError(t, c.Put(ctx, id, "notes", models.PutContentRequest{Value: "hello"}))

	got, err := c.Get(ctx, id, "notes", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Value)

	snap, err := c.History(ctx, id, "notes", "", 2, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.Data["notes"])

	ok, err := c.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	granted, err := c.Grant(ctx, id, "readers", models.GrantRequest{Login: "bob"})
	require.NoError(t, err)
	assert.True(t, granted)

	_, err = c.Get(ctx, "missing", "notes", "")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, StatusOf(err))
	assert.Contains(t, err.Error(), "vault not found")

	assert.Equal(t, call{http.MethodGet, "/api/vaults/v1/history?container=notes&index=2"}, calls[3])
}
