package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type localEnv struct {
	root   string
	wallet string
	vault  string
}

func newLocalEnv(t *testing.T) *localEnv {
	t.Helper()
	dir := t.TempDir()
	e := &localEnv{
		root:   filepath.Join(dir, "data"),
		wallet: filepath.Join(dir, "owner.json"),
		vault:  "v1",
	}
	_, err := run(t, "-w", e.wallet, "wallet", "new")
	require.NoError(t, err)
	out, err := e.run(t, "create")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"id": "v1"}, decode[map[string]string](t, out))
	return e
}

func (e *localEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	base := []string{"--root", e.root, "-w", e.wallet, "--vault", e.vault, "--format", "json"}
	return run(t, append(base, args...)...)
}

func TestLocalVaultFlow(t *testing.T) {
	e := newLocalEnv(t)

	_, err := e.run(t, "set", "notes", `"hello"`)
	require.NoError(t, err)
	out, err := e.run(t, "get", "notes")
	require.NoError(t, err)
	assert.Equal(t, "hello", decode[string](t, out))

	_, err = e.run(t, "append", "log", "1")
	require.NoError(t, err)
	_, err = e.run(t, "append", "log", `{"n":2}`)
	require.NoError(t, err)
	out, err = e.run(t, "get", "log")
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), map[string]any{"n": float64(2)}}, decode[[]any](t, out))

	_, err = e.run(t, "put-file", "docs", "a", `{"x":1}`)
	require.NoError(t, err)
	out, err = e.run(t, "get", "docs", "--key", "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, decode[map[string]any](t, out))
	out, err = e.run(t, "files", "docs")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"name": "a"}}, decode[[]map[string]any](t, out))

	out, err = e.run(t, "containers")
	require.NoError(t, err)
	assert.Subset(t, decode[[]string](t, out), []string{"docs", "log", "notes"})

	out, err = e.run(t, "verify")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"verified": true}, decode[map[string]bool](t, out))
}

func TestLocalHistory(t *testing.T) {
	e := newLocalEnv(t)

	_, err := e.run(t, "set", "notes", "first")
	require.NoError(t, err)
	_, err = e.run(t, "set", "notes", "second")
	require.NoError(t, err)

	out, err := e.run(t, "history", "--container", "notes")
	require.NoError(t, err)
	latest := decode[map[string]any](t, out)
	assert.Equal(t, map[string]any{"notes": "second"}, latest["data"])

	out, err = e.run(t, "history", "--container", "notes", "--index", "2")
	require.NoError(t, err)
	first := decode[map[string]any](t, out)
	assert.Equal(t, map[string]any{"notes": "first"}, first["data"])

	_, err = e.run(t, "history", "--date", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse --date")
}

func TestLocalRolesAndGrants(t *testing.T) {
	e := newLocalEnv(t)

	reader := filepath.Join(t.TempDir(), "reader.json")
	out, err := run(t, "--format", "json", "-w", reader, "wallet", "new")
	require.NoError(t, err)
	readerKey := decode[map[string]string](t, out)["public_key"]

	out, err = e.run(t, "role", "readers")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"created": true}, decode[map[string]bool](t, out))
	out, err = e.run(t, "role", "readers")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"created": false}, decode[map[string]bool](t, out))

	_, err = e.run(t, "set", "shared", "for readers", "--role", "readers")
	require.NoError(t, err)
	_, err = e.run(t, "set", "private", "owners only")
	require.NoError(t, err)

	_, err = e.run(t, "grant", "readers", readerKey)
	require.NoError(t, err)

	asReader := &localEnv{root: e.root, wallet: reader, vault: e.vault}
	out, err = asReader.run(t, "get", "shared")
	require.NoError(t, err)
	assert.Equal(t, "for readers", decode[string](t, out))

	_, err = asReader.run(t, "get", "private")
	require.Error(t, err)

	_, err = asReader.run(t, "grant", "owners", readerKey)
	require.Error(t, err)
}

func TestLocalRemoveAndDestroy(t *testing.T) {
	e := newLocalEnv(t)

	_, err := e.run(t, "set", "notes", "x")
	require.NoError(t, err)
	_, err = e.run(t, "remove", "notes")
	require.NoError(t, err)
	_, err = e.run(t, "get", "notes")
	require.Error(t, err)

	_, err = e.run(t, "remove", "ledger")
	require.Error(t, err)

	_, err = e.run(t, "destroy")
	require.Error(t, err)
	_, err = e.run(t, "destroy", "--yes")
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(e.root, "vaults", e.vault))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLocalRequiresVault(t *testing.T) {
	e := newLocalEnv(t)
	e.vault = ""
	_, err := e.run(t, "containers")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLocalSharedRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newLocalEnv(t)

	_, err := e.run(t, "--redis", mr.Addr(), "set", "notes", `"first"`)
	require.NoError(t, err)
	assert.Empty(t, mr.Keys(), "locks released after the command")

	// Another process holds the session lock.
	require.NoError(t, mr.Set("gophvault:lock:session:"+e.vault, "other"))
	_, err = e.run(t, "--redis", mr.Addr(), "--lock-retries", "0", "set", "notes", `"second"`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "lock vault")

	mr.Del("gophvault:lock:session:" + e.vault)
	out, err := e.run(t, "--redis", mr.Addr(), "get", "notes")
	require.NoError(t, err)
	assert.Equal(t, "first", decode[string](t, out))
}
