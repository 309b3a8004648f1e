package vault

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/GophVault/internal/clock"
	"github.com/atinyakov/GophVault/internal/crypto"
	"github.com/atinyakov/GophVault/internal/storage"
)

const basePath = "vaults"

var day1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	driver *storage.MemoryDriver
	clock  *clock.FakeClock
	author *crypto.Wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		driver: storage.NewMemoryDriver(),
		clock:  clock.Fake(day1),
		author: newWallet(t),
	}
}

func newWallet(t *testing.T) *crypto.Wallet {
	t.Helper()
	w, err := crypto.NewWallet()
	require.NoError(t, err)
	return w
}

func (f *fixture) open(t *testing.T, id string) *Vault {
	t.Helper()
	v, err := New(Options{ID: id, BasePath: basePath, Driver: f.driver, Clock: f.clock})
	require.NoError(t, err)
	return v
}

// create opens a new vault and initializes its metadata.
func (f *fixture) create(t *testing.T) *Vault {
	t.Helper()
	v := f.open(t, "")
	_, err := v.GetOrCreateMetadata(context.Background(), f.author)
	require.NoError(t, err)
	return v
}

// reopen loads a fresh handle for the same vault.
func (f *fixture) reopen(t *testing.T, v *Vault) *Vault {
	t.Helper()
	fresh := f.open(t, v.ID())
	_, err := fresh.GetOrCreateMetadata(context.Background(), f.author)
	require.NoError(t, err)
	return fresh
}

func (f *fixture) raw(t *testing.T, v *Vault, p string) []byte {
	t.Helper()
	data, err := f.driver.GetFile(context.Background(), path.Join(basePath, v.ID(), p))
	require.NoError(t, err)
	return data
}

func (f *fixture) overwrite(t *testing.T, v *Vault, p string, data []byte) {
	t.Helper()
	require.NoError(t, f.driver.PutFile(context.Background(), path.Join(basePath, v.ID(), p), data))
}

func TestNew(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	v, err := New(Options{Driver: storage.NewMemoryDriver()})
	require.NoError(t, err)
	assert.Len(t, v.ID(), 36)

	_, err = New(Options{ID: "../escape", Driver: storage.NewMemoryDriver()})
	assert.ErrorIs(t, err, storage.ErrParameter)
}

func TestGetOrCreateMetadata_InitializesVault(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)

	meta := v.Meta()
	require.NotNil(t, meta)
	assert.Equal(t, v.ID(), meta.ID)
	assert.Equal(t, CurrentVersion, meta.Version)
	assert.Equal(t, day1, meta.Created)
	assert.Equal(t, []string{OwnersRole, LedgerRole}, meta.Roles.Names())
	assert.Contains(t, meta.Containers, ledgerName)
	require.NotNil(t, meta.Signed)
	assert.Equal(t, f.author.PublicKey(), meta.Signed.By)

	assert.True(t, v.AuthorizedForRole(f.author.PublicKey(), OwnersRole))
	assert.True(t, v.AuthorizedForRole(f.author.PublicKey(), LedgerRole))

	exists, err := v.FileExists(context.Background(), "meta.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestTrackingListScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	tracking, err := v.ListContainer(ctx, f.author, "tracking", TypeEmbeddedList)
	require.NoError(t, err)
	require.NoError(t, tracking.Append(ctx, f.author, "one"))
	require.NoError(t, tracking.Append(ctx, f.author, "two"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	reopened := f.reopen(t, v)
	c, err := reopened.GetContainer("tracking")
	require.NoError(t, err)
	list, ok := c.(ListContent)
	require.True(t, ok)

	got, err := list.DecryptContents(ctx, f.author)
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two"}, got)

	verified, err := reopened.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestRoundTrip_SingleContent(t *testing.T) {
	ctx := context.Background()
	value := map[string]any{"login": "alice", "tags": []any{"a", "b"}}

	for _, typ := range []Type{TypeEmbeddedFile, TypeExternalFile} {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			v := f.create(t)

			c, err := v.SingleContainer(ctx, f.author, "secret", typ)
			require.NoError(t, err)
			require.NoError(t, c.SetContents(ctx, f.author, "draft"))
			require.NoError(t, c.SetContents(ctx, f.author, value))

			got, err := c.DecryptContents(ctx, f.author)
			require.NoError(t, err)
			assert.Equal(t, value, got)
			require.NoError(t, v.WriteMetadata(ctx, f.author))

			reopened := f.reopen(t, v)
			loaded, err := reopened.SingleContainer(ctx, f.author, "secret", "")
			require.NoError(t, err)
			assert.Equal(t, typ, loaded.Type())
			got, err = loaded.DecryptContents(ctx, f.author)
			require.NoError(t, err)
			assert.Equal(t, value, got)

			verified, err := reopened.Verify(ctx)
			require.NoError(t, err)
			assert.True(t, verified)
		})
	}
}

func TestRoundTrip_ListContent(t *testing.T) {
	ctx := context.Background()

	for _, typ := range []Type{TypeEmbeddedList, TypeExternalList, TypeExternalListDaily} {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			v := f.create(t)

			c, err := v.ListContainer(ctx, f.author, "events", typ)
			require.NoError(t, err)
			require.NoError(t, c.Append(ctx, f.author, "first"))
			require.NoError(t, v.WriteMetadata(ctx, f.author))

			// Append after reload reads the stored entries first.
			reopened := f.reopen(t, v)
			f.clock.Advance(24 * time.Hour)
			c, err = reopened.ListContainer(ctx, f.author, "events", typ)
			require.NoError(t, err)
			require.NoError(t, c.Append(ctx, f.author, map[string]any{"n": 2.0}))
			require.NoError(t, reopened.WriteMetadata(ctx, f.author))

			final := f.reopen(t, reopened)
			c, err = final.ListContainer(ctx, f.author, "events", typ)
			require.NoError(t, err)
			got, err := c.DecryptContents(ctx, f.author)
			require.NoError(t, err)
			assert.Equal(t, []any{"first", map[string]any{"n": 2.0}}, got)

			verified, err := final.Verify(ctx)
			require.NoError(t, err)
			assert.True(t, verified)
		})
	}
}

func TestMultiFileScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.MultiFileContainer(ctx, f.author, "name", TypeExternalFileMulti)
	require.NoError(t, err)
	require.NoError(t, c.SetSingleContent(ctx, f.author, "f1.txt", "x"))
	require.NoError(t, c.SetSingleContent(ctx, f.author, "f2.txt", "y"))

	exists, err := v.FileExists(ctx, "name/f1.txt.json")
	require.NoError(t, err)
	assert.False(t, exists)
	files, err := c.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, v.WriteMetadata(ctx, f.author))

	exists, err = v.FileExists(ctx, "name/f1.txt.json")
	require.NoError(t, err)
	assert.True(t, exists)
	files, err = c.ListFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.File{{Name: "f1.txt"}, {Name: "f2.txt"}}, files)

	reopened := f.reopen(t, v)
	loaded, err := reopened.MultiFileContainer(ctx, f.author, "name", "")
	require.NoError(t, err)
	got, err := loaded.DecryptSingleContent(ctx, f.author, "f2.txt")
	require.NoError(t, err)
	assert.Equal(t, "y", got)

	ok, err := loaded.VerifyFile(ctx, "f1.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = loaded.DecryptSingleContent(ctx, f.author, "missing")
	assert.ErrorIs(t, err, ErrNoSuchFile)

	all, err := loaded.(*ExternalFileMulti).DecryptContents(ctx, f.author)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"f1.txt": "x", "f2.txt": "y"}, all)
}

func TestMultiFile_InvalidKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.MultiFileContainer(ctx, f.author, "docs", TypeExternalFileMulti)
	require.NoError(t, err)
	for _, key := range []string{"", "..", "a/b"} {
		assert.ErrorIs(t, c.SetSingleContent(ctx, f.author, key, "x"), ErrInvalidKey, key)
	}
}

func TestDailyBuckets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.ListContainer(ctx, f.author, "audit", TypeExternalListDaily)
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, f.author, "mon"))
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, c.Append(ctx, f.author, "tue"))
	require.NoError(t, c.Append(ctx, f.author, "tue-2"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	daily := c.(*ExternalListDaily)
	assert.Equal(t, []string{"20240301", "20240302"}, daily.Days())
	for _, p := range []string{"audit/20240301.json", "audit/20240302.json"} {
		exists, err := v.FileExists(ctx, p)
		require.NoError(t, err)
		assert.True(t, exists, p)
	}

	day, err := daily.DecryptDay(ctx, f.author, "20240302")
	require.NoError(t, err)
	assert.Equal(t, []any{"tue", "tue-2"}, day)
}

func TestLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.SingleContainer(ctx, f.author, "shortcut", TypeLink)
	require.NoError(t, err)

	err = c.SetContents(ctx, f.author, map[string]any{"container": "docs"})
	assert.ErrorIs(t, err, ErrInvalidLink)

	ptr := LinkPointer{RemoteVault: "other", Container: "docs", SubFile: "a.txt", Revision: 3}
	require.NoError(t, c.(*Link).SetLink(ctx, f.author, ptr))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	reopened := f.reopen(t, v)
	loaded, err := reopened.GetContainer("shortcut")
	require.NoError(t, err)
	got, err := loaded.(*Link).Pointer(ctx, f.author)
	require.NoError(t, err)
	assert.Equal(t, ptr, got)
}

func TestBuildMetadataIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.SingleContainer(ctx, f.author, "secret", TypeExternalFile)
	require.NoError(t, err)
	require.NoError(t, c.SetContents(ctx, f.author, "value"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	ext := c.(*ExternalFile)
	require.NotNil(t, ext.p.signature)
	signature := *ext.p.signature
	puts := f.driver.Puts()

	f.clock.Advance(time.Minute)
	first, err := ext.buildMetadata(ctx, f.author)
	require.NoError(t, err)
	second, err := ext.buildMetadata(ctx, f.author)
	require.NoError(t, err)

	assert.Equal(t, puts, f.driver.Puts())
	assert.Equal(t, signature, *ext.p.signature)
	assert.JSONEq(t, string(first), string(second))

	// A second full write only rewrites meta.json.
	require.NoError(t, v.WriteMetadata(ctx, f.author))
	assert.Equal(t, puts+1, f.driver.Puts())
}

func TestBuildMetadata_RewritesMissingFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.SingleContainer(ctx, f.author, "secret", TypeExternalFile)
	require.NoError(t, err)
	require.NoError(t, c.SetContents(ctx, f.author, "value"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	require.NoError(t, v.RemoveFile(ctx, "secret.json"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	exists, err := v.FileExists(ctx, "secret.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEmptyContentIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	file, err := v.SingleContainer(ctx, f.author, "file", TypeExternalFile)
	require.NoError(t, err)
	list, err := v.ListContainer(ctx, f.author, "list", TypeEmbeddedList)
	require.NoError(t, err)
	multi, err := v.MultiFileContainer(ctx, f.author, "multi", TypeExternalFileMulti)
	require.NoError(t, err)
	entries := v.Ledger().LastIndex()

	assert.ErrorIs(t, file.SetContents(ctx, f.author, nil), ErrContentEmpty)
	assert.ErrorIs(t, file.SetContents(ctx, f.author, ""), ErrContentEmpty)
	assert.ErrorIs(t, list.Append(ctx, f.author, map[string]any{}), ErrContentEmpty)
	assert.ErrorIs(t, multi.SetSingleContent(ctx, f.author, "k", []string{}), ErrContentEmpty)

	assert.Equal(t, entries, v.Ledger().LastIndex())
	assert.False(t, file.Modified())
	_, err = file.DecryptContents(ctx, f.author)
	assert.ErrorIs(t, err, ErrContentEmpty)
}

func TestUnauthorizedDecrypt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)
	stranger := newWallet(t)

	c, err := v.SingleContainer(ctx, f.author, "secret", TypeExternalFile)
	require.NoError(t, err)
	require.NoError(t, c.SetContents(ctx, f.author, "value"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	reopened := f.reopen(t, v)
	loaded, err := reopened.SingleContainer(ctx, f.author, "secret", "")
	require.NoError(t, err)
	_, err = loaded.DecryptContents(ctx, stranger)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrParse)

	_, err = reopened.DecryptMessage(stranger, "anything")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = reopened.GetHistoricalDataBySequence(ctx, stranger, "", 0, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)
	bob := newWallet(t)

	created, err := v.CreateRole(f.author, "readers")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = v.CreateRole(f.author, "readers")
	require.NoError(t, err)
	assert.False(t, created)

	c, err := v.SingleContainer(ctx, f.author, "shared", TypeEmbeddedFile, "readers")
	require.NoError(t, err)
	assert.Equal(t, []string{OwnersRole, "readers"}, c.Roles())
	require.NoError(t, c.SetContents(ctx, f.author, "hello"))

	assert.False(t, v.AuthorizedForRole(bob.PublicKey(), "readers"))
	ok, err := v.Authorize(f.author, "readers", bob.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.AuthorizedForRole(bob.PublicKey(), "readers"))
	assert.False(t, v.AuthorizedForRole(bob.PublicKey(), OwnersRole))

	// A role cannot be granted without holding it.
	ok, err = v.Authorize(bob, OwnersRole, bob.PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = v.Authorize(f.author, "nobody", bob.PublicKey())
	assert.ErrorIs(t, err, ErrUnknownRole)

	require.NoError(t, v.WriteMetadata(ctx, f.author))
	reopened := f.reopen(t, v)
	loaded, err := reopened.SingleContainer(ctx, bob, "shared", "")
	require.NoError(t, err)
	got, err := loaded.DecryptContents(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	owned, err := reopened.SingleContainer(ctx, f.author, "owners-only", TypeEmbeddedFile)
	require.NoError(t, err)
	require.NoError(t, owned.SetContents(ctx, f.author, "private"))
	_, err = owned.DecryptContents(ctx, bob)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOwnersEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)
	carol := newWallet(t)
	dave := newWallet(t)

	ok, err := v.Authorize(f.author, OwnersRole, carol.PublicKey())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = v.CreateRole(f.author, "auditors")
	require.NoError(t, err)

	// carol has no direct auditors grant but recovers the key as an owner.
	ok, err = v.Authorize(carol, "auditors", dave.PublicKey())
	require.NoError(t, err)
	require.True(t, ok)

	c, err := v.SingleContainer(ctx, f.author, "audit", TypeEmbeddedFile, "auditors")
	require.NoError(t, err)
	require.NoError(t, c.SetContents(ctx, f.author, "report"))

	got, err := c.DecryptContents(ctx, dave)
	require.NoError(t, err)
	assert.Equal(t, "report", got)
}

func TestDecryptMessage(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)

	ledgerRole, ok := v.Roles().Get(LedgerRole)
	require.True(t, ok)
	ct, err := crypto.NewProvider().Encrypt(ledgerRole.PublicKey, []byte("ping"))
	require.NoError(t, err)

	got, err := v.DecryptMessage(f.author, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	_, err = v.DecryptMessage(f.author, "not a ciphertext")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestAddRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)
	bob := newWallet(t)

	_, err := v.CreateRole(f.author, "readers")
	require.NoError(t, err)
	_, err = v.Authorize(f.author, "readers", bob.PublicKey())
	require.NoError(t, err)

	c, err := v.MultiFileContainer(ctx, f.author, "docs", TypeExternalFileMulti)
	require.NoError(t, err)
	require.NoError(t, c.SetSingleContent(ctx, f.author, "a", "alpha"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	reopened := f.reopen(t, v)
	loaded, err := reopened.MultiFileContainer(ctx, f.author, "docs", "")
	require.NoError(t, err)
	_, err = loaded.DecryptSingleContent(ctx, bob, "a")
	require.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, loaded.AddRole(ctx, f.author, "ghosts"), ErrUnknownRole)
	require.NoError(t, loaded.AddRole(ctx, f.author, "readers"))
	assert.Equal(t, []string{OwnersRole, "readers"}, loaded.Roles())
	require.NoError(t, reopened.WriteMetadata(ctx, f.author))

	final := f.reopen(t, reopened)
	again, err := final.MultiFileContainer(ctx, bob, "docs", "")
	require.NoError(t, err)
	got, err := again.DecryptSingleContent(ctx, bob, "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got)
}

func TestGetOrCreateContainer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	uninitialized := f.open(t, "")
	_, err := uninitialized.GetOrCreateContainer(ctx, f.author, "x", TypeEmbeddedFile)
	assert.ErrorIs(t, err, ErrNotInitialized)

	v := f.create(t)
	first, err := v.GetOrCreateContainer(ctx, f.author, "notes", TypeEmbeddedList)
	require.NoError(t, err)
	second, err := v.GetOrCreateContainer(ctx, f.author, "notes", TypeExternalFile)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, TypeEmbeddedList, second.Type())

	dflt, err := v.GetOrCreateContainer(ctx, f.author, "plain", "")
	require.NoError(t, err)
	assert.Equal(t, TypeEmbeddedFile, dflt.Type())

	_, err = v.GetOrCreateContainer(ctx, f.author, "", TypeEmbeddedFile)
	assert.ErrorIs(t, err, ErrNameRequired)
	_, err = v.GetOrCreateContainer(ctx, f.author, "meta", TypeExternalFile)
	assert.ErrorIs(t, err, ErrReservedContainer)
	_, err = v.GetOrCreateContainer(ctx, f.author, "log2", TypeExternalFileLedger)
	assert.ErrorIs(t, err, ErrReservedContainer)
	_, err = v.GetOrCreateContainer(ctx, f.author, "odd", Type("spreadsheet"))
	assert.ErrorIs(t, err, ErrUnknownContainerType)
	_, err = v.GetOrCreateContainer(ctx, f.author, "scoped", TypeEmbeddedFile, "nobody")
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = v.ListContainer(ctx, f.author, "plain", TypeEmbeddedList)
	assert.ErrorIs(t, err, ErrWrongContainerType)

	_, err = v.GetContainer("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveContainer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.SingleContainer(ctx, f.author, "temp", TypeExternalFile)
	require.NoError(t, err)
	require.NoError(t, c.SetContents(ctx, f.author, "short-lived"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	require.NoError(t, v.RemoveContainer(ctx, f.author, "temp"))
	exists, err := v.FileExists(ctx, "temp.json")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NotContains(t, v.ContainerNames(), "temp")
	assert.ErrorIs(t, v.RemoveContainer(ctx, f.author, ledgerName), ErrReservedContainer)

	_, err = v.GetHistoricalDataBySequence(ctx, f.author, "temp", 0, "")
	assert.ErrorIs(t, err, ErrNoData)
	snap, err := v.GetHistoricalDataBySequence(ctx, f.author, "temp", 2, "")
	require.NoError(t, err)
	assert.Equal(t, "short-lived", snap.Data["temp"])
}

func TestLedgerReplayIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	log, err := v.ListContainer(ctx, f.author, "log", TypeExternalList)
	require.NoError(t, err)
	doc, err := v.SingleContainer(ctx, f.author, "doc", TypeEmbeddedFile)
	require.NoError(t, err)
	values := []string{"a", "b", "c"}
	for _, value := range values {
		require.NoError(t, log.Append(ctx, f.author, value))
		require.NoError(t, doc.SetContents(ctx, f.author, "v-"+value))
	}
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	reopened := f.reopen(t, v)
	ledger := reopened.Ledger()
	// Two create entries, then one append and one set per value.
	require.EqualValues(t, 2+2*len(values), ledger.LastIndex())

	_, err = reopened.GetHistoricalDataBySequence(ctx, f.author, "log", 2, "")
	assert.ErrorIs(t, err, ErrNoData)

	for i := range values {
		index := int64(3 + 2*i)
		snap, err := reopened.GetHistoricalDataBySequence(ctx, f.author, "log", index, "")
		require.NoError(t, err)
		want := make([]any, 0, i+1)
		for _, value := range values[:i+1] {
			want = append(want, value)
		}
		assert.Equal(t, want, snap.Data["log"], "index %d", index)
		assert.Equal(t, index, snap.Index)

		snap, err = reopened.GetHistoricalDataBySequence(ctx, f.author, "doc", index+1, "")
		require.NoError(t, err)
		assert.Equal(t, "v-"+values[i], snap.Data["doc"])
	}

	live, err := log.DecryptContents(ctx, f.author)
	require.NoError(t, err)
	snap, err := reopened.GetHistoricalDataBySequence(ctx, f.author, "", ledger.LastIndex(), "")
	require.NoError(t, err)
	assert.Equal(t, live, snap.Data["log"])
	assert.Equal(t, "v-c", snap.Data["doc"])
}

func TestLedgerReplay_SubFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.MultiFileContainer(ctx, f.author, "docs", TypeExternalFileMulti)
	require.NoError(t, err)
	require.NoError(t, c.SetSingleContent(ctx, f.author, "a", "1"))
	require.NoError(t, c.SetSingleContent(ctx, f.author, "b", "2"))
	require.NoError(t, c.SetSingleContent(ctx, f.author, "a", "3"))

	snap, err := v.GetHistoricalDataBySequence(ctx, f.author, "docs", 3, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", snap.Data["docs"])

	snap, err = v.GetHistoricalDataBySequence(ctx, f.author, "docs", 0, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "3", "b": "2"}, snap.Data["docs"])

	_, err = v.GetHistoricalDataBySequence(ctx, f.author, "docs", 2, "b")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestLedgerReplayByDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	events, err := v.ListContainer(ctx, f.author, "events", TypeExternalList)
	require.NoError(t, err)
	require.NoError(t, events.Append(ctx, f.author, "d1"))
	day2 := day1.Add(48 * time.Hour)
	f.clock.Set(day2)
	require.NoError(t, events.Append(ctx, f.author, "d2"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	reopened := f.reopen(t, v)

	snap, err := reopened.GetHistoricalDataByDate(ctx, f.author, "events", day1.Add(time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, []any{"d1"}, snap.Data["events"])
	assert.Equal(t, day1, snap.OnDate)

	snap, err = reopened.GetHistoricalDataByDate(ctx, f.author, "events", day1, "")
	require.NoError(t, err)
	assert.Equal(t, []any{"d1"}, snap.Data["events"])

	snap, err = reopened.GetHistoricalDataByDate(ctx, f.author, "events", day2, "")
	require.NoError(t, err)
	assert.Equal(t, []any{"d1", "d2"}, snap.Data["events"])
	assert.Equal(t, day2, snap.OnDate)

	_, err = reopened.GetHistoricalDataByDate(ctx, f.author, "events", day1.Add(-time.Hour), "")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestLedgerFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	v.Ledger().nextIndex = MaxIndex + 1
	_, err := v.GetOrCreateContainer(ctx, f.author, "late", TypeEmbeddedFile)
	assert.ErrorIs(t, err, ErrLedgerFull)
	assert.Equal(t, "0000000000000001", indexKey(1))
	assert.Len(t, indexKey(MaxIndex), indexWidth)
}


func TestLedgerFull_LeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	file, err := v.SingleContainer(ctx, f.author, "note", TypeEmbeddedFile)
	require.NoError(t, err)
	require.NoError(t, file.SetContents(ctx, f.author, "v1"))
	list, err := v.ListContainer(ctx, f.author, "events", TypeExternalList)
	require.NoError(t, err)
	require.NoError(t, list.Append(ctx, f.author, "e1"))
	daily, err := v.ListContainer(ctx, f.author, "audit", TypeExternalListDaily)
	require.NoError(t, err)
	multi, err := v.MultiFileContainer(ctx, f.author, "docs", TypeExternalFileMulti)
	require.NoError(t, err)
	_, err = v.CreateRole(f.author, "readers")
	require.NoError(t, err)

	v.Ledger().nextIndex = MaxIndex + 1

	assert.ErrorIs(t, file.SetContents(ctx, f.author, "v2"), ErrLedgerFull)
	got, err := file.DecryptContents(ctx, f.author)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	assert.ErrorIs(t, list.Append(ctx, f.author, "e2"), ErrLedgerFull)
	items, err := list.DecryptContents(ctx, f.author)
	require.NoError(t, err)
	assert.Equal(t, []any{"e1"}, items)

	assert.ErrorIs(t, daily.Append(ctx, f.author, "tick"), ErrLedgerFull)
	assert.Empty(t, daily.(*ExternalListDaily).Days())

	assert.ErrorIs(t, multi.SetSingleContent(ctx, f.author, "a.txt", "x"), ErrLedgerFull)
	assert.Empty(t, multi.(*ExternalFileMulti).Keys())

	assert.ErrorIs(t, file.AddRole(ctx, f.author, "readers"), ErrLedgerFull)
	assert.NotContains(t, file.Roles(), "readers")

	_, err = v.GetOrCreateContainer(ctx, f.author, "late", TypeEmbeddedFile)
	assert.ErrorIs(t, err, ErrLedgerFull)
	assert.NotContains(t, v.ContainerNames(), "late")

	assert.ErrorIs(t, v.RemoveContainer(ctx, f.author, "events"), ErrLedgerFull)
	assert.Contains(t, v.ContainerNames(), "events")
}

func TestReplay_DailySubFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.ListContainer(ctx, f.author, "audit", TypeExternalListDaily)
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, f.author, "mon"))
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, c.Append(ctx, f.author, "tue"))
	require.NoError(t, c.Append(ctx, f.author, "tue-2"))

	snap, err := v.GetHistoricalDataBySequence(ctx, f.author, "audit", 0, "20240302")
	require.NoError(t, err)
	assert.Equal(t, []any{"tue", "tue-2"}, snap.Data["audit"])

	snap, err = v.GetHistoricalDataBySequence(ctx, f.author, "audit", 0, "20240301")
	require.NoError(t, err)
	assert.Equal(t, []any{"mon"}, snap.Data["audit"])

	snap, err = v.GetHistoricalDataByDate(ctx, f.author, "audit", day1.Add(time.Hour), "20240301")
	require.NoError(t, err)
	assert.Equal(t, []any{"mon"}, snap.Data["audit"])

	_, err = v.GetHistoricalDataBySequence(ctx, f.author, "audit", 0, "20240305")
	assert.ErrorIs(t, err, ErrNoData)

	note, err := v.SingleContainer(ctx, f.author, "note", TypeEmbeddedFile)
	require.NoError(t, err)
	require.NoError(t, note.SetContents(ctx, f.author, "v1"))
	_, err = v.GetHistoricalDataBySequence(ctx, f.author, "note", 0, "20240301")
	assert.ErrorIs(t, err, ErrNoData)
}
func TestLedgerEntryTags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.ListContainer(ctx, f.author, "tracking", TypeEmbeddedList)
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, f.author, "one"))

	entry, err := v.Ledger().Entry(ctx, f.author, 2)
	require.NoError(t, err)
	assert.Equal(t, "container.embedded_list.append", entry.Tag)
	assert.Equal(t, "tracking", entry.ContainerName)
	assert.Equal(t, "one", entry.Params["value"])
	assert.Equal(t, day1, entry.At)
}

func TestVerify_DetectsTampering(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *Vault) {
		f := newFixture(t)
		v := f.create(t)
		c, err := v.SingleContainer(ctx, f.author, "secret", TypeExternalFile)
		require.NoError(t, err)
		require.NoError(t, c.SetContents(ctx, f.author, "value"))
		require.NoError(t, v.WriteMetadata(ctx, f.author))
		return f, v
	}

	t.Run("external file", func(t *testing.T) {
		f, v := setup(t)
		var doc filePayload
		require.NoError(t, json.Unmarshal(f.raw(t, v, "secret.json"), &doc))
		doc.Container = "forged"
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		f.overwrite(t, v, "secret.json", data)

		ok, err := v.Verify(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing external file", func(t *testing.T) {
		f, v := setup(t)
		require.NoError(t, f.driver.RemoveFile(ctx, path.Join(basePath, v.ID(), "secret.json")))

		ok, err := v.Verify(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("metadata", func(t *testing.T) {
		f, v := setup(t)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(f.raw(t, v, "meta.json"), &doc))
		doc["created"] = day1.Add(time.Hour).Format(time.RFC3339Nano)
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		f.overwrite(t, v, "meta.json", data)

		ok, err := v.Verify(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}


// countingDriver records every path read through it.
type countingDriver struct {
	storage.Driver
	reads map[string]int
}

func (d *countingDriver) GetFile(ctx context.Context, p string) ([]byte, error) {
	d.reads[path.Base(p)]++
	return d.Driver.GetFile(ctx, p)
}

func TestVerify_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)
	for _, name := range []string{"a", "b"} {
		c, err := v.SingleContainer(ctx, f.author, name, TypeExternalFile)
		require.NoError(t, err)
		require.NoError(t, c.SetContents(ctx, f.author, name))
	}
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	for _, p := range []string{"a.json", "b.json"} {
		var doc filePayload
		require.NoError(t, json.Unmarshal(f.raw(t, v, p), &doc))
		doc.Container = "forged"
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		f.overwrite(t, v, p, data)
	}

	driver := &countingDriver{Driver: f.driver, reads: make(map[string]int)}
	checked, err := New(Options{ID: v.ID(), BasePath: basePath, Driver: driver, Clock: f.clock})
	require.NoError(t, err)

	ok, err := checked.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, driver.reads["a.json"])
	assert.Zero(t, driver.reads["b.json"])
}
func TestLoadMetadata_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	missing := f.open(t, "")
	assert.ErrorIs(t, missing.LoadMetadata(ctx), ErrNotFound)

	v := f.create(t)
	f.overwrite(t, v, "meta.json", []byte("{not json"))
	assert.ErrorIs(t, f.open(t, v.ID()).LoadMetadata(ctx), ErrParse)

	f.overwrite(t, v, "meta.json", []byte(`{"id":"x","version":"9.0.0","roles":{},"containers":{}}`))
	assert.ErrorIs(t, f.open(t, v.ID()).LoadMetadata(ctx), ErrVersionUnsupported)

	f.overwrite(t, v, "meta.json", []byte(`{"id":"x","version":"0.1.0","roles":{},"containers":{"c":{"type":"embedded_file"}}}`))
	assert.ErrorIs(t, f.open(t, v.ID()).LoadMetadata(ctx), ErrParse)

	f.overwrite(t, v, "meta.json", []byte(`{"id":"x","version":"0.0.1","roles":{},"containers":{"c":{"type":"spreadsheet"}}}`))
	assert.ErrorIs(t, f.open(t, v.ID()).LoadMetadata(ctx), ErrUnknownContainerType)
}

func TestVaultKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v, err := New(Options{BasePath: basePath, Driver: f.driver, Clock: f.clock, Kind: "documents"})
	require.NoError(t, err)
	_, err = v.GetOrCreateMetadata(ctx, f.author)
	require.NoError(t, err)
	assert.Equal(t, "documents", v.Meta().Kind)

	other, err := New(Options{ID: v.ID(), BasePath: basePath, Driver: f.driver, Clock: f.clock, Kind: "records"})
	require.NoError(t, err)
	assert.ErrorIs(t, other.LoadMetadata(ctx), ErrWrongVaultType)

	// An unmarked handle adopts the stored kind.
	plain := f.open(t, v.ID())
	require.NoError(t, plain.LoadMetadata(ctx))
	require.NoError(t, plain.WriteMetadata(ctx, f.author))
	assert.Equal(t, "documents", plain.Meta().Kind)
}

func TestMigrationFromLegacyVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)

	c, err := v.ListContainer(ctx, f.author, "tracking", TypeEmbeddedList)
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, f.author, "one"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	// Rewrite meta.json the way 0.0.1 stored it: raw container objects and
	// bare wallet keys.
	var legacy Meta
	require.NoError(t, json.Unmarshal(f.raw(t, v, "meta.json"), &legacy))
	for name, blob := range legacy.Containers {
		raw, err := decompressBlob(blob)
		require.NoError(t, err)
		legacy.Containers[name] = raw
	}
	for _, name := range legacy.Roles.order {
		role := legacy.Roles.byName[name]
		grants := make(map[string]string)
		for key, ct := range role.Grants {
			grants[strings.TrimPrefix(key, walletGrantPrefix)] = ct
		}
		role.Grants = grants
		legacy.Roles.byName[name] = role
	}
	legacy.Version = LegacyVersion
	sig, err := v.signObject(f.author, legacy.unsigned())
	require.NoError(t, err)
	legacy.Hash = sig.Hash
	legacy.Signed = &sig.Signed
	data, err := json.Marshal(&legacy)
	require.NoError(t, err)
	f.overwrite(t, v, "meta.json", data)

	old := f.reopen(t, v)
	assert.Equal(t, LegacyVersion, old.Version())
	verified, err := old.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verified)

	tracking, err := old.ListContainer(ctx, f.author, "tracking", "")
	require.NoError(t, err)
	got, err := tracking.DecryptContents(ctx, f.author)
	require.NoError(t, err)
	assert.Equal(t, []any{"one"}, got)

	require.NoError(t, old.WriteMetadata(ctx, f.author))

	var stored struct {
		Version    string                       `json:"version"`
		Roles      map[string]map[string]string `json:"roles"`
		Containers map[string]json.RawMessage   `json:"containers"`
	}
	require.NoError(t, json.Unmarshal(f.raw(t, v, "meta.json"), &stored))
	assert.Equal(t, CurrentVersion, stored.Version)
	assert.Contains(t, stored.Roles[OwnersRole], walletGrant(f.author.PublicKey()))
	assert.NotContains(t, stored.Roles[OwnersRole], f.author.PublicKey())
	var compressed string
	assert.NoError(t, json.Unmarshal(stored.Containers["tracking"], &compressed))
}

type recordingLocker struct {
	keys   []string
	leases []time.Duration
	err    error
}

func (l *recordingLocker) WithLock(ctx context.Context, key string, lease time.Duration, fn func(context.Context) error) error {
	l.keys = append(l.keys, key)
	l.leases = append(l.leases, lease)
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

func TestBackendAccessIsLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	locker := &recordingLocker{}

	v, err := New(Options{BasePath: basePath, Driver: f.driver, Clock: f.clock, Locker: locker})
	require.NoError(t, err)
	_, err = v.GetOrCreateMetadata(ctx, f.author)
	require.NoError(t, err)

	require.NotEmpty(t, locker.keys)
	for i := range locker.keys {
		assert.Equal(t, v.ID(), locker.keys[i])
		assert.Equal(t, 5000*time.Millisecond, locker.leases[i])
	}

	locker.err = errors.New("lock service unavailable")
	_, err = v.FileExists(ctx, "meta.json")
	assert.ErrorIs(t, err, locker.err)
	assert.ErrorIs(t, v.WriteMetadata(ctx, f.author), locker.err)
}

func TestDeleteEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.create(t)
	keep := f.create(t)

	c, err := v.MultiFileContainer(ctx, f.author, "docs", TypeExternalFileMulti)
	require.NoError(t, err)
	require.NoError(t, c.SetSingleContent(ctx, f.author, "a", "alpha"))
	require.NoError(t, v.WriteMetadata(ctx, f.author))

	require.NoError(t, v.DeleteEverything(ctx))

	listing, err := f.driver.ListDirectory(ctx, basePath, false)
	require.NoError(t, err)
	require.Len(t, listing.Directories, 1)
	assert.Equal(t, keep.ID(), listing.Directories[0].Name)
	assert.ErrorIs(t, v.WriteMetadata(ctx, f.author), ErrNotInitialized)
}

func TestReadWriteContent_DispatchByType(t *testing.T) {
	f := newFixture(t)
	v := f.create(t)
	ctx := context.Background()

	cases := []struct {
		typ   Type
		key   string
		value any
		want  any
	}{
		{TypeEmbeddedFile, "", "one", "one"},
		{TypeExternalFile, "", map[string]any{"a": "b"}, map[string]any{"a": "b"}},
		{TypeEmbeddedList, "", "item", []any{"item"}},
		{TypeExternalListDaily, "", "tick", []any{"tick"}},
		{TypeExternalFileMulti, "k", "file", "file"},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			c, err := v.GetOrCreateContainer(ctx, f.author, "c-"+string(tc.typ), tc.typ)
			require.NoError(t, err)
			require.NoError(t, WriteContent(ctx, c, f.author, tc.key, tc.value))

			got, err := ReadContent(ctx, c, f.author, tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	multi, err := v.GetContainer("c-" + string(TypeExternalFileMulti))
	require.NoError(t, err)
	assert.ErrorIs(t, WriteContent(ctx, multi, f.author, "", "x"), ErrInvalidKey)

	all, err := ReadContent(ctx, multi, f.author, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "file"}, all)

	daily, err := v.GetContainer("c-" + string(TypeExternalListDaily))
	require.NoError(t, err)
	day, err := ReadContent(ctx, daily, f.author, day1.Format(dayLayout))
	require.NoError(t, err)
	assert.Equal(t, []any{"tick"}, day)

	assert.ErrorIs(t, WriteContent(ctx, v.Ledger(), f.author, "", "x"), ErrWrongContainerType)
}
