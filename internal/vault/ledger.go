package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atinyakov/GophVault/internal/storage"
)

// MaxIndex is the largest ledger index, the largest integer a float64
// represents exactly.
const MaxIndex int64 = 1<<53 - 1

// indexWidth is the number of digits of MaxIndex.
const indexWidth = 16

func indexKey(index int64) string {
	return fmt.Sprintf("%0*d", indexWidth, index)
}

// LedgerEntry mirrors one container mutation.
type LedgerEntry struct {
	ContainerType Type           `json:"container_type"`
	Action        string         `json:"action"`
	Tag           string         `json:"tag"`
	ContainerName string         `json:"container_name"`
	Params        map[string]any `json:"params,omitempty"`
	Output        any            `json:"output,omitempty"`
	At            time.Time      `json:"at"`
}

// Snapshot is the reconstructed state of a vault at a ledger index.
type Snapshot struct {
	Index  int64          `json:"index"`
	OnDate time.Time      `json:"on_date"`
	Data   map[string]any `json:"data"`
}

// ExternalFileLedger is the append-only log of every mutation in the
// vault, one file per index in <name>/<index>.json. It never logs itself.
type ExternalFileLedger struct {
	base
	set        fileSet
	nextIndex  int64
	timestamps map[string]time.Time
}

func newLedger(b base) *ExternalFileLedger {
	return &ExternalFileLedger{
		base:       b,
		set:        newFileSet(),
		nextIndex:  1,
		timestamps: make(map[string]time.Time),
	}
}

// LastIndex returns the index of the newest entry, 0 when empty.
func (c *ExternalFileLedger) LastIndex() int64 { return c.nextIndex - 1 }

// Timestamp returns when the entry at index was recorded.
func (c *ExternalFileLedger) Timestamp(index int64) (time.Time, bool) {
	ts, ok := c.timestamps[indexKey(index)]
	return ts, ok
}

// AddIndexedEntry stores entry under the next index and returns that index.
func (c *ExternalFileLedger) AddIndexedEntry(_ context.Context, _ Wallet, entry LedgerEntry) (int64, error) {
	if c.nextIndex > MaxIndex {
		return 0, ErrLedgerFull
	}
	index := c.nextIndex
	key := indexKey(index)
	if err := c.set.put(&c.base, key, entry); err != nil {
		return 0, err
	}
	c.timestamps[key] = entry.At
	c.nextIndex++
	return index, nil
}

// Entry decrypts the entry at index.
func (c *ExternalFileLedger) Entry(ctx context.Context, w Wallet, index int64) (LedgerEntry, error) {
	plaintext, err := c.set.decrypt(ctx, &c.base, w, indexKey(index))
	if err != nil {
		return LedgerEntry{}, err
	}
	var entry LedgerEntry
	if err := json.Unmarshal(plaintext, &entry); err != nil {
		return LedgerEntry{}, fmt.Errorf("%w: ledger entry %d: %v", ErrParse, index, err)
	}
	return entry, nil
}

// DecryptToIndex replays entries 1..index and returns the state of every
// container, or only of container when it is set. subFile narrows a
// multi-file container to one key or a daily list to one day. A
// non-positive index means the latest.
func (c *ExternalFileLedger) DecryptToIndex(ctx context.Context, user Wallet, container string, index int64, subFile string) (*Snapshot, error) {
	last := c.LastIndex()
	if last < 1 {
		return nil, ErrNoData
	}
	if index <= 0 || index > last {
		index = last
	}

	state := make(map[string]any)
	for i := int64(1); i <= index; i++ {
		entry, err := c.Entry(ctx, user, i)
		if err != nil {
			return nil, fmt.Errorf("ledger index %d: %w", i, err)
		}
		if container != "" && entry.ContainerName != container {
			continue
		}
		applyEntry(state, entry, subFile)
	}

	data := state
	if container != "" {
		value, ok := state[container]
		if !ok {
			return nil, fmt.Errorf("%w: %s at index %d", ErrNoData, container, index)
		}
		// Daily lists were already narrowed to subFile while folding.
		if files, isMap := value.(map[string]any); isMap && subFile != "" {
			if value, ok = files[subFile]; !ok {
				return nil, fmt.Errorf("%w: %s/%s at index %d", ErrNoData, container, subFile, index)
			}
		}
		data = map[string]any{container: value}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: index %d", ErrNoData, index)
	}

	onDate, _ := c.Timestamp(index)
	return &Snapshot{Index: index, OnDate: onDate, Data: data}, nil
}

// DecryptToDate replays up to the last entry recorded at or before date.
// Timestamps are chronological by index, so the scan stops at the first
// entry past date.
func (c *ExternalFileLedger) DecryptToDate(ctx context.Context, user Wallet, container string, date time.Time, subFile string) (*Snapshot, error) {
	target := date.Add(time.Millisecond)
	var found int64
	for i := int64(1); i < c.nextIndex; i++ {
		ts, ok := c.Timestamp(i)
		if !ok || !ts.Before(target) {
			break
		}
		found = i
	}
	if found == 0 {
		return nil, fmt.Errorf("%w: nothing recorded before %s", ErrNoData, date.Format(time.RFC3339))
	}
	return c.DecryptToIndex(ctx, user, container, found, subFile)
}

// applyEntry folds one entry into state. File contents overwrite, list
// entries accumulate. subFile keeps only that key of multi-file
// containers or that day (YYYYMMDD) of daily lists; single-content
// containers and lists without day buckets never match it.
func applyEntry(state map[string]any, entry LedgerEntry, subFile string) {
	name := entry.ContainerName
	switch entry.Action {
	case ActionSetContents:
		if subFile != "" {
			return
		}
		state[name] = entry.Params["contents"]
	case ActionAppend:
		if day, _ := entry.Params["day"].(string); subFile != "" && day != subFile {
			return
		}
		list, _ := state[name].([]any)
		state[name] = append(list, entry.Params["value"])
	case ActionSetSingleContent:
		key, _ := entry.Params["key"].(string)
		if subFile != "" && key != subFile {
			return
		}
		files, _ := state[name].(map[string]any)
		if files == nil {
			files = make(map[string]any)
		}
		files[key] = entry.Params["contents"]
		state[name] = files
	case ActionRemoveContainer:
		delete(state, name)
	}
}

// ListFiles lists the ledger's backend directory.
func (c *ExternalFileLedger) ListFiles(ctx context.Context) ([]storage.File, error) {
	return c.set.list(ctx, &c.base)
}

// Verify implements Container.
func (c *ExternalFileLedger) Verify(ctx context.Context) (bool, error) {
	return c.set.verifyAll(ctx, &c.base)
}

// AddRole implements Container.
func (c *ExternalFileLedger) AddRole(ctx context.Context, author Wallet, role string) error {
	return c.addRoleTo(ctx, author, role, c.set.files, func(key string) string { return filePath(&c.base, key) })
}

func (c *ExternalFileLedger) buildMetadata(ctx context.Context, author Wallet) (json.RawMessage, error) {
	sigs, err := c.set.build(ctx, &c.base, author)
	if err != nil {
		return nil, err
	}
	cm := c.meta()
	cm.Files = sigs
	cm.NextIndex = c.nextIndex
	cm.Timestamps = c.timestamps
	blob, err := json.Marshal(cm)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", c.name, err)
	}
	c.modified = false
	return blob, nil
}

func (c *ExternalFileLedger) removeFiles(ctx context.Context) error {
	return c.env.RemoveDirectory(ctx, c.name, true)
}
