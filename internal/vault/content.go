package vault

import (
	"context"
	"fmt"
)

type mapContent interface {
	DecryptContents(ctx context.Context, w Wallet) (map[string]any, error)
}

type dayContent interface {
	DecryptDay(ctx context.Context, w Wallet, day string) ([]any, error)
}

// WriteContent stores value in c by its capability: single-content
// containers are overwritten, lists appended to and multi-file containers
// set at key.
func WriteContent(ctx context.Context, c Container, author Wallet, key string, value any) error {
	switch cc := c.(type) {
	case MultiFileContent:
		if key == "" {
			return fmt.Errorf("%w: %s needs a file key", ErrInvalidKey, c.Type())
		}
		return cc.SetSingleContent(ctx, author, key, value)
	case ListContent:
		return cc.Append(ctx, author, value)
	case SingleContent:
		return cc.SetContents(ctx, author, value)
	default:
		return fmt.Errorf("%w: %s is %s", ErrWrongContainerType, c.Name(), c.Type())
	}
}

// ReadContent decrypts c. key selects one file of a multi-file container
// or one day (YYYYMMDD) of a daily list; without it the whole content is
// returned.
func ReadContent(ctx context.Context, c Container, w Wallet, key string) (any, error) {
	switch cc := c.(type) {
	case MultiFileContent:
		if key != "" {
			return cc.DecryptSingleContent(ctx, w, key)
		}
		if m, ok := c.(mapContent); ok {
			return m.DecryptContents(ctx, w)
		}
		return nil, fmt.Errorf("%w: %s needs a file key", ErrInvalidKey, c.Type())
	case ListContent:
		if d, ok := c.(dayContent); ok && key != "" {
			return d.DecryptDay(ctx, w, key)
		}
		return cc.DecryptContents(ctx, w)
	case SingleContent:
		return cc.DecryptContents(ctx, w)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongContainerType, c.Name(), c.Type())
	}
}
