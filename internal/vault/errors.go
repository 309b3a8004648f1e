package vault

import "errors"

// Errors surfaced to callers. Backend failures keep their storage.Error in
// the chain so errors.Is(err, storage.ErrNotFound) also works.
var (
	ErrContentEmpty         = errors.New("vault: contents cannot be empty")
	ErrNameRequired         = errors.New("vault: container name is required")
	ErrUnauthorized         = errors.New("vault: unauthorized access")
	ErrDecryption           = errors.New("vault: decryption failed")
	ErrParse                = errors.New("vault: cannot parse stored data")
	ErrVersionUnsupported   = errors.New("vault: version newer than engine")
	ErrWrongVaultType       = errors.New("vault: not a member of the expected vault type")
	ErrLedgerFull           = errors.New("vault: ledger index exhausted")
	ErrNoData               = errors.New("vault: no data for index or date")
	ErrNotFound             = errors.New("vault: not found")
	ErrNotInitialized       = errors.New("vault: metadata not initialized")
	ErrUnknownRole          = errors.New("vault: unknown role")
	ErrUnknownContainerType = errors.New("vault: unknown container type")
	ErrWrongContainerType   = errors.New("vault: container has a different type")
	ErrReservedContainer    = errors.New("vault: container name is reserved")
	ErrNoSuchFile           = errors.New("vault: no such file in container")
	ErrInvalidKey           = errors.New("vault: invalid file key")
	ErrInvalidLink          = errors.New("vault: invalid link")
)
