package chain

import "fmt"

// ErrNoParent is returned by Insert when sub_mat.parent_hash is not
// present in the store (§4.1). Recoverable: the syncer rewinds (§4.5).
type ErrNoParent struct {
	Height uint64
}

func (e *ErrNoParent) Error() string {
	return fmt.Sprintf("no parent found in store for block at height %d", e.Height)
}

// ErrAlreadyInDb is returned by Insert when sub_mat.block_hash is
// already present (§4.1). Recoverable: the syncer steps forward (§4.5).
type ErrAlreadyInDb struct {
	Height uint64
}

func (e *ErrAlreadyInDb) Error() string {
	return fmt.Sprintf("block at height %d already in db", e.Height)
}

// ErrValidationFailed wraps a chain-specific header/receipt validation
// failure. Fatal for that one block only (§4.1 Failure).
type ErrValidationFailed struct {
	Height uint64
	Reason string
}

func (e *ErrValidationFailed) Error() string {
	return fmt.Sprintf("validation failed for block at height %d: %s", e.Height, e.Reason)
}

// ErrUnknownNetwork is returned by any operation addressed to a
// NetworkId the store was never initialized for.
type ErrUnknownNetwork struct {
	NetworkId NetworkId
}

func (e *ErrUnknownNetwork) Error() string {
	return fmt.Sprintf("chain store has no tip initialized for network %s", e.NetworkId)
}
