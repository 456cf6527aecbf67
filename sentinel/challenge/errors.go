package challenge

import (
	"fmt"
	"math/big"
)

// ErrInsufficientBalance is §7's InsufficientBalance: the signer can't
// afford the gas for a response, so the challenge is skipped rather
// than failed outright.
type ErrInsufficientBalance struct {
	Have *big.Int
	Need *big.Int
}

func (e *ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance to respond: have %s, need %s", e.Have, e.Need)
}

// ErrNotSelf is returned when a Challenge event doesn't name this
// sentinel's own address and so isn't ours to answer.
type ErrNotSelf struct{}

func (e *ErrNotSelf) Error() string { return "challenge does not name our own address" }
