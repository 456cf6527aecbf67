package userops

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func baseOp() *UserOp {
	return &UserOp{
		OriginNetworkId:      [4]byte{0x01},
		DestinationNetworkId: [4]byte{0x02},
		Nonce:                big.NewInt(1),
		DestinationAccount:   "0xabc",
		Asset:                Asset{Amount: big.NewInt(100)},
		StateHistory: []UserOpStateEntry{
			{Kind: StateWitnessed, Side: SideOrigin, TxHash: common.Hash{0x01}},
		},
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := baseOp()
	resend := &UserOp{StateHistory: []UserOpStateEntry{
		{Kind: StateWitnessed, Side: SideOrigin, TxHash: common.Hash{0x01}},
	}}
	merged, err := Merge(a, resend)
	require.NoError(t, err)
	require.Same(t, a, merged, "an exact resend must leave the record unchanged")
}

func TestMergeValidTransition(t *testing.T) {
	a := baseOp()
	enqueue := &UserOp{StateHistory: []UserOpStateEntry{
		{Kind: StateEnqueued, Side: SideDestination, TxHash: common.Hash{0x02}},
	}}
	merged, err := Merge(a, enqueue)
	require.NoError(t, err)
	require.True(t, merged.Flags().Has(StateEnqueued))
	require.True(t, merged.Matched(), "witnessed-origin + enqueued-destination should match")
	require.Len(t, merged.StateHistory, 2)
}

func TestMergeRejectsSkippedTransition(t *testing.T) {
	a := baseOp()
	execute := &UserOp{StateHistory: []UserOpStateEntry{
		{Kind: StateExecuted, Side: SideDestination, TxHash: common.Hash{0x03}},
	}}
	_, err := Merge(a, execute)
	require.Error(t, err)
	var cannotUpdate *ErrCannotUpdate
	require.ErrorAs(t, err, &cannotUpdate)
}

func TestMergeRejectsCancelAfterExecuted(t *testing.T) {
	a := baseOp()
	a.StateHistory = append(a.StateHistory,
		UserOpStateEntry{Kind: StateEnqueued, Side: SideDestination, TxHash: common.Hash{0x02}},
		UserOpStateEntry{Kind: StateExecuted, Side: SideDestination, TxHash: common.Hash{0x03}},
	)
	cancel := &UserOp{StateHistory: []UserOpStateEntry{
		{Kind: StateCancelled, Side: SideOrigin, TxHash: common.Hash{0x04}},
	}}
	_, err := Merge(a, cancel)
	require.Error(t, err)
	var cannotCancel *ErrCannotCancel
	require.ErrorAs(t, err, &cannotCancel)
}

func TestMergeTieBreakDistinctWitness(t *testing.T) {
	a := baseOp()
	secondWitness := &UserOp{StateHistory: []UserOpStateEntry{
		{Kind: StateWitnessed, Side: SideOrigin, TxHash: common.Hash{0x99}},
	}}
	merged, err := Merge(a, secondWitness)
	require.NoError(t, err)
	require.Len(t, merged.StateHistory, 2, "a distinct tx hash for the same state must be recorded, not dropped")
}
