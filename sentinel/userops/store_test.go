package userops

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/kvstore"
)

func newTestStore(t *testing.T) *Store {
	db, err := kvstore.Open(t.TempDir(), Buckets()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

// §8 scenario 5: a UserOp witnessed on origin, then enqueued on
// destination, merges into a single matched record.
func TestStorePutOrMergeAndMatch(t *testing.T) {
	s := newTestStore(t)
	op := baseOp()
	require.NoError(t, s.PutOrMerge(op))

	got, err := s.Get(op.UID())
	require.NoError(t, err)
	require.False(t, got.Matched())

	enqueue := &UserOp{
		OriginNetworkId:      op.OriginNetworkId,
		DestinationNetworkId: op.DestinationNetworkId,
		Nonce:                op.Nonce,
		DestinationAccount:   op.DestinationAccount,
		Asset:                op.Asset,
		StateHistory: []UserOpStateEntry{
			{Kind: StateEnqueued, Side: SideDestination, TxHash: common.Hash{0x02}},
		},
	}
	require.NoError(t, s.PutOrMerge(enqueue))

	got, err = s.Get(op.UID())
	require.NoError(t, err)
	require.True(t, got.Matched())
	require.Len(t, got.StateHistory, 2)
}

func TestStoreMarkUnknownUID(t *testing.T) {
	s := newTestStore(t)
	err := s.Mark(common.Hash{0x42}, UserOpStateEntry{Kind: StateCancelled})
	require.Error(t, err)
	var unknown *ErrUnknownUID
	require.ErrorAs(t, err, &unknown)
}

func TestStoreIterRecentOrder(t *testing.T) {
	s := newTestStore(t)
	var uids []common.Hash
	for i := 0; i < 3; i++ {
		op := &UserOp{
			OriginNetworkId:      [4]byte{0x01},
			DestinationNetworkId: [4]byte{0x02},
			Nonce:                big.NewInt(int64(i)),
			DestinationAccount:   "0xabc",
			Asset:                Asset{Amount: big.NewInt(1)},
			StateHistory: []UserOpStateEntry{
				{Kind: StateWitnessed, Side: SideOrigin, TxHash: common.Hash{byte(i)}},
			},
		}
		require.NoError(t, s.PutOrMerge(op))
		uids = append(uids, op.UID())
	}

	recent, err := s.IterRecent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, uids[2], recent[0].UID(), "most recently added op should come first")
	require.Equal(t, uids[1], recent[1].UID())
}
