package syncer

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/broadcast"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/kvstore"
)

func testNetID() chain.NetworkId {
	return chain.NetworkId{0xc0, 0xff, 0xee, 0x00}
}

func newTestStore(t *testing.T) *chain.Store {
	db, err := kvstore.Open(t.TempDir(), chain.Buckets()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return chain.NewStore(db, func(*chain.SubMat) error { return nil })
}

func header(number uint64, parent common.Hash, extra byte) *types.Header {
	return &types.Header{
		ParentHash: parent,
		Number:     big.NewInt(int64(number)),
		Time:       1000 + number,
		Extra:      []byte{extra},
		Difficulty: big.NewInt(1),
	}
}

func subMat(number uint64, parent common.Hash, extra byte) *chain.SubMat {
	return chain.NewSubMat(header(number, parent, extra), types.Receipts{})
}

// fakeFetcher serves a fixed, by-height map of SubMats, as if it were
// rpcclient.Client.SubMat against a single-branch chain.
type fakeFetcher struct {
	byHeight map[uint64]*chain.SubMat
}

func (f *fakeFetcher) SubMat(_ context.Context, height *big.Int) (*chain.SubMat, error) {
	sm, ok := f.byHeight[height.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return sm, nil
}

func newFakeChain(n uint64) (map[uint64]*chain.SubMat, *chain.SubMat) {
	byHeight := make(map[uint64]*chain.SubMat, n)
	genesis := subMat(0, common.Hash{}, 0)
	prev := genesis
	for i := uint64(1); i <= n; i++ {
		next := subMat(i, prev.BlockHash, byte(i))
		byHeight[i] = next
		prev = next
	}
	return byHeight, genesis
}

// TestProcessNewlyCanonicalWaitsForConfirmationDepth exercises §4.1 step
// 5: canonSeen (and therefore the event hooks) must not advance until a
// SubMat has passed confirmation depth and actually become canon, not
// merely been inserted as the new tip.
func TestProcessNewlyCanonicalWaitsForConfirmationDepth(t *testing.T) {
	store := newTestStore(t)
	netID := testNetID()
	byHeight, genesis := newFakeChain(10)
	require.NoError(t, store.Init(netID, genesis, 3))

	s := New(Config{NetworkId: netID, BatchSize: 1, Confs: 3}, &fakeFetcher{byHeight: byHeight}, store, Hooks{})

	ctx := context.Background()
	require.NoError(t, s.step(ctx))
	require.Equal(t, common.Hash{}, s.canonSeen, "canon should not have emerged yet with only 1 block past genesis at confs=3")

	require.NoError(t, s.step(ctx))
	require.NotEqual(t, common.Hash{}, s.canonSeen, "canon should have emerged once the chain has warmed")
	require.Equal(t, genesis.BlockHash, s.canonSeen, "the first canon block is the genesis/anchor itself")
}

// TestProcessNewlyCanonicalAdvancesOncePerNewCanon checks that canonSeen
// keeps pace with canon as further blocks land, without reprocessing
// blocks already seen.
func TestProcessNewlyCanonicalAdvancesOncePerNewCanon(t *testing.T) {
	store := newTestStore(t)
	netID := testNetID()
	byHeight, genesis := newFakeChain(10)
	require.NoError(t, store.Init(netID, genesis, 2))

	s := New(Config{NetworkId: netID, BatchSize: 1, Confs: 2}, &fakeFetcher{byHeight: byHeight}, store, Hooks{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.step(ctx))
	}
	tip, err := store.GetTip(netID)
	require.NoError(t, err)
	require.Equal(t, tip.Canon, s.canonSeen, "canonSeen should track the tip's canon pointer after several advances")
}

// TestHandleInsertErrorRecovery exercises §8 scenarios 2/3: NoParent
// rewinds the target and AlreadyInDb steps forward, both switching to
// single-submission mode.
func TestHandleInsertErrorRecovery(t *testing.T) {
	store := newTestStore(t)
	netID := testNetID()
	prev := subMat(100, common.Hash{}, 0)
	require.NoError(t, store.Init(netID, prev, 1))
	var b103 *chain.SubMat
	for i := uint64(101); i <= 105; i++ {
		next := subMat(i, prev.BlockHash, byte(i))
		require.NoError(t, store.Insert(netID, next, false))
		if i == 103 {
			b103 = next
		}
		prev = next
	}

	s := New(Config{NetworkId: netID, BatchSize: 5, Confs: 1}, &fakeFetcher{}, store, Hooks{})

	orphan := subMat(107, common.Hash{0xff}, 107)
	err := store.Insert(netID, orphan, false)
	require.Error(t, err)
	wrapped := s.handleInsertError(err, 107)
	require.Error(t, wrapped)
	require.True(t, s.singleSubmit)
	require.Equal(t, uint64(106), s.nextTarget)

	s.singleSubmit = false
	dup := subMat(103, b103.ParentHash, 103)
	err = store.Insert(netID, dup, false)
	require.Error(t, err)
	wrapped = s.handleInsertError(err, 103)
	require.Error(t, wrapped)
	require.True(t, s.singleSubmit)
	require.Equal(t, uint64(104), s.nextTarget)
}

// TestMsgResetClearsSyncState exercises the reset-notification path a
// resetChain command drives: Syncer state must not survive an external
// chain reset, or it could resume from a stale target.
func TestMsgResetClearsSyncState(t *testing.T) {
	netID := testNetID()
	s := New(Config{NetworkId: netID, Confs: 1}, &fakeFetcher{}, nil, Hooks{})
	s.nextTarget = 500
	s.singleSubmit = true
	s.canonSeen = common.HexToHash("0x01")

	s.handleBroadcast(broadcast.Message{Kind: broadcast.MsgReset, Addressee: broadcast.AddrSyncer, Payload: netID})

	require.Equal(t, uint64(0), s.nextTarget)
	require.False(t, s.singleSubmit)
	require.Equal(t, common.Hash{}, s.canonSeen)
}

// TestMsgResetIgnoresOtherNetworks ensures a reset addressed to a
// different network doesn't disturb this Syncer's state.
func TestMsgResetIgnoresOtherNetworks(t *testing.T) {
	s := New(Config{NetworkId: testNetID(), Confs: 1}, &fakeFetcher{}, nil, Hooks{})
	s.nextTarget = 500

	other := chain.NetworkId{0x01, 0x02, 0x03, 0x04}
	s.handleBroadcast(broadcast.Message{Kind: broadcast.MsgReset, Addressee: broadcast.AddrSyncer, Payload: other})

	require.Equal(t, uint64(500), s.nextTarget)
}
