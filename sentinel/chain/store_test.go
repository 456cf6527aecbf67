package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/kvstore"
)

func testNetID() NetworkId {
	return NetworkId{0xde, 0xad, 0xbe, 0xef}
}

func newTestStore(t *testing.T) *Store {
	db, err := kvstore.Open(t.TempDir(), Buckets()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, func(*SubMat) error { return nil })
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

func subMat(number uint64, parent common.Hash, extra byte) *SubMat {
	h := header(number, parent, extra)
	return NewSubMat(h, types.Receipts{})
}

// §8 E2E scenario 1: warm-up.
func TestWarmUp(t *testing.T) {
	s := newTestStore(t)
	netID := testNetID()

	b0 := subMat(0, common.Hash{}, 0)
	require.NoError(t, s.Init(netID, b0, 3))

	b1 := subMat(1, b0.BlockHash, 1)
	require.NoError(t, s.Insert(netID, b1, false))
	sm, err := s.GetCanonicalSubMat(netID)
	require.NoError(t, err)
	require.Nil(t, sm, "chain should not be warm after only 2 blocks with confs=3")

	b2 := subMat(2, b1.BlockHash, 2)
	require.NoError(t, s.Insert(netID, b2, false))
	sm, err = s.GetCanonicalSubMat(netID)
	require.NoError(t, err)
	require.NotNil(t, sm)
	require.Equal(t, b0.BlockHash, sm.BlockHash, "canon should be b0 once warm")
}

// §8 E2E scenario 2: NoParent rewind.
func TestInsertNoParent(t *testing.T) {
	s := newTestStore(t)
	netID := testNetID()

	prev := subMat(100, common.Hash{}, 0)
	require.NoError(t, s.Init(netID, prev, 1))
	for i := uint64(101); i <= 105; i++ {
		next := subMat(i, prev.BlockHash, byte(i))
		require.NoError(t, s.Insert(netID, next, false))
		prev = next
	}

	orphan := subMat(107, common.Hash{0xff}, 107)
	err := s.Insert(netID, orphan, false)
	require.Error(t, err)
	var noParent *ErrNoParent
	require.ErrorAs(t, err, &noParent)
	require.Equal(t, uint64(107), noParent.Height)
}

// §8 E2E scenario 3: duplicate step-forward.
func TestInsertAlreadyInDb(t *testing.T) {
	s := newTestStore(t)
	netID := testNetID()

	prev := subMat(100, common.Hash{}, 0)
	require.NoError(t, s.Init(netID, prev, 1))
	var b103 *SubMat
	for i := uint64(101); i <= 105; i++ {
		next := subMat(i, prev.BlockHash, byte(i))
		require.NoError(t, s.Insert(netID, next, false))
		if i == 103 {
			b103 = next
		}
		prev = next
	}

	dup := subMat(103, b103.ParentHash, 103)
	err := s.Insert(netID, dup, false)
	require.Error(t, err)
	var already *ErrAlreadyInDb
	require.ErrorAs(t, err, &already)
}

func TestResetTo(t *testing.T) {
	s := newTestStore(t)
	netID := testNetID()
	b0 := subMat(0, common.Hash{}, 0)
	require.NoError(t, s.Init(netID, b0, 5))
	b1 := subMat(1, b0.BlockHash, 1)
	require.NoError(t, s.Insert(netID, b1, false))

	newGenesis := subMat(50, common.Hash{}, 9)
	require.NoError(t, s.ResetTo(netID, newGenesis, 2))
	tip, err := s.GetTip(netID)
	require.NoError(t, err)
	require.Equal(t, newGenesis.BlockHash, tip.Latest)
	require.Equal(t, uint64(2), tip.CanonToTipLength)

	_, err = s.GetSubMat(netID, b1.BlockHash)
	require.Error(t, err, "old sub_mats should have been erased by reset")
}

// §8 testable property: Linker-hash determinism.
func TestComputeLinkerHashDeterministic(t *testing.T) {
	a := common.Hash{0x01}
	b := common.Hash{0x02}
	prev := common.Hash{0x03}
	require.Equal(t, ComputeLinkerHash(a, b, prev), ComputeLinkerHash(a, b, prev))
	require.NotEqual(t, ComputeLinkerHash(a, b, prev), ComputeLinkerHash(b, a, prev))

	// No previous linker hash (zero value) falls back to the genesis
	// constant rather than hashing in an empty hash.
	require.Equal(t, ComputeLinkerHash(a, b, common.Hash{}), ComputeLinkerHash(a, b, genesisLinkerHash))
}

// Once the tail pointer itself moves past the anchor, the linker hash
// advances off its zero value (§4.1 step 5: recomputed "when the new
// tail's parent appears in store" — the anchor's own parent never
// does, so the zero-value period before the tail first moves is
// expected).
func TestInsertAdvancesLinkerHash(t *testing.T) {
	s := newTestStore(t)
	netID := testNetID()

	b0 := subMat(0, common.Hash{}, 0)
	require.NoError(t, s.Init(netID, b0, 3))
	prev := b0
	for i := uint64(1); i <= 2; i++ {
		next := subMat(i, prev.BlockHash, byte(i))
		require.NoError(t, s.Insert(netID, next, false))
		prev = next
	}
	tip, err := s.GetTip(netID)
	require.NoError(t, err)
	require.Equal(t, b0.BlockHash, tip.Tail, "tail still equals anchor once barely warm")
	require.Equal(t, common.Hash{}, tip.LinkerHash, "no recomputation yet while tail hasn't moved past anchor")

	b3 := subMat(3, prev.BlockHash, 3)
	require.NoError(t, s.Insert(netID, b3, false))
	tip2, err := s.GetTip(netID)
	require.NoError(t, err)
	require.NotEqual(t, b0.BlockHash, tip2.Tail, "tail should have advanced past anchor")
	require.NotEqual(t, common.Hash{}, tip2.LinkerHash, "linker hash should now be set")
}

func TestPruneTail(t *testing.T) {
	s := newTestStore(t)
	netID := testNetID()
	prev := subMat(0, common.Hash{}, 0)
	require.NoError(t, s.Init(netID, prev, 2))
	hashes := []common.Hash{prev.BlockHash}
	for i := uint64(1); i <= 5; i++ {
		next := subMat(i, prev.BlockHash, byte(i))
		require.NoError(t, s.Insert(netID, next, false))
		hashes = append(hashes, next.BlockHash)
		prev = next
	}

	require.NoError(t, s.PruneTail(netID))
	tip, err := s.GetTip(netID)
	require.NoError(t, err)

	// Anchor and tail survive; everything strictly between does not.
	_, err = s.GetSubMat(netID, tip.Anchor)
	require.NoError(t, err)
	_, err = s.GetSubMat(netID, tip.Tail)
	require.NoError(t, err)
	_, err = s.GetSubMat(netID, hashes[2])
	require.Error(t, err)
}
