package cancel

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/userops"
)

var originNet = chain.NetworkId{0x01}

func opWithFlags(enqueuedMs int64, extra ...userops.UserOpStateEntry) *userops.UserOp {
	op := &userops.UserOp{
		OriginNetworkId:      originNet,
		DestinationNetworkId: chain.NetworkId{0x02},
		Nonce:                big.NewInt(1),
		Asset:                userops.Asset{Amount: big.NewInt(1)},
		StateHistory: append([]userops.UserOpStateEntry{
			{Kind: userops.StateEnqueued, Side: userops.SideDestination, TxHash: common.Hash{0x1}, TimestampMs: enqueuedMs},
		}, extra...),
	}
	return op
}

// §8 end-to-end scenario 4: enqueued-at=1000, origin-latest-ts=1200,
// leeway=10(s), now=1300 => cancellable; enqueued-at=1195 => not
// cancellable. Timestamps here are expressed in the same units the
// scenario uses (seconds), scaled to milliseconds for SelectCancellable.
func TestSelectCancellableGateScenario4(t *testing.T) {
	op := opWithFlags(1000 * 1000)
	originLatest := map[chain.NetworkId]int64{originNet: 1200 * 1000}
	now := int64(1300 * 1000)

	out := SelectCancellable([]*userops.UserOp{op}, originLatest, now)
	require.Len(t, out, 1)

	// Isolate the origin-past-leeway branch (nowMs=0, i.e. wall clock
	// unavailable): with enqueued-at moved to 1195, the origin chain's
	// own clock (1200) hasn't passed it by the leeway margin (10), so
	// this branch alone must not flag the op cancellable.
	notYet := opWithFlags(1195 * 1000)
	out = SelectCancellable([]*userops.UserOp{notYet}, originLatest, 0)
	require.Empty(t, out, "origin hasn't passed enqueue time by the leeway margin yet")
}

func TestSelectCancellableGateWitnessed(t *testing.T) {
	op := opWithFlags(1000*1000, userops.UserOpStateEntry{Kind: userops.StateWitnessed, Side: userops.SideOrigin, TxHash: common.Hash{0x2}})
	originLatest := map[chain.NetworkId]int64{originNet: 1200 * 1000}
	out := SelectCancellable([]*userops.UserOp{op}, originLatest, 1300*1000)
	require.Empty(t, out, "an op with the Witnessed bit set must never be cancellable")
}

func TestSelectCancellableGateCancelled(t *testing.T) {
	op := opWithFlags(1000*1000, userops.UserOpStateEntry{Kind: userops.StateCancelled, Side: userops.SideDestination, TxHash: common.Hash{0x3}})
	originLatest := map[chain.NetworkId]int64{originNet: 1200 * 1000}
	out := SelectCancellable([]*userops.UserOp{op}, originLatest, 1300*1000)
	require.Empty(t, out, "an op with the Cancelled bit set must never be cancellable (idempotence)")
}

func TestSelectCancellableInSyncWithRealTimeGate(t *testing.T) {
	// origin syncer is stale (o is far behind e), but wall clock shows
	// the origin observation itself is more than a leeway stale.
	op := opWithFlags(1000 * 1000)
	originLatest := map[chain.NetworkId]int64{originNet: 500 * 1000}
	now := int64(600 * 1000)
	out := SelectCancellable([]*userops.UserOp{op}, originLatest, now)
	require.Len(t, out, 1)
}

func TestSelectCancellableUnknownNetworkSkipped(t *testing.T) {
	op := opWithFlags(1000 * 1000)
	out := SelectCancellable([]*userops.UserOp{op}, map[chain.NetworkId]int64{}, 2000*1000)
	require.Empty(t, out, "no origin observation yet means unknown, not cancellable")
}
