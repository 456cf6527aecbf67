package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
)

var hubAddress = common.HexToAddress("0x1111111111111111111111111111111111111111")
var governanceAddress = common.HexToAddress("0x2222222222222222222222222222222222222222")

func userOpLog(nonce int64) *types.Log {
	data, err := userOpArgs.Pack(
		big.NewInt(nonce),
		"dest-account",
		[4]byte{0x00, 0x00, 0x00, 0x02},
		"Wrapped Ether",
		"WETH",
		big.NewInt(18),
		common.HexToAddress("0x3333333333333333333333333333333333333333"),
		[4]byte{0x00, 0x00, 0x00, 0x03},
		common.HexToAddress("0x4444444444444444444444444444444444444444"),
		big.NewInt(1000),
		[]byte("userdata"),
		[32]byte{0xaa},
	)
	if err != nil {
		panic(err)
	}
	return &types.Log{
		Address: hubAddress,
		Topics:  []common.Hash{UserOperationSignature},
		Data:    data,
		TxHash:  common.Hash{byte(nonce)},
	}
}

func TestDecodeUserOpLogs(t *testing.T) {
	receipts := types.Receipts{{Logs: []*types.Log{userOpLog(7)}}}
	origin := chain.NetworkId{0x00, 0x00, 0x00, 0x01}

	ops, err := DecodeUserOpLogs(receipts, hubAddress, origin)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, big.NewInt(7), ops[0].Nonce)
	require.Equal(t, "dest-account", ops[0].DestinationAccount)
	require.Equal(t, origin, ops[0].OriginNetworkId)
	require.Equal(t, "WETH", ops[0].UnderlyingAsset.Symbol)
}

func TestDecodeUserOpLogsIgnoresOtherAddresses(t *testing.T) {
	l := userOpLog(1)
	l.Address = common.HexToAddress("0x9999999999999999999999999999999999999999")
	receipts := types.Receipts{{Logs: []*types.Log{l}}}
	ops, err := DecodeUserOpLogs(receipts, hubAddress, chain.NetworkId{})
	require.NoError(t, err)
	require.Empty(t, ops)
}

func actorsPropagatedLog(epoch int64, n int) *types.Log {
	addrs := make([]common.Address, n)
	kinds := make([]uint8, n)
	for i := 0; i < n; i++ {
		addrs[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
		kinds[i] = uint8(i % 2)
	}
	data, err := actorsPropagatedArgs.Pack(addrs, kinds)
	if err != nil {
		panic(err)
	}
	return &types.Log{
		Address: governanceAddress,
		Topics:  []common.Hash{ActorsPropagatedSignature, common.BigToHash(big.NewInt(epoch))},
		Data:    data,
	}
}

// §8 scenario 6: one ActorsPropagated log with epoch=26 and 6
// address/type pairs decodes to an Actors of length 6; a second such
// log in the same receipt set is TooManyLogs.
func TestDecodeActorsPropagated(t *testing.T) {
	receipts := types.Receipts{{Logs: []*types.Log{actorsPropagatedLog(26, 6)}}}
	actors, err := DecodeActorsPropagated(receipts, governanceAddress, chain.NetworkId{})
	require.NoError(t, err)
	require.NotNil(t, actors)
	require.Equal(t, big.NewInt(26), actors.Epoch)
	require.Equal(t, 6, actors.Len())
}

func TestDecodeActorsPropagatedTooManyLogs(t *testing.T) {
	receipts := types.Receipts{{Logs: []*types.Log{
		actorsPropagatedLog(26, 6),
		actorsPropagatedLog(26, 6),
	}}}
	_, err := DecodeActorsPropagated(receipts, governanceAddress, chain.NetworkId{})
	require.Error(t, err)
	var tooMany *ErrTooManyLogs
	require.ErrorAs(t, err, &tooMany)
}

func TestDecodeActorsPropagatedNone(t *testing.T) {
	actors, err := DecodeActorsPropagated(types.Receipts{{Logs: []*types.Log{}}}, governanceAddress, chain.NetworkId{})
	require.NoError(t, err)
	require.Nil(t, actors)
}

func TestDecodeChallengeEvents(t *testing.T) {
	data, err := challengeArgs.Pack(
		big.NewInt(5),
		common.HexToAddress("0x5555555555555555555555555555555555555555"),
		common.HexToAddress("0x6666666666666666666666666666666666666666"),
		uint8(ActorTypeSentinel),
		uint64(1700000000),
		[4]byte{0x00, 0x00, 0x00, 0x01},
	)
	require.NoError(t, err)
	pending := &types.Log{Address: hubAddress, Topics: []common.Hash{ChallengePendingSignature}, Data: data, TxHash: common.Hash{0x01}}
	solved := &types.Log{Address: hubAddress, Topics: []common.Hash{ChallengeSolvedSignature}, Data: data, TxHash: common.Hash{0x02}}
	receipts := types.Receipts{{Logs: []*types.Log{pending, solved}}}

	events, err := DecodeChallengeEvents(receipts, hubAddress)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ChallengePending, events[0].Kind)
	require.Equal(t, ChallengeSolved, events[1].Kind)
	require.Equal(t, big.NewInt(5), events[0].Nonce)
}
