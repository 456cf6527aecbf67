// Package events implements the EventDecoder (C2): stateless ABI
// decoding of bridge event logs out of a SubMat's receipts. Modeled on
// beacon-chain/powchain/log_processing.go's event-signature dispatch,
// generalized from the deposit contract's single event to the hub's
// three event families (§6).
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// UserOperationSignature is topic0 for the hub's UserOperation event,
// emitted on the origin chain when a user initiates a cross-chain
// transfer (§6). It carries no origin_network_id of its own — the
// observing chain IS the origin, per decode_user_op_logs's signature
// (§4.2).
var UserOperationSignature = crypto.Keccak256Hash([]byte(
	"UserOperation(uint256,string,bytes4,string,string,uint256,address,bytes4,address,uint256,bytes,bytes32)",
))

// UserOperationQueuedSignature is topic0 for the destination hub's
// acceptance of a relayed user operation into its execution queue.
// spec.md §6 gives the wire ABI only for the origin-side UserOperation
// log; it is silent on how "Enqueued" is observed. Since a UserOp's uid
// (§3) is computed over its origin_network_id among other fields, and
// that value isn't otherwise recoverable from the destination chain's
// own NetworkId, this queued-acceptance log repeats the full identity
// tuple with origin_network_id prefixed, so the destination-side Syncer
// can recompute the identical uid without external state (documented as
// a SUPPLEMENTED FEATURE decision in DESIGN.md).
var UserOperationQueuedSignature = crypto.Keccak256Hash([]byte(
	"UserOperationQueued(bytes4,uint256,string,bytes4,string,string,uint256,address,bytes4,address,uint256,bytes,bytes32)",
))

// ActorsPropagatedSignature is topic0 for the governance contract's
// ActorsPropagated event, taken verbatim from spec.md §6 (a full
// 32-byte value).
var ActorsPropagatedSignature = common.HexToHash("0x7d394dea630b3e42246f284e4e4b75cff4f959869b3d753639ba8ae6120c67c3")

// ChallengePendingSignature / ChallengeSolvedSignature distinguish the
// two Challenge event variants sharing the data layout in §6. The hub's
// Solidity source isn't part of this spec, so these event names are
// this rewrite's own naming of the two documented variants.
var (
	ChallengePendingSignature = crypto.Keccak256Hash([]byte("ChallengePending(uint256,address,address,uint8,uint64,bytes4)"))
	ChallengeSolvedSignature  = crypto.Keccak256Hash([]byte("ChallengeSolved(uint256,address,address,uint8,uint64,bytes4)"))
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// userOpArgs is the non-indexed tuple layout of the UserOperation log
// (§6): (uint256 nonce, string destinationAccount, bytes4
// destinationNetworkId, string underlyingAssetName, string
// underlyingAssetSymbol, uint256 underlyingAssetDecimals, address
// underlyingAssetTokenAddress, bytes4 underlyingAssetNetworkId, address
// assetTokenAddress, uint256 assetAmount, bytes userData, bytes32 optionsMask).
var userOpArgs = abi.Arguments{
	{Type: mustType("uint256")}, // nonce
	{Type: mustType("string")},  // destinationAccount
	{Type: mustType("bytes4")},  // destinationNetworkId
	{Type: mustType("string")},  // underlyingAssetName
	{Type: mustType("string")},  // underlyingAssetSymbol
	{Type: mustType("uint256")}, // underlyingAssetDecimals
	{Type: mustType("address")}, // underlyingAssetTokenAddress
	{Type: mustType("bytes4")},  // underlyingAssetNetworkId
	{Type: mustType("address")}, // assetTokenAddress
	{Type: mustType("uint256")}, // assetAmount
	{Type: mustType("bytes")},   // userData
	{Type: mustType("bytes32")}, // optionsMask
}

// userOpQueuedArgs is userOpArgs with originNetworkId prefixed (see
// UserOperationQueuedSignature).
var userOpQueuedArgs = abi.Arguments{
	{Type: mustType("bytes4")}, // originNetworkId
	{Type: mustType("uint256")},
	{Type: mustType("string")},
	{Type: mustType("bytes4")},
	{Type: mustType("string")},
	{Type: mustType("string")},
	{Type: mustType("uint256")},
	{Type: mustType("address")},
	{Type: mustType("bytes4")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
	{Type: mustType("bytes")},
	{Type: mustType("bytes32")},
}

// actorsPropagatedArgs is (address[] actor_addresses, uint8[] actor_types).
var actorsPropagatedArgs = abi.Arguments{
	{Type: mustType("address[]")},
	{Type: mustType("uint8[]")},
}

// challengeArgs is (uint256 nonce, address actor, address challenger,
// uint8 actorType, uint64 timestamp, bytes4 networkId).
var challengeArgs = abi.Arguments{
	{Type: mustType("uint256")},
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint8")},
	{Type: mustType("uint64")},
	{Type: mustType("bytes4")},
}

// solveChallengeArgs packs calls to the hub's solveChallenge(Challenge,
// uint8,bytes32[],bytes) function (§6), used by the ChallengeResponder (C8).
var solveChallengeArgs = abi.Arguments{
	{Type: mustType("uint256")}, // nonce
	{Type: mustType("address")}, // actor
	{Type: mustType("address")}, // challenger
	{Type: mustType("uint8")},   // actorType
	{Type: mustType("uint64")},  // timestamp
	{Type: mustType("bytes4")},  // networkId
	{Type: mustType("uint8")},   // ActorType::Sentinel
	{Type: mustType("bytes32[]")},
	{Type: mustType("bytes")},
}
var solveChallengeSelector = crypto.Keccak256([]byte("solveChallenge((uint256,address,address,uint8,uint64,bytes4),uint8,bytes32[],bytes)"))[:4]

// PackSolveChallenge ABI-encodes a call to the hub's solveChallenge
// function (§4.8, §6).
func PackSolveChallenge(nonce *big.Int, actor, challenger common.Address, actorType uint8, timestamp uint64, networkID [4]byte, responderActorType uint8, proof [][32]byte, signature []byte) ([]byte, error) {
	packed, err := solveChallengeArgs.Pack(nonce, actor, challenger, actorType, timestamp, networkID, responderActorType, proof, signature)
	if err != nil {
		return nil, errors.Wrap(err, "could not pack solveChallenge call")
	}
	return append(append([]byte{}, solveChallengeSelector...), packed...), nil
}
