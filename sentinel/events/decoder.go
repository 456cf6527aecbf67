package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/userops"
)

var log = logrus.WithField("prefix", "events")

// ActorType enumerates the actor kinds carried in ActorsPropagated and
// Challenge logs (§6). The concrete membership isn't specified beyond
// "uint8"; Sentinel is the only variant this build needs to recognize
// on the wire, so it's named and every other value is kept opaque.
type ActorType uint8

const ActorTypeSentinel ActorType = 0

// Actor is one (address, type) pair out of an ActorsPropagated log.
type Actor struct {
	Address common.Address
	Type    ActorType
}

// Actors is the decoded result of a governance ActorsPropagated event:
// the actor set effective as of Epoch, in log order (the order the
// ChallengeResponder's Merkle tree is built over).
type Actors struct {
	Epoch   *big.Int
	Members []Actor
}

func (a *Actors) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Members)
}

// DecodeUserOpLogs implements decode_user_op_logs (§4.2): scans
// receipts for UserOperation logs emitted by hubAddress, ABI-decodes
// each, and computes each resulting UserOp's uid.
func DecodeUserOpLogs(receipts types.Receipts, hubAddress common.Address, originNetworkID chain.NetworkId) ([]*userops.UserOp, error) {
	var out []*userops.UserOp
	for _, receipt := range receipts {
		for _, l := range receipt.Logs {
			if l.Address != hubAddress || len(l.Topics) == 0 || l.Topics[0] != UserOperationSignature {
				continue
			}
			op, err := decodeUserOpLog(l.Data, originNetworkID)
			if err != nil {
				log.WithError(err).WithField("tx", l.TxHash).Warn("dropping malformed UserOperation log")
				continue
			}
			out = append(out, op)
		}
	}
	return out, nil
}

func decodeUserOpLog(data []byte, originNetworkID chain.NetworkId) (*userops.UserOp, error) {
	values, err := userOpArgs.Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack UserOperation log")
	}
	if len(values) != 12 {
		return nil, errors.Errorf("expected 12 UserOperation fields, got %d", len(values))
	}
	nonce := values[0].(*big.Int)
	destinationAccount := values[1].(string)
	destinationNetworkID := values[2].([4]byte)
	underlyingName := values[3].(string)
	underlyingSymbol := values[4].(string)
	underlyingDecimals := values[5].(*big.Int)
	underlyingAddress := values[6].(common.Address)
	underlyingNetworkID := values[7].([4]byte)
	assetAddress := values[8].(common.Address)
	assetAmount := values[9].(*big.Int)
	userData := values[10].([]byte)
	optionsMask := values[11].([32]byte)

	return &userops.UserOp{
		OriginNetworkId:      originNetworkID,
		DestinationNetworkId: chain.NetworkId(destinationNetworkID),
		Nonce:                nonce,
		DestinationAccount:   destinationAccount,
		UnderlyingAsset: userops.UnderlyingAsset{
			Name:      underlyingName,
			Symbol:    underlyingSymbol,
			Decimals:  underlyingDecimals.Uint64(),
			Address:   underlyingAddress,
			NetworkId: chain.NetworkId(underlyingNetworkID),
		},
		Asset: userops.Asset{
			Address: assetAddress,
			Amount:  assetAmount,
		},
		UserData:    userData,
		OptionsMask: optionsMask,
	}, nil
}

// DecodeUserOpQueuedLogs scans receipts for UserOperationQueued logs
// emitted by hubAddress (the destination hub accepting a relayed
// operation into its execution queue) and ABI-decodes each into a
// UserOp whose identity fields reproduce the original witnessed
// operation's uid exactly (see UserOperationQueuedSignature).
func DecodeUserOpQueuedLogs(receipts types.Receipts, hubAddress common.Address) ([]*userops.UserOp, error) {
	var out []*userops.UserOp
	for _, receipt := range receipts {
		for _, l := range receipt.Logs {
			if l.Address != hubAddress || len(l.Topics) == 0 || l.Topics[0] != UserOperationQueuedSignature {
				continue
			}
			op, err := decodeUserOpQueuedLog(l.Data)
			if err != nil {
				log.WithError(err).WithField("tx", l.TxHash).Warn("dropping malformed UserOperationQueued log")
				continue
			}
			out = append(out, op)
		}
	}
	return out, nil
}

func decodeUserOpQueuedLog(data []byte) (*userops.UserOp, error) {
	values, err := userOpQueuedArgs.Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack UserOperationQueued log")
	}
	if len(values) != 13 {
		return nil, errors.Errorf("expected 13 UserOperationQueued fields, got %d", len(values))
	}
	originNetworkID := values[0].([4]byte)
	nonce := values[1].(*big.Int)
	destinationAccount := values[2].(string)
	destinationNetworkID := values[3].([4]byte)
	underlyingName := values[4].(string)
	underlyingSymbol := values[5].(string)
	underlyingDecimals := values[6].(*big.Int)
	underlyingAddress := values[7].(common.Address)
	underlyingNetworkID := values[8].([4]byte)
	assetAddress := values[9].(common.Address)
	assetAmount := values[10].(*big.Int)
	userData := values[11].([]byte)
	optionsMask := values[12].([32]byte)

	return &userops.UserOp{
		OriginNetworkId:      chain.NetworkId(originNetworkID),
		DestinationNetworkId: chain.NetworkId(destinationNetworkID),
		Nonce:                nonce,
		DestinationAccount:   destinationAccount,
		UnderlyingAsset: userops.UnderlyingAsset{
			Name:      underlyingName,
			Symbol:    underlyingSymbol,
			Decimals:  underlyingDecimals.Uint64(),
			Address:   underlyingAddress,
			NetworkId: chain.NetworkId(underlyingNetworkID),
		},
		Asset: userops.Asset{
			Address: assetAddress,
			Amount:  assetAmount,
		},
		UserData:    userData,
		OptionsMask: optionsMask,
	}, nil
}

// UserOpEvent pairs a decoded UserOp with the state transition its
// observation represents, for the Syncer to hand to the UserOpStore
// (§4.1 step 5).
type UserOpEvent struct {
	Op          *userops.UserOp
	Kind        userops.UserOpStateKind
	Side        userops.Side
	TxHash      common.Hash
	TimestampMs int64
}

// DecodeUserOpEvents combines the origin-side UserOperation log
// (Witnessed) and the destination-side UserOperationQueued log
// (Enqueued) into the tagged events a Syncer feeds to the UserOpStore,
// regardless of which side of the bridge this chain happens to be for
// a given op. originNetworkID is used only for the Witnessed case, per
// decode_user_op_logs's signature (§4.2); Enqueued events carry their
// own origin_network_id (see UserOperationQueuedSignature).
// blockTimestampMs is the containing block's timestamp, stamped onto
// each resulting state entry for §4.7's cancellation-gate arithmetic.
func DecodeUserOpEvents(receipts types.Receipts, hubAddress common.Address, originNetworkID chain.NetworkId, blockTimestampMs int64) ([]UserOpEvent, error) {
	var out []UserOpEvent
	for _, receipt := range receipts {
		for _, l := range receipt.Logs {
			if l.Address != hubAddress || len(l.Topics) == 0 {
				continue
			}
			switch l.Topics[0] {
			case UserOperationSignature:
				op, err := decodeUserOpLog(l.Data, originNetworkID)
				if err != nil {
					log.WithError(err).WithField("tx", l.TxHash).Warn("dropping malformed UserOperation log")
					continue
				}
				out = append(out, UserOpEvent{Op: op, Kind: userops.StateWitnessed, Side: userops.SideOrigin, TxHash: l.TxHash, TimestampMs: blockTimestampMs})
			case UserOperationQueuedSignature:
				op, err := decodeUserOpQueuedLog(l.Data)
				if err != nil {
					log.WithError(err).WithField("tx", l.TxHash).Warn("dropping malformed UserOperationQueued log")
					continue
				}
				out = append(out, UserOpEvent{Op: op, Kind: userops.StateEnqueued, Side: userops.SideDestination, TxHash: l.TxHash, TimestampMs: blockTimestampMs})
			default:
			}
		}
	}
	return out, nil
}

// DecodeActorsPropagated implements decode_actors_propagated (§4.2): at
// most one ActorsPropagated log is permitted per block (more is
// ErrTooManyLogs), and the decoded address/type arrays must be equal
// length (else ErrActorAddressesAndTypesMismatch). chainID is accepted
// per §4.2's signature but only used for logging context; the decoded
// Actors record carries no chain tag of its own.
func DecodeActorsPropagated(receipts types.Receipts, governanceAddress common.Address, chainID chain.NetworkId) (*Actors, error) {
	var found *types.Log
	var blockNumber uint64
	count := 0
	for _, receipt := range receipts {
		for _, l := range receipt.Logs {
			if l.Address != governanceAddress || len(l.Topics) < 2 || l.Topics[0] != ActorsPropagatedSignature {
				continue
			}
			count++
			blockNumber = l.BlockNumber
			if found == nil {
				found = l
			}
		}
	}
	if count > 1 {
		return nil, &ErrTooManyLogs{BlockNumber: blockNumber, Count: count}
	}
	if found == nil {
		return nil, nil
	}

	epoch := new(big.Int).SetBytes(found.Topics[1].Bytes())

	values, err := actorsPropagatedArgs.Unpack(found.Data)
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack ActorsPropagated log")
	}
	addresses := values[0].([]common.Address)
	kinds := values[1].([]uint8)
	if len(addresses) != len(kinds) {
		return nil, &ErrActorAddressesAndTypesMismatch{Addresses: len(addresses), Types: len(kinds)}
	}

	members := make([]Actor, len(addresses))
	for i := range addresses {
		members[i] = Actor{Address: addresses[i], Type: ActorType(kinds[i])}
	}
	log.WithFields(logrus.Fields{"chain_id": chainID.String(), "epoch": epoch}).Debug("decoded ActorsPropagated")
	return &Actors{Epoch: epoch, Members: members}, nil
}

// ChallengeKind distinguishes the two Challenge log variants sharing
// the §6 6-token layout.
type ChallengeKind uint8

const (
	ChallengePending ChallengeKind = iota
	ChallengeSolved
)

// ChallengeEvent is a decoded Challenge{Pending,Solved} log.
type ChallengeEvent struct {
	Kind      ChallengeKind
	Nonce     *big.Int
	Actor     common.Address
	Challenger common.Address
	ActorType ActorType
	Timestamp uint64
	NetworkId chain.NetworkId
	TxHash    common.Hash
}

// DecodeChallengeEvents implements decode_challenge_events (§4.2):
// parses every pending and solved Challenge log emitted by hubAddress.
func DecodeChallengeEvents(receipts types.Receipts, hubAddress common.Address) ([]ChallengeEvent, error) {
	var out []ChallengeEvent
	for _, receipt := range receipts {
		for _, l := range receipt.Logs {
			if l.Address != hubAddress || len(l.Topics) == 0 {
				continue
			}
			var kind ChallengeKind
			switch l.Topics[0] {
			case ChallengePendingSignature:
				kind = ChallengePending
			case ChallengeSolvedSignature:
				kind = ChallengeSolved
			default:
				continue
			}
			ev, err := decodeChallengeLog(l.Data)
			if err != nil {
				log.WithError(err).WithField("tx", l.TxHash).Warn("dropping malformed Challenge log")
				continue
			}
			ev.Kind = kind
			ev.TxHash = l.TxHash
			out = append(out, *ev)
		}
	}
	return out, nil
}

func decodeChallengeLog(data []byte) (*ChallengeEvent, error) {
	values, err := challengeArgs.Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack Challenge log")
	}
	return &ChallengeEvent{
		Nonce:      values[0].(*big.Int),
		Actor:      values[1].(common.Address),
		Challenger: values[2].(common.Address),
		ActorType:  ActorType(values[3].(uint8)),
		Timestamp:  values[4].(uint64),
		NetworkId:  chain.NetworkId(values[5].([4]byte)),
	}, nil
}
