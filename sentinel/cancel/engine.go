// Package cancel is the CancellationEngine (C7): selects user ops whose
// destination-side enqueue has gone unwitnessed for too long, builds
// and signs a cancellation transaction against the hub, and advances
// the op to Cancelled. Modeled on beacon-chain/powchain's
// log_processing.go transaction-building shape (nonce/gas-price lookup,
// sign, submit) and slasher/detection's "scan recent records, decide,
// act" loop.
package cancel

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/clock"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/events"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/userops"
)

var log = logrus.WithField("prefix", "cancel")

var cancellationsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sentinel_cancellations_submitted_total",
	Help: "Cancellation transactions successfully submitted.",
})

// leeway is §4.7's L: 10 seconds.
const leeway = 10 * time.Second

// recentWindow is §4.7 step 1: only the last 20 ops by list order are
// considered candidates on each pass.
const recentWindow = 20

// Signer signs a built cancellation transaction and EIP-191 prefixed
// messages, implemented by sentinel/keystore.KeyStore.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignPrefixedMsg(msg []byte) ([]byte, error)
}

// Submitter is the narrow slice of sentinel/rpcclient.Client the engine
// needs to build and submit a cancellation, one instance per
// NetworkId (a cancellation is always submitted on the destination
// chain).
type Submitter interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Engine is the CancellationEngine (C7).
type Engine struct {
	store      *userops.Store
	chainStore *chain.Store
	signer     Signer
	gasLimit   uint64
	hubOf      map[chain.NetworkId]common.Address
	chainIDOf  map[chain.NetworkId]*big.Int
	submitters map[chain.NetworkId]Submitter
	clock      clock.Clock
}

// New constructs a CancellationEngine. hubOf/chainIDOf/submitters are
// keyed by destination NetworkId, since that's the chain a
// cancellation transaction is submitted against.
func New(store *userops.Store, chainStore *chain.Store, signer Signer, gasLimit uint64, hubOf map[chain.NetworkId]common.Address, chainIDOf map[chain.NetworkId]*big.Int, submitters map[chain.NetworkId]Submitter, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		store: store, chainStore: chainStore, signer: signer, gasLimit: gasLimit,
		hubOf: hubOf, chainIDOf: chainIDOf, submitters: submitters, clock: clk,
	}
}

// leewayMs is leeway expressed in the millisecond int64 units the gate
// below works in.
const leewayMs = int64(leeway / time.Millisecond)

// SelectCancellable implements §4.7's select_cancellable algorithm
// against the last recentWindow ops in the store's recency list. o is
// the origin network's latest-observed block timestamp (ms since
// epoch), e is the timestamp the op's Enqueued entry was recorded
// with, c is the wall clock (ms since epoch, 0 meaning unavailable):
// an op is cancellable once the origin chain's own clock has moved
// past the enqueue time by more than the leeway (origin_past_leeway),
// or, failing that, once wall-clock time shows the origin observation
// itself is more than a leeway stale (in_sync_with_real_time).
func SelectCancellable(recent []*userops.UserOp, originLatestMs map[chain.NetworkId]int64, nowMs int64) []*userops.UserOp {
	var out []*userops.UserOp
	for _, op := range recent {
		flags := op.Flags()
		if !flags.Has(userops.StateEnqueued) {
			continue
		}
		if flags.Has(userops.StateWitnessed) || flags.Has(userops.StateExecuted) || flags.Has(userops.StateCancelled) {
			continue
		}
		e, ok := enqueuedTimestampMs(op)
		if !ok {
			continue
		}
		o, ok := originLatestMs[op.OriginNetworkId]
		if !ok || o <= 0 {
			continue
		}

		originPastLeeway := o-leewayMs >= e
		inSyncWithRealTime := nowMs != 0 && o+leewayMs <= nowMs
		if originPastLeeway || inSyncWithRealTime {
			out = append(out, op)
		}
	}
	return out
}

// enqueuedTimestampMs reports the block timestamp (ms since epoch) the
// op's Enqueued entry was recorded with (see userops.UserOpStateEntry).
func enqueuedTimestampMs(op *userops.UserOp) (int64, bool) {
	for _, e := range op.StateHistory {
		if e.Kind == userops.StateEnqueued {
			return e.TimestampMs, true
		}
	}
	return 0, false
}

// SelectCancellableUpTo runs select_cancellable against the last n ops
// in the store's recency list, for the getCancellableUserOps(nOps)
// RPC/WS command (§6) as well as the engine's own periodic Run.
func (e *Engine) SelectCancellableUpTo(n int) ([]*userops.UserOp, error) {
	recent, err := e.store.IterRecent(n)
	if err != nil {
		return nil, errors.Wrap(err, "could not list recent user ops")
	}

	originLatestMs := make(map[chain.NetworkId]int64)
	seen := make(map[chain.NetworkId]bool)
	for _, op := range recent {
		netID := op.OriginNetworkId
		if seen[netID] {
			continue
		}
		seen[netID] = true
		if info, ok := e.chainStore.LatestBlockInfo(netID); ok {
			originLatestMs[netID] = info.BlockTimestampMs
		}
	}
	return SelectCancellable(recent, originLatestMs, e.clock.Now().UnixMilli()), nil
}

// PendingCancellationCount reports how many ops in the default
// recentWindow are cancellable right now, for the getStatus RPC/WS
// command's pending-cancellation count (SPEC_FULL.md supplemented
// feature #1).
func (e *Engine) PendingCancellationCount() (int, error) {
	candidates, err := e.SelectCancellableUpTo(recentWindow)
	if err != nil {
		return 0, err
	}
	return len(candidates), nil
}

// Run selects cancellable ops out of store's recent list and submits a
// cancellation for each, in order. A failure to cancel one op is
// logged and the remaining candidates are still attempted.
func (e *Engine) Run(ctx context.Context) error {
	candidates, err := e.SelectCancellableUpTo(recentWindow)
	if err != nil {
		return err
	}
	for _, op := range candidates {
		if err := e.cancelOne(ctx, op); err != nil {
			log.WithError(err).WithField("uid", op.UID()).Error("could not cancel user op")
		}
	}
	return nil
}

// cancelOne builds, signs and submits a cancellation transaction for
// op, then advances it to Cancelled (§4.7).
func (e *Engine) cancelOne(ctx context.Context, op *userops.UserOp) error {
	destNet := op.DestinationNetworkId
	hub, ok := e.hubOf[destNet]
	if !ok {
		return errors.Errorf("no hub address configured for network %s", destNet)
	}
	chainID, ok := e.chainIDOf[destNet]
	if !ok {
		return errors.Errorf("no chain id configured for network %s", destNet)
	}
	submitter, ok := e.submitters[destNet]
	if !ok {
		return errors.Errorf("no rpc client configured for network %s", destNet)
	}

	signature, err := e.signer.SignPrefixedMsg(op.UID().Bytes())
	if err != nil {
		return errors.Wrap(err, "could not sign cancellation payload")
	}
	data, err := packCancelUserOp(op, events.ActorTypeSentinel, signature)
	if err != nil {
		return errors.Wrap(err, "could not encode cancelUserOp call")
	}

	nonce, err := submitter.PendingNonceAt(ctx, e.signer.Address())
	if err != nil {
		return errors.Wrap(err, "could not fetch nonce")
	}
	gasPrice, err := submitter.SuggestGasPrice(ctx)
	if err != nil {
		return errors.Wrap(err, "could not fetch gas price")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &hub,
		Gas:      e.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := e.signer.SignTx(tx, chainID)
	if err != nil {
		return errors.Wrap(err, "could not sign cancellation transaction")
	}
	if err := submitter.SendTransaction(ctx, signed); err != nil {
		return errors.Wrap(err, "could not submit cancellation transaction")
	}

	if err := e.store.Mark(op.UID(), userops.UserOpStateEntry{
		Kind: userops.StateCancelled, Side: userops.SideDestination, TxHash: signed.Hash(),
		TimestampMs: e.clock.Now().UnixMilli(),
	}); err != nil {
		return errors.Wrap(err, "could not record cancellation")
	}
	cancellationsSubmitted.Inc()
	log.WithFields(logrus.Fields{"uid": op.UID(), "tx": signed.Hash()}).Info("cancelled stuck user op")
	return nil
}

// cancelUserOpArgs is the hub's cancelUserOperation(UserOp,ActorType,bytes32[],bytes)
// argument tuple per §4.7 ("encoding (UserOp tuple, ActorType,
// merkle_proof, signature)"). The sentinel doesn't prove Merkle
// inclusion of itself for a cancellation (that's the ChallengeResponder's
// job, §4.8) — it signs the UserOp's uid directly, so merkle_proof is
// always empty and signature is the EIP-191-prefixed signature over the
// uid (§4.10's sign_prefixed_msg).
var cancelUserOpArgs = abi.Arguments{
	{Type: mustType("uint256")},   // nonce
	{Type: mustType("bytes4")},    // originNetworkId
	{Type: mustType("bytes4")},    // destinationNetworkId
	{Type: mustType("string")},    // destinationAccount
	{Type: mustType("address")},   // assetTokenAddress
	{Type: mustType("uint256")},   // assetAmount
	{Type: mustType("bytes")},     // userData
	{Type: mustType("bytes32")},   // optionsMask
	{Type: mustType("uint8")},     // actorType
	{Type: mustType("bytes32[]")}, // merkleProof
	{Type: mustType("bytes")},     // signature
}

var cancelUserOpSelector = crypto.Keccak256([]byte(
	"cancelUserOperation((uint256,bytes4,bytes4,string,address,uint256,bytes,bytes32),uint8,bytes32[],bytes)",
))[:4]

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func packCancelUserOp(op *userops.UserOp, actorType events.ActorType, signature []byte) ([]byte, error) {
	packed, err := cancelUserOpArgs.Pack(
		op.Nonce,
		[4]byte(op.OriginNetworkId),
		[4]byte(op.DestinationNetworkId),
		op.DestinationAccount,
		op.Asset.Address,
		op.Asset.Amount,
		op.UserData,
		op.OptionsMask,
		uint8(actorType),
		[][32]byte{},
		signature,
	)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, cancelUserOpSelector...), packed...), nil
}
