package challenge

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/events"
)

var log = logrus.WithField("prefix", "challenge")

// Signer signs an unsigned cancel/response transaction and EIP-191
// prefixed messages, implemented by sentinel/keystore.KeyStore.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignPrefixedMsg(msg []byte) ([]byte, error)
}

// Submitter submits a signed transaction and reports balance, narrowed
// from sentinel/rpcclient.Client to what this package needs.
type Submitter interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Responder is the ChallengeResponder (C8): tracks the current
// governance Actors set and answers Challenge events naming this
// sentinel's own address.
type Responder struct {
	hubAddress common.Address
	chainID    *big.Int
	gasLimit   uint64
	signer     Signer
	submitter  Submitter

	actors *events.Actors
	tree   *ActorTree
	ownIdx int
}

// NewResponder constructs a Responder for the given hub contract and
// chain id, signing with signer and submitting via submitter.
func NewResponder(hubAddress common.Address, chainID *big.Int, gasLimit uint64, signer Signer, submitter Submitter) *Responder {
	return &Responder{
		hubAddress: hubAddress,
		chainID:    chainID,
		gasLimit:   gasLimit,
		signer:     signer,
		submitter:  submitter,
		ownIdx:     -1,
	}
}

// OnActorsPropagated implements §4.8's "on each new canonical block
// containing an ActorsPropagated event": replace the persisted Actors
// and rebuild the Merkle tree.
func (r *Responder) OnActorsPropagated(actors *events.Actors) error {
	tree, err := BuildActorTree(actors)
	if err != nil {
		return errors.Wrap(err, "could not rebuild actor tree")
	}
	r.actors = actors
	r.tree = tree
	r.ownIdx = -1
	own := r.signer.Address()
	for i, a := range actors.Members {
		if a.Address == own {
			r.ownIdx = i
			break
		}
	}
	log.WithFields(logrus.Fields{"epoch": actors.Epoch, "actors": actors.Len(), "ownIdx": r.ownIdx}).Info("actor set updated")
	return nil
}

// OnChallenge implements §4.8's challenge-response path: computes the
// Merkle proof of our own leaf, ABI-encodes the solveChallenge call,
// checks affordability, signs, and submits.
func (r *Responder) OnChallenge(ctx context.Context, ev events.ChallengeEvent) (common.Hash, error) {
	if ev.Actor != r.signer.Address() {
		return common.Hash{}, &ErrNotSelf{}
	}
	if r.tree == nil || r.ownIdx < 0 {
		return common.Hash{}, errors.New("no actor tree available to answer challenge")
	}

	leaf, proof, err := r.tree.ProofFor(r.ownIdx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not compute merkle proof")
	}
	proof32 := make([][32]byte, len(proof))
	for i, p := range proof {
		copy(proof32[i][:], p)
	}

	gasPrice, err := r.submitter.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not fetch gas price")
	}
	need := new(big.Int).Mul(new(big.Int).SetUint64(r.gasLimit), gasPrice)
	have, err := r.submitter.BalanceAt(ctx, r.signer.Address())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not fetch balance")
	}
	if have.Cmp(need) <= 0 {
		return common.Hash{}, &ErrInsufficientBalance{Have: have, Need: need}
	}

	// The signature argument attests this sentinel's own Merkle leaf:
	// an EIP-191-prefixed ECDSA signature over leaf (§4.10's
	// sign_prefixed_msg), not the leaf bytes themselves.
	signature, err := r.signer.SignPrefixedMsg(leaf[:])
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not sign challenge response")
	}
	data, err := events.PackSolveChallenge(
		ev.Nonce, ev.Actor, ev.Challenger, uint8(ev.ActorType), ev.Timestamp, [4]byte(ev.NetworkId),
		uint8(events.ActorTypeSentinel), proof32, signature,
	)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not encode solveChallenge call")
	}

	nonce, err := r.submitter.PendingNonceAt(ctx, r.signer.Address())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not fetch nonce")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &r.hubAddress,
		Gas:      r.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := r.signer.SignTx(tx, r.chainID)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not sign solveChallenge transaction")
	}
	if err := r.submitter.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errors.Wrap(err, "could not submit solveChallenge transaction")
	}
	log.WithField("tx", signed.Hash()).Info("submitted challenge response")
	return signed.Hash(), nil
}
