package challenge

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/events"
)

var ownAddr = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

type stubSigner struct{ addr common.Address }

func (s stubSigner) Address() common.Address { return s.addr }
func (s stubSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}
func (s stubSigner) SignPrefixedMsg(msg []byte) ([]byte, error) {
	return append([]byte{}, msg...), nil
}

type stubSubmitter struct {
	balance  *big.Int
	gasPrice *big.Int
	sent     *types.Transaction
}

func (s *stubSubmitter) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	s.sent = tx
	return nil
}
func (s *stubSubmitter) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 1, nil
}
func (s *stubSubmitter) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return s.balance, nil
}
func (s *stubSubmitter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return s.gasPrice, nil
}

func testActors() *events.Actors {
	members := make([]events.Actor, 6)
	for i := range members {
		members[i] = events.Actor{Address: common.BigToAddress(big.NewInt(int64(i + 1))), Type: events.ActorTypeSentinel}
	}
	members[2].Address = ownAddr
	return &events.Actors{Epoch: big.NewInt(26), Members: members}
}

// §8 scenario "Merkle proof validity": every leaf verifies against the
// tree's own root.
func TestActorTreeProofsVerify(t *testing.T) {
	actors := testActors()
	tree, err := BuildActorTree(actors)
	require.NoError(t, err)
	root := tree.Root()
	for i := range actors.Members {
		leaf, proof, err := tree.ProofFor(i)
		require.NoError(t, err)
		require.True(t, VerifyProof(root, leaf, i, proof), "leaf %d should verify", i)
	}
}

func TestResponderAnswersOwnChallenge(t *testing.T) {
	submitter := &stubSubmitter{balance: big.NewInt(1e18), gasPrice: big.NewInt(10)}
	r := NewResponder(common.HexToAddress("0xbeef000000000000000000000000000000beef"), big.NewInt(1), 200000, stubSigner{addr: ownAddr}, submitter)
	require.NoError(t, r.OnActorsPropagated(testActors()))

	ev := events.ChallengeEvent{
		Nonce:      big.NewInt(1),
		Actor:      ownAddr,
		Challenger: common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		ActorType:  events.ActorTypeSentinel,
		Timestamp:  1700000000,
	}
	txHash, err := r.OnChallenge(context.Background(), ev)
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, txHash)
	require.NotNil(t, submitter.sent)
}

func TestResponderRejectsOthersChallenge(t *testing.T) {
	submitter := &stubSubmitter{balance: big.NewInt(1e18), gasPrice: big.NewInt(10)}
	r := NewResponder(common.Address{}, big.NewInt(1), 200000, stubSigner{addr: ownAddr}, submitter)
	require.NoError(t, r.OnActorsPropagated(testActors()))

	ev := events.ChallengeEvent{Actor: common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")}
	_, err := r.OnChallenge(context.Background(), ev)
	require.Error(t, err)
	var notSelf *ErrNotSelf
	require.ErrorAs(t, err, &notSelf)
}

func TestResponderInsufficientBalance(t *testing.T) {
	submitter := &stubSubmitter{balance: big.NewInt(1), gasPrice: big.NewInt(10)}
	r := NewResponder(common.Address{}, big.NewInt(1), 200000, stubSigner{addr: ownAddr}, submitter)
	require.NoError(t, r.OnActorsPropagated(testActors()))

	ev := events.ChallengeEvent{Actor: ownAddr}
	_, err := r.OnChallenge(context.Background(), ev)
	require.Error(t, err)
	var insufficient *ErrInsufficientBalance
	require.ErrorAs(t, err, &insufficient)
}
