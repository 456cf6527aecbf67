// Package challenge is the ChallengeResponder (C8): builds the Merkle
// tree over the current Actors set and answers governance challenges
// with a leaf + proof. Built directly on the teacher's
// shared/trieutil.MerkleTrie (originally the ETH2 deposit-contract
// incremental trie) and shared/hashutil.Hash (keccak256) — the same
// sparse, power-of-two-padded tree shape, repurposed here over actor
// leaves instead of deposit hashes.
package challenge

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/events"
	"github.com/proofcastlabs/pbridge-sentinel/shared/hashutil"
	"github.com/proofcastlabs/pbridge-sentinel/shared/trieutil"
)

// treeDepth is the minimum depth of an ActorTree; smaller actor sets
// are zero-padded up to 2^treeDepth leaves. BuildActorTree deepens the
// tree when there are more actors than that, so the root always
// commits to every actor leaf.
const treeDepth = 8

// ActorTree is the Merkle tree committing to a governance Actors set.
type ActorTree struct {
	trie  *trieutil.MerkleTrie
	items [][]byte
}

// leafFor implements §3's Actor.to_leaf(): keccak256(actor_type || address).
func leafFor(a events.Actor) []byte {
	buf := make([]byte, 21)
	buf[0] = byte(a.Type)
	copy(buf[1:], a.Address.Bytes())
	h := hashutil.Hash(buf)
	return h[:]
}

// BuildActorTree builds the Merkle tree over actors, in log order —
// the same order the ChallengeResponder must use when it's asked to
// prove membership for a given actor index.
func BuildActorTree(actors *events.Actors) (*ActorTree, error) {
	items := make([][]byte, 0, actors.Len())
	for _, a := range actors.Members {
		items = append(items, leafFor(a))
	}
	if len(items) == 0 {
		items = [][]byte{make([]byte, 32)}
	}
	depth := treeDepth
	for len(items) > 1<<depth {
		depth++
	}
	trie, err := trieutil.GenerateTrieFromItems(items, depth)
	if err != nil {
		return nil, err
	}
	return &ActorTree{trie: trie, items: items}, nil
}

// Root returns the tree's Merkle root.
func (t *ActorTree) Root() common.Hash {
	return t.trie.Root()
}

// ProofFor returns the leaf value and sibling proof for the actor at
// index, used to answer an incoming Challenge.
func (t *ActorTree) ProofFor(index int) (leaf [32]byte, proof [][]byte, err error) {
	p, err := t.trie.MerkleProof(index)
	if err != nil {
		return [32]byte{}, nil, err
	}
	copy(leaf[:], t.items[index])
	return leaf, p, nil
}

// VerifyProof implements §8's Merkle-proof-validity property: for
// every Actors with n leaves, verify_proof(leaf_i, proof_i, root) =
// true for all i.
func VerifyProof(root common.Hash, leaf [32]byte, index int, proof [][]byte) bool {
	return trieutil.VerifyMerkleProof(root[:], leaf[:], index, proof)
}
