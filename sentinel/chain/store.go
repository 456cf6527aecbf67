package chain

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/kvstore"
)

var log = logrus.WithField("prefix", "chain")

var (
	bucketSubMats = []byte("chain-submats")
	bucketTips    = []byte("chain-tips")
)

// Buckets returns the bbolt top-level buckets ChainStore needs, for
// passing to kvstore.Open.
func Buckets() [][]byte {
	return [][]byte{bucketSubMats, bucketTips}
}

var chainHeightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sentinel_chain_latest_block_number",
	Help: "Latest observed block number, by network.",
}, []string{"network"})

// Validator runs chain-specific header/receipt validation (§4.1's
// "sealing checks, receipt root = merkle-root(receipts)"). Consensus
// engine specifics (clique signer recovery, ethash difficulty, …) are
// chain-specific and out of this rewrite's core scope (§1); the default
// validator below checks the invariants common to every EVM chain.
type Validator func(sm *SubMat) error

// DefaultValidator checks that the header's receipt root matches the
// merkle root over the accompanying receipts, and that the block's own
// hash is internally consistent with its stated fields.
func DefaultValidator(sm *SubMat) error {
	if sm.Header.Hash() != sm.BlockHash {
		return errors.New("block hash does not match header")
	}
	root := types.DeriveSha(sm.Receipts, trie.NewStackTrie(nil))
	if root != sm.Header.ReceiptHash {
		return errors.Errorf("receipt root mismatch: header says %s, computed %s", sm.Header.ReceiptHash, root)
	}
	return nil
}

// Store is the ChainStore (C1): a DAG of SubMats keyed by block hash,
// plus four named pointers per NetworkId, backed by kvstore.DB. Modeled
// on beacon-chain/db/kv's blocks.go, generalized from beacon slots to
// arbitrary confirmation-depth EVM chains.
type Store struct {
	db        *kvstore.DB
	validator Validator

	latestMu sync.RWMutex
	latest   map[NetworkId]*LatestBlockInfo
}

// NewStore wraps db as a ChainStore. If validator is nil, DefaultValidator is used.
func NewStore(db *kvstore.DB, validator Validator) *Store {
	if validator == nil {
		validator = DefaultValidator
	}
	return &Store{db: db, validator: validator, latest: make(map[NetworkId]*LatestBlockInfo)}
}

func subMatKey(netID NetworkId, hash common.Hash) []byte {
	k := make([]byte, 0, 4+32)
	k = append(k, netID[:]...)
	k = append(k, hash.Bytes()...)
	return k
}

func tipKey(netID NetworkId) []byte {
	return netID[:]
}

func (s *Store) getTipTx(tx *kvstore.Tx, netID NetworkId) (*ChainTip, error) {
	raw := tx.Get(bucketTips, tipKey(netID))
	if raw == nil {
		return nil, &ErrUnknownNetwork{NetworkId: netID}
	}
	var tip ChainTip
	if err := json.Unmarshal(raw, &tip); err != nil {
		return nil, errors.Wrap(err, "could not decode chain tip")
	}
	return &tip, nil
}

func (s *Store) putTipTx(tx *kvstore.Tx, netID NetworkId, tip *ChainTip) error {
	raw, err := json.Marshal(tip)
	if err != nil {
		return errors.Wrap(err, "could not encode chain tip")
	}
	return tx.Put(bucketTips, tipKey(netID), raw)
}

func (s *Store) getSubMatTx(tx *kvstore.Tx, netID NetworkId, hash common.Hash) (*SubMat, bool) {
	raw := tx.Get(bucketSubMats, subMatKey(netID, hash))
	if raw == nil {
		return nil, false
	}
	var sm SubMat
	if err := sm.UnmarshalBinary(raw); err != nil {
		log.WithError(err).Error("corrupt sub_mat in store")
		return nil, false
	}
	return &sm, true
}

func (s *Store) putSubMatTx(tx *kvstore.Tx, netID NetworkId, sm *SubMat) error {
	raw, err := sm.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "could not encode sub_mat")
	}
	return tx.Put(bucketSubMats, subMatKey(netID, sm.BlockHash), raw)
}

func (s *Store) deleteSubMatTx(tx *kvstore.Tx, netID NetworkId, hash common.Hash) error {
	return tx.Delete(bucketSubMats, subMatKey(netID, hash))
}

// GetTip returns the current ChainTip pointers for netID.
func (s *Store) GetTip(netID NetworkId) (*ChainTip, error) {
	var tip *ChainTip
	err := s.db.View(func(tx *kvstore.Tx) error {
		t, err := s.getTipTx(tx, netID)
		if err != nil {
			return err
		}
		tip = t
		return nil
	})
	return tip, err
}

// GetSubMat fetches a single sub-material by hash.
func (s *Store) GetSubMat(netID NetworkId, hash common.Hash) (*SubMat, error) {
	var out *SubMat
	err := s.db.View(func(tx *kvstore.Tx) error {
		sm, ok := s.getSubMatTx(tx, netID, hash)
		if !ok {
			return errors.Errorf("no sub_mat for hash %s", hash)
		}
		out = sm
		return nil
	})
	return out, err
}

// Init seeds the store for netID with a genesis/starting SubMat and a
// confirmation depth, equivalent to ResetTo on an empty network.
func (s *Store) Init(netID NetworkId, sm *SubMat, confs uint64) error {
	return s.ResetTo(netID, sm, confs)
}

// ResetTo erases all SubMats for netID and reseeds
// anchor=canon=tail=latest=sub_mat (§4.1).
func (s *Store) ResetTo(netID NetworkId, sm *SubMat, newConfs uint64) error {
	return s.db.Update(func(tx *kvstore.Tx) error {
		if err := tx.ForEach(bucketSubMats, func(k, _ []byte) error {
			if len(k) >= 4 && NetworkId([4]byte(k[:4])) == netID {
				return tx.Delete(bucketSubMats, k)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := s.putSubMatTx(tx, netID, sm); err != nil {
			return err
		}
		tip := &ChainTip{
			Anchor: sm.BlockHash, Canon: sm.BlockHash, Tail: sm.BlockHash, Latest: sm.BlockHash,
			AnchorNumber: sm.BlockNumber, CanonNumber: sm.BlockNumber, TailNumber: sm.BlockNumber, LatestNumber: sm.BlockNumber,
			CanonToTipLength: newConfs,
		}
		return s.putTipTx(tx, netID, tip)
	})
}

// Insert implements ChainStore::insert (§4.1). validate=false skips
// header/receipt validation.
func (s *Store) Insert(netID NetworkId, sm *SubMat, validate bool) error {
	err := s.db.Update(func(tx *kvstore.Tx) error {
		tip, err := s.getTipTx(tx, netID)
		if err != nil {
			return err
		}
		if _, exists := s.getSubMatTx(tx, netID, sm.BlockHash); exists {
			return &ErrAlreadyInDb{Height: sm.BlockNumber}
		}
		if _, hasParent := s.getSubMatTx(tx, netID, sm.ParentHash); !hasParent && sm.BlockHash != tip.Anchor {
			return &ErrNoParent{Height: sm.BlockNumber}
		}
		if validate {
			if err := s.validator(sm); err != nil {
				return &ErrValidationFailed{Height: sm.BlockNumber, Reason: err.Error()}
			}
		}
		if sm.ParentHash != tip.Latest {
			// A competing block at or below the current tip: reorgs beyond
			// canon are rejected; the RPC endpoint is trusted to provide a
			// single-branch view (§4.1 algorithm).
			return &ErrAlreadyInDb{Height: sm.BlockNumber}
		}
		if err := s.putSubMatTx(tx, netID, sm); err != nil {
			return err
		}
		tip.Latest, tip.LatestNumber = sm.BlockHash, sm.BlockNumber
		if tip.Warm() {
			canonHash, canonNum, err := s.walkBackTx(tx, netID, sm, tip.CanonToTipLength-1)
			if err != nil {
				return err
			}
			tip.Canon, tip.CanonNumber = canonHash, canonNum
			newTailHash, newTailNum := canonHash, canonNum
			// Recompute the linker hash whenever the tail advances and its
			// parent is resolvable in the store (§4.1 step 5, §3 LinkerHash).
			if newTailHash != tip.Tail {
				if newTail, ok := s.getSubMatTx(tx, netID, newTailHash); ok {
					if _, hasParent := s.getSubMatTx(tx, netID, newTail.ParentHash); hasParent || newTailHash == tip.Anchor {
						tip.LinkerHash = ComputeLinkerHash(newTailHash, tip.Anchor, tip.LinkerHash)
					}
				}
			}
			tip.Tail, tip.TailNumber = newTailHash, newTailNum
		}
		return s.putTipTx(tx, netID, tip)
	})
	if err != nil {
		return err
	}
	s.latestMu.Lock()
	s.latest[netID] = &LatestBlockInfo{
		NetworkId: netID, BlockNumber: sm.BlockNumber, BlockHash: sm.BlockHash,
		BlockTimestampMs: int64(sm.Timestamp) * 1000,
	}
	s.latestMu.Unlock()
	chainHeightGauge.WithLabelValues(netID.String()).Set(float64(sm.BlockNumber))
	return nil
}

// walkBackTx walks n parent hops back from sm, bounded by
// canon_to_tip_length, per Design Notes §9 ("walk ancestors is
// iterative parent-hash lookup bounded by canon-to-tip length").
func (s *Store) walkBackTx(tx *kvstore.Tx, netID NetworkId, sm *SubMat, n uint64) (common.Hash, uint64, error) {
	cur := sm
	for i := uint64(0); i < n; i++ {
		parent, ok := s.getSubMatTx(tx, netID, cur.ParentHash)
		if !ok {
			return common.Hash{}, 0, errors.Errorf("could not walk back %d blocks from %s: missing ancestor at depth %d", n, sm.BlockHash, i+1)
		}
		cur = parent
	}
	return cur.BlockHash, cur.BlockNumber, nil
}

// GetCanonicalSubMat returns the SubMat at the canon pointer; nil until
// the chain is warm (§4.1, §8 "Canon emergence").
func (s *Store) GetCanonicalSubMat(netID NetworkId) (*SubMat, error) {
	var out *SubMat
	err := s.db.View(func(tx *kvstore.Tx) error {
		tip, err := s.getTipTx(tx, netID)
		if err != nil {
			return err
		}
		if !tip.Warm() {
			return nil
		}
		sm, ok := s.getSubMatTx(tx, netID, tip.Canon)
		if !ok {
			return errors.Errorf("canon pointer %s missing from store", tip.Canon)
		}
		out = sm
		return nil
	})
	return out, err
}

// PruneTail recursively deletes ancestors of the tail that are not the
// anchor (§4.1).
func (s *Store) PruneTail(netID NetworkId) error {
	return s.db.Update(func(tx *kvstore.Tx) error {
		tip, err := s.getTipTx(tx, netID)
		if err != nil {
			return err
		}
		tail, ok := s.getSubMatTx(tx, netID, tip.Tail)
		if !ok {
			return nil
		}
		cur := tail.ParentHash
		for cur != tip.Anchor && cur != (common.Hash{}) {
			ancestor, ok := s.getSubMatTx(tx, netID, cur)
			if !ok {
				break
			}
			if err := s.deleteSubMatTx(tx, netID, cur); err != nil {
				return err
			}
			cur = ancestor.ParentHash
		}
		return nil
	})
}

// LatestBlockInfo returns the most recently inserted block's
// number/hash/timestamp for netID, without touching the DB (used by
// the CancellationEngine, §4.7).
func (s *Store) LatestBlockInfo(netID NetworkId) (*LatestBlockInfo, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	info, ok := s.latest[netID]
	return info, ok
}
