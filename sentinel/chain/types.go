// Package chain implements the §3 data model (NetworkId, SubMat,
// ChainTip, LinkerHash) and the ChainStore component (C1): a DAG of
// sub-materials keyed by block hash plus four named pointers per
// NetworkId. Modeled on beacon-chain/db/kv's bbolt-backed block store,
// generalized from beacon slots to arbitrary EVM chains.
package chain

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// NetworkId is an opaque 4-byte identifier naming a chain+protocol pair.
// Equality and hashing (as a Go map key) are its only defined operations.
type NetworkId [4]byte

// String renders a NetworkId as 0x-prefixed hex for logging.
func (n NetworkId) String() string {
	return "0x" + common.Bytes2Hex(n[:])
}

// NetworkIdFromBytes copies the first 4 bytes of b into a NetworkId.
func NetworkIdFromBytes(b []byte) (NetworkId, error) {
	var n NetworkId
	if len(b) != 4 {
		return n, errors.Errorf("network id must be 4 bytes, got %d", len(b))
	}
	copy(n[:], b)
	return n, nil
}

// SubMat ("submission material") is the atomic unit of sync input: a
// block header packaged with its full receipts. Immutable once
// constructed by NewSubMat.
type SubMat struct {
	Header      *types.Header
	Receipts    types.Receipts
	BlockNumber uint64
	BlockHash   common.Hash
	ParentHash  common.Hash
	Timestamp   uint64
}

// NewSubMat builds a SubMat from a fetched header and its receipts,
// deriving the denormalized fields from the header so callers can't
// construct an inconsistent one.
func NewSubMat(header *types.Header, receipts types.Receipts) *SubMat {
	return &SubMat{
		Header:      header,
		Receipts:    receipts,
		BlockNumber: header.Number.Uint64(),
		BlockHash:   header.Hash(),
		ParentHash:  header.ParentHash,
		Timestamp:   header.Time,
	}
}

type subMatJSON struct {
	Header      *types.Header  `json:"header"`
	Receipts    types.Receipts `json:"receipts"`
	BlockNumber uint64         `json:"blockNumber"`
	BlockHash   common.Hash    `json:"blockHash"`
	ParentHash  common.Hash    `json:"parentHash"`
	Timestamp   uint64         `json:"timestamp"`
}

// MarshalBinary round-trips a SubMat through JSON. go-ethereum's
// consensus RLP encoding for types.Receipt deliberately omits logs
// (they're derivable by re-executing the block); since the sentinel
// has no EVM to re-execute with, logs must survive the round trip, so
// JSON (whose Receipt.MarshalJSON includes logs) is used instead of RLP.
func (s *SubMat) MarshalBinary() ([]byte, error) {
	return json.Marshal(subMatJSON{
		Header:      s.Header,
		Receipts:    s.Receipts,
		BlockNumber: s.BlockNumber,
		BlockHash:   s.BlockHash,
		ParentHash:  s.ParentHash,
		Timestamp:   s.Timestamp,
	})
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (s *SubMat) UnmarshalBinary(data []byte) error {
	var v subMatJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	s.Header, s.Receipts = v.Header, v.Receipts
	s.BlockNumber, s.BlockHash, s.ParentHash, s.Timestamp = v.BlockNumber, v.BlockHash, v.ParentHash, v.Timestamp
	return nil
}

// ChainTip holds the four named pointers ChainStore maintains per
// NetworkId (§3). Invariant: anchor <= canon <= tail <= latest in block
// height; latest.height - canon.height = CanonToTipLength-1 once warm.
type ChainTip struct {
	Anchor           common.Hash
	Canon            common.Hash
	Tail             common.Hash
	Latest           common.Hash
	CanonToTipLength uint64
	AnchorNumber     uint64
	CanonNumber      uint64
	TailNumber       uint64
	LatestNumber     uint64

	// LinkerHash is the rolling hash chaining canonical blocks (§3),
	// recomputed whenever Tail advances and its parent is present in
	// the store (§4.1 step 5).
	LinkerHash common.Hash
}

// Warm reports whether enough blocks have accumulated above the anchor
// for Canon to be meaningful (§4.1 state machine: Uninit -> Warming -> Ready).
func (t *ChainTip) Warm() bool {
	if t.CanonToTipLength == 0 {
		return false
	}
	return t.LatestNumber+1 >= t.AnchorNumber+t.CanonToTipLength
}

// LatestBlockInfo is the minimal per-network snapshot the
// CancellationEngine (C7) needs from each chain's latest observed block,
// recorded in memory by Store.Insert each time a block is appended at
// the tip (SUPPLEMENTED FEATURES §2 of SPEC_FULL.md, grounded on
// original_source's latest_block_info.rs). Kept apart from the
// persisted ChainTip so the CancellationEngine can read it without
// opening a database transaction.
type LatestBlockInfo struct {
	NetworkId        NetworkId
	BlockNumber      uint64
	BlockHash        common.Hash
	BlockTimestampMs int64
}

// genesisLinkerHash is used when there is no previous linker hash to
// chain from (store initialization).
var genesisLinkerHash = crypto.Keccak256Hash([]byte("pbridge-sentinel-linker-hash-genesis"))

// ComputeLinkerHash implements §3's LinkerHash: a rolling hash chaining
// canonical blocks, used as a compact identifier of the sentinel's view
// of chain history. Deterministic given identical inputs (§8 testable
// property "Linker-hash determinism").
func ComputeLinkerHash(hashToLinkTo, anchorHash, prevLinkerHash common.Hash) common.Hash {
	if prevLinkerHash == (common.Hash{}) {
		prevLinkerHash = genesisLinkerHash
	}
	return crypto.Keccak256Hash(hashToLinkTo.Bytes(), anchorHash.Bytes(), prevLinkerHash.Bytes())
}
