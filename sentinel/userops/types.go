// Package userops implements the §3 UserOp/UserOpState data model, the
// UserOpStore (C3), and the UserOpMerger (C4). Modeled on
// beacon-chain/db/kv's attestations.go (content-addressed records plus
// an ordered index) and slasher/detection's state-transition handling.
package userops

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
)

// Side identifies which chain (relative to a given UserOp) an event or
// state transition was observed on.
type Side uint8

const (
	SideOrigin Side = iota
	SideDestination
)

func (s Side) String() string {
	if s == SideOrigin {
		return "origin"
	}
	return "destination"
}

// UnderlyingAsset describes the asset being bridged on its native chain.
type UnderlyingAsset struct {
	Name      string
	Symbol    string
	Decimals  uint64
	Address   common.Address
	NetworkId chain.NetworkId
}

// Asset describes the asset as minted/locked on the bridge.
type Asset struct {
	Address common.Address
	Amount  *big.Int
}

// UserOp is a single cross-chain transfer request emitted by the bridge
// hub contract (§3). The uid is computed over every field below except
// StateHistory.
type UserOp struct {
	OriginNetworkId      chain.NetworkId
	DestinationNetworkId chain.NetworkId
	Nonce                *big.Int
	DestinationAccount   string
	UnderlyingAsset      UnderlyingAsset
	Asset                Asset
	UserData             []byte
	OptionsMask          [32]byte

	StateHistory []UserOpStateEntry
}

// UserOpStateKind enumerates the sum type in §3, ordered by transition
// progress.
type UserOpStateKind uint8

const (
	StateWitnessed UserOpStateKind = iota
	StateEnqueued
	StateExecuted
	StateCancelled
)

func (k UserOpStateKind) String() string {
	switch k {
	case StateWitnessed:
		return "Witnessed"
	case StateEnqueued:
		return "Enqueued"
	case StateExecuted:
		return "Executed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// FlagBit returns this state's bit index in the 4-bit flag bitmap (§3):
// Witnessed=0, Enqueued=1, Executed=2, Cancelled=3.
func (k UserOpStateKind) FlagBit() uint {
	return uint(k)
}

// UserOpStateEntry is one entry of state_history: a state transition
// witnessed on a given side, carrying the tx hash that caused it and
// the observing chain's block timestamp (ms since epoch) — the latter
// is a SUPPLEMENTED FEATURE (not named by spec.md's UserOpState, but
// required by §4.7's select_cancellable, which gates on
// enqueued_block_timestamp).
type UserOpStateEntry struct {
	Kind        UserOpStateKind
	Side        Side
	TxHash      common.Hash
	TimestampMs int64
}

// ToBitFlagIdx implements §4.4's `s.to_bit_flag_idx()`.
func (e UserOpStateEntry) ToBitFlagIdx() uint {
	return e.Kind.FlagBit()
}

// FlagBitmap is the 4-bit per-op state flag (§3): bit i set means the op
// has reached UserOpStateKind(i), in O(1).
type FlagBitmap uint8

// Has reports whether bit k is set.
func (f FlagBitmap) Has(k UserOpStateKind) bool {
	return f&(1<<k.FlagBit()) != 0
}

// Set returns a copy of f with bit k set.
func (f FlagBitmap) Set(k UserOpStateKind) FlagBitmap {
	return f | (1 << k.FlagBit())
}

// Matched reports the cross-chain match condition of §4.4: both a
// Witnessed bit from the origin side and an Enqueued bit from the
// destination side have been observed. Side information isn't carried
// in the bitmap itself, so this is evaluated against the full
// StateHistory by UserOp.Matched instead of the bare bitmap.
func (op *UserOp) Matched() bool {
	var witnessedOrigin, enqueuedDestination bool
	for _, e := range op.StateHistory {
		if e.Kind == StateWitnessed && e.Side == SideOrigin {
			witnessedOrigin = true
		}
		if e.Kind == StateEnqueued && e.Side == SideDestination {
			enqueuedDestination = true
		}
	}
	return witnessedOrigin && enqueuedDestination
}

// Flags computes the current FlagBitmap from StateHistory.
func (op *UserOp) Flags() FlagBitmap {
	var f FlagBitmap
	for _, e := range op.StateHistory {
		f = f.Set(e.Kind)
	}
	return f
}

// UID implements §3's uid: keccak256 of the canonical concatenation of
// every identity field, excluding StateHistory. Identical identity
// fields produce identical uids (§8 "uid determinism").
func (op *UserOp) UID() common.Hash {
	var buf []byte
	buf = append(buf, op.OriginNetworkId[:]...)
	buf = append(buf, op.DestinationNetworkId[:]...)
	buf = append(buf, leftPad32(op.Nonce)...)
	buf = append(buf, []byte(op.DestinationAccount)...)
	buf = append(buf, []byte(op.UnderlyingAsset.Name)...)
	buf = append(buf, []byte(op.UnderlyingAsset.Symbol)...)
	buf = append(buf, leftPad32(new(big.Int).SetUint64(op.UnderlyingAsset.Decimals))...)
	buf = append(buf, op.UnderlyingAsset.Address.Bytes()...)
	buf = append(buf, op.UnderlyingAsset.NetworkId[:]...)
	buf = append(buf, op.Asset.Address.Bytes()...)
	buf = append(buf, leftPad32(op.Asset.Amount)...)
	buf = append(buf, op.UserData...)
	buf = append(buf, op.OptionsMask[:]...)
	return crypto.Keccak256Hash(buf)
}

func leftPad32(v *big.Int) []byte {
	out := make([]byte, 32)
	if v == nil {
		return out
	}
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// uint64Bytes is a small helper kept for callers that need a
// big-endian encoding of a counter (e.g. the monotonic list counter).
func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
