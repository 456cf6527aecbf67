package userops

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/kvstore"
)

var log = logrus.WithField("prefix", "userops")

var (
	bucketOps     = []byte("user-ops")
	bucketRecent  = []byte("user-ops-recent")
	bucketCounter = []byte("user-ops-counter")
)

// Buckets lists the bbolt buckets the Store requires, for kvstore.Open.
func Buckets() [][]byte {
	return [][]byte{bucketOps, bucketRecent, bucketCounter}
}

var counterKey = []byte("counter")

// Store is the UserOpStore (C3): a content-addressed uid -> UserOp map,
// an append-only recency index, and a monotonic counter. Modeled on
// beacon-chain/db/kv's attestations.go (content-addressed records plus
// an ordered index).
type Store struct {
	db *kvstore.DB
}

// NewStore wraps an already-open kvstore.DB (whose buckets include
// Buckets()) as a UserOpStore.
func NewStore(db *kvstore.DB) *Store {
	return &Store{db: db}
}

type chain4 [4]byte

type storedAsset struct {
	Name      string
	Symbol    string
	Decimals  uint64
	Address   common.Address
	NetworkId chain4
}

type storedEntry struct {
	Kind        UserOpStateKind
	Side        Side
	TxHash      common.Hash
	TimestampMs int64
}

type storedOp struct {
	OriginNetworkId      chain4
	DestinationNetworkId chain4
	Nonce                string
	DestinationAccount   string
	UnderlyingAsset      storedAsset
	AssetAddress         common.Address
	AssetAmount          string
	UserData             []byte
	OptionsMask          [32]byte
	StateHistory         []storedEntry
}

func toStored(op *UserOp) storedOp {
	entries := make([]storedEntry, len(op.StateHistory))
	for i, e := range op.StateHistory {
		entries[i] = storedEntry{Kind: e.Kind, Side: e.Side, TxHash: e.TxHash, TimestampMs: e.TimestampMs}
	}
	nonce := "0"
	if op.Nonce != nil {
		nonce = op.Nonce.String()
	}
	amount := "0"
	if op.Asset.Amount != nil {
		amount = op.Asset.Amount.String()
	}
	return storedOp{
		OriginNetworkId:      chain4(op.OriginNetworkId),
		DestinationNetworkId: chain4(op.DestinationNetworkId),
		Nonce:                nonce,
		DestinationAccount:   op.DestinationAccount,
		UnderlyingAsset: storedAsset{
			Name:      op.UnderlyingAsset.Name,
			Symbol:    op.UnderlyingAsset.Symbol,
			Decimals:  op.UnderlyingAsset.Decimals,
			Address:   op.UnderlyingAsset.Address,
			NetworkId: chain4(op.UnderlyingAsset.NetworkId),
		},
		AssetAddress: op.Asset.Address,
		AssetAmount:  amount,
		UserData:     op.UserData,
		OptionsMask:  op.OptionsMask,
		StateHistory: entries,
	}
}

func fromStored(s storedOp) (*UserOp, error) {
	entries := make([]UserOpStateEntry, len(s.StateHistory))
	for i, e := range s.StateHistory {
		entries[i] = UserOpStateEntry{Kind: e.Kind, Side: e.Side, TxHash: e.TxHash, TimestampMs: e.TimestampMs}
	}
	nonce, ok := new(big.Int).SetString(s.Nonce, 10)
	if !ok {
		return nil, errors.Errorf("could not parse stored nonce %q", s.Nonce)
	}
	amount, ok := new(big.Int).SetString(s.AssetAmount, 10)
	if !ok {
		return nil, errors.Errorf("could not parse stored asset amount %q", s.AssetAmount)
	}
	return &UserOp{
		OriginNetworkId:      [4]byte(s.OriginNetworkId),
		DestinationNetworkId: [4]byte(s.DestinationNetworkId),
		Nonce:                nonce,
		DestinationAccount:   s.DestinationAccount,
		UnderlyingAsset: UnderlyingAsset{
			Name:      s.UnderlyingAsset.Name,
			Symbol:    s.UnderlyingAsset.Symbol,
			Decimals:  s.UnderlyingAsset.Decimals,
			Address:   s.UnderlyingAsset.Address,
			NetworkId: [4]byte(s.UnderlyingAsset.NetworkId),
		},
		Asset: Asset{
			Address: s.AssetAddress,
			Amount:  amount,
		},
		UserData:     s.UserData,
		OptionsMask:  s.OptionsMask,
		StateHistory: entries,
	}, nil
}

func getOpTx(tx *kvstore.Tx, uid common.Hash) (*UserOp, error) {
	raw := tx.Get(bucketOps, uid.Bytes())
	if raw == nil {
		return nil, nil
	}
	var sv storedOp
	if err := json.Unmarshal(raw, &sv); err != nil {
		return nil, errors.Wrap(err, "could not decode stored user op")
	}
	return fromStored(sv)
}

func putOpTx(tx *kvstore.Tx, uid common.Hash, op *UserOp) error {
	raw, err := json.Marshal(toStored(op))
	if err != nil {
		return errors.Wrap(err, "could not encode user op")
	}
	return tx.Put(bucketOps, uid.Bytes(), raw)
}

func appendRecentTx(tx *kvstore.Tx, uid common.Hash) error {
	raw := tx.Get(bucketCounter, counterKey)
	var counter uint64
	if raw != nil {
		counter = uint64From(raw)
	}
	if err := tx.Put(bucketRecent, uint64Bytes(counter), uid.Bytes()); err != nil {
		return err
	}
	return tx.Put(bucketCounter, counterKey, uint64Bytes(counter+1))
}

func uint64From(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// PutOrMerge implements §4.4's put_or_merge: stores op if its uid is
// unseen, otherwise merges it into the existing record via Merge.
func (s *Store) PutOrMerge(op *UserOp) error {
	uid := op.UID()
	return s.db.Update(func(tx *kvstore.Tx) error {
		existing, err := getOpTx(tx, uid)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := putOpTx(tx, uid, op); err != nil {
				return err
			}
			return appendRecentTx(tx, uid)
		}
		merged, err := Merge(existing, op)
		if err != nil {
			return err
		}
		return putOpTx(tx, uid, merged)
	})
}

// Mark applies a single state transition identified by uid, as used by
// the CancellationEngine when it causes a transition itself (submitting
// a cancellation tx).
func (s *Store) Mark(uid common.Hash, entry UserOpStateEntry) error {
	return s.db.Update(func(tx *kvstore.Tx) error {
		existing, err := getOpTx(tx, uid)
		if err != nil {
			return err
		}
		if existing == nil {
			return &ErrUnknownUID{UID: uid.Hex()}
		}
		incoming := &UserOp{StateHistory: []UserOpStateEntry{entry}}
		merged, err := Merge(existing, incoming)
		if err != nil {
			return err
		}
		return putOpTx(tx, uid, merged)
	})
}

// Get returns the UserOp stored under uid, or ErrUnknownUID.
func (s *Store) Get(uid common.Hash) (*UserOp, error) {
	var out *UserOp
	err := s.db.View(func(tx *kvstore.Tx) error {
		op, err := getOpTx(tx, uid)
		if err != nil {
			return err
		}
		if op == nil {
			return &ErrUnknownUID{UID: uid.Hex()}
		}
		out = op
		return nil
	})
	return out, err
}

// IterRecent implements iter_recent: returns up to limit most-recently
// added UserOps, newest first (a merge into an existing op does not
// move it). A negative limit returns every op.
func (s *Store) IterRecent(limit int) ([]*UserOp, error) {
	var out []*UserOp
	var innerErr error
	err := s.db.View(func(tx *kvstore.Tx) error {
		return tx.ReverseForEach(bucketRecent, func(_, v []byte) bool {
			if limit >= 0 && len(out) >= limit {
				return false
			}
			op, err := getOpTx(tx, common.BytesToHash(v))
			if err != nil {
				innerErr = err
				return false
			}
			if op == nil {
				return true
			}
			out = append(out, op)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if innerErr != nil {
		return nil, innerErr
	}
	return out, nil
}

// UIDFlag pairs a uid with its current flag bitmap, the `(uid,
// flag_bitmap)` entry shape of §4.3's ordered uids[] list.
type UIDFlag struct {
	UID   common.Hash
	Flags FlagBitmap
}

// ListUIDFlags returns the full recency-ordered uid list with each
// op's current flag bitmap, newest first (§4.3), for the getUserOpList
// RPC/WS command (§6).
func (s *Store) ListUIDFlags() ([]UIDFlag, error) {
	var out []UIDFlag
	var innerErr error
	err := s.db.View(func(tx *kvstore.Tx) error {
		return tx.ReverseForEach(bucketRecent, func(_, v []byte) bool {
			uid := common.BytesToHash(v)
			op, err := getOpTx(tx, uid)
			if err != nil {
				innerErr = err
				return false
			}
			if op == nil {
				return true
			}
			out = append(out, UIDFlag{UID: uid, Flags: op.Flags()})
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if innerErr != nil {
		return nil, innerErr
	}
	return out, nil
}

// All returns every full UserOp record in the store, newest first, for
// the getUserOps RPC/WS command (§6).
func (s *Store) All() ([]*UserOp, error) {
	return s.IterRecent(-1)
}

// Remove deletes uid's record outright, for the removeUserOp RPC/WS
// command (§6). The stale entry left behind in the recency list is
// skipped by IterRecent/ListUIDFlags, which already tolerate a
// recency-index entry whose op record is gone.
func (s *Store) Remove(uid common.Hash) error {
	return s.db.Update(func(tx *kvstore.Tx) error {
		return tx.Delete(bucketOps, uid.Bytes())
	})
}
