// Package command defines the JSON-RPC/WS command-plane contract (§6):
// the set of operations both sentinel/rpcserver (HTTP) and
// sentinel/wsserver (WebSocket) forward to, and sentinel/node.Handler
// implements. Keeping the contract in its own package lets the two
// wire-transport packages depend on it without importing sentinel/node,
// avoiding an import cycle (node wires both servers together).
package command

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/userops"
)

// InitArgs seeds a NetworkId's ChainStore at a starting block, fetched
// live from that network's configured RpcClient (§4.1's init/reset_to).
type InitArgs struct {
	NetworkId   chain.NetworkId `json:"networkId"`
	BlockNumber uint64          `json:"blockNumber"`
	Confs       uint64          `json:"confs"`
}

// ResetChainArgs is identical in shape to InitArgs; resetChain always
// erases and reseeds, where init is only valid on an empty network.
type ResetChainArgs struct {
	NetworkId   chain.NetworkId `json:"networkId"`
	BlockNumber uint64          `json:"blockNumber"`
	Confs       uint64          `json:"confs"`
}

// ProcessBatchArgs drives a Syncer's fetch/insert loop directly,
// outside its normal ticker, for operator-triggered catch-up.
type ProcessBatchArgs struct {
	NetworkId chain.NetworkId `json:"networkId"`
	Count     int             `json:"count"`
}

// CoreState is the getCoreState result: a coarse health/progress
// snapshot, one entry per configured network.
type CoreState struct {
	Networks []NetworkState `json:"networks"`
}

// NetworkState is one network's entry in CoreState.
type NetworkState struct {
	NetworkId     chain.NetworkId `json:"networkId"`
	LatestNumber  uint64          `json:"latestNumber"`
	CanonNumber   uint64          `json:"canonNumber"`
	CanonHash     common.Hash     `json:"canonHash"`
	Warm          bool            `json:"warm"`
	Enabled       bool            `json:"enabled"`
	CoreConnected bool            `json:"coreConnected"`
}

// LatestBlockNumbers is the getLatestBlockNumbers result.
type LatestBlockNumbers map[chain.NetworkId]uint64

// Handler is the full set of recognized JSON-RPC/WS operations (§6).
// Every method that can fail returns an error; a nil *big.Int, empty
// slice, or zero value never itself signals failure.
type Handler interface {
	Init(args InitArgs) error
	ResetChain(args ResetChainArgs) error
	GetCoreState() (CoreState, error)
	GetUserOps() ([]*userops.UserOp, error)
	GetUserOpList() ([]userops.UIDFlag, error)
	GetCancellableUserOps(nOps int) ([]*userops.UserOp, error)
	RemoveUserOp(uid common.Hash) error
	GetLatestBlockNumbers() (LatestBlockNumbers, error)
	ProcessBatch(args ProcessBatchArgs) error
	GetStatus() (Status, error)
	GetAddress() (common.Address, error)

	// Submit accepts a directly-observed UserOp, merging it into the
	// UserOpStore exactly as a Syncer-decoded event would (§4.4
	// put_or_merge). WS-only: the `Submit` WebSocketMessagesEncodable
	// variant (§6) has no equivalent JSON-RPC method name.
	Submit(op *userops.UserOp) error
}

// Status is the getStatus result (SPEC_FULL.md supplemented feature:
// structured status payload, not a flat OK/ERR string).
type Status struct {
	GitHash              string         `json:"gitHash"`
	SigningAddress       common.Address `json:"signingAddress"`
	UptimeSeconds        int64          `json:"uptimeSeconds"`
	Networks             []NetworkState `json:"networks"`
	PendingCancellations int            `json:"pendingCancellations"`
}

// Big is a JSON-friendly *big.Int, since encoding/json renders big.Int
// as a bare (possibly precision-losing in other languages) number
// otherwise; command payloads that carry amounts marshal through this
// instead.
type Big big.Int

func (b *Big) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return []byte(`"` + (*big.Int)(b).String() + `"`), nil
}

func (b *Big) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return errUnparsableBig(s)
	}
	*b = Big(*v)
	return nil
}

type errUnparsableBig string

func (e errUnparsableBig) Error() string { return "could not parse big integer: " + string(e) }
