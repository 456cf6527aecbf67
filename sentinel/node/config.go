// Package node is the Coordinator (C9): wires every other component
// into a shared/service.Registry, owns the single broadcast.Channel, and
// drives startup/shutdown. Modeled on beacon-chain/node/node.go's
// BeaconNode (NewServiceRegistry, per-service register* methods,
// Start/Close, SIGINT handling).
package node

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
)

// NetworkConfig parametrizes one chain the sentinel watches (§4.5,
// §4.7, §4.8): its RPC endpoint, hub/governance contracts, and sync
// tuning.
type NetworkConfig struct {
	NetworkId     chain.NetworkId
	RpcUrl        string
	ChainID       *big.Int
	Hub           common.Address
	Governance    common.Address
	Confs         uint64
	BatchSize     int
	BatchDuration time.Duration
	SleepDuration time.Duration
	Validate      bool
	GasLimit      uint64
}

// Config is the Coordinator's top-level configuration, populated by
// cmd/sentinel's CLI flags (§9).
type Config struct {
	DataDir string

	KeystoreDir        string
	SigningAddress     common.Address
	KeystorePassphrase string

	RpcListenAddr string
	WsListenAddr  string

	Networks []NetworkConfig

	ReceiptFanout int // set from --receipt-fanout; New does not read it, so receipt fetches use rpcclient's fixed concurrency of 250
}

func (c *Config) networkByID(id chain.NetworkId) (NetworkConfig, bool) {
	for _, n := range c.Networks {
		if n.NetworkId == id {
			return n, true
		}
	}
	return NetworkConfig{}, false
}
