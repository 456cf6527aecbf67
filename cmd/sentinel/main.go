// Command sentinel runs the cross-chain bridge sentinel Coordinator:
// it loads a network config file, opens the keystore and bbolt-backed
// store, and starts every wired service (Syncers, CancellationEngine,
// rpcserver, wsserver) until SIGINT/SIGTERM.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"runtime"
	runtimeDebug "runtime/debug"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/node"
	sharedcmd "github.com/proofcastlabs/pbridge-sentinel/shared/cmd"
)

// networksFile is the JSON shape networks-file is parsed as: one entry
// per chain.NetworkId the sentinel watches (§4.1, §4.5, §4.7, §4.8).
type networksFile struct {
	Networks []networkEntry `json:"networks"`
}

type networkEntry struct {
	NetworkId        string `json:"networkId"`
	RpcUrl           string `json:"rpcUrl"`
	ChainID          string `json:"chainId"`
	Hub              string `json:"hub"`
	Governance       string `json:"governance"`
	Confs            uint64 `json:"confs"`
	BatchSize        int    `json:"batchSize"`
	BatchDurationSec int    `json:"batchDurationSeconds"`
	SleepDurationSec int    `json:"sleepDurationSeconds"`
	Validate         bool   `json:"validate"`
	GasLimit         uint64 `json:"gasLimit"`
}

func parseNetworkId(s string) (chain.NetworkId, error) {
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return chain.NetworkId{}, errors.Wrapf(err, "invalid networkId %q", s)
	}
	return chain.NetworkIdFromBytes(raw)
}

func loadNetworks(path string) ([]node.NetworkConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read networks file")
	}
	var nf networksFile
	if err := json.Unmarshal(raw, &nf); err != nil {
		return nil, errors.Wrap(err, "could not parse networks file")
	}
	out := make([]node.NetworkConfig, 0, len(nf.Networks))
	for _, e := range nf.Networks {
		netID, err := parseNetworkId(e.NetworkId)
		if err != nil {
			return nil, err
		}
		chainID, ok := new(big.Int).SetString(e.ChainID, 10)
		if !ok {
			return nil, errors.Errorf("invalid chainId %q for network %s", e.ChainID, e.NetworkId)
		}
		out = append(out, node.NetworkConfig{
			NetworkId:     netID,
			RpcUrl:        e.RpcUrl,
			ChainID:       chainID,
			Hub:           common.HexToAddress(e.Hub),
			Governance:    common.HexToAddress(e.Governance),
			Confs:         e.Confs,
			BatchSize:     e.BatchSize,
			BatchDuration: time.Duration(e.BatchDurationSec) * time.Second,
			SleepDuration: time.Duration(e.SleepDurationSec) * time.Second,
			Validate:      e.Validate,
			GasLimit:      e.GasLimit,
		})
	}
	return out, nil
}

func main() {
	log := logrus.WithField("prefix", "main")
	app := &cli.App{
		Name:   "sentinel",
		Usage:  "cross-chain bridge sentinel: watches every configured network and settles user operations",
		Flags:  sharedcmd.AppFlags,
		Action: startNode,
		Before: configureLogging,
	}

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("runtime panic: %v\n%v", x, string(runtimeDebug.Stack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func configureLogging(ctx *cli.Context) error {
	level, err := logrus.ParseLevel(ctx.String(sharedcmd.VerbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	switch ctx.String(sharedcmd.LogFormatFlag.Name) {
	case "text":
		formatter := new(prefixed.TextFormatter)
		formatter.TimestampFormat = "2006-01-02 15:04:05"
		formatter.FullTimestamp = true
		logrus.SetFormatter(formatter)
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %s", ctx.String(sharedcmd.LogFormatFlag.Name))
	}
	runtime.GOMAXPROCS(runtime.NumCPU())
	return nil
}

func startNode(ctx *cli.Context) error {
	networks, err := loadNetworks(ctx.String(sharedcmd.NetworksFileFlag.Name))
	if err != nil {
		return err
	}

	passphrase := os.Getenv(ctx.String(sharedcmd.KeystorePassphraseEnvFlag.Name))

	cfg := node.Config{
		DataDir:            ctx.String(sharedcmd.DataDirFlag.Name),
		KeystoreDir:        ctx.String(sharedcmd.KeystoreDirFlag.Name),
		SigningAddress:     common.HexToAddress(ctx.String(sharedcmd.SigningAddressFlag.Name)),
		KeystorePassphrase: passphrase,
		RpcListenAddr:      ctx.String(sharedcmd.RpcAddrFlag.Name),
		WsListenAddr:       ctx.String(sharedcmd.WsAddrFlag.Name),
		Networks:           networks,
		ReceiptFanout:      ctx.Int(sharedcmd.ReceiptFanoutFlag.Name),
	}

	n, err := node.New(cfg)
	if err != nil {
		return errors.Wrap(err, "could not construct sentinel node")
	}
	n.Start()
	return nil
}
