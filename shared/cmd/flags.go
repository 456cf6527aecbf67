// Package cmd defines the command line flags shared by the sentinel
// binary, modeled on the teacher's shared/cmd/flags.go: one exported
// *cli.Flag var per flag, doc-commented, collected into AppFlags for
// cmd/sentinel/main.go to register on its cli.App.
package cmd

import "github.com/urfave/cli/v2"

var (
	// DataDirFlag defines the directory for the bbolt-backed store.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory for the bbolt-backed store",
		Value: "./sentinel-data",
	}
	// NetworksFileFlag defines the path to the JSON file describing
	// every watched network.
	NetworksFileFlag = &cli.StringFlag{
		Name:     "networks-file",
		Usage:    "path to a JSON file describing every watched network",
		Required: true,
	}
	// KeystoreDirFlag defines the go-ethereum keystore directory
	// holding the signing key.
	KeystoreDirFlag = &cli.StringFlag{
		Name:  "keystore-dir",
		Usage: "go-ethereum keystore directory holding the signing key",
		Value: "./sentinel-keystore",
	}
	// SigningAddressFlag defines the address of the already-imported
	// signing key.
	SigningAddressFlag = &cli.StringFlag{
		Name:     "signing-address",
		Usage:    "address of the already-imported signing key",
		Required: true,
	}
	// KeystorePassphraseEnvFlag defines the name of the environment
	// variable holding the keystore passphrase.
	KeystorePassphraseEnvFlag = &cli.StringFlag{
		Name:  "keystore-passphrase-env",
		Usage: "name of the environment variable holding the keystore passphrase",
		Value: "SENTINEL_KEYSTORE_PASSPHRASE",
	}
	// RpcAddrFlag defines the listen address for the JSON-RPC command plane.
	RpcAddrFlag = &cli.StringFlag{
		Name:  "rpc-addr",
		Usage: "listen address for the JSON-RPC command plane",
		Value: "127.0.0.1:9090",
	}
	// WsAddrFlag defines the listen address for the WebSocket control plane.
	WsAddrFlag = &cli.StringFlag{
		Name:  "ws-addr",
		Usage: "listen address for the WebSocket control plane",
		Value: "127.0.0.1:9091",
	}
	// ReceiptFanoutFlag is carried into node.Config.ReceiptFanout; the
	// RPC clients do not read it and fetch receipts at a fixed
	// concurrency of 250.
	ReceiptFanoutFlag = &cli.IntFlag{
		Name:  "receipt-fanout",
		Usage: "accepted but ignored: per-block receipt fetches use a fixed concurrency of 250",
	}
	// VerbosityFlag defines the logrus configuration.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "log verbosity (trace, debug, info, warn, error)",
		Value: "info",
	}
	// LogFormatFlag defines the log output format (text, json).
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "log output format (text, json)",
		Value: "text",
	}
)

// AppFlags is the full flag set cmd/sentinel registers on its cli.App,
// mirroring the teacher's pattern of a package-level flags slice built
// from the vars above (see beacon-chain/main.go's appFlags).
var AppFlags = []cli.Flag{
	DataDirFlag,
	NetworksFileFlag,
	KeystoreDirFlag,
	SigningAddressFlag,
	KeystorePassphraseEnvFlag,
	RpcAddrFlag,
	WsAddrFlag,
	ReceiptFanoutFlag,
	VerbosityFlag,
	LogFormatFlag,
}
