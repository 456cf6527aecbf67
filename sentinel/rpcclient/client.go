// Package rpcclient is the RpcClient (C6): a WebSocket JSON-RPC client
// to a single EVM node, used by the Syncer to fetch headers/receipts
// and by the CancellationEngine/ChallengeResponder to submit
// transactions. Modeled on beacon-chain/powchain's block_reader.go
// (opencensus span per call, block-by-height/hash fetchers) but built
// directly on go-ethereum's rpc/ethclient rather than powchain's
// internal blockFetcher interface, since this sentinel owns no local
// chain cache of its own — that's ChainStore's job.
package rpcclient

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
)

var log = logrus.WithField("prefix", "rpcclient")

// Client is a single EVM node's WebSocket JSON-RPC connection.
type Client struct {
	rpc *gethrpc.Client
	eth *ethclient.Client
	url string
}

// Dial opens a WebSocket connection to url (a ws:// or wss:// endpoint).
func Dial(ctx context.Context, url string) (*Client, error) {
	rpc, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial rpc endpoint %s", url)
	}
	return &Client{rpc: rpc, eth: ethclient.NewClient(rpc), url: url}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// HeaderByNumber fetches the header at height. A nil height fetches
// the latest header.
func (c *Client) HeaderByNumber(ctx context.Context, height *big.Int) (*types.Header, error) {
	ctx, span := trace.StartSpan(ctx, "rpcclient.HeaderByNumber")
	defer span.End()
	header, err := c.eth.HeaderByNumber(ctx, height)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch header")
	}
	return header, nil
}

// ReceiptsForBlock fetches every transaction receipt in the block
// identified by hash, bounded to maxConcurrent simultaneous in-flight
// requests (§9 supplemented feature: the original's eth_rpc_calls
// batches receipt fetches at a concurrency of 250).
func (c *Client) ReceiptsForBlock(ctx context.Context, hash common.Hash, txHashes []common.Hash, maxConcurrent int) (types.Receipts, error) {
	ctx, span := trace.StartSpan(ctx, "rpcclient.ReceiptsForBlock")
	defer span.End()

	if maxConcurrent <= 0 {
		maxConcurrent = 250
	}
	receipts := make(types.Receipts, len(txHashes))
	errs := make(chan error, len(txHashes))
	sem := make(chan struct{}, maxConcurrent)
	for i, txHash := range txHashes {
		i, txHash := i, txHash
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			r, err := c.eth.TransactionReceipt(ctx, txHash)
			if err != nil {
				errs <- errors.Wrapf(err, "could not fetch receipt for tx %s", txHash)
				return
			}
			receipts[i] = r
			errs <- nil
		}()
	}
	for range txHashes {
		if err := <-errs; err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

// SubMat fetches a full SubMat (header + receipts) at height.
func (c *Client) SubMat(ctx context.Context, height *big.Int) (*chain.SubMat, error) {
	ctx, span := trace.StartSpan(ctx, "rpcclient.SubMat")
	defer span.End()

	header, err := c.HeaderByNumber(ctx, height)
	if err != nil {
		return nil, err
	}
	block, err := c.eth.BlockByHash(ctx, header.Hash())
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch block body")
	}
	txHashes := make([]common.Hash, len(block.Transactions()))
	for i, tx := range block.Transactions() {
		txHashes[i] = tx.Hash()
	}
	receipts, err := c.ReceiptsForBlock(ctx, header.Hash(), txHashes, 250)
	if err != nil {
		return nil, err
	}
	return chain.NewSubMat(header, receipts), nil
}

// SendTransaction submits a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, span := trace.StartSpan(ctx, "rpcclient.SendTransaction")
	defer span.End()
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return errors.Wrap(err, "could not submit transaction")
	}
	return nil
}

// PendingNonceAt returns the next nonce to use for addr.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, addr)
}

// ChainID returns the node's configured EVM chain id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

// BalanceAt returns addr's balance, used by the ChallengeResponder's
// affordability check (§4.8).
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

// SuggestGasPrice returns the node's suggested gas price for the
// destination chain, used when building cancellation and challenge
// response transactions (§4.7, §4.8).
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// WaitForReconnect dials url again, waiting backoff before each of up
// to maxAttempts attempts, and returns the first fresh Client that
// connects (the WsClientDisconnected recovery policy of §7). c itself
// is left unchanged.
func (c *Client) WaitForReconnect(ctx context.Context, url string, backoff time.Duration, maxAttempts int) (*Client, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		fresh, err := Dial(ctx, url)
		if err == nil {
			log.WithField("attempt", attempt+1).Info("rpc client reconnected")
			return fresh, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("rpc reconnect attempt failed")
	}
	return nil, errors.Wrapf(lastErr, "could not reconnect to %s after %d attempts", url, maxAttempts)
}
