package node

import (
	"context"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/broadcast"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/command"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/userops"
)

// Handler implements command.Handler against a live Coordinator,
// translating each JSON-RPC/WS operation (§6) into calls against the
// already-wired ChainStore, UserOpStore, CancellationEngine, Syncers
// and KeyStore.
type Handler struct {
	node *Node
}

var _ command.Handler = (*Handler)(nil)

func (h *Handler) Init(args command.InitArgs) error {
	if _, ok := h.node.syncers[args.NetworkId]; !ok {
		return errors.Errorf("unknown network %s", args.NetworkId)
	}
	client, ok := h.node.rpcClients[args.NetworkId]
	if !ok {
		return errors.Errorf("no rpc client for network %s", args.NetworkId)
	}
	if _, err := h.node.chainStore.GetTip(args.NetworkId); err == nil {
		return errors.Errorf("network %s is already initialized", args.NetworkId)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm, err := client.SubMat(ctx, new(big.Int).SetUint64(args.BlockNumber))
	if err != nil {
		return errors.Wrap(err, "could not fetch seed block")
	}
	if err := h.node.chainStore.Init(args.NetworkId, sm, args.Confs); err != nil {
		return err
	}
	h.node.broadcastCh.Send(broadcast.Message{Kind: broadcast.MsgStart, Addressee: broadcast.AddrSyncer, Payload: args.NetworkId})
	return nil
}

func (h *Handler) ResetChain(args command.ResetChainArgs) error {
	client, ok := h.node.rpcClients[args.NetworkId]
	if !ok {
		return errors.Errorf("no rpc client for network %s", args.NetworkId)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm, err := client.SubMat(ctx, new(big.Int).SetUint64(args.BlockNumber))
	if err != nil {
		return errors.Wrap(err, "could not fetch seed block")
	}
	if err := h.node.chainStore.ResetTo(args.NetworkId, sm, args.Confs); err != nil {
		return err
	}
	h.node.broadcastCh.Send(h.node.resetMessage(args.NetworkId))
	return nil
}

func (h *Handler) GetCoreState() (command.CoreState, error) {
	var out command.CoreState
	for _, net := range h.node.cfg.Networks {
		ns, err := h.networkState(net.NetworkId)
		if err != nil {
			continue
		}
		out.Networks = append(out.Networks, ns)
	}
	return out, nil
}

func (h *Handler) networkState(netID chain.NetworkId) (command.NetworkState, error) {
	tip, err := h.node.chainStore.GetTip(netID)
	if err != nil {
		return command.NetworkState{}, err
	}
	s := h.node.syncers[netID]
	return command.NetworkState{
		NetworkId:     netID,
		LatestNumber:  tip.LatestNumber,
		CanonNumber:   tip.CanonNumber,
		CanonHash:     tip.Canon,
		Warm:          tip.Warm(),
		Enabled:       s != nil && s.Enabled(),
		CoreConnected: s != nil && s.CoreConnected(),
	}, nil
}

func (h *Handler) GetUserOps() ([]*userops.UserOp, error) {
	return h.node.userOpStore.All()
}

func (h *Handler) GetUserOpList() ([]userops.UIDFlag, error) {
	return h.node.userOpStore.ListUIDFlags()
}

func (h *Handler) GetCancellableUserOps(nOps int) ([]*userops.UserOp, error) {
	return h.node.cancelEngine.SelectCancellableUpTo(nOps)
}

func (h *Handler) RemoveUserOp(uid common.Hash) error {
	return h.node.userOpStore.Remove(uid)
}

func (h *Handler) GetLatestBlockNumbers() (command.LatestBlockNumbers, error) {
	out := make(command.LatestBlockNumbers, len(h.node.cfg.Networks))
	for _, net := range h.node.cfg.Networks {
		tip, err := h.node.chainStore.GetTip(net.NetworkId)
		if err != nil {
			continue
		}
		out[net.NetworkId] = tip.LatestNumber
	}
	return out, nil
}

func (h *Handler) ProcessBatch(args command.ProcessBatchArgs) error {
	s, ok := h.node.syncers[args.NetworkId]
	if !ok {
		return errors.Errorf("unknown network %s", args.NetworkId)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return s.ProcessBatch(ctx, args.Count)
}

func (h *Handler) GetStatus() (command.Status, error) {
	cs, err := h.GetCoreState()
	if err != nil {
		return command.Status{}, err
	}
	pending, err := h.node.cancelEngine.PendingCancellationCount()
	if err != nil {
		return command.Status{}, err
	}
	return command.Status{
		GitHash:              os.Getenv("GIT_HASH"),
		SigningAddress:       h.node.keyStore.Address(),
		UptimeSeconds:        int64(time.Since(h.node.startedAt).Seconds()),
		Networks:             cs.Networks,
		PendingCancellations: pending,
	}, nil
}

func (h *Handler) GetAddress() (common.Address, error) {
	return h.node.keyStore.Address(), nil
}

func (h *Handler) Submit(op *userops.UserOp) error {
	return h.node.userOpStore.PutOrMerge(op)
}
