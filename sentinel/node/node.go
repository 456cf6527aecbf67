package node

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/broadcast"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/cancel"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/challenge"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/events"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/keystore"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/kvstore"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/rpcclient"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/rpcserver"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/syncer"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/userops"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/wsserver"
	"github.com/proofcastlabs/pbridge-sentinel/shared/service"
)

var log = logrus.WithField("prefix", "node")

// cancellationInterval is how often the CancellationEngine re-runs
// select_cancellable against the store (§4.7: "triggered ... or a
// periodic tick").
const cancellationInterval = 30 * time.Second

// Node is the Coordinator (C9): owns the broadcast channel and the
// service registry every other component runs under.
type Node struct {
	cfg         Config
	registry    *service.Registry
	broadcastCh *broadcast.Channel

	db          *kvstore.DB
	chainStore  *chain.Store
	userOpStore *userops.Store
	keyStore    *keystore.KeyStore

	rpcClients   map[chain.NetworkId]*rpcclient.Client
	syncers      map[chain.NetworkId]*syncer.Syncer
	responders   map[chain.NetworkId]*challenge.Responder
	cancelEngine *cancel.Engine

	handler   *Handler
	startedAt time.Time
	stopCh    chan struct{}
}

// New builds every component named in cfg and registers it with the
// Coordinator's service.Registry, but does not start anything yet
// (mirrors beacon-chain/node/node.go's New/Start split).
func New(cfg Config) (*Node, error) {
	n := &Node{
		cfg:         cfg,
		registry:    service.NewRegistry(),
		broadcastCh: broadcast.New(),
		rpcClients:  make(map[chain.NetworkId]*rpcclient.Client),
		syncers:     make(map[chain.NetworkId]*syncer.Syncer),
		responders:  make(map[chain.NetworkId]*challenge.Responder),
		stopCh:      make(chan struct{}),
	}
	n.handler = &Handler{node: n}

	buckets := append(append([][]byte{}, chain.Buckets()...), userops.Buckets()...)
	db, err := kvstore.Open(cfg.DataDir, buckets...)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}
	n.db = db
	n.chainStore = chain.NewStore(db, nil)
	n.userOpStore = userops.NewStore(db)

	ks, err := keystore.Open(cfg.KeystoreDir, cfg.SigningAddress, cfg.KeystorePassphrase)
	if err != nil {
		return nil, err
	}
	n.keyStore = ks

	ctx, cancelDial := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDial()
	hubOf := make(map[chain.NetworkId]common.Address)
	chainIDOf := make(map[chain.NetworkId]*big.Int)
	submitters := make(map[chain.NetworkId]cancel.Submitter)
	for _, net := range cfg.Networks {
		client, err := rpcclient.Dial(ctx, net.RpcUrl)
		if err != nil {
			return nil, errors.Wrapf(err, "could not dial network %s", net.NetworkId)
		}
		n.rpcClients[net.NetworkId] = client
		hubOf[net.NetworkId] = net.Hub
		chainIDOf[net.NetworkId] = net.ChainID
		submitters[net.NetworkId] = client

		n.responders[net.NetworkId] = challenge.NewResponder(net.Hub, net.ChainID, net.GasLimit, n.keyStore, client)

		hooks := syncer.Hooks{
			OnUserOp:    n.onUserOp,
			OnActors:    n.onActors,
			OnChallenge: n.onChallenge,
		}
		n.syncers[net.NetworkId] = syncer.New(syncer.Config{
			NetworkId:     net.NetworkId,
			BatchSize:     net.BatchSize,
			BatchDuration: net.BatchDuration,
			SleepDuration: net.SleepDuration,
			Hub:           net.Hub,
			Governance:    net.Governance,
			Validate:      net.Validate,
			Confs:         net.Confs,
		}, client, n.chainStore, hooks)
	}
	n.cancelEngine = cancel.New(n.userOpStore, n.chainStore, n.keyStore, defaultGasLimit(cfg), hubOf, chainIDOf, submitters, nil)

	for _, s := range n.syncers {
		s := s
		// Subscribe synchronously, before Start spawns this service's
		// goroutine: event.Feed.Send has no replay, so a broadcast sent
		// before Subscribe runs would otherwise be lost to this syncer.
		s.Subscribe(n.broadcastCh)
		if err := n.registry.RegisterService(newLoopService("syncer-"+s.NetworkId().String(), func(ctx context.Context) error {
			return s.Run(ctx)
		})); err != nil {
			return nil, err
		}
	}
	if err := n.registry.RegisterService(newTickingService("cancellation-engine", cancellationInterval, n.cancelEngine.Run)); err != nil {
		return nil, err
	}
	if err := n.registry.RegisterService(rpcserver.New(cfg.RpcListenAddr, n.handler)); err != nil {
		return nil, err
	}
	if err := n.registry.RegisterService(wsserver.New(cfg.WsListenAddr, n.handler)); err != nil {
		return nil, err
	}
	return n, nil
}

func defaultGasLimit(cfg Config) uint64 {
	for _, net := range cfg.Networks {
		if net.GasLimit > 0 {
			return net.GasLimit
		}
	}
	return 300000
}

// onUserOp feeds a decoded UserOpEvent into the UserOpStore (§4.1 step
// 5, §4.4 put_or_merge).
func (n *Node) onUserOp(netID chain.NetworkId, ev events.UserOpEvent) {
	op := *ev.Op
	op.StateHistory = []userops.UserOpStateEntry{{
		Kind: ev.Kind, Side: ev.Side, TxHash: ev.TxHash, TimestampMs: ev.TimestampMs,
	}}
	if err := n.userOpStore.PutOrMerge(&op); err != nil {
		log.WithError(err).WithField("network", netID).Warn("could not record user op observation")
	}
}

// onActors updates the ChallengeResponder registered for the network
// the ActorsPropagated event was observed on (§4.8).
func (n *Node) onActors(netID chain.NetworkId, actors *events.Actors) {
	r, ok := n.responders[netID]
	if !ok {
		return
	}
	if err := r.OnActorsPropagated(actors); err != nil {
		log.WithError(err).WithField("network", netID).Error("could not update actor set")
	}
}

// onChallenge answers a Challenge event naming this sentinel's own
// address, via the responder registered for the network it was
// observed on (§4.8).
func (n *Node) onChallenge(netID chain.NetworkId, ev events.ChallengeEvent) {
	r, ok := n.responders[netID]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := r.OnChallenge(ctx, ev); err != nil {
		var notSelf *challenge.ErrNotSelf
		if errors.As(err, &notSelf) {
			return
		}
		log.WithError(err).WithField("network", netID).Error("could not respond to challenge")
	}
}

// resetMessage builds the broadcast.Message a resetChain command sends
// to every Syncer so it picks up the freshly reseeded chain tip.
func (n *Node) resetMessage(netID chain.NetworkId) broadcast.Message {
	return broadcast.Message{Kind: broadcast.MsgReset, Addressee: broadcast.AddrSyncer, Payload: netID}
}

// Start kicks off every registered service and blocks until SIGINT or
// SIGTERM, then shuts down gracefully (§4.9).
func (n *Node) Start() {
	n.startedAt = time.Now()
	log.Info("starting sentinel node")
	n.registry.StartAll()
	n.broadcastCh.Send(broadcast.Message{Kind: broadcast.MsgCoreConnected, Addressee: broadcast.AddrAll})

	// Resume any network that was already initialized by a prior run:
	// its ChainTip already exists, so its Syncer can start fetching
	// right away without waiting for a fresh init(args) command.
	for netID := range n.syncers {
		if _, err := n.chainStore.GetTip(netID); err == nil {
			n.broadcastCh.Send(broadcast.Message{Kind: broadcast.MsgStart, Addressee: broadcast.AddrSyncer, Payload: netID})
		}
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	<-sigc
	log.Info("received interrupt, shutting down")
	n.Close()
}

// Close stops every registered service in reverse order and closes the
// database and RPC connections (§4.9's SigInt(name) -> success exit).
func (n *Node) Close() {
	n.registry.StopAll()
	for _, c := range n.rpcClients {
		c.Close()
	}
	if err := n.db.Close(); err != nil {
		log.WithError(err).Error("could not close database")
	}
	close(n.stopCh)
}

// Wait blocks until Close has run, for callers that start the node in
// its own goroutine (e.g. tests).
func (n *Node) Wait() {
	<-n.stopCh
}
