// Package syncer is the Syncer (C5): the per-NetworkId loop that fetches
// the next block as a SubMat, inserts it into ChainStore, and on every
// newly-canonical SubMat extracts bridge events for the UserOpStore and
// the ChallengeResponder. Modeled on beacon-chain/powchain's
// log_processing.go polling loop, generalized from the deposit
// contract's single log family to the hub's user-op/actors/challenge
// event families (§4.5).
package syncer

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/broadcast"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/chain"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/events"
)

var log = logrus.WithField("prefix", "syncer")

var (
	blocksSyncedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_syncer_blocks_synced_total",
		Help: "Blocks successfully inserted into the chain store, by network.",
	}, []string{"network"})
	syncErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_syncer_errors_total",
		Help: "Recoverable sync-step errors encountered, by network and kind.",
	}, []string{"network", "kind"})
)

// Fetcher narrows rpcclient.Client to what the Syncer needs.
type Fetcher interface {
	SubMat(ctx context.Context, height *big.Int) (*chain.SubMat, error)
}

// Config parametrizes one NetworkId's Syncer (§4.5).
type Config struct {
	NetworkId         chain.NetworkId
	BatchSize         int // (0,1000]
	BatchDuration     time.Duration
	SleepDuration     time.Duration
	PreFilterReceipts bool
	Hub               common.Address
	Governance        common.Address
	Validate          bool
	Confs             uint64
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 || c.BatchSize > 1000 {
		c.BatchSize = 1
	}
	if c.BatchDuration <= 0 || c.BatchDuration > 600*time.Second {
		c.BatchDuration = 600 * time.Second
	}
	if c.SleepDuration <= 0 {
		c.SleepDuration = time.Second
	}
	return c
}

// Hooks are invoked with the decoded events of every newly-canonical
// SubMat. Any field may be left nil.
type Hooks struct {
	OnUserOp    func(netID chain.NetworkId, ev events.UserOpEvent)
	OnActors    func(netID chain.NetworkId, actors *events.Actors)
	OnChallenge func(netID chain.NetworkId, ev events.ChallengeEvent)
}

// Syncer is the per-NetworkId C5 task.
type Syncer struct {
	cfg   Config
	rpc   Fetcher
	store *chain.Store
	hooks Hooks

	enabled       bool
	coreConnected bool
	singleSubmit  bool
	nextTarget    uint64
	canonSeen     common.Hash

	sub          chan broadcast.Message
	subscription event.Subscription
}

// New constructs a Syncer. rpc and store must be non-nil; hooks may be
// the zero value if no downstream consumer needs event callbacks.
func New(cfg Config, rpc Fetcher, store *chain.Store, hooks Hooks) *Syncer {
	return &Syncer{cfg: cfg.normalized(), rpc: rpc, store: store, hooks: hooks}
}

// Subscribe registers this Syncer on ch. It must be called
// synchronously, before Run is started as a goroutine: event.Feed.Send
// has no replay, so a message sent before Subscribe runs is silently
// lost to this subscriber.
func (s *Syncer) Subscribe(ch *broadcast.Channel) {
	s.sub = make(chan broadcast.Message, 64)
	s.subscription = ch.Subscribe(s.sub)
}

// NetworkId returns the network this Syncer is configured for.
func (s *Syncer) NetworkId() chain.NetworkId {
	return s.cfg.NetworkId
}

// Enabled reports whether the last Start broadcast addressed to this
// network has not since been countermanded by a Stop, for the
// getCoreState/getStatus RPC commands (§6).
func (s *Syncer) Enabled() bool {
	return s.enabled
}

// CoreConnected reports this Syncer's last-observed core connection
// state, for the getCoreState/getStatus RPC commands (§6).
func (s *Syncer) CoreConnected() bool {
	return s.coreConnected
}

// Run executes the main loop (§4.5) until ctx is cancelled, reacting to
// broadcast.Message as it goes. The fetch/insert step only runs when
// enabled and the core connection is up; otherwise the syncer idles,
// draining broadcast messages (§4.5). Subscribe must have already been
// called (synchronously, before Run's goroutine was spawned).
func (s *Syncer) Run(ctx context.Context) error {
	defer s.subscription.Unsubscribe()

	ticker := time.NewTicker(s.cfg.SleepDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.subscription.Err():
			return err
		case msg := <-s.sub:
			s.handleBroadcast(msg)
		case <-ticker.C:
			if !s.enabled || !s.coreConnected {
				continue
			}
			if err := s.step(ctx); err != nil {
				if isRecoverable(err) {
					log.WithError(err).WithField("network", s.cfg.NetworkId).Debug("recoverable sync step error")
					syncErrorsCount.WithLabelValues(s.cfg.NetworkId.String(), kindOf(err)).Inc()
					continue
				}
				return err
			}
		}
	}
}

// ProcessBatch runs up to n fetch/insert steps immediately, bypassing
// the enabled/coreConnected gate, for the processBatch(args) RPC/WS
// command (§6). Stops early on the first recoverable step error.
func (s *Syncer) ProcessBatch(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := s.step(ctx); err != nil {
			if isRecoverable(err) {
				log.WithError(err).WithField("network", s.cfg.NetworkId).Debug("recoverable sync step error")
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Syncer) handleBroadcast(msg broadcast.Message) {
	if !msg.For(broadcast.AddrSyncer) {
		return
	}
	switch msg.Kind {
	case broadcast.MsgStart:
		if s.forUs(msg.Payload) {
			s.enabled = true
		}
	case broadcast.MsgStop:
		if s.forUs(msg.Payload) {
			s.enabled = false
		}
	case broadcast.MsgCoreConnected:
		s.coreConnected = true
	case broadcast.MsgCoreDisconnected:
		s.coreConnected = false
	case broadcast.MsgReset:
		if s.forUs(msg.Payload) {
			s.nextTarget = 0
			s.singleSubmit = false
			s.canonSeen = common.Hash{}
		}
	default:
	}
}

func (s *Syncer) forUs(payload any) bool {
	netID, ok := payload.(chain.NetworkId)
	return !ok || netID == s.cfg.NetworkId
}

// step runs one fetch/insert iteration of the loop in §4.5.
func (s *Syncer) step(ctx context.Context) error {
	tip, err := s.store.GetTip(s.cfg.NetworkId)
	if err != nil {
		return errors.Wrap(err, "could not read chain tip")
	}
	target := tip.LatestNumber + 1
	if s.nextTarget > target {
		target = s.nextTarget
	}

	batchSize := s.cfg.BatchSize
	if s.singleSubmit {
		batchSize = 1
	}

	batch, err := s.fetchBatch(ctx, target, batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	for _, sm := range batch {
		if err := s.store.Insert(s.cfg.NetworkId, sm, s.cfg.Validate); err != nil {
			return s.handleInsertError(err, sm.BlockNumber)
		}
		s.singleSubmit = false
		s.nextTarget = sm.BlockNumber + 1
		blocksSyncedCount.WithLabelValues(s.cfg.NetworkId.String()).Inc()
		if err := s.processNewlyCanonical(); err != nil {
			log.WithError(err).WithField("network", s.cfg.NetworkId).Warn("could not walk newly-canonical sub_mats")
		}
	}
	return nil
}

// processNewlyCanonical implements §4.1 step 5: events are extracted
// only from SubMats that have newly become canon (passed confirmation
// depth), not from every inserted tip. It walks back from the current
// canon pointer to the last canon pointer this Syncer has already
// processed, then feeds the newly-confirmed blocks to the hooks
// oldest-first.
func (s *Syncer) processNewlyCanonical() error {
	tip, err := s.store.GetTip(s.cfg.NetworkId)
	if err != nil {
		return errors.Wrap(err, "could not read chain tip")
	}
	if !tip.Warm() || tip.Canon == s.canonSeen {
		return nil
	}

	var pending []*chain.SubMat
	cur := tip.Canon
	for i := uint64(0); i <= tip.CanonToTipLength+1; i++ {
		if cur == s.canonSeen || cur == (common.Hash{}) {
			break
		}
		sm, err := s.store.GetSubMat(s.cfg.NetworkId, cur)
		if err != nil {
			break
		}
		pending = append(pending, sm)
		if cur == tip.Anchor {
			break
		}
		cur = sm.ParentHash
	}

	for i := len(pending) - 1; i >= 0; i-- {
		s.processCanonicalAdvance(pending[i])
	}
	s.canonSeen = tip.Canon
	return nil
}

// fetchBatch accumulates SubMats until batchSize is reached or
// cfg.BatchDuration elapses (§4.5 step 3). A "no such block" response
// stops accumulation without error: the caller will retry next tick.
func (s *Syncer) fetchBatch(ctx context.Context, start uint64, batchSize int) ([]*chain.SubMat, error) {
	var batch []*chain.SubMat
	deadline := time.Now().Add(s.cfg.BatchDuration)
	for i := 0; i < batchSize; i++ {
		if time.Now().After(deadline) {
			break
		}
		height := new(big.Int).SetUint64(start + uint64(i))
		sm, err := s.rpc.SubMat(ctx, height)
		if err != nil {
			if errors.Cause(err) == ethereum.NotFound {
				break
			}
			return nil, err
		}
		batch = append(batch, sm)
	}
	return batch, nil
}

// handleInsertError implements §4.5 step 4: NoParent/AlreadyInDb drop
// the whole batch, rewind or advance the target, and switch to
// single-submission mode until recovery; any other error is fatal.
func (s *Syncer) handleInsertError(err error, height uint64) error {
	var noParent *chain.ErrNoParent
	var alreadyIn *chain.ErrAlreadyInDb
	switch {
	case errors.As(err, &noParent):
		s.nextTarget = height - 1
		s.singleSubmit = true
		return err
	case errors.As(err, &alreadyIn):
		s.nextTarget = height + 1
		s.singleSubmit = true
		return err
	default:
		return err
	}
}

// processCanonicalAdvance decodes events out of a SubMat that has just
// become canonical and feeds them to the registered Hooks (§4.1 step
// 5, §4.8 "on each new canonical block").
func (s *Syncer) processCanonicalAdvance(sm *chain.SubMat) {
	if s.hooks.OnUserOp != nil {
		opEvents, err := events.DecodeUserOpEvents(sm.Receipts, s.cfg.Hub, s.cfg.NetworkId, int64(sm.Timestamp)*1000)
		if err != nil {
			log.WithError(err).Warn("could not decode user op logs")
		} else {
			for _, ev := range opEvents {
				s.hooks.OnUserOp(s.cfg.NetworkId, ev)
			}
		}
	}
	if s.hooks.OnActors != nil && s.cfg.Governance != (common.Address{}) {
		actors, err := events.DecodeActorsPropagated(sm.Receipts, s.cfg.Governance, s.cfg.NetworkId)
		if err != nil {
			log.WithError(err).Warn("could not decode ActorsPropagated log")
		} else if actors != nil {
			s.hooks.OnActors(s.cfg.NetworkId, actors)
		}
	}
	if s.hooks.OnChallenge != nil {
		challenges, err := events.DecodeChallengeEvents(sm.Receipts, s.cfg.Hub)
		if err != nil {
			log.WithError(err).Warn("could not decode challenge logs")
		} else {
			for _, c := range challenges {
				s.hooks.OnChallenge(s.cfg.NetworkId, c)
			}
		}
	}
}

func isRecoverable(err error) bool {
	var noParent *chain.ErrNoParent
	var alreadyIn *chain.ErrAlreadyInDb
	return errors.As(err, &noParent) || errors.As(err, &alreadyIn)
}

func kindOf(err error) string {
	var noParent *chain.ErrNoParent
	var alreadyIn *chain.ErrAlreadyInDb
	switch {
	case errors.As(err, &noParent):
		return "no_parent"
	case errors.As(err, &alreadyIn):
		return "already_in_db"
	default:
		return "other"
	}
}
