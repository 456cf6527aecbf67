// Package broadcast is the Coordinator's broadcast channel: a single
// go-ethereum event.Feed fanning out BroadcastChannelMessage values to
// its subscribers (in this build, the per-network Syncers). Modeled on
// beacon-chain/attestation's Service, whose incomingFeed/broadcastFeed
// pair is the same "one producer, several service subscribers" shape.
package broadcast

import "github.com/ethereum/go-ethereum/event"

// MessageKind is the tag of a BroadcastChannelMessage (§9: "use tagged
// variants + exhaustive pattern matches, never open-ended registries").
// Start/Stop/CoreConnected/CoreDisconnected are the four variants the
// Syncer reacts to (§4.5); Reset and NewCanonicalSubMat are this
// rewrite's own additions for the resetChain RPC and cross-component
// canonical-block notification.
type MessageKind int

const (
	MsgStart MessageKind = iota
	MsgStop
	MsgCoreConnected
	MsgCoreDisconnected
	MsgReset
	MsgNewCanonicalSubMat
)

// Addressee tags which component a Message is meant for (§4.9:
// "BroadcastChannelMessage variants tagged by addressee"). AddrAll
// messages are processed by every subscriber; a subscriber receiving a
// Message addressed to someone else ignores it (`continue`), per §4.9.
type Addressee int

const (
	AddrAll Addressee = iota
	AddrSyncer
	AddrRpcServer
	AddrUserOpCanceller
	AddrStatusPublisher
	AddrChallengeResponder
)

// Message is one broadcast event. Payload's concrete type is fixed per
// Kind: MsgNewCanonicalSubMat carries a *chain.SubMat (typed as `any`
// here to avoid an import cycle with the chain package, which never
// needs to know about broadcast).
type Message struct {
	Kind      MessageKind
	Addressee Addressee
	Payload   any
}

// For reports whether a subscriber tagged as self should process msg:
// either the message is for everyone, or it names self specifically.
func (m Message) For(self Addressee) bool {
	return m.Addressee == AddrAll || m.Addressee == self
}

// Channel is the Coordinator's single outbound broadcast feed.
type Channel struct {
	feed *event.Feed
}

// New creates an empty broadcast channel.
func New() *Channel {
	return &Channel{feed: new(event.Feed)}
}

// Subscribe registers sink to receive every future Send. The returned
// Subscription must be closed by the caller (typically via
// ServiceRegistry shutdown) to stop delivery.
func (c *Channel) Subscribe(sink chan<- Message) event.Subscription {
	return c.feed.Subscribe(sink)
}

// Send fans msg out to every current subscriber, returning the number
// of subscribers it was delivered to.
func (c *Channel) Send(msg Message) int {
	return c.feed.Send(msg)
}
