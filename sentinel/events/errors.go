package events

import "fmt"

// ErrTooManyLogs is §7's TooManyLogs: more than one ActorsPropagated
// log was present in a single block, which the protocol forbids.
type ErrTooManyLogs struct {
	BlockNumber uint64
	Count       int
}

func (e *ErrTooManyLogs) Error() string {
	return fmt.Sprintf("block %d carries %d ActorsPropagated logs, expected at most 1", e.BlockNumber, e.Count)
}

// ErrActorAddressesAndTypesMismatch is §7's ActorAddressesAndTypesMismatch.
type ErrActorAddressesAndTypesMismatch struct {
	Addresses int
	Types     int
}

func (e *ErrActorAddressesAndTypesMismatch) Error() string {
	return fmt.Sprintf("actor_addresses has %d entries but actor_types has %d", e.Addresses, e.Types)
}

// ErrWrongTopic is §7's WrongTopic: a log matched on address but not on
// any recognized topic0.
type ErrWrongTopic struct {
	Topic string
}

func (e *ErrWrongTopic) Error() string {
	return fmt.Sprintf("unrecognized topic0 %s", e.Topic)
}
