package userops

import "fmt"

// ErrCannotUpdate is returned when an incoming UserOpStateEntry would
// be an invalid state transition (§4.4, §7).
type ErrCannotUpdate struct {
	From UserOpStateKind
	To   UserOpStateKind
}

func (e *ErrCannotUpdate) Error() string {
	return fmt.Sprintf("cannot transition user op from %s to %s", e.From, e.To)
}

// ErrCannotCancel is the CannotCancel variant of §7: a cancellation was
// attempted against an op whose current state forbids it.
type ErrCannotCancel struct {
	Current FlagBitmap
}

func (e *ErrCannotCancel) Error() string {
	return fmt.Sprintf("cannot cancel user op with flags %04b", e.Current)
}

// ErrUnknownUID is returned by store operations addressed to a uid the
// store has never seen.
type ErrUnknownUID struct {
	UID string
}

func (e *ErrUnknownUID) Error() string {
	return fmt.Sprintf("no user op with uid %s", e.UID)
}
