package userops

// Merge implements UserOpMerger (C4, §4.4): merges an incoming
// observation b into an existing record a (same uid) and returns the
// merged result. a and b must have identical identity fields (same
// UID); callers are expected to have checked this via UID() before
// calling Merge.
func Merge(a, b *UserOp) (*UserOp, error) {
	type dedupKey struct {
		kind   UserOpStateKind
		side   Side
		txHash [32]byte
	}
	seen := make(map[dedupKey]struct{}, len(a.StateHistory))
	for _, e := range a.StateHistory {
		seen[dedupKey{e.Kind, e.Side, e.TxHash}] = struct{}{}
	}

	flags := a.Flags()
	merged := *a
	merged.StateHistory = append([]UserOpStateEntry{}, a.StateHistory...)
	changed := false

	for _, s := range b.StateHistory {
		key := dedupKey{s.Kind, s.Side, s.TxHash}
		if _, dup := seen[key]; dup {
			// Exact resend of an observation already recorded: idempotent, drop silently.
			continue
		}
		if flags.Has(s.Kind) {
			// §4.4 tie-break: the same state kind observed again from a
			// different side/tx is not a transition, just a second
			// witness of a state already reached — record it without
			// re-validating predecessors.
			merged.StateHistory = append(merged.StateHistory, s)
			seen[key] = struct{}{}
			changed = true
			continue
		}
		if err := validateTransition(flags, s.Kind); err != nil {
			return nil, err
		}
		flags = flags.Set(s.Kind)
		merged.StateHistory = append(merged.StateHistory, s)
		seen[key] = struct{}{}
		changed = true
	}

	if !changed {
		return a, nil
	}
	return &merged, nil
}

// validateTransition enforces §4.4's successor rules: Witnessed ->
// Enqueued, Enqueued -> Executed, {Witnessed|Enqueued} -> Cancelled.
// Witnessed itself has no predecessor requirement.
func validateTransition(current FlagBitmap, next UserOpStateKind) error {
	switch next {
	case StateWitnessed:
		return nil
	case StateEnqueued:
		if !current.Has(StateWitnessed) {
			return &ErrCannotUpdate{From: StateWitnessed, To: StateEnqueued}
		}
		return nil
	case StateExecuted:
		if !current.Has(StateEnqueued) {
			return &ErrCannotUpdate{From: StateEnqueued, To: StateExecuted}
		}
		return nil
	case StateCancelled:
		if !current.Has(StateWitnessed) && !current.Has(StateEnqueued) {
			return &ErrCannotCancel{Current: current}
		}
		if current.Has(StateExecuted) {
			return &ErrCannotCancel{Current: current}
		}
		return nil
	default:
		return &ErrCannotUpdate{From: StateWitnessed, To: next}
	}
}
