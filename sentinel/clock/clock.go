// Package clock provides an injectable time source (§9 "no hidden
// wall-clock reads"), so that cancellation-gate and leeway arithmetic
// (§4.6) can be driven deterministically in tests.
package clock

import "time"

// Clock is an injectable source of "now"; the CancellationEngine reads
// time through it.
type Clock interface {
	Now() time.Time
}

// Real returns the system wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Fixed returns a Clock that always reports t, for tests.
func Fixed(t time.Time) Clock { return fixedClock{t} }

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }
