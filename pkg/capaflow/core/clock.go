package core

import "time"

// Clock supplies wall time to the repositories and the deadline monitor, so
// tests can pin time to a fixed instant.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func NewRealClock() Clock { return RealClock{} }

func (RealClock) Now() time.Time { return time.Now() }
