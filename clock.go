package spikes

import "time"

// Clock abstracts wall time so materializer metadata and saga timings can be
// replayed deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FrozenClock always returns the same instant. Test helper.
type FrozenClock struct {
	T time.Time
}

func (c FrozenClock) Now() time.Time {
	return c.T
}
