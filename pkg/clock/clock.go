package clock

import (
	"sync/atomic"
	"time"
)

// Clock is the time source lease timestamps are stamped from.
// Commands carry the stamped time into the state machine, so swapping the
// clock in tests makes expiry fully deterministic.
type Clock interface {
	Now() time.Time
	NowMs() int64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
func (systemClock) NowMs() int64   { return time.Now().UnixMilli() }

// System returns the wall clock.
func System() Clock { return systemClock{} }

// Manual is a hand-advanced clock for tests.
type Manual struct {
	ms atomic.Int64
}

func NewManual(startMs int64) *Manual {
	m := &Manual{}
	m.ms.Store(startMs)
	return m
}

func (m *Manual) Now() time.Time { return time.UnixMilli(m.ms.Load()) }
func (m *Manual) NowMs() int64   { return m.ms.Load() }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.ms.Add(d.Milliseconds())
}
