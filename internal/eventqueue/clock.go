package eventqueue

import (
	"sync"
	"time"
)

// Clock is the time source of a Queue. Wait blocks for d, or until wake
// fires; a negative d waits for wake only.
type Clock interface {
	Now() time.Time
	Wait(d time.Duration, wake <-chan struct{})
}

type systemClock struct{}

// SystemClock is wall time
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Wait(d time.Duration, wake <-chan struct{}) {
	if d < 0 {
		<-wake
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-wake:
	}
}

// VirtualClock jumps straight to the requested time instead of sleeping,
// so a queue driven by it runs hours of backoff in microseconds.
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtualClock creates a virtual clock starting at start
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *VirtualClock) Wait(d time.Duration, wake <-chan struct{}) {
	if d < 0 {
		<-wake
		return
	}

	select {
	case <-wake:
		return
	default:
	}
	c.Advance(d)
}
