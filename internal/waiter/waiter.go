// Package waiter abstracts cancellable one-shot delays so the scheduling
// services can be driven by real timers in production and fired by hand in
// tests.
package waiter

import (
	"sync"
	"time"
)

// Handle cancels a pending wait. Stop reports whether the wait was cancelled
// before its callback started.
type Handle interface {
	Stop() bool
}

// Waiter arms a one-shot wait that invokes fn after d elapses.
type Waiter interface {
	Arm(d time.Duration, fn func()) Handle
}

// System returns the production implementation backed by the runtime timer
// heap. Callbacks run on their own goroutine.
func System() Waiter { return sysWaiter{} }

type sysWaiter struct{}

func (sysWaiter) Arm(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, fn)
}

// ---- Manual (tests) ----

// Manual is a Waiter whose waits never fire on their own; tests trigger them
// explicitly through Fire on the pending handles.
type Manual struct {
	mu    sync.Mutex
	waits []*ManualHandle
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) Arm(d time.Duration, fn func()) Handle {
	h := &ManualHandle{d: d, fn: fn}
	m.mu.Lock()
	m.waits = append(m.waits, h)
	m.mu.Unlock()
	return h
}

// Pending returns the handles that have not been fired or stopped, in arming
// order.
func (m *Manual) Pending() []*ManualHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ManualHandle
	for _, h := range m.waits {
		if !h.done() {
			out = append(out, h)
		}
	}
	return out
}

type ManualHandle struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	fired   bool
	stopped bool
}

func (h *ManualHandle) Delay() time.Duration { return h.d }

func (h *ManualHandle) Stop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired || h.stopped {
		return false
	}
	h.stopped = true
	return true
}

// Fire runs the callback synchronously unless the wait was already stopped or
// fired. It reports whether the callback ran.
func (h *ManualHandle) Fire() bool {
	h.mu.Lock()
	if h.fired || h.stopped {
		h.mu.Unlock()
		return false
	}
	h.fired = true
	fn := h.fn
	h.mu.Unlock()
	fn()
	return true
}

func (h *ManualHandle) done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired || h.stopped
}
