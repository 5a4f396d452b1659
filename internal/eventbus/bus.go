// Package eventbus decouples the scheduling services from observers of their
// fire/retire activity.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the core services.
const (
	TypeScheduleFired   = "schedule.fired"
	TypeScheduleRetired = "schedule.retired"
	TypeTimerFired      = "timer.fired"
	TypeTimerRetired    = "timer.retired"
)

// ScheduleEvent is the payload for schedule.* events.
type ScheduleEvent struct {
	ScheduleID string
	SceneID    string
	At         time.Time
	Next       time.Time // zero when the schedule retired
	Err        string    // non-empty when the execution failed
}

// TimerEvent is the payload for timer.* events.
type TimerEvent struct {
	TimerID string
	Name    string
	Message string
	At      time.Time
	Repeat  bool
}

// Event is a lightweight in-memory signal.
//
// Contract: Publish never blocks; slow subscribers may miss events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently closed channel is tolerated.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
