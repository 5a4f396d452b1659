// Package timers implements named countdown timers: armed ad hoc, firing a
// notification on expiry, optionally repeating, and snapshotted to durable
// storage after every mutation so outstanding timers survive a restart.
package timers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scenedeck/internal/clock"
	"scenedeck/internal/eventbus"
	"scenedeck/internal/waiter"
	"scenedeck/pkg/logx"
)

var (
	ErrNotRunning    = errors.New("timer manager not running")
	ErrNameRequired  = errors.New("timer name required")
	ErrDurationRange = errors.New("timer duration out of range")
	ErrTooManyTimers = errors.New("timer count cap reached")
)

// Timer is one named countdown.
type Timer struct {
	ID       string
	Name     string
	Duration time.Duration
	EndTime  time.Time
	Message  string
	Repeat   bool
	Active   bool
}

// Status is the caller-facing view of an armed timer.
type Status struct {
	ID               string
	Name             string
	SecondsRemaining int64
	Repeat           bool
}

// Notifier delivers the timer's message on expiry.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Store persists the full active-timer set. Implemented by internal/storage.
type Store interface {
	SaveTimers(ctx context.Context, ts []Timer) error
	LoadTimers(ctx context.Context) ([]Timer, error)
}

type Config struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	MaxTimers   int
}

func (c Config) withDefaults() Config {
	if c.MinDuration <= 0 {
		c.MinDuration = time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 24 * time.Hour
	}
	if c.MaxTimers <= 0 {
		c.MaxTimers = 64
	}
	return c
}

type entry struct {
	t      Timer
	ver    uint64
	handle waiter.Handle
}

// Manager owns the ad-hoc timer table. Same arm/fire/cancel mechanics as the
// schedule service, different trigger semantics: expiry sends a notification
// and repeat timers re-arm with a flat EndTime = now + Duration reset.
type Manager struct {
	log   logx.Logger
	notif Notifier
	store Store
	clk   clock.Clock
	wait  waiter.Waiter
	bus   eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	running bool
	timers  map[string]*entry
	vers    map[string]uint64
	baseCtx context.Context
	cancel  context.CancelFunc
	fireWG  sync.WaitGroup
}

func New(cfg Config, notif Notifier, store Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		notif:  notif,
		store:  store,
		clk:    clock.System{},
		wait:   waiter.System(),
		log:    logx.Nop(),
		timers: map[string]*entry{},
		vers:   map[string]uint64{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithClock(clk clock.Clock) Option { return func(m *Manager) { m.clk = clk } }

func WithWaiter(w waiter.Waiter) Option { return func(m *Manager) { m.wait = w } }

func WithEventBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

// Apply updates validation limits for subsequent Add calls.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Start reloads the persisted timer set. Timers already overdue at reload are
// fired once immediately; the rest are re-armed for their remaining delay.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.baseCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	if m.store == nil {
		m.log.Info("timer manager started", logx.Int("timers", 0))
		return nil
	}
	loaded, err := m.store.LoadTimers(ctx)
	if err != nil {
		m.log.Error("loading timers failed", logx.Err(err))
		return err
	}

	var overdue []string
	m.mu.Lock()
	for _, t := range loaded {
		if !t.Active {
			continue
		}
		now := m.clk.Now()
		if !t.EndTime.After(now) {
			// Installed without a wait; fired exactly once below, outside the
			// lock, after the reload completes.
			id := m.installLocked(t, 0, false)
			overdue = append(overdue, id)
			continue
		}
		m.installLocked(t, t.EndTime.Sub(now), true)
	}
	count := len(m.timers)
	snap := m.snapshotLocked()
	pctx := m.baseCtx
	m.mu.Unlock()
	m.persist(pctx, snap)
	m.log.Info("timer manager started", logx.Int("timers", count), logx.Int("overdue", len(overdue)))

	for _, id := range overdue {
		m.mu.Lock()
		e := m.timers[id]
		var ver uint64
		if e != nil {
			ver = e.ver
		}
		m.mu.Unlock()
		if e != nil {
			m.fire(id, ver)
		}
	}
	return nil
}

// Stop cancels every pending wait. Safe to call multiple times.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.cancel != nil {
		m.cancel()
	}
	for id, e := range m.timers {
		if e.handle != nil {
			e.handle.Stop()
		}
		m.vers[id]++
	}
	m.timers = map[string]*entry{}
	m.mu.Unlock()

	m.fireWG.Wait()
	m.log.Info("timer manager stopped")
}

// Add validates and arms a new countdown, returning its id.
func (m *Manager) Add(name string, duration time.Duration, message string, repeat bool) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrNameRequired
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return "", ErrNotRunning
	}
	if duration < m.cfg.MinDuration || duration > m.cfg.MaxDuration {
		cfg := m.cfg
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s not within [%s, %s]",
			ErrDurationRange, duration, cfg.MinDuration, cfg.MaxDuration)
	}
	if len(m.timers) >= m.cfg.MaxTimers {
		limit := m.cfg.MaxTimers
		m.mu.Unlock()
		return "", fmt.Errorf("%w (%d)", ErrTooManyTimers, limit)
	}

	t := Timer{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(name),
		Duration: duration,
		EndTime:  m.clk.Now().Add(duration),
		Message:  message,
		Repeat:   repeat,
		Active:   true,
	}
	id := m.installLocked(t, duration, true)
	snap := m.snapshotLocked()
	pctx := m.baseCtx
	m.mu.Unlock()
	m.persist(pctx, snap)

	m.log.Info("timer armed", logx.String("timer", id), logx.String("name", t.Name),
		logx.Duration("duration", duration), logx.Bool("repeat", repeat))
	return id, nil
}

// Remove cancels and deletes a timer. Removing an unknown id is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	e := m.timers[id]
	if e == nil {
		m.mu.Unlock()
		return
	}
	if e.handle != nil {
		e.handle.Stop()
	}
	delete(m.timers, id)
	m.vers[id]++
	snap := m.snapshotLocked()
	pctx := m.baseCtx
	m.mu.Unlock()
	m.persist(pctx, snap)

	m.log.Info("timer removed", logx.String("timer", id), logx.String("name", e.t.Name))
}

// List returns the armed timers ordered by remaining time.
func (m *Manager) List() []Status {
	m.mu.Lock()
	now := m.clk.Now()
	out := make([]Status, 0, len(m.timers))
	for _, e := range m.timers {
		rem := int64(e.t.EndTime.Sub(now) / time.Second)
		if rem < 0 {
			rem = 0
		}
		out = append(out, Status{ID: e.t.ID, Name: e.t.Name, SecondsRemaining: rem, Repeat: e.t.Repeat})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SecondsRemaining < out[j].SecondsRemaining })
	return out
}

// installLocked inserts t and, when arm is set, arms its wait. Call with m.mu
// held.
func (m *Manager) installLocked(t Timer, delay time.Duration, arm bool) string {
	if old := m.timers[t.ID]; old != nil && old.handle != nil {
		old.handle.Stop()
	}
	ver := m.vers[t.ID] + 1
	m.vers[t.ID] = ver
	e := &entry{t: t, ver: ver}
	id := t.ID
	if arm {
		e.handle = m.wait.Arm(delay, func() { m.fire(id, ver) })
	}
	m.timers[id] = e
	return id
}

func (m *Manager) fire(id string, ver uint64) {
	m.mu.Lock()
	e := m.timers[id]
	if !m.running || e == nil || e.ver != ver {
		m.mu.Unlock()
		return
	}
	t := e.t
	ctx := m.baseCtx
	firedAt := m.clk.Now()
	m.fireWG.Add(1)
	m.mu.Unlock()
	defer m.fireWG.Done()

	// Best-effort delivery; a failed send counts as fired.
	if err := m.notif.Send(ctx, t.Message); err != nil {
		m.log.Warn("timer notification failed",
			logx.String("timer", id), logx.String("name", t.Name), logx.Err(err))
	} else {
		m.log.Info("timer fired", logx.String("timer", id), logx.String("name", t.Name))
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeTimerFired, Data: eventbus.TimerEvent{
			TimerID: id, Name: t.Name, Message: t.Message, At: firedAt, Repeat: t.Repeat,
		}})
	}

	m.mu.Lock()
	cur := m.timers[id]
	if !m.running || cur == nil || cur.ver != ver {
		m.mu.Unlock()
		return
	}
	if !t.Repeat {
		delete(m.timers, id)
		m.vers[id]++
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.persist(ctx, snap)
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeTimerRetired, Data: eventbus.TimerEvent{
				TimerID: id, Name: t.Name, At: firedAt,
			}})
		}
		return
	}

	// Repeating timers reset flatly: EndTime = now + Duration, indefinitely.
	cur.t.EndTime = m.clk.Now().Add(cur.t.Duration)
	newVer := m.vers[id] + 1
	m.vers[id] = newVer
	cur.ver = newVer
	cur.handle = m.wait.Arm(cur.t.Duration, func() { m.fire(id, newVer) })
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.persist(ctx, snap)
}

// snapshotLocked copies the active set for persistence. Call with m.mu held.
func (m *Manager) snapshotLocked() []Timer {
	ts := make([]Timer, 0, len(m.timers))
	for _, e := range m.timers {
		ts = append(ts, e.t)
	}
	return ts
}

// persist writes a snapshot taken under the lock. The store write happens
// with the mutex released so a slow disk cannot stall the timer table.
// Failures are logged only: the in-memory table is the source of truth for
// scheduling, persistence exists for restart recovery.
func (m *Manager) persist(ctx context.Context, ts []Timer) {
	if m.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.store.SaveTimers(ctx, ts); err != nil {
		m.log.Warn("persisting timers failed", logx.Err(err), logx.Int("timers", len(ts)))
	}
}
