package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"scenedeck/internal/clock"
	"scenedeck/internal/eventbus"
	"scenedeck/internal/schedule"
	"scenedeck/internal/waiter"
	"scenedeck/pkg/logx"
)

var (
	ErrNotRunning = errors.New("scheduler not running")
)

// ScheduleRepository is the persistence surface the scheduler consumes.
// Writes are best-effort: the in-memory table stays authoritative when they
// fail.
type ScheduleRepository interface {
	LoadActiveSchedules(ctx context.Context) ([]schedule.Schedule, error)
	MarkScheduleFired(ctx context.Context, id string, last, next time.Time) error
	DeactivateSchedule(ctx context.Context, id string) error
}

// SceneExecutor performs the device actions bundled under a scene.
type SceneExecutor interface {
	Execute(ctx context.Context, sceneID string) error
}

type Config struct {
	Enabled bool
	// ReconcileEvery is the cadence of the repository reconcile pass.
	ReconcileEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = time.Minute
	}
	return c
}

type armedEntry struct {
	sched  schedule.Schedule
	next   time.Time
	ver    uint64
	handle waiter.Handle
}

// Service owns the timer table. External callers interact only through
// Start/Stop/Add/Update/Remove; the table itself is never exposed.
type Service struct {
	log  logx.Logger
	repo ScheduleRepository
	exec SceneExecutor
	clk  clock.Clock
	wait waiter.Waiter
	bus  eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	running bool
	armed   map[string]*armedEntry
	// vers survives table entries so superseded wait callbacks from any
	// earlier arming of the same id are recognized as stale.
	vers map[string]uint64
	// retired tracks ids the service exhausted itself, so the reconcile pass
	// does not re-arm them while a best-effort Deactivate write is pending.
	retired map[string]struct{}

	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
	fireWG  sync.WaitGroup
}

func New(cfg Config, repo ScheduleRepository, exec SceneExecutor, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg.withDefaults(),
		repo:    repo,
		exec:    exec,
		clk:     clock.System{},
		wait:    waiter.System(),
		log:     logx.Nop(),
		armed:   map[string]*armedEntry{},
		vers:    map[string]uint64{},
		retired: map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithClock(clk clock.Clock) Option { return func(s *Service) { s.clk = clk } }

func WithWaiter(w waiter.Waiter) Option { return func(s *Service) { s.wait = w } }

func WithEventBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates runtime settings. A changed reconcile cadence restarts the
// reconcile job; the armed table is untouched.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	restart := s.running && cfg.ReconcileEvery != s.cfg.ReconcileEvery
	s.cfg = cfg
	var old *cron.Cron
	if restart {
		old = s.cron
		s.cron = nil
	}
	s.mu.Unlock()

	// The reconcile job re-acquires s.mu, so waiting it out must happen with
	// the mutex released.
	stopCron(old)

	if restart {
		s.mu.Lock()
		if s.running && s.cron == nil {
			s.startCronLocked()
		}
		s.mu.Unlock()
	}
}

// Start loads the active schedules from the repository and arms each one.
// Schedules without a future occurrence are left unarmed with a warning.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startCronLocked()
	s.mu.Unlock()

	// Repository access happens outside the table lock; the repository is
	// external shared state and may be slow.
	scheds, err := s.repo.LoadActiveSchedules(ctx)
	if err != nil {
		s.log.Error("loading active schedules failed", logx.Err(err))
		// Roll the started state back so the caller can retry Start.
		s.mu.Lock()
		s.running = false
		c := s.cron
		s.cron = nil
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		stopCron(c)
		return err
	}

	s.mu.Lock()
	armed := 0
	for _, sch := range scheds {
		if s.armLocked(sch, true) {
			armed++
		}
	}
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Int("schedules", len(scheds)), logx.Int("armed", armed))
	return nil
}

// Stop cancels every outstanding wait and clears the table. It is safe to
// call multiple times; after it returns no further scene execution can start.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.cron = nil
	if s.cancel != nil {
		s.cancel()
	}
	for id, e := range s.armed {
		if e.handle != nil {
			e.handle.Stop()
		}
		s.vers[id]++
	}
	s.armed = map[string]*armedEntry{}
	s.retired = map[string]struct{}{}
	s.mu.Unlock()

	// Wait for an in-flight reconcile job with the mutex released: reconcile
	// re-acquires s.mu and bails on running=false.
	stopCron(c)
	// Drain executions already past their generation check.
	s.fireWG.Wait()
	s.log.Info("scheduler stopped")
}

// armLocked computes the next occurrence and installs an armed entry for sch,
// cancelling any previous wait for the same id. It reports whether the
// schedule was armed. Call with s.mu held.
func (s *Service) armLocked(sch schedule.Schedule, warn bool) bool {
	now := s.clk.Now()
	next, ok := schedule.NextRun(sch, now)
	if !ok {
		if old := s.armed[sch.ID]; old != nil {
			if old.handle != nil {
				old.handle.Stop()
			}
			delete(s.armed, sch.ID)
			s.vers[sch.ID]++
		}
		if warn {
			s.log.Warn("schedule has no future occurrence; leaving unarmed",
				logx.String("schedule", sch.ID), logx.String("repeat", sch.Repeat.String()))
		}
		return false
	}

	if old := s.armed[sch.ID]; old != nil && old.handle != nil {
		old.handle.Stop()
	}
	ver := s.vers[sch.ID] + 1
	s.vers[sch.ID] = ver

	sch.NextRun = next
	entry := &armedEntry{sched: sch, next: next, ver: ver}
	id := sch.ID
	entry.handle = s.wait.Arm(next.Sub(now), func() { s.fire(id, ver) })
	s.armed[id] = entry
	delete(s.retired, id)

	s.log.Debug("schedule armed",
		logx.String("schedule", id), logx.String("scene", sch.SceneID),
		logx.Time("next", next), logx.Duration("in", next.Sub(now)))
	return true
}

func (s *Service) startCronLocked() {
	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	spec := "@every " + s.cfg.ReconcileEvery.String()
	if _, err := c.AddFunc(spec, s.reconcile); err != nil {
		s.log.Error("reconcile job register failed", logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	s.cron = c
}

// stopCron blocks until c's running jobs finish. Never call it while holding
// s.mu: the reconcile job takes that mutex.
func stopCron(c *cron.Cron) {
	if c != nil {
		<-c.Stop().Done()
	}
}
