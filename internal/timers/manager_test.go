package timers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scenedeck/internal/clock"
	"scenedeck/internal/waiter"
)

var start = time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu       sync.Mutex
	err      error
	messages []string
}

func (n *fakeNotifier) Send(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return n.err
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type fakeStore struct {
	mu     sync.Mutex
	loaded []Timer
	saves  [][]Timer
}

func (s *fakeStore) LoadTimers(ctx context.Context) ([]Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Timer(nil), s.loaded...), nil
}

func (s *fakeStore) SaveTimers(ctx context.Context, ts []Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, append([]Timer(nil), ts...))
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeStore) lastSave() []Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

type harness struct {
	mgr   *Manager
	notif *fakeNotifier
	store *fakeStore
	clk   *clock.Fake
	wait  *waiter.Manual
}

func newHarness(t *testing.T, persisted ...Timer) *harness {
	t.Helper()
	h := &harness{
		notif: &fakeNotifier{},
		store: &fakeStore{loaded: persisted},
		clk:   clock.NewFake(start),
		wait:  waiter.NewManual(),
	}
	h.mgr = New(Config{}, h.notif, h.store,
		WithClock(h.clk),
		WithWaiter(h.wait),
	)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.mgr.Stop)
	return h
}

func (h *harness) onlyPending(t *testing.T) *waiter.ManualHandle {
	t.Helper()
	pending := h.wait.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending waits = %d, want 1", len(pending))
	}
	return pending[0]
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if _, err := h.mgr.Add("  ", time.Minute, "m", false); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("blank name: err = %v, want ErrNameRequired", err)
	}
	if _, err := h.mgr.Add("tea", 100*time.Millisecond, "m", false); !errors.Is(err, ErrDurationRange) {
		t.Fatalf("too short: err = %v, want ErrDurationRange", err)
	}
	if _, err := h.mgr.Add("tea", 25*time.Hour, "m", false); !errors.Is(err, ErrDurationRange) {
		t.Fatalf("too long: err = %v, want ErrDurationRange", err)
	}
}

func TestAddCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mgr.Apply(Config{MaxTimers: 2})

	for i := 0; i < 2; i++ {
		if _, err := h.mgr.Add("t", time.Minute, "m", false); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if _, err := h.mgr.Add("t", time.Minute, "m", false); !errors.Is(err, ErrTooManyTimers) {
		t.Fatalf("over cap: err = %v, want ErrTooManyTimers", err)
	}
}

func TestAddWhenStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mgr.Stop()

	if _, err := h.mgr.Add("tea", time.Minute, "m", false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestOneShotFiresAndRetires(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if _, err := h.mgr.Add("tea", 5*time.Minute, "tea is ready", false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hd := h.onlyPending(t)
	if hd.Delay() != 5*time.Minute {
		t.Fatalf("delay = %v, want 5m", hd.Delay())
	}

	h.clk.Advance(5 * time.Minute)
	hd.Fire()

	if got := h.notif.sent(); len(got) != 1 || got[0] != "tea is ready" {
		t.Fatalf("sent = %v, want [tea is ready]", got)
	}
	if list := h.mgr.List(); len(list) != 0 {
		t.Fatalf("list after fire = %+v, want empty", list)
	}
	if last := h.store.lastSave(); len(last) != 0 {
		t.Fatalf("persisted set after retire = %+v, want empty", last)
	}
}

func TestRepeatTimerRearms(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if _, err := h.mgr.Add("water", 10*time.Minute, "drink water", true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for cycle := 0; cycle < 3; cycle++ {
		hd := h.onlyPending(t)
		if hd.Delay() != 10*time.Minute {
			t.Fatalf("cycle %d delay = %v, want 10m", cycle, hd.Delay())
		}
		h.clk.Advance(10 * time.Minute)
		hd.Fire()
	}

	if got := h.notif.sent(); len(got) != 3 {
		t.Fatalf("notifications = %d, want 3", len(got))
	}
	list := h.mgr.List()
	if len(list) != 1 || !list[0].Repeat {
		t.Fatalf("list = %+v, want one repeating timer", list)
	}
	if list[0].SecondsRemaining != 600 {
		t.Fatalf("remaining = %d, want 600", list[0].SecondsRemaining)
	}
}

func TestNotifierFailureStillCountsAsFired(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.notif.err = errors.New("chat unreachable")

	if _, err := h.mgr.Add("tea", time.Minute, "m", false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h.clk.Advance(time.Minute)
	h.onlyPending(t).Fire()

	if list := h.mgr.List(); len(list) != 0 {
		t.Fatalf("failed send must still retire the timer, list = %+v", list)
	}
}

func TestRemoveCancelsWait(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	id, err := h.mgr.Add("tea", time.Minute, "m", false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	hd := h.onlyPending(t)

	h.mgr.Remove(id)
	h.mgr.Remove(id) // idempotent

	if hd.Fire() {
		t.Fatal("removed timer's wait still fired")
	}
	if got := h.notif.sent(); len(got) != 0 {
		t.Fatalf("notifications after remove = %v, want none", got)
	}
	if last := h.store.lastSave(); len(last) != 0 {
		t.Fatalf("persisted set after remove = %+v, want empty", last)
	}
}

func TestListOrdersByRemaining(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if _, err := h.mgr.Add("slow", time.Hour, "m", false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := h.mgr.Add("fast", time.Minute, "m", false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	list := h.mgr.List()
	if len(list) != 2 || list[0].Name != "fast" || list[1].Name != "slow" {
		t.Fatalf("list = %+v, want fast before slow", list)
	}
	if list[0].SecondsRemaining != 60 || list[1].SecondsRemaining != 3600 {
		t.Fatalf("remaining = %d/%d, want 60/3600", list[0].SecondsRemaining, list[1].SecondsRemaining)
	}
}

func TestEveryMutationPersists(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	before := h.store.saveCount()

	id, err := h.mgr.Add("tea", time.Minute, "m", false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h.store.saveCount() != before+1 {
		t.Fatalf("saves after Add = %d, want %d", h.store.saveCount(), before+1)
	}
	h.mgr.Remove(id)
	if h.store.saveCount() != before+2 {
		t.Fatalf("saves after Remove = %d, want %d", h.store.saveCount(), before+2)
	}
}

func TestReloadRearmsRemaining(t *testing.T) {
	t.Parallel()
	persisted := Timer{
		ID:       "t1",
		Name:     "oven",
		Duration: time.Hour,
		EndTime:  start.Add(20 * time.Minute),
		Message:  "oven done",
		Active:   true,
	}
	h := newHarness(t, persisted)

	hd := h.onlyPending(t)
	if hd.Delay() != 20*time.Minute {
		t.Fatalf("reloaded delay = %v, want remaining 20m not full 1h", hd.Delay())
	}
	list := h.mgr.List()
	if len(list) != 1 || list[0].ID != "t1" {
		t.Fatalf("list = %+v, want reloaded timer", list)
	}
}

func TestReloadFiresOverdueOnce(t *testing.T) {
	t.Parallel()
	overdue := Timer{
		ID:       "t1",
		Name:     "oven",
		Duration: time.Hour,
		EndTime:  start.Add(-5 * time.Minute),
		Message:  "oven done",
		Active:   true,
	}
	h := newHarness(t, overdue)

	if got := h.notif.sent(); len(got) != 1 || got[0] != "oven done" {
		t.Fatalf("sent = %v, want exactly [oven done]", got)
	}
	if list := h.mgr.List(); len(list) != 0 {
		t.Fatalf("overdue one-shot must retire after catch-up, list = %+v", list)
	}
	if n := len(h.wait.Pending()); n != 0 {
		t.Fatalf("pending waits = %d, want 0", n)
	}
}

func TestReloadSkipsInactive(t *testing.T) {
	t.Parallel()
	inactive := Timer{
		ID:       "t1",
		Name:     "old",
		Duration: time.Minute,
		EndTime:  start.Add(time.Minute),
		Active:   false,
	}
	h := newHarness(t, inactive)

	if list := h.mgr.List(); len(list) != 0 {
		t.Fatalf("inactive timer reloaded: %+v", list)
	}
}

// gatedStore blocks SaveTimers while gated so tests can hold a snapshot
// write in flight.
type gatedStore struct {
	fakeStore
	gated   bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) SaveTimers(ctx context.Context, ts []Timer) error {
	s.mu.Lock()
	gated := s.gated
	s.mu.Unlock()
	if gated {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.fakeStore.SaveTimers(ctx, ts)
}

func TestSlowStoreDoesNotStallTable(t *testing.T) {
	t.Parallel()
	store := &gatedStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	notif := &fakeNotifier{}
	clk := clock.NewFake(start)
	wait := waiter.NewManual()
	m := New(Config{}, notif, store,
		WithClock(clk),
		WithWaiter(wait),
	)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	store.mu.Lock()
	store.gated = true
	store.mu.Unlock()

	added := make(chan struct{})
	go func() {
		if _, err := m.Add("tea", time.Minute, "m", false); err != nil {
			t.Errorf("Add: %v", err)
		}
		close(added)
	}()

	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot write never started")
	}

	// The store write is in flight; table reads must not queue behind it.
	listed := make(chan []Status, 1)
	go func() { listed <- m.List() }()
	select {
	case list := <-listed:
		if len(list) != 1 {
			t.Fatalf("list during write = %+v, want the armed timer", list)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("List blocked behind the snapshot write")
	}

	close(store.release)
	<-added
}

func TestStopCancelsWaits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if _, err := h.mgr.Add("tea", time.Minute, "m", false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hd := h.onlyPending(t)

	h.mgr.Stop()

	if hd.Fire() {
		t.Fatal("wait fired after Stop")
	}
	if got := h.notif.sent(); len(got) != 0 {
		t.Fatalf("notifications after Stop = %v, want none", got)
	}
}
