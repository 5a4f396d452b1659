package waiter

import (
	"testing"
	"time"
)

func TestManualFireOnce(t *testing.T) {
	t.Parallel()
	m := NewManual()
	calls := 0
	h := m.Arm(time.Minute, func() { calls++ })

	mh := h.(*ManualHandle)
	if !mh.Fire() {
		t.Fatal("first Fire returned false")
	}
	if mh.Fire() {
		t.Fatal("second Fire returned true")
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("pending = %d, want 0", len(m.Pending()))
	}
}

func TestManualStopBeatsFire(t *testing.T) {
	t.Parallel()
	m := NewManual()
	calls := 0
	h := m.Arm(time.Minute, func() { calls++ })

	if !h.Stop() {
		t.Fatal("Stop returned false on a pending wait")
	}
	if h.Stop() {
		t.Fatal("second Stop returned true")
	}
	if h.(*ManualHandle).Fire() {
		t.Fatal("stopped wait still fired")
	}
	if calls != 0 {
		t.Fatalf("callback ran %d times, want 0", calls)
	}
}

func TestManualPendingOrder(t *testing.T) {
	t.Parallel()
	m := NewManual()
	a := m.Arm(time.Second, func() {})
	m.Arm(2*time.Second, func() {})

	if got := m.Pending(); len(got) != 2 || got[0].Delay() != time.Second {
		t.Fatalf("pending = %v", got)
	}
	a.Stop()
	if got := m.Pending(); len(got) != 1 || got[0].Delay() != 2*time.Second {
		t.Fatalf("pending after stop = %v", got)
	}
}

func TestSystemFires(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	System().Arm(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("system wait never fired")
	}
}

func TestSystemStop(t *testing.T) {
	t.Parallel()
	fired := make(chan struct{}, 1)
	h := System().Arm(time.Hour, func() { fired <- struct{}{} })
	if !h.Stop() {
		t.Fatal("Stop returned false on a pending system wait")
	}
	select {
	case <-fired:
		t.Fatal("stopped system wait fired")
	case <-time.After(50 * time.Millisecond):
	}
}
