package scheduler

import (
	"time"

	"scenedeck/internal/eventbus"
	"scenedeck/internal/schedule"
	"scenedeck/pkg/logx"
)

// fire is the wait-expiry callback for one arming generation of a schedule.
// A stale generation (the entry was updated, removed or the service stopped
// since the wait was armed) returns without side effects.
func (s *Service) fire(id string, ver uint64) {
	s.mu.Lock()
	e := s.armed[id]
	if !s.running || e == nil || e.ver != ver {
		s.mu.Unlock()
		return
	}
	sch := e.sched
	ctx := s.baseCtx
	firedAt := s.clk.Now()
	s.fireWG.Add(1)
	s.mu.Unlock()
	defer s.fireWG.Done()

	// Best-effort execution: a failing scene must not stop the schedule from
	// being re-armed.
	execErr := s.exec.Execute(ctx, sch.SceneID)
	if execErr != nil {
		s.log.Warn("scene execution failed",
			logx.String("schedule", id), logx.String("scene", sch.SceneID), logx.Err(execErr))
	} else {
		s.log.Info("scene executed",
			logx.String("schedule", id), logx.String("scene", sch.SceneID))
	}

	// Recompute from the live clock so a late wake-up skips forward instead
	// of replaying missed occurrences.
	next, ok := schedule.NextRun(sch, s.clk.Now())

	var persistNext time.Time
	if ok {
		persistNext = next
	}
	if err := s.repo.MarkScheduleFired(ctx, id, firedAt, persistNext); err != nil {
		s.log.Warn("recording fire failed", logx.String("schedule", id), logx.Err(err))
	}

	s.publish(eventbus.TypeScheduleFired, eventbus.ScheduleEvent{
		ScheduleID: id, SceneID: sch.SceneID, At: firedAt, Next: persistNext, Err: errString(execErr),
	})

	s.mu.Lock()
	cur := s.armed[id]
	if !s.running || cur == nil || cur.ver != ver {
		// Superseded while executing; whoever superseded owns the entry now.
		s.mu.Unlock()
		return
	}
	if !ok {
		delete(s.armed, id)
		s.vers[id]++
		s.retired[id] = struct{}{}
		s.mu.Unlock()

		s.log.Info("schedule retired", logx.String("schedule", id))
		s.publish(eventbus.TypeScheduleRetired, eventbus.ScheduleEvent{
			ScheduleID: id, SceneID: sch.SceneID, At: firedAt,
		})
		if err := s.repo.DeactivateSchedule(ctx, id); err != nil {
			s.log.Warn("deactivating retired schedule failed", logx.String("schedule", id), logx.Err(err))
		}
		return
	}

	cur.sched.LastRun = firedAt
	cur.sched.NextRun = next
	cur.next = next
	newVer := s.vers[id] + 1
	s.vers[id] = newVer
	cur.ver = newVer
	cur.handle = s.wait.Arm(next.Sub(s.clk.Now()), func() { s.fire(id, newVer) })
	s.mu.Unlock()

	s.log.Debug("schedule re-armed", logx.String("schedule", id), logx.Time("next", next))
}

// reconcile re-synchronizes table membership with the repository: schedules
// activated, edited away or deactivated behind the service's back converge
// within one reconcile cycle. It never fires anything.
func (s *Service) reconcile() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.baseCtx
	s.mu.Unlock()

	scheds, err := s.repo.LoadActiveSchedules(ctx)
	if err != nil {
		s.log.Warn("reconcile load failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	active := make(map[string]struct{}, len(scheds))
	added, dropped := 0, 0
	for _, sch := range scheds {
		active[sch.ID] = struct{}{}
		if _, armed := s.armed[sch.ID]; armed {
			continue
		}
		if _, ret := s.retired[sch.ID]; ret {
			// Exhausted by us; the deactivate write may still be in flight.
			continue
		}
		if s.armLocked(sch, false) {
			added++
		}
	}
	for id := range s.armed {
		if _, ok := active[id]; !ok {
			s.removeLocked(id)
			dropped++
		}
	}
	if added > 0 || dropped > 0 {
		s.log.Info("reconciled with repository", logx.Int("armed", added), logx.Int("dropped", dropped))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
