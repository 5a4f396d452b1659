package scheduler

import (
	"fmt"
	"sort"
	"time"

	"scenedeck/internal/schedule"
	"scenedeck/pkg/logx"
)

// Add validates sch and arms it. A schedule whose rule yields no future
// occurrence is accepted but left unarmed (warned, not failed), matching how
// startup treats exhausted repository rows. An inactive schedule is likewise
// accepted and cancels any armed entry for the same id. Adding an id that is
// already armed replaces the previous wait; there is never more than one
// pending wait per id.
func (s *Service) Add(sch schedule.Schedule) error {
	if err := sch.Validate(); err != nil {
		return fmt.Errorf("add schedule %s: %w", sch.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if !sch.Active {
		s.removeLocked(sch.ID)
		s.log.Warn("inactive schedule not armed", logx.String("schedule", sch.ID))
		return nil
	}
	s.armLocked(sch, true)
	return nil
}

// Update replaces the armed state for sch.ID with the new rule data. The
// previous wait is cancelled before the new one is installed, so a fire
// racing the update cannot use superseded rule data.
func (s *Service) Update(sch schedule.Schedule) error {
	if err := sch.Validate(); err != nil {
		return fmt.Errorf("update schedule %s: %w", sch.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if !sch.Active {
		s.removeLocked(sch.ID)
		return nil
	}
	s.armLocked(sch, true)
	return nil
}

// Remove cancels the pending wait for id and drops it from the table.
// Removing an unknown id is a no-op. Once Remove returns, no fire for id can
// start, including one already in flight at the moment of the call.
func (s *Service) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Service) removeLocked(id string) {
	e := s.armed[id]
	if e == nil {
		return
	}
	if e.handle != nil {
		e.handle.Stop()
	}
	delete(s.armed, id)
	s.vers[id]++
	s.log.Debug("schedule removed", logx.String("schedule", id))
}

// EntryInfo describes one armed schedule for observability surfaces.
type EntryInfo struct {
	ScheduleID string
	SceneID    string
	Repeat     string
	Next       time.Time
}

// Snapshot returns the armed entries ordered by next execution.
type Snapshot struct {
	Running bool
	Entries []EntryInfo
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.running, Entries: make([]EntryInfo, 0, len(s.armed))}
	for _, e := range s.armed {
		snap.Entries = append(snap.Entries, EntryInfo{
			ScheduleID: e.sched.ID,
			SceneID:    e.sched.SceneID,
			Repeat:     e.sched.Repeat.String(),
			Next:       e.next,
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Next.Before(snap.Entries[j].Next)
	})
	return snap
}
