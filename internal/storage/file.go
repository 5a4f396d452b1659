package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scenedeck/internal/schedule"
	"scenedeck/internal/timers"
	"scenedeck/pkg/logx"
)

// fileStore is a dependency-free persistence backend: one JSON snapshot file
// holding the full schedule and timer sets, rewritten atomically
// (write-temp-then-rename) on every mutation.
type fileStore struct {
	log  logx.Logger
	path string

	mu    sync.Mutex
	state fileState
}

type fileState struct {
	Schedules []fileSchedule `json:"schedules"`
	Timers    []fileTimer    `json:"timers"`
}

type fileSchedule struct {
	ID         string     `json:"id"`
	SceneID    string     `json:"scene_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Repeat     string     `json:"repeat"`
	Weekdays   string     `json:"weekdays,omitempty"`
	DayOfMonth int        `json:"day_of_month,omitempty"`
	Active     bool       `json:"active"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

type fileTimer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	DurationMS int64     `json:"duration_ms"`
	EndTime    time.Time `json:"end_time"`
	Message    string    `json:"message,omitempty"`
	Repeat     bool      `json:"repeat"`
	Active     bool      `json:"active"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, path: cfg.Path}
	b, err := os.ReadFile(cfg.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh store.
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &st.state); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *fileStore) Close() error { return nil }

// flushLocked rewrites the snapshot. Call with s.mu held.
func (s *fileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// ---- Schedules ----

func (s *fileStore) LoadActiveSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.Schedule
	for _, fs := range s.state.Schedules {
		if !fs.Active {
			continue
		}
		sch, err := fs.toSchedule()
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, nil
}

func (s *fileStore) SaveSchedule(ctx context.Context, sch schedule.Schedule) error {
	fs := toFileSchedule(sch)
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.state.Schedules {
		if s.state.Schedules[i].ID == sch.ID {
			s.state.Schedules[i] = fs
			replaced = true
			break
		}
	}
	if !replaced {
		s.state.Schedules = append(s.state.Schedules, fs)
	}
	return s.flushLocked()
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, fs := range s.state.Schedules {
		if fs.ID == id {
			continue
		}
		s.state.Schedules[n] = fs
		n++
	}
	if n == len(s.state.Schedules) {
		return nil
	}
	s.state.Schedules = s.state.Schedules[:n]
	return s.flushLocked()
}

func (s *fileStore) MarkScheduleFired(ctx context.Context, id string, last, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Schedules {
		if s.state.Schedules[i].ID != id {
			continue
		}
		s.state.Schedules[i].LastRun = timePtr(last)
		s.state.Schedules[i].NextRun = timePtr(next)
		return s.flushLocked()
	}
	return ErrNotFound
}

func (s *fileStore) DeactivateSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Schedules {
		if s.state.Schedules[i].ID == id {
			s.state.Schedules[i].Active = false
			return s.flushLocked()
		}
	}
	return nil
}

// ---- Timers ----

func (s *fileStore) SaveTimers(ctx context.Context, ts []timers.Timer) error {
	fts := make([]fileTimer, 0, len(ts))
	for _, t := range ts {
		fts = append(fts, fileTimer{
			ID:         t.ID,
			Name:       t.Name,
			DurationMS: t.Duration.Milliseconds(),
			EndTime:    t.EndTime,
			Message:    t.Message,
			Repeat:     t.Repeat,
			Active:     t.Active,
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Timers = fts
	return s.flushLocked()
}

func (s *fileStore) LoadTimers(ctx context.Context) ([]timers.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]timers.Timer, 0, len(s.state.Timers))
	for _, ft := range s.state.Timers {
		out = append(out, timers.Timer{
			ID:       ft.ID,
			Name:     ft.Name,
			Duration: time.Duration(ft.DurationMS) * time.Millisecond,
			EndTime:  ft.EndTime,
			Message:  ft.Message,
			Repeat:   ft.Repeat,
			Active:   ft.Active,
		})
	}
	return out, nil
}

// ---- mapping ----

func toFileSchedule(sch schedule.Schedule) fileSchedule {
	return fileSchedule{
		ID:         sch.ID,
		SceneID:    sch.SceneID,
		StartTime:  sch.StartTime,
		EndTime:    timePtr(sch.EndTime),
		Repeat:     sch.Repeat.String(),
		Weekdays:   schedule.FormatWeekdays(sch.Weekdays),
		DayOfMonth: sch.DayOfMonth,
		Active:     sch.Active,
		LastRun:    timePtr(sch.LastRun),
		NextRun:    timePtr(sch.NextRun),
	}
}

func (fs fileSchedule) toSchedule() (schedule.Schedule, error) {
	repeat, err := schedule.ParseRepeat(fs.Repeat)
	if err != nil {
		return schedule.Schedule{}, err
	}
	weekdays, err := schedule.ParseWeekdays(fs.Weekdays)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return schedule.Schedule{
		ID:         fs.ID,
		SceneID:    fs.SceneID,
		StartTime:  fs.StartTime,
		EndTime:    timeVal(fs.EndTime),
		Repeat:     repeat,
		Weekdays:   weekdays,
		DayOfMonth: fs.DayOfMonth,
		Active:     fs.Active,
		LastRun:    timeVal(fs.LastRun),
		NextRun:    timeVal(fs.NextRun),
	}, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}
