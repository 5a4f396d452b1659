package storage

import (
	"context"
	"errors"
	"time"

	"scenedeck/internal/schedule"
	"scenedeck/internal/timers"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default choice)
//   - "file": dependency-free JSON snapshot file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by the scheduler service (as its
// schedule repository) and the timer manager (as its snapshot store).
type Store interface {
	// Schedules.
	LoadActiveSchedules(ctx context.Context) ([]schedule.Schedule, error)
	SaveSchedule(ctx context.Context, s schedule.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	MarkScheduleFired(ctx context.Context, id string, last, next time.Time) error
	DeactivateSchedule(ctx context.Context, id string) error

	// Ad-hoc timers: the full active set is replaced on every snapshot.
	SaveTimers(ctx context.Context, ts []timers.Timer) error
	LoadTimers(ctx context.Context) ([]timers.Timer, error)

	Close() error
}
