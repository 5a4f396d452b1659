// Package storage persists schedules and ad-hoc timers.
//
// Two drivers share one Store interface: "sqlite" (default, WAL-mode database
// file) and "file" (dependency-free JSON snapshot). The scheduler service
// consumes the schedule half as its repository; the timer manager consumes
// the timer half as its snapshot store. All writes from the scheduling core
// are best-effort: a failed write degrades observability and restart
// recovery, never in-memory scheduling correctness.
package storage
