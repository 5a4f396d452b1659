// Package scheduler owns the in-memory timer table that keeps persisted scene
// schedules armed.
//
// # Overview
//
// On Start the service loads the active schedules from its repository,
// computes the first occurrence of each and arms a cancellable wait per
// schedule. When a wait expires the scene executor is invoked (best effort),
// the fire is recorded in the repository, and the schedule is either re-armed
// at its next occurrence or retired when none remains.
//
// # Firing path
//
// The per-schedule wait is the single authoritative firing path. The periodic
// reconcile pass only re-synchronizes table membership against the repository
// (schedules activated, deactivated or deleted behind the service's back);
// it never fires schedules itself, so a given expiry cannot be delivered
// twice.
//
// # Concurrency
//
// The timer table is guarded by one mutex and every armed entry carries a
// generation number. A wait callback must find its own generation still
// current before it may execute; Update, Remove and Stop bump the generation
// first, so cancellation wins over an in-flight fire. Re-arm decisions always
// use the live clock, which makes missed wake-ups skip forward instead of
// replaying a backlog.
package scheduler
