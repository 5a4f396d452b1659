package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scenedeck/internal/schedule"
	"scenedeck/internal/timers"
	"scenedeck/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Schedules ----

func (s *sqliteStore) LoadActiveSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scene_id, start_time, end_time, repeat_kind, weekdays, day_of_month, active, last_run, next_run
		 FROM schedules WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		var (
			sch                  schedule.Schedule
			start                string
			end, last, next      sql.NullString
			repeatKind, weekdays string
		)
		if err := rows.Scan(&sch.ID, &sch.SceneID, &start, &end, &repeatKind, &weekdays,
			&sch.DayOfMonth, &sch.Active, &last, &next); err != nil {
			return nil, err
		}
		if sch.StartTime, err = parseTime(start); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sch.ID, err)
		}
		if sch.EndTime, err = parseNullTime(end); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sch.ID, err)
		}
		if sch.LastRun, err = parseNullTime(last); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sch.ID, err)
		}
		if sch.NextRun, err = parseNullTime(next); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sch.ID, err)
		}
		if sch.Repeat, err = schedule.ParseRepeat(repeatKind); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sch.ID, err)
		}
		if sch.Weekdays, err = schedule.ParseWeekdays(weekdays); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sch.ID, err)
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sch schedule.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, scene_id, start_time, end_time, repeat_kind, weekdays, day_of_month, active, last_run, next_run)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   scene_id=excluded.scene_id, start_time=excluded.start_time, end_time=excluded.end_time,
		   repeat_kind=excluded.repeat_kind, weekdays=excluded.weekdays, day_of_month=excluded.day_of_month,
		   active=excluded.active, last_run=excluded.last_run, next_run=excluded.next_run`,
		sch.ID, sch.SceneID, formatTime(sch.StartTime), nullTime(sch.EndTime),
		sch.Repeat.String(), schedule.FormatWeekdays(sch.Weekdays), sch.DayOfMonth,
		sch.Active, nullTime(sch.LastRun), nullTime(sch.NextRun))
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) MarkScheduleFired(ctx context.Context, id string, last, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run = ?, next_run = ? WHERE id = ?`,
		nullTime(last), nullTime(next), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeactivateSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET active = 0 WHERE id = ?`, id)
	return err
}

// ---- Timers ----

func (s *sqliteStore) SaveTimers(ctx context.Context, ts []timers.Timer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM timers`); err != nil {
		return err
	}
	for _, t := range ts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO timers(id, name, duration_ms, end_time, message, repeat, active)
			 VALUES(?,?,?,?,?,?,?)`,
			t.ID, t.Name, t.Duration.Milliseconds(), formatTime(t.EndTime),
			t.Message, t.Repeat, t.Active); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadTimers(ctx context.Context) ([]timers.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, duration_ms, end_time, message, repeat, active FROM timers ORDER BY end_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []timers.Timer
	for rows.Next() {
		var (
			t          timers.Timer
			durationMS int64
			end        string
		)
		if err := rows.Scan(&t.ID, &t.Name, &durationMS, &end, &t.Message, &t.Repeat, &t.Active); err != nil {
			return nil, err
		}
		t.Duration = time.Duration(durationMS) * time.Millisecond
		if t.EndTime, err = parseTime(end); err != nil {
			return nil, fmt.Errorf("timer %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- helpers ----

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}
