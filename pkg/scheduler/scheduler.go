// Package scheduler runs a butler's cron-like schedules. Schedules are
// declared in butler.toml, mirrored into the butler_schedules table so the
// dashboard can inspect them, and each tick triggers one LLM session.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/robfig/cron/v3"

	"github.com/Tzeusy/butlers/pkg/config"
	"github.com/Tzeusy/butlers/pkg/spawner"
)

// Triggerer starts one session per tick. *spawner.Spawner satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, req spawner.Request) spawner.Result
}

// DB is the slice of a connection pool schedule sync needs. A nil DB skips
// persistence.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Scheduler owns the cron runner for one butler.
type Scheduler struct {
	butlerName string
	cron       *cron.Cron
	trigger    Triggerer
	db         DB
}

// New creates a stopped scheduler.
func New(butlerName string, trigger Triggerer, db DB) *Scheduler {
	return &Scheduler{
		butlerName: butlerName,
		cron:       cron.New(),
		trigger:    trigger,
		db:         db,
	}
}

// SyncSchedules validates every configured schedule, upserts it into
// butler_schedules, and registers enabled ones with the cron runner. An
// invalid cron expression fails the whole sync so misconfiguration surfaces
// at startup rather than at tick time.
func (s *Scheduler) SyncSchedules(ctx context.Context, schedules map[string]config.ScheduleConfig) error {
	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	for _, name := range names {
		sched := schedules[name]
		if _, err := parser.Parse(sched.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression %q: %w", name, sched.Cron, err)
		}

		if s.db != nil {
			_, err := s.db.Exec(ctx, `
				INSERT INTO butler_schedules (name, cron, prompt, enabled, updated_at)
				VALUES ($1, $2, $3, $4, now())
				ON CONFLICT (name) DO UPDATE
				SET cron = EXCLUDED.cron, prompt = EXCLUDED.prompt,
				    enabled = EXCLUDED.enabled, updated_at = now()`,
				name, sched.Cron, sched.Prompt, sched.Enabled)
			if err != nil {
				return fmt.Errorf("upserting schedule %q: %w", name, err)
			}
		}

		if !sched.Enabled {
			slog.Info("Schedule disabled, not registered", "butler", s.butlerName, "schedule", name)
			continue
		}

		_, err := s.cron.AddFunc(sched.Cron, func() { s.tick(name, sched.Prompt) })
		if err != nil {
			return fmt.Errorf("registering schedule %q: %w", name, err)
		}
		slog.Info("Schedule registered", "butler", s.butlerName, "schedule", name, "cron", sched.Cron)
	}
	return nil
}

func (s *Scheduler) tick(name, prompt string) {
	res := s.trigger.Trigger(context.Background(), spawner.Request{
		Prompt:        prompt,
		TriggerSource: "schedule:" + name,
	})
	if !res.Success {
		slog.Error("Scheduled session failed",
			"butler", s.butlerName, "schedule", name, "error", res.Error)
		return
	}
	slog.Info("Scheduled session completed",
		"butler", s.butlerName, "schedule", name,
		"session_id", res.SessionID, "duration_ms", res.DurationMs)
}

// Start begins ticking. Safe to call with no schedules registered.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts ticking and returns a context that completes when in-flight
// tick callbacks finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
