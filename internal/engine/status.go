package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/secureailabs/jobengine/internal/model"
)

// newScheduler returns a scheduler calling fn on the configured schedule.
func newScheduler(ctx context.Context, cfg model.Schedule, fn func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "" && cfg.Duration != "":
		return nil, errors.New("both cron and duration are set")
	case cfg.Cron != "":
		err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing status.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing status.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("status.duration must be positive: %s", cfg.Duration)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(fn),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
