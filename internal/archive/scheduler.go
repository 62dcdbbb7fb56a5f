package archive

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// defaultSchedule runs the archive cycle daily at 03:10 UTC, off the hour to
// avoid colliding with funding settlements.
const defaultSchedule = "10 3 * * *"

// Scheduler runs the archiver on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler registers the archiver under the given cron spec; an empty
// spec uses the default daily schedule.
func NewScheduler(archiver *Archiver, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = defaultSchedule
	}
	log := logger.With(slog.String("component", "archive_scheduler"))
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		if err := archiver.Run(ctx); err != nil {
			log.Error("archive cycle failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, logger: log}, nil
}

// Start begins schedule evaluation in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("archive scheduler started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("archive scheduler stopped")
}
