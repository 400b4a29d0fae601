package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dialogwise/chatcore/internal/logger"
)

// eventPurger and sessionPurger accept a PostgreSQL interval literal,
// e.g. "1 hours" or "1440 minutes".
type eventPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff string) (int64, error)
}

type sessionPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff string) (int64, error)
}

// Purger periodically removes expired streaming events and abandoned
// sessions. Events age out after the event retention (default 1h),
// sessions after the session retention (default 24h); an abandoned
// active stream is harvested by these two passes.
type Purger struct {
	events           eventPurger
	sessions         sessionPurger
	eventRetention   time.Duration
	sessionRetention time.Duration
	schedule         string
	cron             *cron.Cron
	logger           *logger.Logger
}

// NewPurger creates the purge job. Start must be called to schedule it.
func NewPurger(events eventPurger, sessions sessionPurger, eventRetention, sessionRetention time.Duration, schedule string, log *logger.Logger) *Purger {
	return &Purger{
		events:           events,
		sessions:         sessions,
		eventRetention:   eventRetention,
		sessionRetention: sessionRetention,
		schedule:         schedule,
		cron:             cron.New(),
		logger:           log.WithComponent("maintenance"),
	}
}

// Start schedules the purge job on the configured cron spec.
func (p *Purger) Start() error {
	if _, err := p.cron.AddFunc(p.schedule, p.RunOnce); err != nil {
		return fmt.Errorf("failed to schedule purge job: %w", err)
	}
	p.cron.Start()
	p.logger.Info("purge job scheduled",
		slog.String("schedule", p.schedule),
		slog.Duration("event_retention", p.eventRetention),
		slog.Duration("session_retention", p.sessionRetention))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (p *Purger) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

// RunOnce executes one purge pass. Failures are logged; the next pass
// retries naturally.
func (p *Purger) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := p.events.PurgeOlderThan(ctx, asInterval(p.eventRetention)); err != nil {
		p.logger.LogError(ctx, err, "event purge failed")
	}
	if _, err := p.sessions.PurgeOlderThan(ctx, asInterval(p.sessionRetention)); err != nil {
		p.logger.LogError(ctx, err, "session purge failed")
	}
}

// asInterval renders a duration as a PostgreSQL interval literal.
func asInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
