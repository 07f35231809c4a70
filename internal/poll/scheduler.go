package poll

import (
	"context"
	"log/slog"
	"time"

	"github.com/waabox/changegate/internal/clock"
	"github.com/waabox/changegate/internal/metrics"
)

// Handler reacts to fired timers.
type Handler interface {
	// Poll queries the change system for the current status.
	Poll(ctx context.Context)
	// CreationTimeout is called once when the change creation deadline
	// passes. Returning true stops the scheduler.
	CreationTimeout(ctx context.Context) bool
	// StepTimeout is called once when the step deadline passes. The
	// scheduler stops afterwards.
	StepTimeout(ctx context.Context)
}

// Scheduler drives the timers of one wait. Deadlines are anchored to the
// wait's change start time, so a scheduler restarted after a process
// restart resumes with the correct remaining times.
type Scheduler struct {
	settings Settings
	start    time.Time
	clock    clock.Clock
	handler  Handler
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler for a wait that began at start.
func NewScheduler(settings Settings, start time.Time, clk clock.Clock, handler Handler, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		settings: settings,
		start:    start,
		clock:    clk,
		handler:  handler,
		logger:   logger,
	}
}

// Run fires timers until a terminal timer fires, no timer remains, or ctx
// is canceled. Cancellation is the normal way a resolved wait stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	st := State{NextPollAt: s.settings.PollInterval}
	for {
		st.Elapsed = s.clock.Now().Sub(s.start)
		timer, ok := Next(s.settings, st)
		if !ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(timer.Remaining):
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		metrics.TimersFired.WithLabelValues(timer.Kind.String()).Inc()
		s.logger.Debug("poll timer fired", "kind", timer.Kind.String())

		switch timer.Kind {
		case OrdinaryPoll:
			s.handler.Poll(ctx)
			st.NextPollAt = s.clock.Now().Sub(s.start) + s.settings.PollInterval
		case ChangeCreationTimeout:
			st.CreationFired = true
			if s.handler.CreationTimeout(ctx) {
				return nil
			}
		case ChangeStepTimeout:
			st.StepFired = true
			s.handler.StepTimeout(ctx)
			return nil
		}
	}
}
