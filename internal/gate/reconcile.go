package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/store"
)

// Reconcile restores the waits persisted before a restart. Each wait without
// a live continuation is checked against the change system: a pending change
// keeps waiting under its original token, a decided one is resolved.
func (s *StepGate) Reconcile(ctx context.Context) error {
	records, err := s.Store.All()
	if err != nil {
		return fmt.Errorf("loading waits: %w", err)
	}

	var errs []error
	for _, rec := range records {
		if _, live := s.Registry.Continuation(rec.Token); live {
			continue
		}
		if err := s.reconcile(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("wait %s: %w", rec.Token, err))
		}
	}
	return errors.Join(errs...)
}

func (s *StepGate) reconcile(ctx context.Context, rec store.WaitRecord) error {
	if g, ok := s.Tracker.Lookup(rec.RunID); ok {
		g.Update(rec.StageID, func(n *domain.StageNode) {
			n.ChangeCtrlInProgress = true
			n.ChangeStartTime = rec.ChangeStartTime
		})
	}

	start, err := s.suspend(rec)
	if err != nil {
		return err
	}
	console := s.Consoles.Console(rec.RunID)

	status, err := s.Changes.QueryStatus(ctx, rec.Unit)
	if err != nil {
		if rec.Policy.TolerateErrors {
			s.Logger.Warn("change system error tolerated during reconciliation", "token", rec.Token, "error", err)
			s.resolve(rec.Token, domain.Resolution{Approved: true, Comments: "change control error ignored: " + err.Error()})
			return nil
		}
		s.resolve(rec.Token, domain.Resolution{Reason: domain.ReasonError, Comments: err.Error()})
		return nil
	}

	if status.Pending() {
		console.Printf("%s stage %q is still waiting for change approval (%s)",
			ConsolePrefix, rec.Unit.StageName, describeStatus(status))
		s.Logger.Info("wait restored", "token", rec.Token, "elapsed", s.elapsed(rec))
		start()
		return nil
	}

	d := domain.Decision{Result: status.Decision, Comments: status.Comments}
	s.resolve(rec.Token, d.Resolution(rec.Token))
	return nil
}

func (s *StepGate) elapsed(rec store.WaitRecord) time.Duration {
	return s.Clock.Now().Sub(rec.ChangeStartTime)
}
