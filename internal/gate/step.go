package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/waabox/changegate/internal/clock"
	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/graph"
	"github.com/waabox/changegate/internal/metrics"
	"github.com/waabox/changegate/internal/policy"
	"github.com/waabox/changegate/internal/poll"
	"github.com/waabox/changegate/internal/registry"
	"github.com/waabox/changegate/internal/store"
)

// ErrUnknownStage is returned when a stage is gated before it was started.
var ErrUnknownStage = errors.New("stage is not tracked")

// StepOutcome is the immediate result of entering the step gate.
type StepOutcome string

const (
	// StepProceed lets the stage run now.
	StepProceed StepOutcome = "proceed"
	// StepSuspended parks the execution path until the stage is resumed.
	StepSuspended StepOutcome = "suspended"
	// StepFailed fails the execution path.
	StepFailed StepOutcome = "failed"
)

// WaitStore persists in-flight waits.
type WaitStore interface {
	Put(rec store.WaitRecord) error
	Get(runID, stageID string) (store.WaitRecord, bool, error)
	Delete(runID, stageID string) error
	All() ([]store.WaitRecord, error)
}

// StepDeps are the collaborators of a StepGate.
type StepDeps struct {
	Registry    *registry.Registry
	Changes     domain.ChangeSystem
	Policies    *policy.Resolver
	Tracker     *graph.Tracker
	Store       WaitStore
	Resumer     domain.Resumer
	Consoles    domain.ConsoleFactory
	Clock       clock.Clock
	CallbackURL string
	Logger      *slog.Logger
}

// StepGate suspends governed stages until the change system decides, and
// resumes them from a callback, a polling timer or restart reconciliation.
type StepGate struct {
	StepDeps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStepGate creates a StepGate. Close stops its polling schedulers.
func NewStepGate(deps StepDeps) *StepGate {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StepGate{StepDeps: deps, ctx: ctx, cancel: cancel}
}

// Close stops every polling scheduler and waits for them to return. Waits
// stay persisted and are picked up by the next reconciliation.
func (s *StepGate) Close() {
	s.cancel()
	s.wg.Wait()
}

// Enter gates the stage. Entering a stage whose change control is already in
// progress is a no-op that proceeds.
func (s *StepGate) Enter(ctx context.Context, runID, stageID string, unit domain.UnitMetadata) (StepOutcome, error) {
	outcome, err := s.enter(ctx, runID, stageID, unit)
	metrics.GateVerdicts.WithLabelValues(string(domain.UnitStage), string(outcome)).Inc()
	return outcome, err
}

func (s *StepGate) enter(ctx context.Context, runID, stageID string, unit domain.UnitMetadata) (StepOutcome, error) {
	g, ok := s.Tracker.Lookup(runID)
	if !ok {
		return StepFailed, fmt.Errorf("%w: run %s", ErrUnknownStage, runID)
	}

	now := s.Clock.Now()
	var (
		node    domain.StageNode
		already bool
	)
	found := g.Update(stageID, func(n *domain.StageNode) {
		already = n.ChangeCtrlInProgress
		if !already {
			n.ChangeCtrlInProgress = true
			n.ChangeStartTime = now
		}
		node = *n
	})
	if !found {
		return StepFailed, fmt.Errorf("%w: %s/%s", ErrUnknownStage, runID, stageID)
	}
	if already {
		return StepProceed, nil
	}
	if start, waiting := s.restoredWait(runID, stageID, now); waiting {
		g.Update(stageID, func(n *domain.StageNode) { n.ChangeStartTime = start })
		s.Logger.Info("stage re-entered while its wait is live", "run", runID, "stage", stageID)
		return StepProceed, nil
	}

	unit = stageUnit(unit, runID, node)
	pol := s.Policies.For(unit)
	console := s.Consoles.Console(runID)

	gov, err := s.Changes.IsGoverned(ctx, unit)
	if err != nil {
		return s.changeError(console, unit, pol, err)
	}
	if !gov.Governed {
		console.Printf("%s stage %q is not under change control", ConsolePrefix, node.Name)
		return StepProceed, nil
	}

	token := registry.MintToken(domain.UnitStage)
	rec := store.WaitRecord{
		Token:           token,
		RunID:           runID,
		StageID:         stageID,
		Unit:            unit,
		ChangeStartTime: now,
		Policy:          pol,
	}
	start, err := s.suspend(rec)
	if err != nil {
		return s.changeError(console, unit, pol, err)
	}

	status, err := s.Changes.RegisterAndNotify(ctx, token, s.CallbackURL, unit)
	if err != nil || status != domain.RegisterOK {
		s.abandon(rec)
		if err == nil {
			err = fmt.Errorf("change registration returned %s", status)
		}
		return s.changeError(console, unit, pol, err)
	}

	console.Printf("%s stage %q is waiting for change approval", ConsolePrefix, node.Name)
	s.Logger.Info("stage suspended", "run", runID, "stage", stageID, "token", token)
	start()
	return StepSuspended, nil
}

// restoredWait reports whether the stage already has a live wait, as after a
// restart where the wait was restored before the run was tracked again. It
// returns the start time of that wait.
func (s *StepGate) restoredWait(runID, stageID string, now time.Time) (time.Time, bool) {
	if _, ok := s.Registry.TokenFor(runID + "/" + stageID); !ok {
		return time.Time{}, false
	}
	rec, found, err := s.Store.Get(runID, stageID)
	if err != nil {
		s.Logger.Warn("reading wait record", "run", runID, "stage", stageID, "error", err)
	}
	if !found {
		return now, true
	}
	return rec.ChangeStartTime, true
}

// changeError applies the unit's tolerate-or-fail policy to a change system
// failure.
func (s *StepGate) changeError(console domain.Console, unit domain.UnitMetadata, pol policy.Policy, err error) (StepOutcome, error) {
	if pol.TolerateErrors {
		s.Logger.Warn("change system error tolerated", "unit", unit.UnitID, "error", err)
		console.Printf("%s change control error ignored: %v", ConsolePrefix, err)
		return StepProceed, nil
	}
	s.Logger.Error("change control error", "unit", unit.UnitID, "error", err)
	gerr := &domain.GateError{Reason: domain.ReasonError, Comments: err.Error()}
	console.Printf("%s %v", ConsolePrefix, gerr)
	return StepFailed, gerr
}

// suspend persists and registers the wait. The returned function starts its
// polling scheduler.
func (s *StepGate) suspend(rec store.WaitRecord) (func(), error) {
	// A losing registration must leave the record of the winning wait alone.
	if !s.Registry.Register(rec.Unit.UnitID, rec.Token) {
		return nil, fmt.Errorf("stage %s already has a pending wait", rec.Unit.UnitID)
	}
	if err := s.Store.Put(rec); err != nil {
		s.Registry.Deregister(rec.Unit.UnitID)
		return nil, fmt.Errorf("persisting wait: %w", err)
	}

	ctx, stop := context.WithCancel(s.ctx)
	c := &registry.Continuation{
		Token:           rec.Token,
		RunID:           rec.RunID,
		StageID:         rec.StageID,
		Unit:            rec.Unit,
		ChangeStartTime: rec.ChangeStartTime,
		RegisteredAt:    s.Clock.Now(),
		Stop:            stop,
	}
	if !s.Registry.PutContinuation(c) {
		stop()
		s.Registry.Deregister(rec.Unit.UnitID)
		_ = s.Store.Delete(rec.RunID, rec.StageID)
		return nil, fmt.Errorf("token %s already has a continuation", rec.Token)
	}
	metrics.ActiveWaits.Inc()

	return func() {
		h := &waitHandler{gate: s, rec: rec}
		sched := poll.NewScheduler(rec.Policy.Settings(), rec.ChangeStartTime, s.Clock, h, s.Logger.With("token", rec.Token))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.Logger.Error("polling scheduler stopped", "token", rec.Token, "error", err)
			}
		}()
	}, nil
}

// abandon undoes a wait whose registration with the change system failed.
func (s *StepGate) abandon(rec store.WaitRecord) {
	if c, ok := s.Registry.TakeContinuation(rec.Token); ok {
		c.Stop()
		metrics.ActiveWaits.Dec()
	}
	s.Registry.Deregister(rec.Unit.UnitID)
	if err := s.Store.Delete(rec.RunID, rec.StageID); err != nil {
		s.Logger.Warn("deleting wait record", "token", rec.Token, "error", err)
	}
}

// Deliver resolves the wait of a stage token with a decision payload. It
// returns domain.ErrUnknownToken when no live wait owns the token.
func (s *StepGate) Deliver(token string, payload []byte) error {
	if !s.resolve(token, resolutionOf(token, payload)) {
		return domain.ErrUnknownToken
	}
	return nil
}

// resolve finishes the wait of token at most once. The scheduler is stopped
// and the token deregistered before the orchestrator is resumed.
func (s *StepGate) resolve(token string, res domain.Resolution) bool {
	c, ok := s.Registry.TakeContinuation(token)
	if !ok {
		return false
	}
	if c.Stop != nil {
		c.Stop()
	}
	s.Registry.Deregister(c.Unit.UnitID)
	metrics.ActiveWaits.Dec()
	if err := s.Store.Delete(c.RunID, c.StageID); err != nil {
		s.Logger.Warn("deleting wait record", "token", token, "error", err)
	}

	res.Token = token
	res.At = s.Clock.Now()
	console := s.Consoles.Console(c.RunID)
	if err := res.Err(); err != nil {
		console.Printf("%s stage %q failed: %v", ConsolePrefix, c.Unit.StageName, err)
	} else if res.Comments != "" {
		console.Printf("%s stage %q approved: %s", ConsolePrefix, c.Unit.StageName, res.Comments)
	} else {
		console.Printf("%s stage %q approved", ConsolePrefix, c.Unit.StageName)
	}
	s.Logger.Info("stage wait resolved", "run", c.RunID, "stage", c.StageID, "approved", res.Approved, "reason", res.Reason)

	if err := s.Resumer.Resume(s.ctx, c.RunID, c.StageID, res); err != nil {
		s.Logger.Error("resuming stage", "run", c.RunID, "stage", c.StageID, "error", err)
	}
	return true
}

// Waiting returns the number of live stage waits.
func (s *StepGate) Waiting() int {
	return len(s.Registry.Continuations())
}

func stageUnit(unit domain.UnitMetadata, runID string, n domain.StageNode) domain.UnitMetadata {
	unit.Kind = domain.UnitStage
	unit.RunID = runID
	unit.StageID = n.ID
	unit.UnitID = runID + "/" + n.ID
	unit.StageName = n.Name
	unit.ExecutionURL = n.ExecutionURL
	unit.PipelineExecutionURL = n.PipelineExecutionURL
	unit.UpstreamExecutionURL = n.UpstreamExecutionURL
	unit.UpstreamName = n.UpstreamName
	return unit
}

// waitHandler reacts to the timers of one wait.
type waitHandler struct {
	gate *StepGate
	rec  store.WaitRecord

	last    domain.ChangeStatus
	printed bool
}

func (h *waitHandler) Poll(ctx context.Context) {
	status, err := h.gate.Changes.QueryStatus(ctx, h.rec.Unit)
	if err != nil {
		h.gate.Logger.Warn("polling change status", "token", h.rec.Token, "error", err)
		return
	}
	if !h.printed || !status.Equal(h.last) {
		h.gate.Consoles.Console(h.rec.RunID).Printf("%s %s", ConsolePrefix, describeStatus(status))
		h.last = status
		h.printed = true
	}
	if !status.Pending() {
		d := domain.Decision{Result: status.Decision, Comments: status.Comments}
		h.gate.resolve(h.rec.Token, d.Resolution(h.rec.Token))
	}
}

func (h *waitHandler) CreationTimeout(ctx context.Context) bool {
	status, err := h.gate.Changes.QueryStatus(ctx, h.rec.Unit)
	if err != nil {
		h.gate.Logger.Warn("checking change creation", "token", h.rec.Token, "error", err)
		return false
	}
	if status.Found {
		return false
	}
	h.timeout("change request was not created in time")
	return true
}

func (h *waitHandler) StepTimeout(context.Context) {
	h.timeout("change approval timed out")
}

func (h *waitHandler) timeout(msg string) {
	res := domain.Resolution{Reason: domain.ReasonTimedOut, Comments: msg}
	if h.rec.Policy.TimeoutAction == policy.ActionContinue {
		res = domain.Resolution{Approved: true, Comments: msg}
	}
	h.gate.resolve(h.rec.Token, res)
}
