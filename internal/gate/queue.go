package gate

import (
	"context"
	"log/slog"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/metrics"
	"github.com/waabox/changegate/internal/policy"
	"github.com/waabox/changegate/internal/registry"
)

// Admission is the answer of the queue gate for one poll of a queued unit.
type Admission struct {
	Allowed bool
	// Reason explains a blocked admission.
	Reason string
	// Resolution is set once a decision exists for the unit. An allowed unit
	// whose resolution is not approved must be failed by the caller.
	Resolution *domain.Resolution
}

// QueueGate decides whether a queued job may start. It never blocks: the
// host re-polls it until the unit is allowed.
type QueueGate struct {
	registry    *registry.Registry
	changes     domain.ChangeSystem
	policies    *policy.Resolver
	callbackURL string
	logger      *slog.Logger
}

// NewQueueGate creates a QueueGate.
func NewQueueGate(reg *registry.Registry, changes domain.ChangeSystem, policies *policy.Resolver, callbackURL string, logger *slog.Logger) *QueueGate {
	return &QueueGate{
		registry:    reg,
		changes:     changes,
		policies:    policies,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// Admit evaluates the unit once.
func (q *QueueGate) Admit(ctx context.Context, unit domain.UnitMetadata) Admission {
	a := q.admit(ctx, unit)
	verdict := "blocked"
	if a.Allowed {
		verdict = "allowed"
	}
	metrics.GateVerdicts.WithLabelValues(string(domain.UnitJob), verdict).Inc()
	return a
}

func (q *QueueGate) admit(ctx context.Context, unit domain.UnitMetadata) Admission {
	if raw, ok := q.registry.Result(unit.UnitID); ok {
		token, _ := q.registry.CallbackToken(unit.UnitID)
		res := resolutionOf(token, raw)
		return Admission{Allowed: true, Resolution: &res}
	}
	if token, ok := q.registry.TokenFor(unit.UnitID); ok {
		return Admission{Reason: "waiting for change approval (token " + token + ")"}
	}

	pol := q.policies.For(unit)
	if !pol.Track {
		return Admission{Allowed: true}
	}

	gov, err := q.changes.IsGoverned(ctx, unit)
	if err != nil {
		if pol.TolerateErrors {
			q.logger.Warn("change system error tolerated", "unit", unit.UnitID, "error", err)
			return Admission{Allowed: true}
		}
		return q.abort(unit, "is-governed check failed: "+err.Error())
	}
	if !gov.Governed {
		q.logger.Debug("unit not governed", "unit", unit.UnitID)
		return Admission{Allowed: true}
	}

	token := registry.MintToken(domain.UnitJob)
	if !q.registry.Register(unit.UnitID, token) {
		// A concurrent poll registered the unit first.
		return Admission{Reason: "waiting for change approval"}
	}
	status, err := q.changes.RegisterAndNotify(ctx, token, q.callbackURL, unit)
	if err != nil || status != domain.RegisterOK {
		q.registry.Deregister(unit.UnitID)
		cause := "change registration returned " + string(status)
		if err != nil {
			cause = "change registration failed: " + err.Error()
		}
		return q.abort(unit, cause)
	}

	q.logger.Info("job waiting for change approval", "unit", unit.UnitID, "token", token)
	return Admission{Reason: "waiting for change approval (token " + token + ")"}
}

// abort stores a synthetic abort decision and lets the unit through so the
// consumer fails it.
func (q *QueueGate) abort(unit domain.UnitMetadata, cause string) Admission {
	q.logger.Error("change control error", "unit", unit.UnitID, "cause", cause)
	q.registry.StoreResult(unit.UnitID, "", syntheticAbort(cause))
	raw, _ := q.registry.Result(unit.UnitID)
	res := resolutionOf("", raw)
	return Admission{Allowed: true, Resolution: &res}
}

// Deliver records a decision delivered for a job token. It returns
// domain.ErrUnknownToken when the token is unknown or already consumed.
func (q *QueueGate) Deliver(token string, payload []byte) error {
	unitID, ok := q.registry.Resolve(token, payload)
	if !ok {
		return domain.ErrUnknownToken
	}
	q.logger.Info("job decision delivered", "unit", unitID, "token", token)
	return nil
}

// Release forgets the unit once it has left the queue.
func (q *QueueGate) Release(unitID string) {
	q.registry.TakeResult(unitID)
	q.registry.Deregister(unitID)
}
