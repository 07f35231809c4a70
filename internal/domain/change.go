package domain

import (
	"context"
	"slices"
	"time"
)

// UnitKind distinguishes a whole job from a single pipeline stage.
type UnitKind string

const (
	UnitJob   UnitKind = "job"
	UnitStage UnitKind = "stage"
)

// TokenPrefix returns the namespace prefix of tokens minted for the kind.
func (k UnitKind) TokenPrefix() string {
	return string(k) + "-"
}

// UnitMetadata describes a governed unit to the change system.
type UnitMetadata struct {
	Kind    UnitKind `json:"kind"`
	UnitID  string   `json:"unitId"`
	RunID   string   `json:"runId,omitempty"`
	JobName string   `json:"jobName"`
	JobURL  string   `json:"jobUrl,omitempty"`
	Build   int      `json:"buildNumber,omitempty"`

	StageID              string `json:"stageId,omitempty"`
	StageName            string `json:"stageName,omitempty"`
	ExecutionURL         string `json:"executionUrl,omitempty"`
	PipelineExecutionURL string `json:"pipelineExecutionUrl,omitempty"`
	UpstreamExecutionURL string `json:"upstreamExecutionUrl,omitempty"`
	UpstreamName         string `json:"upstreamName,omitempty"`

	SCM *SCMInfo `json:"scm,omitempty"`
}

// Governance is the answer to "is this unit governed?".
type Governance struct {
	Governed bool
	TestInfo string
}

// RegisterStatus is the outcome of registering a wait with the change system.
type RegisterStatus string

const (
	RegisterOK      RegisterStatus = "ok"
	RegisterUnknown RegisterStatus = "unknown"
	RegisterError   RegisterStatus = "error"
)

// ChangeStatus is the change system's view of a governed unit.
type ChangeStatus struct {
	Found           bool
	Number          string
	State           string
	AssignmentGroup string
	Approvers       []string
	PlannedStart    string
	PlannedEnd      string
	// Decision is empty while the change is still pending.
	Decision DecisionResult
	Comments string
}

// Equal reports whether two statuses carry the same decision-relevant fields.
func (s ChangeStatus) Equal(other ChangeStatus) bool {
	return s.Found == other.Found &&
		s.Number == other.Number &&
		s.State == other.State &&
		s.AssignmentGroup == other.AssignmentGroup &&
		slices.Equal(s.Approvers, other.Approvers) &&
		s.PlannedStart == other.PlannedStart &&
		s.PlannedEnd == other.PlannedEnd &&
		s.Decision == other.Decision
}

// Pending reports whether no decision has been made yet.
func (s ChangeStatus) Pending() bool {
	return s.Decision == ""
}

// ChangeSystem is the port to the external change-management system.
type ChangeSystem interface {
	IsGoverned(ctx context.Context, unit UnitMetadata) (Governance, error)
	RegisterAndNotify(ctx context.Context, token, callbackURL string, unit UnitMetadata) (RegisterStatus, error)
	QueryStatus(ctx context.Context, unit UnitMetadata) (ChangeStatus, error)
}

// Resolution is the final answer for a suspended stage.
type Resolution struct {
	Token    string    `json:"token"`
	Approved bool      `json:"approved"`
	Reason   string    `json:"reason,omitempty"`
	Comments string    `json:"comments,omitempty"`
	At       time.Time `json:"at"`
}

// Err returns the failure carried by the resolution, nil when approved.
func (r Resolution) Err() error {
	if r.Approved {
		return nil
	}
	return &GateError{Reason: r.Reason, Comments: r.Comments}
}

// Resumer continues or fails a suspended execution path in the orchestrator.
type Resumer interface {
	Resume(ctx context.Context, runID, stageID string, res Resolution) error
}

// Console writes user-visible lines to a run's console log.
type Console interface {
	Printf(format string, args ...any)
}

// ConsoleFactory returns the console of a run.
type ConsoleFactory interface {
	Console(runID string) Console
}
