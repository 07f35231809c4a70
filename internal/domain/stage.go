package domain

import "time"

// StageStatus represents the execution state of a stage.
type StageStatus string

const (
	StatusStarted   StageStatus = "STARTED"
	StatusCompleted StageStatus = "COMPLETED"
	StatusFailed    StageStatus = "FAILED"

	StatusSkippedConditional StageStatus = "SKIPPED_FOR_CONDITIONAL"
	StatusSkippedFailure     StageStatus = "SKIPPED_FOR_FAILURE"
	StatusSkippedUnstable    StageStatus = "SKIPPED_FOR_UNSTABLE"
	StatusSkippedRestart     StageStatus = "SKIPPED_FOR_RESTART"
)

// Skipped reports whether the status is one of the SKIPPED_* variants.
func (s StageStatus) Skipped() bool {
	switch s {
	case StatusSkippedConditional, StatusSkippedFailure, StatusSkippedUnstable, StatusSkippedRestart:
		return true
	}
	return false
}

// StageNode is one stage or sub-stage instance within a single run.
type StageNode struct {
	ID        string
	Name      string
	ShortName string
	// ParentID is empty for root stages. Once set it never changes.
	ParentID string
	// PreviousRootID links a root stage to the root that ran before it.
	PreviousRootID string

	Active    bool
	Status    StageStatus
	StartTime time.Time
	Duration  time.Duration

	ChangeCtrlInProgress bool
	ChangeStartTime      time.Time

	ExecutionURL         string
	PipelineExecutionURL string
	UpstreamExecutionURL string
	UpstreamName         string

	Tests     []TestSummary
	Quality   []QualityScan
	Security  []SecurityResult
	Artifacts []Artifact
}

// Event is a stage lifecycle event delivered by the orchestrator.
// It is either a StageStart or a StageEnd.
type Event interface {
	EventID() string
}

// StageStart opens a stage. Enclosing lists the ids of the enclosing start
// events, innermost first.
type StageStart struct {
	ID        string
	Name      string
	Enclosing []string
	Timestamp time.Time
	// Wrapper marks structural blocks without an externally meaningful name.
	Wrapper bool

	ExecutionURL         string
	PipelineExecutionURL string
	UpstreamExecutionURL string
	UpstreamName         string
}

// EventID returns the start event id, which is also the stage id.
func (e StageStart) EventID() string { return e.ID }

// StageEnd closes the stage opened by StartID.
type StageEnd struct {
	ID        string
	StartID   string
	Timestamp time.Time
	// Error is the error signal of the stage body, empty when it succeeded.
	Error string
	// Status, when set, overrides the COMPLETED/FAILED derivation (skipped stages).
	Status    StageStatus
	LogChunks []string
}

// EventID returns the end event id.
func (e StageEnd) EventID() string { return e.ID }
