package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/metrics"
)

// Builder applies lifecycle events to stage graphs.
type Builder struct {
	aggregator *Aggregator
	logger     *slog.Logger
	now        func() time.Time
}

// NewBuilder creates a Builder. aggregator may be nil when results are not
// collected.
func NewBuilder(aggregator *Aggregator, logger *slog.Logger) *Builder {
	return &Builder{
		aggregator: aggregator,
		logger:     logger,
		now:        time.Now,
	}
}

// Apply applies a single event to the graph. Duplicate and unknown events
// are ignored; the error is only non-nil when result aggregation fails.
func (b *Builder) Apply(ctx context.Context, g *Graph, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.StageStart:
		b.applyStart(g, e)
		return nil
	case domain.StageEnd:
		return b.applyEnd(ctx, g, e)
	default:
		return fmt.Errorf("unsupported event type %T", ev)
	}
}

func (b *Builder) applyStart(g *Graph, e domain.StageStart) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.seen[e.ID]; dup {
		metrics.StageEvents.WithLabelValues("start", "duplicate").Inc()
		b.logger.Debug("duplicate stage start ignored", "run_id", g.runID, "stage_id", e.ID)
		return
	}
	g.seen[e.ID] = struct{}{}

	if e.Wrapper || e.Name == "" {
		metrics.StageEvents.WithLabelValues("start", "wrapper").Inc()
		return
	}

	started := e.Timestamp
	if started.IsZero() {
		started = b.now()
	}
	node := &domain.StageNode{
		ID:                   e.ID,
		Name:                 e.Name,
		ShortName:            e.Name,
		Active:               true,
		Status:               domain.StatusStarted,
		StartTime:            started,
		ExecutionURL:         e.ExecutionURL,
		PipelineExecutionURL: e.PipelineExecutionURL,
		UpstreamExecutionURL: e.UpstreamExecutionURL,
		UpstreamName:         e.UpstreamName,
	}

	if parent := g.nearestActiveAncestor(e.Enclosing); parent != nil {
		node.ParentID = parent.ID
		node.Name = parent.Name + "/" + e.Name
		if node.PipelineExecutionURL == "" {
			node.PipelineExecutionURL = parent.PipelineExecutionURL
		}
	} else {
		if prev, ok := g.nodes[g.currentRoot]; ok {
			node.PreviousRootID = prev.ID
			prev.Active = false
		}
		g.currentRoot = node.ID
	}

	g.nodes[node.ID] = node
	metrics.StageEvents.WithLabelValues("start", "applied").Inc()
	b.logger.Debug("stage started",
		"run_id", g.runID,
		"stage_id", node.ID,
		"stage", node.Name,
		"parent_id", node.ParentID,
	)
}

func (b *Builder) applyEnd(ctx context.Context, g *Graph, e domain.StageEnd) error {
	stageID, ok := b.closeStage(g, e)
	if !ok || b.aggregator == nil {
		return nil
	}
	if _, err := b.aggregator.Collect(ctx, g, stageID); err != nil {
		return fmt.Errorf("collecting results for stage %s: %w", stageID, err)
	}
	return nil
}

// closeStage records the end of a stage and returns its id when the event
// was applied to a node.
func (b *Builder) closeStage(g *Graph, e domain.StageEnd) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, started := g.seen[e.StartID]; !started {
		metrics.StageEvents.WithLabelValues("end", "unknown").Inc()
		b.logger.Warn("stage end without start ignored", "run_id", g.runID, "start_id", e.StartID)
		return "", false
	}
	if _, dup := g.seen[e.ID]; dup {
		metrics.StageEvents.WithLabelValues("end", "duplicate").Inc()
		b.logger.Debug("duplicate stage end ignored", "run_id", g.runID, "end_id", e.ID)
		return "", false
	}
	g.seen[e.ID] = struct{}{}

	node, ok := g.nodes[e.StartID]
	if !ok {
		// The start was a structural wrapper.
		metrics.StageEvents.WithLabelValues("end", "wrapper").Inc()
		return "", false
	}

	ended := e.Timestamp
	if ended.IsZero() {
		ended = b.now()
	}
	if d := ended.Sub(node.StartTime); d > 0 {
		node.Duration = d
	}
	switch {
	case e.Status.Skipped():
		node.Status = e.Status
	case e.Error != "":
		node.Status = domain.StatusFailed
	default:
		node.Status = domain.StatusCompleted
	}

	metrics.StageEvents.WithLabelValues("end", "applied").Inc()
	b.logger.Debug("stage ended",
		"run_id", g.runID,
		"stage_id", node.ID,
		"status", node.Status,
		"duration", node.Duration,
	)
	return node.ID, true
}
