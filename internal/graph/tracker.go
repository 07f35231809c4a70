package graph

import (
	"context"
	"sync"

	"github.com/waabox/changegate/internal/domain"
)

// Tracker owns one Graph per tracked run.
type Tracker struct {
	builder *Builder

	mu     sync.Mutex
	graphs map[string]*Graph
}

// NewTracker creates a Tracker applying events with builder.
func NewTracker(builder *Builder) *Tracker {
	return &Tracker{
		builder: builder,
		graphs:  make(map[string]*Graph),
	}
}

// Graph returns the graph of the run, creating it when the run is not yet
// tracked.
func (t *Tracker) Graph(runID string) *Graph {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.graphs[runID]
	if !ok {
		g = New(runID)
		t.graphs[runID] = g
	}
	return g
}

// Lookup returns the graph of the run without creating it.
func (t *Tracker) Lookup(runID string) (*Graph, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.graphs[runID]
	return g, ok
}

// Apply applies the event to the run's graph.
func (t *Tracker) Apply(ctx context.Context, runID string, ev domain.Event) error {
	return t.builder.Apply(ctx, t.Graph(runID), ev)
}

// Forget discards the graph of a run whose tracking ended.
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.graphs, runID)
}

// Runs returns the number of tracked runs.
func (t *Tracker) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.graphs)
}
