// Package graph rebuilds the stage hierarchy of a run from its lifecycle
// events and aggregates per-stage results exactly once per run.
package graph

import (
	"sync"

	"github.com/waabox/changegate/internal/domain"
)

// Graph is the stage graph of one run. All methods are safe for concurrent
// use; parallel branches of the same run may apply events concurrently.
type Graph struct {
	runID string

	mu          sync.Mutex
	nodes       map[string]*domain.StageNode
	currentRoot string
	seen        map[string]struct{}

	tests     map[string]struct{}
	quality   map[string]struct{}
	security  map[string]struct{}
	artifacts map[string]struct{}
}

// New creates an empty graph for the run.
func New(runID string) *Graph {
	return &Graph{
		runID:     runID,
		nodes:     make(map[string]*domain.StageNode),
		seen:      make(map[string]struct{}),
		tests:     make(map[string]struct{}),
		quality:   make(map[string]struct{}),
		security:  make(map[string]struct{}),
		artifacts: make(map[string]struct{}),
	}
}

// RunID returns the run the graph belongs to.
func (g *Graph) RunID() string { return g.runID }

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (domain.StageNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return domain.StageNode{}, false
	}
	return copyNode(n), true
}

// Nodes returns a copy of every node keyed by id.
func (g *Graph) Nodes() map[string]domain.StageNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]domain.StageNode, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = copyNode(n)
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// CurrentRoot returns the id of the current root stage, empty if none.
func (g *Graph) CurrentRoot() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentRoot
}

// Roots returns the chain of root ids, most recent first.
func (g *Graph) Roots() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var roots []string
	for id := g.currentRoot; id != ""; {
		roots = append(roots, id)
		n, ok := g.nodes[id]
		if !ok {
			break
		}
		id = n.PreviousRootID
	}
	return roots
}

// Ancestors returns the ids of the node's ancestors, nearest first.
func (g *Graph) Ancestors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	n, ok := g.nodes[id]
	for ok && n.ParentID != "" {
		out = append(out, n.ParentID)
		n, ok = g.nodes[n.ParentID]
	}
	return out
}

// Seen reports whether the event id has already been applied.
func (g *Graph) Seen(eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[eventID]
	return ok
}

// Update applies fn to the node under the graph lock. It returns false when
// the node does not exist.
func (g *Graph) Update(id string, fn func(*domain.StageNode)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	fn(n)
	return true
}

// nearestActiveAncestor walks the enclosing ids outward and returns the first
// one that is a known, active node. Wrapper ids are never nodes, so they are
// passed through. Must be called with g.mu held.
func (g *Graph) nearestActiveAncestor(enclosing []string) *domain.StageNode {
	for _, id := range enclosing {
		if n, ok := g.nodes[id]; ok && n.Active {
			return n
		}
	}
	return nil
}

// offer adds the batch records absent from the run-scoped sets and returns
// only those. Newly added records are attached to the stage node.
func (g *Graph) offer(stageID string, batch domain.ResultBatch) domain.ResultBatch {
	g.mu.Lock()
	defer g.mu.Unlock()

	var added domain.ResultBatch
	for _, r := range batch.Tests {
		if admit(g.tests, r.DedupKey()) {
			added.Tests = append(added.Tests, r)
		}
	}
	for _, r := range batch.Quality {
		if admit(g.quality, r.DedupKey()) {
			added.Quality = append(added.Quality, r)
		}
	}
	for _, r := range batch.Security {
		if admit(g.security, r.DedupKey()) {
			added.Security = append(added.Security, r)
		}
	}
	for _, r := range batch.Artifacts {
		if admit(g.artifacts, r.DedupKey()) {
			added.Artifacts = append(added.Artifacts, r)
		}
	}

	if n, ok := g.nodes[stageID]; ok {
		n.Tests = append(n.Tests, added.Tests...)
		n.Quality = append(n.Quality, added.Quality...)
		n.Security = append(n.Security, added.Security...)
		n.Artifacts = append(n.Artifacts, added.Artifacts...)
	}
	return added
}

// ResultCounts returns the size of each run-scoped result set.
func (g *Graph) ResultCounts() map[domain.ResultKind]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[domain.ResultKind]int{
		domain.KindTest:     len(g.tests),
		domain.KindQuality:  len(g.quality),
		domain.KindSecurity: len(g.security),
		domain.KindArtifact: len(g.artifacts),
	}
}

func admit(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = struct{}{}
	return true
}

func copyNode(n *domain.StageNode) domain.StageNode {
	c := *n
	c.Tests = append([]domain.TestSummary(nil), n.Tests...)
	c.Quality = append([]domain.QualityScan(nil), n.Quality...)
	c.Security = append([]domain.SecurityResult(nil), n.Security...)
	c.Artifacts = append([]domain.Artifact(nil), n.Artifacts...)
	return c
}
