package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/metrics"
)

// Providers groups the result extractors. Any of them may be nil.
type Providers struct {
	Tests     domain.TestResultProvider
	Quality   domain.QualityScanProvider
	Security  domain.SecurityResultProvider
	Artifacts domain.ArtifactProvider
}

// Aggregator collects the results visible for a stage when it ends and
// forwards each distinct result once per run.
type Aggregator struct {
	providers Providers
	sink      domain.ResultSink
	logger    *slog.Logger
}

// NewAggregator creates an Aggregator. sink may be nil, in which case newly
// added results are only recorded on the graph.
func NewAggregator(providers Providers, sink domain.ResultSink, logger *slog.Logger) *Aggregator {
	return &Aggregator{providers: providers, sink: sink, logger: logger}
}

// Collect asks every provider for the stage results, offers them to the
// graph and forwards the newly added ones. Provider failures are joined and
// returned after the remaining providers have been consulted.
func (a *Aggregator) Collect(ctx context.Context, g *Graph, stageID string) (domain.ResultBatch, error) {
	var (
		batch domain.ResultBatch
		errs  []error
	)
	runID := g.RunID()

	if p := a.providers.Tests; p != nil {
		r, err := p.TestResults(ctx, runID, stageID)
		if err != nil {
			errs = append(errs, fmt.Errorf("test results: %w", err))
		}
		batch.Tests = r
	}
	if p := a.providers.Quality; p != nil {
		r, err := p.QualityScans(ctx, runID, stageID)
		if err != nil {
			errs = append(errs, fmt.Errorf("quality scans: %w", err))
		}
		batch.Quality = r
	}
	if p := a.providers.Security; p != nil {
		r, err := p.SecurityResults(ctx, runID, stageID)
		if err != nil {
			errs = append(errs, fmt.Errorf("security results: %w", err))
		}
		batch.Security = r
	}
	if p := a.providers.Artifacts; p != nil {
		r, err := p.Artifacts(ctx, runID, stageID)
		if err != nil {
			errs = append(errs, fmt.Errorf("artifacts: %w", err))
		}
		batch.Artifacts = r
	}

	added := g.offer(stageID, batch)
	if added.Empty() {
		return added, errors.Join(errs...)
	}

	if a.sink != nil {
		if err := a.sink.ForwardResults(ctx, runID, stageID, added); err != nil {
			errs = append(errs, fmt.Errorf("forwarding results: %w", err))
		}
	}
	metrics.ResultsForwarded.WithLabelValues(string(domain.KindTest)).Add(float64(len(added.Tests)))
	metrics.ResultsForwarded.WithLabelValues(string(domain.KindQuality)).Add(float64(len(added.Quality)))
	metrics.ResultsForwarded.WithLabelValues(string(domain.KindSecurity)).Add(float64(len(added.Security)))
	metrics.ResultsForwarded.WithLabelValues(string(domain.KindArtifact)).Add(float64(len(added.Artifacts)))
	a.logger.Info("stage results forwarded",
		"run_id", runID,
		"stage_id", stageID,
		"tests", len(added.Tests),
		"quality", len(added.Quality),
		"security", len(added.Security),
		"artifacts", len(added.Artifacts),
	)
	return added, errors.Join(errs...)
}
