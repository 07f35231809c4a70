package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResultKind names a family of per-stage results.
type ResultKind string

const (
	KindTest     ResultKind = "test"
	KindQuality  ResultKind = "quality"
	KindSecurity ResultKind = "security"
	KindArtifact ResultKind = "artifact"
)

// TestSummary is an aggregated test report. Two summaries of the same report
// seen from different stages are equal: StageName and Duration are ignored.
type TestSummary struct {
	Name      string        `json:"name"`
	StageName string        `json:"stageName,omitempty"`
	Total     int           `json:"total"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	ReportURL string        `json:"reportUrl,omitempty"`
}

// DedupKey returns the value-equality key of the summary.
func (t TestSummary) DedupKey() string {
	return fmt.Sprintf("%s|%d|%d|%d|%d|%s", t.Name, t.Total, t.Passed, t.Failed, t.Skipped, t.ReportURL)
}

// QualityScan is a code-quality scan summary (e.g. a Sonar analysis).
type QualityScan struct {
	Tool       string `json:"tool"`
	ProjectKey string `json:"projectKey"`
	ScanURL    string `json:"scanUrl"`
	Branch     string `json:"branch,omitempty"`
}

// DedupKey returns the value-equality key of the scan.
func (q QualityScan) DedupKey() string {
	return strings.Join([]string{q.Tool, q.ProjectKey, q.ScanURL, q.Branch}, "|")
}

// SecurityResult is a security scan summary.
type SecurityResult struct {
	Tool     string `json:"tool"`
	ScanID   string `json:"scanId"`
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Low      int    `json:"low"`
	URL      string `json:"url,omitempty"`
}

// DedupKey returns the value-equality key of the security result.
func (s SecurityResult) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%d|%s", s.Tool, s.ScanID, s.Critical, s.High, s.Medium, s.Low, s.URL)
}

// Artifact is a build artifact published by a stage.
type Artifact struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository"`
	Semantic   string `json:"semanticVersion,omitempty"`
}

// DedupKey returns the value-equality key of the artifact.
func (a Artifact) DedupKey() string {
	return strings.Join([]string{a.Name, a.Version, a.Repository, a.Semantic}, "|")
}

// ResultBatch holds results newly added for a stage, grouped by kind.
type ResultBatch struct {
	Tests     []TestSummary    `json:"tests,omitempty"`
	Quality   []QualityScan    `json:"quality,omitempty"`
	Security  []SecurityResult `json:"security,omitempty"`
	Artifacts []Artifact       `json:"artifacts,omitempty"`
}

// Empty reports whether the batch has no records.
func (b ResultBatch) Empty() bool {
	return len(b.Tests) == 0 && len(b.Quality) == 0 && len(b.Security) == 0 && len(b.Artifacts) == 0
}

// TestResultProvider extracts test summaries visible for a stage.
type TestResultProvider interface {
	TestResults(ctx context.Context, runID, stageID string) ([]TestSummary, error)
}

// QualityScanProvider extracts quality scans visible for a stage.
type QualityScanProvider interface {
	QualityScans(ctx context.Context, runID, stageID string) ([]QualityScan, error)
}

// SecurityResultProvider extracts security results visible for a stage.
type SecurityResultProvider interface {
	SecurityResults(ctx context.Context, runID, stageID string) ([]SecurityResult, error)
}

// ArtifactProvider extracts artifacts visible for a stage.
type ArtifactProvider interface {
	Artifacts(ctx context.Context, runID, stageID string) ([]Artifact, error)
}

// ResultSink receives results the first time they are seen in a run.
type ResultSink interface {
	ForwardResults(ctx context.Context, runID, stageID string, batch ResultBatch) error
}
