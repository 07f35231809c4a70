package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/waabox/changegate/internal/domain"
)

// Adapter talks to the build orchestrator hosting the gated runs. It resumes
// suspended stages, appends console lines and reads stage results.
type Adapter struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var (
	_ domain.Resumer                = (*Adapter)(nil)
	_ domain.ConsoleFactory         = (*Adapter)(nil)
	_ domain.TestResultProvider     = (*Adapter)(nil)
	_ domain.QualityScanProvider    = (*Adapter)(nil)
	_ domain.SecurityResultProvider = (*Adapter)(nil)
	_ domain.ArtifactProvider       = (*Adapter)(nil)
)

// NewAdapter creates an orchestrator adapter.
func NewAdapter(token, baseURL string, logger *slog.Logger) *Adapter {
	return &Adapter{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (a *Adapter) stageURL(runID, stageID, suffix string) string {
	return fmt.Sprintf("%s/api/runs/%s/stages/%s/%s", a.baseURL, url.PathEscape(runID), url.PathEscape(stageID), suffix)
}

// Resume continues or fails a suspended stage.
func (a *Adapter) Resume(ctx context.Context, runID, stageID string, res domain.Resolution) error {
	return a.post(ctx, a.stageURL(runID, stageID, "resume"), res)
}

// Console returns the console of a run.
func (a *Adapter) Console(runID string) domain.Console {
	return &console{adapter: a, runID: runID}
}

type console struct {
	adapter *Adapter
	runID   string
}

// Printf appends one line to the run console. Delivery failures are logged
// and never fail the caller.
func (c *console) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	apiURL := fmt.Sprintf("%s/api/runs/%s/console", c.adapter.baseURL, url.PathEscape(c.runID))
	if err := c.adapter.post(context.Background(), apiURL, map[string]string{"line": line}); err != nil {
		c.adapter.logger.Warn("writing run console", "run", c.runID, "error", err)
	}
}

// TestResults returns the test summaries visible for a stage.
func (a *Adapter) TestResults(ctx context.Context, runID, stageID string) ([]domain.TestSummary, error) {
	var out []domain.TestSummary
	err := a.get(ctx, a.stageURL(runID, stageID, "results/tests"), &out)
	return out, err
}

// QualityScans returns the quality scans visible for a stage.
func (a *Adapter) QualityScans(ctx context.Context, runID, stageID string) ([]domain.QualityScan, error) {
	var out []domain.QualityScan
	err := a.get(ctx, a.stageURL(runID, stageID, "results/quality"), &out)
	return out, err
}

// SecurityResults returns the security results visible for a stage.
func (a *Adapter) SecurityResults(ctx context.Context, runID, stageID string) ([]domain.SecurityResult, error) {
	var out []domain.SecurityResult
	err := a.get(ctx, a.stageURL(runID, stageID, "results/security"), &out)
	return out, err
}

// Artifacts returns the artifacts published by a stage.
func (a *Adapter) Artifacts(ctx context.Context, runID, stageID string) ([]domain.Artifact, error) {
	var out []domain.Artifact
	err := a.get(ctx, a.stageURL(runID, stageID, "results/artifacts"), &out)
	return out, err
}

func (a *Adapter) get(ctx context.Context, apiURL string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	// A stage without reports has no results.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("orchestrator API error: %s: %w", resp.Status, domain.ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("orchestrator API error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// post sends a JSON body and discards the response body.
func (a *Adapter) post(ctx context.Context, apiURL string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("orchestrator API error: %s: %w", resp.Status, domain.ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("orchestrator API error: %s", resp.Status)
	}
	return nil
}
