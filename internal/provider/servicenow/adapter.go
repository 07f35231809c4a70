package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/metrics"
)

const apiPath = "/api/sn_devops/v1/devops"

// Options tune the resilience of the adapter.
type Options struct {
	Timeout time.Duration
	// RateLimit is the number of requests per second. Zero disables limiting.
	RateLimit float64
	// BreakerFailures is the number of consecutive failures that opens the
	// circuit breaker. Zero uses 5.
	BreakerFailures uint32
}

// Adapter implements domain.ChangeSystem and domain.ResultSink for the
// ServiceNow DevOps API.
type Adapter struct {
	baseURL string
	toolID  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	mu    sync.RWMutex
	token string
}

var (
	_ domain.ChangeSystem = (*Adapter)(nil)
	_ domain.ResultSink   = (*Adapter)(nil)
)

// NewAdapter creates a ServiceNow adapter for the instance at baseURL.
func NewAdapter(token, baseURL, toolID string, opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	failures := opts.BreakerFailures
	return &Adapter{
		token:   token,
		baseURL: baseURL,
		toolID:  toolID,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "servicenow",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// Only unreachability trips the breaker; auth and client errors
			// are answers from a healthy instance.
			IsSuccessful: func(err error) bool {
				var ce *clientError
				return err == nil || errors.As(err, &ce) || !errors.Is(err, domain.ErrUnreachable)
			},
		}),
	}
}

// SetToken replaces the bearer token, e.g. after an OAuth refresh.
func (a *Adapter) SetToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

func (a *Adapter) bearer() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// IsGoverned asks whether the unit is under change control.
func (a *Adapter) IsGoverned(ctx context.Context, unit domain.UnitMetadata) (domain.Governance, error) {
	q := a.query()
	q.Set("jobName", unit.JobName)
	if unit.Kind == domain.UnitStage {
		q.Set("stageName", unit.StageName)
	}
	var resp struct {
		Result struct {
			ChangeControl bool   `json:"changeControl"`
			TestInfo      string `json:"testInfo"`
		} `json:"result"`
	}
	if err := a.do(ctx, "is_governed", http.MethodGet, "/orchestration/changeControl", q, nil, &resp); err != nil {
		return domain.Governance{}, err
	}
	return domain.Governance{Governed: resp.Result.ChangeControl, TestInfo: resp.Result.TestInfo}, nil
}

// RegisterAndNotify sends the unit metadata and the callback URL of token.
// The wait is registered only when the instance answers with status Success.
func (a *Adapter) RegisterAndNotify(ctx context.Context, token, callbackURL string, unit domain.UnitMetadata) (domain.RegisterStatus, error) {
	body := struct {
		Token       string              `json:"token"`
		CallbackURL string              `json:"callbackURL"`
		Unit        domain.UnitMetadata `json:"unit"`
	}{Token: token, CallbackURL: callbackURL, Unit: unit}
	var resp struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := a.do(ctx, "register", http.MethodPost, "/orchestration/changeInfo", a.query(), body, &resp); err != nil {
		return domain.RegisterError, err
	}
	if resp.Result.Status != "Success" {
		return domain.RegisterUnknown, nil
	}
	return domain.RegisterOK, nil
}

// QueryStatus returns the change attached to a stage, looked up by its
// execution URL.
func (a *Adapter) QueryStatus(ctx context.Context, unit domain.UnitMetadata) (domain.ChangeStatus, error) {
	q := a.query()
	q.Set("executionUrl", unit.ExecutionURL)
	q.Set("stageName", unit.StageName)
	var resp struct {
		Result *changeRecord `json:"result"`
	}
	if err := a.do(ctx, "query_status", http.MethodGet, "/orchestration/changeStatus", q, nil, &resp); err != nil {
		return domain.ChangeStatus{}, err
	}
	if resp.Result == nil {
		return domain.ChangeStatus{}, nil
	}
	return resp.Result.toStatus(), nil
}

// ForwardResults posts newly aggregated stage results.
func (a *Adapter) ForwardResults(ctx context.Context, runID, stageID string, batch domain.ResultBatch) error {
	body := struct {
		RunID   string `json:"runId"`
		StageID string `json:"stageId"`
		domain.ResultBatch
	}{RunID: runID, StageID: stageID, ResultBatch: batch}
	return a.do(ctx, "forward_results", http.MethodPost, "/tool/results", a.query(), body, nil)
}

func (a *Adapter) query() url.Values {
	q := url.Values{}
	q.Set("toolId", a.toolID)
	return q
}

// do runs one request through the rate limiter and the circuit breaker.
func (a *Adapter) do(ctx context.Context, op, method, path string, q url.Values, body, target any) error {
	started := time.Now()
	_, err := a.breaker.Execute(func() (interface{}, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return nil, a.send(ctx, method, a.baseURL+apiPath+path+"?"+q.Encode(), body, target)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("servicenow %s: %v: %w", op, err, domain.ErrUnreachable)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ChangeSystemRequests.WithLabelValues(op, outcome).Observe(time.Since(started).Seconds())
	return err
}

func (a *Adapter) send(ctx context.Context, method, apiURL string, body, target any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.bearer())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %v: %w", err, domain.ErrUnreachable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("servicenow API error: %s: %w", resp.Status, domain.ErrUnauthorized)
	case resp.StatusCode >= 500:
		return fmt.Errorf("servicenow API error: %s: %w", resp.Status, domain.ErrUnreachable)
	case resp.StatusCode >= 400:
		return &clientError{status: resp.Status}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// clientError is a non-OK 4xx answer. It counts as unreachable for the
// gates but does not trip the breaker.
type clientError struct {
	status string
}

func (e *clientError) Error() string {
	return "servicenow API error: " + e.status
}

func (e *clientError) Unwrap() error { return domain.ErrUnreachable }

type changeRecord struct {
	Number          string   `json:"number"`
	State           string   `json:"state"`
	AssignmentGroup string   `json:"assignmentGroup"`
	Approvers       []string `json:"approvers"`
	PlannedStart    string   `json:"plannedStartDate"`
	PlannedEnd      string   `json:"plannedEndDate"`
	Decision        string   `json:"decision"`
	Comments        string   `json:"comments"`
}

func (r changeRecord) toStatus() domain.ChangeStatus {
	return domain.ChangeStatus{
		Found:           r.Number != "",
		Number:          r.Number,
		State:           r.State,
		AssignmentGroup: r.AssignmentGroup,
		Approvers:       r.Approvers,
		PlannedStart:    r.PlannedStart,
		PlannedEnd:      r.PlannedEnd,
		Decision:        mapDecision(r.Decision),
		Comments:        r.Comments,
	}
}

func mapDecision(d string) domain.DecisionResult {
	switch d {
	case "approved", "success":
		return domain.DecisionSuccess
	case "rejected", "failure":
		return domain.DecisionFailure
	case "canceled", "cancelled":
		return domain.DecisionCanceled
	default:
		return ""
	}
}
