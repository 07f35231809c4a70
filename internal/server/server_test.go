package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/changegate/internal/clock"
	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/gate"
	"github.com/waabox/changegate/internal/graph"
	"github.com/waabox/changegate/internal/policy"
	"github.com/waabox/changegate/internal/provider"
	"github.com/waabox/changegate/internal/registry"
	"github.com/waabox/changegate/internal/server"
	"github.com/waabox/changegate/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type governedChanges struct {
	mu     sync.Mutex
	tokens []string
	units  []domain.UnitMetadata
}

func (c *governedChanges) IsGoverned(context.Context, domain.UnitMetadata) (domain.Governance, error) {
	return domain.Governance{Governed: true}, nil
}

func (c *governedChanges) RegisterAndNotify(_ context.Context, token, _ string, unit domain.UnitMetadata) (domain.RegisterStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
	c.units = append(c.units, unit)
	return domain.RegisterOK, nil
}

func (c *governedChanges) QueryStatus(context.Context, domain.UnitMetadata) (domain.ChangeStatus, error) {
	return domain.ChangeStatus{Found: true, State: "assess"}, nil
}

func (c *governedChanges) last() (string, domain.UnitMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[len(c.tokens)-1], c.units[len(c.units)-1]
}

type resumer struct {
	mu  sync.Mutex
	got []domain.Resolution
}

func (r *resumer) Resume(_ context.Context, _, _ string, res domain.Resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
	return nil
}

func (r *resumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type nopConsoles struct{}

type nopConsole struct{}

func (nopConsole) Printf(string, ...any) {}

func (nopConsoles) Console(string) domain.Console { return nopConsole{} }

type env struct {
	srv     *httptest.Server
	changes *governedChanges
	resumer *resumer
	tracker *graph.Tracker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(store.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := &env{
		changes: &governedChanges{},
		resumer: &resumer{},
		tracker: graph.NewTracker(graph.NewBuilder(nil, discardLogger())),
	}
	reg := registry.New()
	policies := policy.NewResolver(policy.Policy{Track: true, PollInterval: time.Hour}, nil)
	queue := gate.NewQueueGate(reg, e.changes, policies, "http://gate/callback", discardLogger())
	steps := gate.NewStepGate(gate.StepDeps{
		Registry:    reg,
		Changes:     e.changes,
		Policies:    policies,
		Tracker:     e.tracker,
		Store:       st,
		Resumer:     e.resumer,
		Consoles:    nopConsoles{},
		Clock:       clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
		CallbackURL: "http://gate/callback",
		Logger:      discardLogger(),
	})
	t.Cleanup(steps.Close)

	callbacks := provider.NewRegistry()
	callbacks.Register(domain.UnitJob.TokenPrefix(), queue)
	callbacks.Register(domain.UnitStage.TokenPrefix(), steps)

	s, err := server.New(server.Deps{
		Tracker:   e.tracker,
		Queue:     queue,
		Steps:     steps,
		Callbacks: callbacks,
		Registry:  reg,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	e.srv = httptest.NewServer(s)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type admission struct {
	Allowed    bool               `json:"allowed"`
	Reason     string             `json:"reason"`
	Resolution *domain.Resolution `json:"resolution"`
}

func TestServer_QueueAdmissionFlow(t *testing.T) {
	e := newEnv(t)
	path := "/queue/42?job=payments/deploy&build=7&scm_url=git@github.com:acme/payments.git&branch=main"

	first := decodeBody[admission](t, e.do(t, http.MethodGet, path, ""))
	assert.False(t, first.Allowed)
	token, unit := e.changes.last()
	assert.True(t, strings.HasPrefix(token, "job-"))
	require.NotNil(t, unit.SCM)
	assert.Equal(t, "acme", unit.SCM.Owner)
	assert.Equal(t, "main", unit.SCM.Branch)
	assert.Equal(t, 7, unit.Build)

	resp := e.do(t, http.MethodPost, "/callback", `{"token":"`+token+`","payload":{"result":"success"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	second := decodeBody[admission](t, e.do(t, http.MethodGet, path, ""))
	assert.True(t, second.Allowed)
	require.NotNil(t, second.Resolution)
	assert.True(t, second.Resolution.Approved)

	resp = e.do(t, http.MethodPost, "/callback", `{"token":"`+token+`","payload":{"result":"failure"}}`)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestServer_QueueRequiresJobName(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/queue/42", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CallbackValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"not JSON", `{`, http.StatusBadRequest},
		{"missing token", `{"payload":{"result":"success"}}`, http.StatusBadRequest},
		{"empty token", `{"token":"","payload":{"result":"success"}}`, http.StatusBadRequest},
		{"numeric payload", `{"token":"job-x","payload":3}`, http.StatusBadRequest},
		{"unknown namespace", `{"token":"build-1","payload":{"result":"success"}}`, http.StatusGone},
		{"never registered", `{"token":"stage-1","payload":{"result":"success"}}`, http.StatusGone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/callback", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_StageEventsAndStepGate(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/runs/run-1/events",
		`{"type":"start","id":"S1","name":"Deploy","timestamp":"2026-06-01T00:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	type gateResult struct {
		Outcome gate.StepOutcome `json:"outcome"`
		Error   string           `json:"error"`
	}
	got := decodeBody[gateResult](t, e.do(t, http.MethodPost, "/runs/run-1/stages/S1/gate", `{"jobName":"payments/deploy"}`))
	assert.Equal(t, gate.StepSuspended, got.Outcome)

	token, _ := e.changes.last()
	assert.True(t, strings.HasPrefix(token, "stage-"))
	// A JSON string payload holding the encoded decision is accepted too.
	resp = e.do(t, http.MethodPost, "/callback", `{"token":"`+token+`","payload":"{\"result\":\"success\"}"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return e.resumer.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	resp = e.do(t, http.MethodPost, "/runs/run-1/events", `{"type":"end","id":"E1","startId":"S1","timestamp":"2026-06-01T00:01:00Z"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	g, ok := e.tracker.Lookup("run-1")
	require.True(t, ok)
	n, _ := g.Node("S1")
	assert.Equal(t, domain.StatusCompleted, n.Status)

	type runSnapshot struct {
		CurrentRoot string `json:"currentRoot"`
		Stages      []struct {
			ID     string             `json:"id"`
			Status domain.StageStatus `json:"status"`
		} `json:"stages"`
	}
	snap := decodeBody[runSnapshot](t, e.do(t, http.MethodGet, "/runs/run-1", ""))
	assert.Equal(t, "S1", snap.CurrentRoot)
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, domain.StatusCompleted, snap.Stages[0].Status)

	resp = e.do(t, http.MethodDelete, "/runs/run-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok = e.tracker.Lookup("run-1")
	assert.False(t, ok)
	resp = e.do(t, http.MethodGet, "/runs/run-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StatusReportsLiveWaits(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/runs/run-1/events", `{"type":"start","id":"S1","name":"Deploy"}`)
	e.do(t, http.MethodPost, "/runs/run-1/stages/S1/gate", "")

	type status struct {
		Runs         int            `json:"runs"`
		WaitingSteps int            `json:"waitingSteps"`
		Registry     registry.Stats `json:"registry"`
	}
	got := decodeBody[status](t, e.do(t, http.MethodGet, "/status", ""))
	assert.Equal(t, 1, got.Runs)
	assert.Equal(t, 1, got.WaitingSteps)
	assert.Equal(t, 1, got.Registry.Tokens)
	assert.Equal(t, 1, got.Registry.Continuations)
}

func TestServer_GateUnknownStage(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/runs/run-9/stages/S1/gate", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_EndEventRequiresStartID(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/runs/run-1/events", `{"type":"end","id":"E1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/runs/run-1/events", `{"type":"resume","id":"E1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/callback", `{"token":"job-none","payload":{"result":"success"}}`)

	resp := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `changegate_callbacks_total{status="410"}`)
}
