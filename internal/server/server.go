// Package server exposes the gates, the stage event feed and the decision
// callback over HTTP.
package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/gate"
	"github.com/waabox/changegate/internal/git"
	"github.com/waabox/changegate/internal/graph"
	"github.com/waabox/changegate/internal/metrics"
	"github.com/waabox/changegate/internal/provider"
	"github.com/waabox/changegate/internal/registry"
)

// maxBodySize bounds every request body.
const maxBodySize = 1 << 20

//go:embed callback.schema.json
var callbackSchema string

//go:embed event.schema.json
var eventSchema string

// Deps are the collaborators served over HTTP.
type Deps struct {
	Tracker   *graph.Tracker
	Queue     *gate.QueueGate
	Steps     *gate.StepGate
	Callbacks *provider.Registry
	Registry  *registry.Registry
	Logger    *slog.Logger
}

// Server routes HTTP requests to the gates.
type Server struct {
	deps     Deps
	router   *mux.Router
	callback *jsonschema.Schema
	event    *jsonschema.Schema
}

// New builds the router. It fails only when an embedded schema does not
// compile.
func New(deps Deps) (*Server, error) {
	callback, err := jsonschema.CompileString("callback.schema.json", callbackSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling callback schema: %w", err)
	}
	event, err := jsonschema.CompileString("event.schema.json", eventSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling event schema: %w", err)
	}

	s := &Server{deps: deps, router: mux.NewRouter(), callback: callback, event: event}
	s.router.HandleFunc("/callback", s.handleCallback).Methods(http.MethodPost)
	s.router.HandleFunc("/runs/{run}/events", s.handleEvent).Methods(http.MethodPost)
	s.router.HandleFunc("/runs/{run}", s.handleRun).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{run}", s.handleForget).Methods(http.MethodDelete)
	s.router.HandleFunc("/runs/{run}/stages/{stage}/gate", s.handleGate).Methods(http.MethodPost)
	s.router.HandleFunc("/queue/{unit}", s.handleAdmit).Methods(http.MethodGet)
	s.router.HandleFunc("/queue/{unit}", s.handleRelease).Methods(http.MethodDelete)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type callbackRequest struct {
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	status := s.callbackStatus(r)
	metrics.Callbacks.WithLabelValues(strconv.Itoa(status)).Inc()
	w.WriteHeader(status)
}

func (s *Server) callbackStatus(r *http.Request) int {
	var req callbackRequest
	if err := s.decode(r, s.callback, &req); err != nil {
		s.deps.Logger.Warn("rejecting callback", "error", err)
		return http.StatusBadRequest
	}

	err := s.deps.Callbacks.Deliver(req.Token, req.Payload)
	switch {
	case err == nil:
		s.deps.Logger.Info("decision delivered", "token", req.Token)
		return http.StatusOK
	case errors.Is(err, domain.ErrUnknownToken):
		s.deps.Logger.Warn("callback for unknown token", "token", req.Token)
		return http.StatusGone
	default:
		s.deps.Logger.Error("delivering decision", "token", req.Token, "error", err)
		return http.StatusInternalServerError
	}
}

type eventRequest struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enclosing []string  `json:"enclosing"`
	Wrapper   bool      `json:"wrapper"`
	StartID   string    `json:"startId"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Status    string    `json:"status"`
	LogChunks []string  `json:"logChunks"`

	ExecutionURL         string `json:"executionUrl"`
	PipelineExecutionURL string `json:"pipelineExecutionUrl"`
	UpstreamExecutionURL string `json:"upstreamExecutionUrl"`
	UpstreamName         string `json:"upstreamName"`
}

func (e eventRequest) event() domain.Event {
	if e.Type == "end" {
		return domain.StageEnd{
			ID:        e.ID,
			StartID:   e.StartID,
			Timestamp: e.Timestamp,
			Error:     e.Error,
			Status:    domain.StageStatus(e.Status),
			LogChunks: e.LogChunks,
		}
	}
	return domain.StageStart{
		ID:                   e.ID,
		Name:                 e.Name,
		Enclosing:            e.Enclosing,
		Timestamp:            e.Timestamp,
		Wrapper:              e.Wrapper,
		ExecutionURL:         e.ExecutionURL,
		PipelineExecutionURL: e.PipelineExecutionURL,
		UpstreamExecutionURL: e.UpstreamExecutionURL,
		UpstreamName:         e.UpstreamName,
	}
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run"]
	var req eventRequest
	if err := s.decode(r, s.event, &req); err != nil {
		s.deps.Logger.Warn("rejecting stage event", "run", runID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.Tracker.Apply(r.Context(), runID, req.event()); err != nil {
		// The graph is updated even when result collection fails.
		s.deps.Logger.Warn("applying stage event", "run", runID, "event", req.ID, "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.Forget(mux.Vars(r)["run"])
	w.WriteHeader(http.StatusNoContent)
}

type stageView struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	ParentID             string             `json:"parentId,omitempty"`
	Ancestors            []string           `json:"ancestors,omitempty"`
	Status               domain.StageStatus `json:"status"`
	Active               bool               `json:"active"`
	StartTime            time.Time          `json:"startTime"`
	Duration             time.Duration      `json:"duration"`
	ChangeCtrlInProgress bool               `json:"changeCtrlInProgress"`
}

type runView struct {
	RunID        string                    `json:"runId"`
	CurrentRoot  string                    `json:"currentRoot,omitempty"`
	Roots        []string                  `json:"roots"`
	Stages       []stageView               `json:"stages"`
	ResultCounts map[domain.ResultKind]int `json:"resultCounts"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run"]
	g, ok := s.deps.Tracker.Lookup(runID)
	if !ok {
		http.Error(w, "run is not tracked", http.StatusNotFound)
		return
	}
	view := runView{
		RunID:        runID,
		CurrentRoot:  g.CurrentRoot(),
		Roots:        g.Roots(),
		ResultCounts: g.ResultCounts(),
	}
	for _, n := range g.Nodes() {
		view.Stages = append(view.Stages, stageView{
			ID:                   n.ID,
			Name:                 n.Name,
			ParentID:             n.ParentID,
			Ancestors:            g.Ancestors(n.ID),
			Status:               n.Status,
			Active:               n.Active,
			StartTime:            n.StartTime,
			Duration:             n.Duration,
			ChangeCtrlInProgress: n.ChangeCtrlInProgress,
		})
	}
	sort.Slice(view.Stages, func(i, j int) bool {
		if !view.Stages[i].StartTime.Equal(view.Stages[j].StartTime) {
			return view.Stages[i].StartTime.Before(view.Stages[j].StartTime)
		}
		return view.Stages[i].ID < view.Stages[j].ID
	})
	writeJSON(w, http.StatusOK, view)
}

type statusResponse struct {
	Runs         int            `json:"runs"`
	WaitingSteps int            `json:"waitingSteps"`
	Registry     registry.Stats `json:"registry"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Runs:         s.deps.Tracker.Runs(),
		WaitingSteps: s.deps.Steps.Waiting(),
		Registry:     s.deps.Registry.Stats(),
	})
}

type admissionResponse struct {
	Allowed    bool               `json:"allowed"`
	Reason     string             `json:"reason,omitempty"`
	Resolution *domain.Resolution `json:"resolution,omitempty"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	unit, err := queuedUnit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a := s.deps.Queue.Admit(r.Context(), unit)
	writeJSON(w, http.StatusOK, admissionResponse{Allowed: a.Allowed, Reason: a.Reason, Resolution: a.Resolution})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Release(mux.Vars(r)["unit"])
	w.WriteHeader(http.StatusNoContent)
}

// queuedUnit builds the job metadata of a queue poll from its query string.
func queuedUnit(r *http.Request) (domain.UnitMetadata, error) {
	q := r.URL.Query()
	unit := domain.UnitMetadata{
		Kind:    domain.UnitJob,
		UnitID:  mux.Vars(r)["unit"],
		JobName: q.Get("job"),
		JobURL:  q.Get("url"),
	}
	if unit.JobName == "" {
		return domain.UnitMetadata{}, errors.New("missing job query parameter")
	}
	if b := q.Get("build"); b != "" {
		n, err := strconv.Atoi(b)
		if err != nil {
			return domain.UnitMetadata{}, fmt.Errorf("invalid build number %q", b)
		}
		unit.Build = n
	}
	if raw := q.Get("scm_url"); raw != "" {
		scm, err := git.ParseRemoteURL(raw)
		if err != nil {
			return domain.UnitMetadata{}, err
		}
		scm.Branch = q.Get("branch")
		scm.Commit = q.Get("commit")
		unit.SCM = &scm
	}
	return unit, nil
}

type gateRequest struct {
	JobName string `json:"jobName"`
	JobURL  string `json:"jobUrl"`
	Build   int    `json:"buildNumber"`
	SCMURL  string `json:"scmUrl"`
	Branch  string `json:"branch"`
	Commit  string `json:"commit"`

	// Workspace is a checkout path on this host; its .git metadata is used
	// when scmUrl is empty.
	Workspace string `json:"workspace"`
}

type gateResponse struct {
	Outcome gate.StepOutcome `json:"outcome"`
	Error   string           `json:"error,omitempty"`
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req gateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}

	unit := domain.UnitMetadata{JobName: req.JobName, JobURL: req.JobURL, Build: req.Build}
	if req.SCMURL != "" {
		scm, err := git.ParseRemoteURL(req.SCMURL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		scm.Branch, scm.Commit = req.Branch, req.Commit
		unit.SCM = &scm
	} else if req.Workspace != "" {
		scm, err := git.DetectSCM(req.Workspace)
		if err != nil {
			s.deps.Logger.Warn("reading workspace SCM metadata", "workspace", req.Workspace, "error", err)
		} else {
			unit.SCM = &scm
		}
	}

	outcome, err := s.deps.Steps.Enter(r.Context(), vars["run"], vars["stage"], unit)
	if errors.Is(err, gate.ErrUnknownStage) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	resp := gateResponse{Outcome: outcome}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a bounded body, validates it against schema and unmarshals it
// into out.
func (s *Server) decode(r *http.Request, schema *jsonschema.Schema, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
