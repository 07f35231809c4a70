package gate_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/waabox/changegate/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChanges struct {
	mu sync.Mutex

	governed  bool
	govErr    error
	regStatus domain.RegisterStatus
	regErr    error
	status    domain.ChangeStatus
	statusErr error

	governedCalls int
	queries       int
	tokens        []string
}

func (f *fakeChanges) IsGoverned(context.Context, domain.UnitMetadata) (domain.Governance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.governedCalls++
	return domain.Governance{Governed: f.governed}, f.govErr
}

func (f *fakeChanges) RegisterAndNotify(_ context.Context, token, _ string, _ domain.UnitMetadata) (domain.RegisterStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.regStatus == "" {
		return domain.RegisterOK, f.regErr
	}
	return f.regStatus, f.regErr
}

func (f *fakeChanges) QueryStatus(context.Context, domain.UnitMetadata) (domain.ChangeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.status, f.statusErr
}

func (f *fakeChanges) setStatus(s domain.ChangeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeChanges) lastToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return ""
	}
	return f.tokens[len(f.tokens)-1]
}

func (f *fakeChanges) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *fakeChanges) governedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.governedCalls
}

type resumed struct {
	RunID   string
	StageID string
	Res     domain.Resolution
}

type fakeResumer struct {
	mu   sync.Mutex
	done []resumed
}

func (f *fakeResumer) Resume(_ context.Context, runID, stageID string, res domain.Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, resumed{RunID: runID, StageID: stageID, Res: res})
	return nil
}

func (f *fakeResumer) all() []resumed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resumed(nil), f.done...)
}

type fakeConsoles struct {
	mu    sync.Mutex
	lines map[string][]string
}

type runConsole struct {
	f     *fakeConsoles
	runID string
}

func (c runConsole) Printf(format string, args ...any) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.lines == nil {
		c.f.lines = make(map[string][]string)
	}
	c.f.lines[c.runID] = append(c.f.lines[c.runID], fmt.Sprintf(format, args...))
}

func (f *fakeConsoles) Console(runID string) domain.Console {
	return runConsole{f: f, runID: runID}
}

func (f *fakeConsoles) count(runID, substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.lines[runID] {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}
