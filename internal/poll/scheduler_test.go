package poll_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/changegate/internal/clock"
	"github.com/waabox/changegate/internal/poll"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNext_StepTimeoutWinsTieWithCreationTimeout(t *testing.T) {
	s := poll.Settings{CreationTimeout: 10 * time.Minute, StepTimeout: 10 * time.Minute}

	timer, ok := poll.Next(s, poll.State{Elapsed: 4 * time.Minute})
	require.True(t, ok)
	assert.Equal(t, poll.ChangeStepTimeout, timer.Kind)
	assert.Equal(t, 6*time.Minute, timer.Remaining)
}

func TestNext_OrdinaryPollLosesTies(t *testing.T) {
	s := poll.Settings{PollInterval: time.Minute, CreationTimeout: time.Minute}

	timer, ok := poll.Next(s, poll.State{NextPollAt: time.Minute})
	require.True(t, ok)
	assert.Equal(t, poll.ChangeCreationTimeout, timer.Kind)
}

func TestNext_ElapsedDeadlinesFireImmediately(t *testing.T) {
	s := poll.Settings{PollInterval: time.Minute, CreationTimeout: 5 * time.Minute, StepTimeout: 10 * time.Minute}

	timer, ok := poll.Next(s, poll.State{Elapsed: time.Hour, NextPollAt: time.Minute})
	require.True(t, ok)
	assert.Equal(t, poll.ChangeStepTimeout, timer.Kind)
	assert.Zero(t, timer.Remaining)
}

func TestNext_DisabledAndFiredTimersAreNotQueued(t *testing.T) {
	s := poll.Settings{PollInterval: 0, CreationTimeout: 5 * time.Minute, StepTimeout: -1}

	timer, ok := poll.Next(s, poll.State{})
	require.True(t, ok)
	assert.Equal(t, poll.ChangeCreationTimeout, timer.Kind)

	_, ok = poll.Next(s, poll.State{CreationFired: true})
	assert.False(t, ok)

	_, ok = poll.Next(poll.Settings{}, poll.State{})
	assert.False(t, ok)
}

type recordingHandler struct {
	mu           sync.Mutex
	fired        []poll.Kind
	stopOnCreate bool
	notify       chan poll.Kind
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan poll.Kind, 16)}
}

func (h *recordingHandler) record(k poll.Kind) {
	h.mu.Lock()
	h.fired = append(h.fired, k)
	h.mu.Unlock()
	h.notify <- k
}

func (h *recordingHandler) Poll(context.Context) { h.record(poll.OrdinaryPoll) }

func (h *recordingHandler) CreationTimeout(context.Context) bool {
	h.record(poll.ChangeCreationTimeout)
	return h.stopOnCreate
}

func (h *recordingHandler) StepTimeout(context.Context) { h.record(poll.ChangeStepTimeout) }

func (h *recordingHandler) kinds() []poll.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]poll.Kind(nil), h.fired...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runScheduler(ctx context.Context, s *poll.Scheduler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitKind(t *testing.T, h *recordingHandler, want poll.Kind) {
	t.Helper()
	select {
	case got := <-h.notify:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timer %s did not fire", want)
	}
}

func TestScheduler_FiresTimersInDeadlineOrder(t *testing.T) {
	clk := clock.Fake(epoch)
	h := newRecordingHandler()
	settings := poll.Settings{PollInterval: time.Minute, CreationTimeout: 2 * time.Minute, StepTimeout: 3 * time.Minute}
	done := runScheduler(context.Background(), poll.NewScheduler(settings, epoch, clk, h, discardLogger()))

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	waitKind(t, h, poll.OrdinaryPoll)

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	waitKind(t, h, poll.ChangeCreationTimeout)
	// The poll due at the same instant fires right after the creation timeout.
	waitKind(t, h, poll.OrdinaryPoll)

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	waitKind(t, h, poll.ChangeStepTimeout)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after the step timeout")
	}
	assert.Equal(t, []poll.Kind{
		poll.OrdinaryPoll, poll.ChangeCreationTimeout, poll.OrdinaryPoll, poll.ChangeStepTimeout,
	}, h.kinds())
}

func TestScheduler_CreationTimeoutCanStop(t *testing.T) {
	clk := clock.Fake(epoch)
	h := newRecordingHandler()
	h.stopOnCreate = true
	settings := poll.Settings{CreationTimeout: time.Minute, StepTimeout: time.Hour}
	done := runScheduler(context.Background(), poll.NewScheduler(settings, epoch, clk, h, discardLogger()))

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	waitKind(t, h, poll.ChangeCreationTimeout)

	require.NoError(t, <-done)
	assert.Equal(t, []poll.Kind{poll.ChangeCreationTimeout}, h.kinds())
}

func TestScheduler_RestartedWaitFiresOverdueStepTimeoutFirst(t *testing.T) {
	clk := clock.Fake(epoch)
	h := newRecordingHandler()
	settings := poll.Settings{PollInterval: time.Minute, CreationTimeout: 5 * time.Minute, StepTimeout: 10 * time.Minute}
	started := epoch.Add(-20 * time.Minute)

	err := poll.NewScheduler(settings, started, clk, h, discardLogger()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []poll.Kind{poll.ChangeStepTimeout}, h.kinds())
}

func TestScheduler_CancelStopsWithoutFiring(t *testing.T) {
	clk := clock.Fake(epoch)
	h := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	done := runScheduler(ctx, poll.NewScheduler(poll.Settings{PollInterval: time.Minute}, epoch, clk, h, discardLogger()))

	clk.WaitForTimers(1)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, h.kinds())
}
