// Package poll schedules the status polls and timeouts of a suspended
// stage wait.
package poll

import (
	"container/heap"
	"time"
)

// Kind identifies a timer. Its numeric value is the tie-break priority:
// at equal remaining time the lower value fires first.
type Kind int

const (
	ChangeStepTimeout     Kind = 1
	ChangeCreationTimeout Kind = 2
	OrdinaryPoll          Kind = 3
)

func (k Kind) String() string {
	switch k {
	case ChangeStepTimeout:
		return "change_step_timeout"
	case ChangeCreationTimeout:
		return "change_creation_timeout"
	case OrdinaryPoll:
		return "ordinary_poll"
	}
	return "unknown"
}

// Settings are the configured timer durations. A duration <= 0 disables
// the timer.
type Settings struct {
	PollInterval    time.Duration
	CreationTimeout time.Duration
	StepTimeout     time.Duration
}

// State is the progress of a wait, measured from its change start time.
type State struct {
	Elapsed       time.Duration
	NextPollAt    time.Duration
	CreationFired bool
	StepFired     bool
}

// Timer is a pending timer with its remaining time.
type Timer struct {
	Kind      Kind
	Remaining time.Duration
}

// Next returns the timer to fire next. It returns false when every enabled
// timer is one-shot and has already fired.
func Next(s Settings, st State) (Timer, bool) {
	q := &timerQueue{}
	push := func(kind Kind, deadline time.Duration) {
		remaining := deadline - st.Elapsed
		if remaining < 0 {
			remaining = 0
		}
		heap.Push(q, Timer{Kind: kind, Remaining: remaining})
	}

	if s.PollInterval > 0 {
		push(OrdinaryPoll, st.NextPollAt)
	}
	if s.CreationTimeout > 0 && !st.CreationFired {
		push(ChangeCreationTimeout, s.CreationTimeout)
	}
	if s.StepTimeout > 0 && !st.StepFired {
		push(ChangeStepTimeout, s.StepTimeout)
	}
	if q.Len() == 0 {
		return Timer{}, false
	}
	return heap.Pop(q).(Timer), true
}

type timerQueue []Timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].Remaining != q[j].Remaining {
		return q[i].Remaining < q[j].Remaining
	}
	return q[i].Kind < q[j].Kind
}

func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(Timer)) }

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
