package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/hub"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

type testEnv struct {
	t     *testing.T
	sched *Scheduler
	bus   bus.EventBus
	hub   *hub.Hub
	clock *clock.Fake

	mu     sync.Mutex
	events []*v1.DispatchEventPayload
	notify chan struct{}
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	log := testLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	h := hub.New(hub.NewRegistry(), hub.RetryPolicy{}, log, nil)
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	env := &testEnv{
		t:      t,
		sched:  New(h, memBus, clk, log, nil),
		bus:    memBus,
		hub:    h,
		clock:  clk,
		notify: make(chan struct{}, 128),
	}

	_, err := memBus.Subscribe(v1.EventAgentRuntimeDispatch, func(ctx context.Context, event *bus.Event) error {
		payload, ok := event.Payload.(*v1.DispatchEventPayload)
		if !ok {
			return nil
		}
		env.mu.Lock()
		env.events = append(env.events, payload)
		env.mu.Unlock()
		env.notify <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	return env
}

// waitEvents blocks until at least n dispatch events were observed.
func (e *testEnv) waitEvents(n int) []*v1.DispatchEventPayload {
	e.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		e.mu.Lock()
		if len(e.events) >= n {
			out := make([]*v1.DispatchEventPayload, len(e.events))
			copy(out, e.events)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		select {
		case <-e.notify:
		case <-deadline:
			e.t.Fatalf("timed out waiting for %d dispatch events", n)
		}
	}
}

func (e *testEnv) eventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// deployEcho registers an echoing module and deploys an agent bound to it.
func (e *testEnv) deployEcho(agentID string, instanceCount int) {
	e.t.Helper()
	e.hub.Registry().Register(hub.ModuleFunc{
		ModuleID: agentID,
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			return map[string]any{"reply": payload["text"]}, nil
		},
	})
	resp := e.sched.Deploy(&v1.AgentDeployRequest{
		AgentID:       agentID,
		ModuleID:      agentID,
		InstanceCount: instanceCount,
	})
	require.True(e.t, resp.Success, resp.Error)
}

// deployGated deploys an agent whose module blocks until released.
func (e *testEnv) deployGated(agentID string, instanceCount int) (release func()) {
	e.t.Helper()
	gate := make(chan struct{})
	e.hub.Registry().Register(hub.ModuleFunc{
		ModuleID: agentID,
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			select {
			case <-gate:
				return map[string]any{"done": true}, nil
			case <-ctx.Done():
				return nil, errors.New("interrupted by user")
			}
		},
	})
	resp := e.sched.Deploy(&v1.AgentDeployRequest{
		AgentID:       agentID,
		ModuleID:      agentID,
		InstanceCount: instanceCount,
	})
	require.True(e.t, resp.Success, resp.Error)

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func TestDispatch_EmptyTargetFailsWithoutSideEffects(t *testing.T) {
	env := newEnv(t)

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "  ",
	})

	assert.False(t, res.OK)
	assert.Equal(t, v1.DispatchFailed, res.Status)
	assert.Equal(t, ErrTargetAgentRequired, res.Error)
	assert.Zero(t, env.eventCount())
}

func TestDispatch_AgentNotStarted(t *testing.T) {
	env := newEnv(t)

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "ghost",
	})
	assert.Equal(t, ErrAgentNotStarted, res.Error)
	assert.NotEmpty(t, res.DispatchID)
}

func TestDispatch_DisabledByOrchestrationConfig(t *testing.T) {
	env := newEnv(t)
	env.deployEcho("executor", 1)
	env.sched.SetProfile("executor", v1.RuntimeProfile{Enabled: false, DefaultQuota: 1})

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
	})
	assert.Equal(t, ErrAgentDisabled, res.Error)
}

func TestDispatch_ModuleNotStarted(t *testing.T) {
	env := newEnv(t)
	resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "executor", ModuleID: "unregistered"})
	require.True(t, resp.Success)

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
	})
	assert.Equal(t, ErrModuleNotStarted, res.Error)
}

func TestDispatch_HappyPathBlocking(t *testing.T) {
	env := newEnv(t)
	env.deployEcho("executor", 1)

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "executor",
		Task:          map[string]any{"text": "hi"},
		Blocking:      true,
	})

	require.True(t, res.OK)
	assert.Equal(t, v1.DispatchCompleted, res.Status)
	assert.Equal(t, "executor", res.TargetModuleID)
	reply, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", reply["reply"])

	events := env.waitEvents(2)
	require.Len(t, events, 2)
	assert.Equal(t, v1.DispatchQueued, events[0].Status)
	assert.Equal(t, v1.PhaseStarted, events[0].Assignment.Phase)
	assert.Equal(t, v1.DispatchCompleted, events[1].Status)
	assert.Equal(t, res.DispatchID, events[0].DispatchID)
	assert.Equal(t, res.DispatchID, events[1].DispatchID)

	active, queued := env.sched.Counts("executor")
	assert.Zero(t, active)
	assert.Zero(t, queued)
}

func TestDispatch_NonBlockingCompletesInBackground(t *testing.T) {
	env := newEnv(t)
	env.deployEcho("executor", 1)

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "hello",
	})
	require.True(t, res.OK)
	assert.Equal(t, v1.DispatchQueued, res.Status)

	events := env.waitEvents(2)
	assert.Equal(t, v1.DispatchCompleted, events[1].Status)
}

func TestDispatch_Queueing(t *testing.T) {
	env := newEnv(t)
	release := env.deployGated("executor", 1)

	results := make(chan *v1.DispatchResult, 2)
	dispatch := func() {
		results <- env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
			SourceAgentID: "orchestrator",
			TargetAgentID: "executor",
			Task:          "work",
			Blocking:      true,
		})
	}

	go dispatch()
	env.waitEvents(1) // first admitted

	go dispatch()
	events := env.waitEvents(2) // second queued
	assert.Equal(t, v1.PhaseQueued, events[1].Assignment.Phase)
	assert.Equal(t, 1, events[1].QueuePosition)

	active, queued := env.sched.Counts("executor")
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, queued)

	release()

	first := <-results
	second := <-results
	assert.True(t, first.OK)
	assert.True(t, second.OK)

	// Per-dispatch order: the queued dispatch sees queued -> started -> completed.
	events = env.waitEvents(5)
	queuedID := events[1].DispatchID
	var phases []v1.AssignmentPhase
	var statuses []v1.DispatchStatus
	for _, ev := range events {
		if ev.DispatchID == queuedID {
			phases = append(phases, ev.Assignment.Phase)
			statuses = append(statuses, ev.Status)
		}
	}
	require.Len(t, phases, 3)
	assert.Equal(t, v1.PhaseQueued, phases[0])
	assert.Equal(t, v1.PhaseStarted, phases[1])
	assert.Equal(t, v1.DispatchCompleted, statuses[2])
}

func TestDispatch_DeadlockGuard(t *testing.T) {
	env := newEnv(t)
	release := env.deployGated("orchestrator", 1)
	defer release()

	go env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "orchestrator",
		Task:          "first",
		Blocking:      true,
	})
	env.waitEvents(1)

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "orchestrator",
		Task:          "second",
		Blocking:      true,
	})
	assert.Equal(t, ErrDeadlockRisk, res.Error)

	// No queue entry was added.
	_, queued := env.sched.Counts("orchestrator")
	assert.Zero(t, queued)
}

func TestDispatch_BusyWhenQueueDisabled(t *testing.T) {
	env := newEnv(t)
	release := env.deployGated("executor", 1)
	defer release()

	go env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "first",
		Blocking:      true,
	})
	env.waitEvents(1)

	queueOnBusy := false
	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		SourceAgentID: "orchestrator",
		TargetAgentID: "executor",
		Task:          "second",
		QueueOnBusy:   &queueOnBusy,
	})
	assert.Equal(t, ErrAgentBusy, res.Error)
	assert.Equal(t, v1.DispatchFailed, res.Status)
}

func TestDispatch_QueueTimeout(t *testing.T) {
	env := newEnv(t)
	release := env.deployGated("executor", 1)
	defer release()

	go env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "held",
		Blocking:      true,
	})
	env.waitEvents(1)

	result := make(chan *v1.DispatchResult, 1)
	go func() {
		result <- env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
			TargetAgentID:  "executor",
			Task:           "waiting",
			Blocking:       true,
			MaxQueueWaitMs: 1000,
		})
	}()
	env.waitEvents(2) // queued event emitted, timer armed

	env.clock.Advance(time.Second)

	select {
	case res := <-result:
		assert.False(t, res.OK)
		assert.Equal(t, ErrQueueTimeout, res.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("queued dispatch did not time out")
	}

	events := env.waitEvents(3)
	last := events[len(events)-1]
	assert.Equal(t, v1.DispatchFailed, last.Status)
	assert.Equal(t, ErrQueueTimeout, last.Error)
	assert.Equal(t, v1.PhaseFailed, last.Assignment.Phase)

	_, queued := env.sched.Counts("executor")
	assert.Zero(t, queued)
}

func TestDispatch_CallerAbortCancelsQueuedItem(t *testing.T) {
	env := newEnv(t)
	release := env.deployGated("executor", 1)
	defer release()

	go env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "held",
		Blocking:      true,
	})
	env.waitEvents(1)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan *v1.DispatchResult, 1)
	go func() {
		result <- env.sched.Dispatch(ctx, &v1.AgentDispatchRequest{
			TargetAgentID: "executor",
			Task:          "abandoned",
			Blocking:      true,
		})
	}()
	env.waitEvents(2)

	cancel()

	select {
	case res := <-result:
		assert.Equal(t, ErrInterrupted, res.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted caller did not resolve")
	}

	_, queued := env.sched.Counts("executor")
	assert.Zero(t, queued)
}

func TestDispatch_ReviewDecisionPhases(t *testing.T) {
	tests := []struct {
		decision string
		phase    v1.AssignmentPhase
	}{
		{"pass", v1.PhasePassed},
		{"approved", v1.PhasePassed},
		{"retry", v1.PhaseRetry},
		{"reject", v1.PhaseRetry},
		{"reviewing", v1.PhaseReviewing},
		{"", v1.PhaseClosed},
	}

	for _, tt := range tests {
		t.Run("decision "+tt.decision, func(t *testing.T) {
			env := newEnv(t)
			env.hub.Registry().Register(hub.ModuleFunc{
				ModuleID: "reviewer",
				Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
					return map[string]any{"reviewDecision": tt.decision}, nil
				},
			})
			resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "reviewer", ModuleID: "reviewer"})
			require.True(t, resp.Success)

			res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
				TargetAgentID: "reviewer",
				Task:          "review this",
				Blocking:      true,
				Assignment:    &v1.Assignment{TaskID: "task-1", Attempt: 1},
			})

			// Completion is reported even for retry; resubmission is the
			// caller's duty.
			require.True(t, res.OK)
			events := env.waitEvents(2)
			assert.Equal(t, tt.phase, events[1].Assignment.Phase)
			assert.Equal(t, "task-1", events[1].Assignment.TaskID)
		})
	}
}

func TestDispatch_ModuleFailureEmitsFailedEvent(t *testing.T) {
	env := newEnv(t)
	env.hub.Registry().Register(hub.ModuleFunc{
		ModuleID: "executor",
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			return nil, errors.New("kernel crashed")
		},
	})
	resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "executor", ModuleID: "executor"})
	require.True(t, resp.Success)

	res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
		TargetAgentID: "executor",
		Task:          "boom",
		Blocking:      true,
	})
	assert.False(t, res.OK)
	assert.Equal(t, v1.DispatchFailed, res.Status)
	assert.Contains(t, res.Error, "kernel crashed")

	events := env.waitEvents(2)
	assert.Equal(t, v1.DispatchFailed, events[1].Status)
	assert.Equal(t, v1.PhaseFailed, events[1].Assignment.Phase)
}

func TestDispatch_ActiveNeverExceedsCapacity(t *testing.T) {
	env := newEnv(t)

	var current, peak atomic.Int64
	env.hub.Registry().Register(hub.ModuleFunc{
		ModuleID: "executor",
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return map[string]any{}, nil
		},
	})
	resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "executor", ModuleID: "executor", InstanceCount: 2})
	require.True(t, resp.Success)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
				TargetAgentID: "executor",
				Task:          "load",
				Blocking:      true,
			})
			assert.True(t, res.OK)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestDispatch_PayloadMetadata(t *testing.T) {
	env := newEnv(t)

	var got map[string]any
	env.hub.Registry().Register(hub.ModuleFunc{
		ModuleID: "executor",
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			got = payload
			return map[string]any{}, nil
		},
	})
	resp := env.sched.Deploy(&v1.AgentDeployRequest{AgentID: "executor", ModuleID: "executor"})
	require.True(t, resp.Success)

	t.Run("object task merges metadata", func(t *testing.T) {
		res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
			SourceAgentID: "orchestrator",
			TargetAgentID: "executor",
			Task:          map[string]any{"text": "hi", "metadata": map[string]any{"origin": "test"}},
			Metadata:      map[string]any{"priority": "high"},
			Blocking:      true,
		})
		require.True(t, res.OK)

		meta, ok := got["metadata"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, res.DispatchID, meta["dispatchId"])
		assert.Equal(t, "orchestrator", meta["sourceAgentId"])
		assert.Equal(t, "executor", meta["targetAgentId"])
		assert.Equal(t, true, meta["orchestration"])
		assert.Equal(t, "test", meta["origin"])
		assert.Equal(t, "high", meta["priority"])
		assert.Equal(t, "hi", got["text"])
	})

	t.Run("string task is wrapped", func(t *testing.T) {
		res := env.sched.Dispatch(context.Background(), &v1.AgentDispatchRequest{
			TargetAgentID: "executor",
			Task:          "plain prompt",
			SessionID:     "session-9",
			Blocking:      true,
		})
		require.True(t, res.OK)
		assert.Equal(t, "plain prompt", got["text"])
		assert.Equal(t, "session-9", got["sessionId"])
	})
}

func TestNormalizeQueueWait(t *testing.T) {
	assert.Equal(t, 300*time.Second, normalizeQueueWait(0))
	assert.Equal(t, 300*time.Second, normalizeQueueWait(-5))
	assert.Equal(t, time.Second, normalizeQueueWait(10))
	assert.Equal(t, time.Second, normalizeQueueWait(999))
	assert.Equal(t, 2*time.Second, normalizeQueueWait(2000))
}

func TestNewDispatchID_Format(t *testing.T) {
	env := newEnv(t)
	id := env.sched.newDispatchID()
	assert.Regexp(t, `^dispatch-\d+-[0-9a-z]{6}$`, id)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[env.sched.newDispatchID()] = true
	}
	assert.Greater(t, len(seen), 90)
}
