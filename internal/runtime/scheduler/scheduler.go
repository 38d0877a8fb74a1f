// Package scheduler admits, queues, executes, and retires dispatch requests
// against deployed agents, enforcing per-agent capacity and emitting an audit
// trail on the event bus.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/errorsample"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/hub"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// Dispatch failure messages. These are part of the API contract; callers and
// tests match them verbatim.
const (
	ErrTargetAgentRequired = "targetAgentId is required"
	ErrAgentNotStarted     = "target agent is not started in resource pool"
	ErrAgentDisabled       = "target agent is disabled by orchestration config"
	ErrModuleNotStarted    = "target module not found or not started"
	ErrDeadlockRisk        = "dispatch deadlock risk"
	ErrAgentBusy           = "target agent busy"
	ErrQueueTimeout        = "dispatch queue timeout"
	ErrInterrupted         = "interrupted by user"
)

const (
	defaultQueueWaitMs = 300000
	minQueueWaitMs     = 1000
)

// WorkflowTracker lets the scheduler ask whether an agent is referenced by an
// in-progress workflow task when deriving catalog status.
type WorkflowTracker interface {
	AgentHasActiveTask(agentID string) bool
}

type queuedItem struct {
	dispatchID     string
	request        *v1.AgentDispatchRequest
	targetModuleID string
	done           chan *v1.DispatchResult
	timer          clock.Timer
	execCtx        context.Context
	execCancel     context.CancelFunc
}

type agentState struct {
	active       int
	queue        []*queuedItem
	draining     bool
	drainPending bool
}

// Scheduler owns the deployment map, runtime profiles, per-agent dispatch
// queues, and the last-event read model. One mutex guards all of them; event
// emission happens outside the critical section.
type Scheduler struct {
	hub       *hub.Hub
	bus       bus.EventBus
	clock     clock.Clock
	logger    *logger.Logger
	samples   *errorsample.Writer
	workflows WorkflowTracker

	mu          sync.Mutex
	deployments map[string]*v1.Deployment
	profiles    map[string]v1.RuntimeProfile
	agents      map[string]*agentState
	lastEvents  map[string]*v1.AgentLastEvent

	inflight sync.WaitGroup
}

// New creates a scheduler. samples and workflows may be nil.
func New(h *hub.Hub, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger, samples *errorsample.Writer) *Scheduler {
	return &Scheduler{
		hub:         h,
		bus:         eventBus,
		clock:       clk,
		logger:      log.WithFields(zap.String("component", "scheduler")),
		samples:     samples,
		deployments: make(map[string]*v1.Deployment),
		profiles:    make(map[string]v1.RuntimeProfile),
		agents:      make(map[string]*agentState),
		lastEvents:  make(map[string]*v1.AgentLastEvent),
	}
}

// SetWorkflowTracker wires the workflow store used for status derivation.
func (s *Scheduler) SetWorkflowTracker(w WorkflowTracker) {
	s.workflows = w
}

// Dispatch runs the admission pipeline for a request. Blocking callers get
// the terminal result; non-blocking callers get a queued acknowledgement and
// the send continues in the background.
func (s *Scheduler) Dispatch(ctx context.Context, req *v1.AgentDispatchRequest) *v1.DispatchResult {
	if strings.TrimSpace(req.TargetAgentID) == "" {
		return &v1.DispatchResult{Status: v1.DispatchFailed, Error: ErrTargetAgentRequired}
	}

	dispatchID := s.newDispatchID()
	log := s.logger.WithDispatchID(dispatchID).WithAgentID(req.TargetAgentID)

	s.mu.Lock()
	dep := s.latestDeploymentLocked(req.TargetAgentID)
	if dep == nil {
		s.mu.Unlock()
		return &v1.DispatchResult{DispatchID: dispatchID, Status: v1.DispatchFailed, Error: ErrAgentNotStarted}
	}

	if profile, ok := s.profiles[req.TargetAgentID]; ok && !profile.Enabled {
		s.mu.Unlock()
		return &v1.DispatchResult{DispatchID: dispatchID, Status: v1.DispatchFailed, Error: ErrAgentDisabled}
	}

	moduleID := dep.ModuleID
	if moduleID == "" {
		moduleID = req.TargetAgentID
	}
	if !s.hub.Registry().Has(moduleID) {
		s.mu.Unlock()
		return &v1.DispatchResult{DispatchID: dispatchID, Status: v1.DispatchFailed, Error: ErrModuleNotStarted}
	}

	capacity := capacityOf(dep)
	state := s.agentLocked(req.TargetAgentID)

	if state.active >= capacity {
		if req.Blocking && req.SourceAgentID == req.TargetAgentID {
			s.mu.Unlock()
			s.emitDispatchFailure(dispatchID, req, moduleID, ErrDeadlockRisk)
			return &v1.DispatchResult{DispatchID: dispatchID, Status: v1.DispatchFailed, Error: ErrDeadlockRisk, TargetModuleID: moduleID}
		}
		if !req.QueueOnBusyEnabled() {
			s.mu.Unlock()
			s.emitDispatchFailure(dispatchID, req, moduleID, ErrAgentBusy)
			return &v1.DispatchResult{DispatchID: dispatchID, Status: v1.DispatchFailed, Error: ErrAgentBusy, TargetModuleID: moduleID}
		}

		execCtx, execCancel := context.WithCancel(context.Background())
		item := &queuedItem{
			dispatchID:     dispatchID,
			request:        req,
			targetModuleID: moduleID,
			done:           make(chan *v1.DispatchResult, 1),
			execCtx:        execCtx,
			execCancel:     execCancel,
		}
		state.queue = append(state.queue, item)
		position := len(state.queue)
		item.timer = s.clock.AfterFunc(normalizeQueueWait(req.MaxQueueWaitMs), func() {
			s.expireQueued(req.TargetAgentID, item)
		})
		s.mu.Unlock()

		log.Debug("dispatch queued", zap.Int("position", position))
		s.emitDispatch(req, &v1.DispatchEventPayload{
			DispatchID:     dispatchID,
			SourceAgentID:  req.SourceAgentID,
			TargetAgentID:  req.TargetAgentID,
			TargetModuleID: moduleID,
			Status:         v1.DispatchQueued,
			Assignment:     req.Assignment.WithPhase(v1.PhaseQueued),
			QueuePosition:  position,
		})

		if !req.Blocking {
			return &v1.DispatchResult{
				OK:             true,
				DispatchID:     dispatchID,
				Status:         v1.DispatchQueued,
				TargetModuleID: moduleID,
				QueuePosition:  position,
			}
		}
		return s.awaitQueued(ctx, req, item)
	}

	// Free slot: admit immediately.
	state.active++
	s.mu.Unlock()

	log.Debug("dispatch admitted")
	s.emitDispatch(req, &v1.DispatchEventPayload{
		DispatchID:     dispatchID,
		SourceAgentID:  req.SourceAgentID,
		TargetAgentID:  req.TargetAgentID,
		TargetModuleID: moduleID,
		Status:         v1.DispatchQueued,
		Assignment:     req.Assignment.WithPhase(v1.PhaseStarted),
	})

	if req.Blocking {
		return s.executeDispatch(ctx, dispatchID, req, moduleID)
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.executeDispatch(context.Background(), dispatchID, req, moduleID)
	}()
	return &v1.DispatchResult{
		OK:             true,
		DispatchID:     dispatchID,
		Status:         v1.DispatchQueued,
		TargetModuleID: moduleID,
	}
}

// awaitQueued blocks until the queued item resolves or the caller aborts. An
// abort before admission cancels the item; after admission it signals the
// running send and waits for the terminal result.
func (s *Scheduler) awaitQueued(ctx context.Context, req *v1.AgentDispatchRequest, item *queuedItem) *v1.DispatchResult {
	select {
	case res := <-item.done:
		return res
	case <-ctx.Done():
	}

	if s.removeQueued(req.TargetAgentID, item) {
		item.timer.Stop()
		s.emitDispatchFailure(item.dispatchID, req, item.targetModuleID, ErrInterrupted)
		return &v1.DispatchResult{
			DispatchID:     item.dispatchID,
			Status:         v1.DispatchFailed,
			Error:          ErrInterrupted,
			TargetModuleID: item.targetModuleID,
		}
	}

	// Already admitted: abort the in-flight send and wait for its result.
	item.execCancel()
	return <-item.done
}

// executeDispatch sends the payload to the target module and emits the
// terminal event. The slot is released and the queue drained regardless of
// outcome.
func (s *Scheduler) executeDispatch(ctx context.Context, dispatchID string, req *v1.AgentDispatchRequest, moduleID string) *v1.DispatchResult {
	defer s.release(req.TargetAgentID)

	payload := buildDispatchPayload(dispatchID, req)
	result, err := s.hub.Send(ctx, moduleID, payload)
	if err != nil {
		s.logger.WithDispatchID(dispatchID).Warn("dispatch send failed", zap.Error(err))
		s.samples.Record("scheduler", "dispatch send failed", map[string]any{
			"dispatchId": dispatchID,
			"agentId":    req.TargetAgentID,
			"moduleId":   moduleID,
			"error":      err.Error(),
		})
		s.emitDispatch(req, &v1.DispatchEventPayload{
			DispatchID:     dispatchID,
			SourceAgentID:  req.SourceAgentID,
			TargetAgentID:  req.TargetAgentID,
			TargetModuleID: moduleID,
			Status:         v1.DispatchFailed,
			Assignment:     req.Assignment.WithPhase(v1.PhaseFailed),
			Error:          err.Error(),
		})
		return &v1.DispatchResult{
			DispatchID:     dispatchID,
			Status:         v1.DispatchFailed,
			Error:          err.Error(),
			TargetModuleID: moduleID,
		}
	}

	decision, _ := result["reviewDecision"].(string)
	phase := v1.PhaseFromReviewDecision(decision)
	s.emitDispatch(req, &v1.DispatchEventPayload{
		DispatchID:     dispatchID,
		SourceAgentID:  req.SourceAgentID,
		TargetAgentID:  req.TargetAgentID,
		TargetModuleID: moduleID,
		Status:         v1.DispatchCompleted,
		Assignment:     req.Assignment.WithPhase(phase),
	})
	return &v1.DispatchResult{
		OK:             true,
		DispatchID:     dispatchID,
		Status:         v1.DispatchCompleted,
		Result:         result,
		TargetModuleID: moduleID,
	}
}

// release frees an execution slot and drains the agent's queue.
func (s *Scheduler) release(agentID string) {
	s.mu.Lock()
	if state := s.agents[agentID]; state != nil && state.active > 0 {
		state.active--
	}
	s.mu.Unlock()
	s.drain(agentID)
}

// drain admits queued items while slots are free. Only one drain loop runs
// per agent; calls arriving mid-drain schedule one more pass.
func (s *Scheduler) drain(agentID string) {
	s.mu.Lock()
	state := s.agentLocked(agentID)
	if state.draining {
		state.drainPending = true
		s.mu.Unlock()
		return
	}
	state.draining = true

	for {
		state.drainPending = false
		for {
			dep := s.latestDeploymentLocked(agentID)
			if len(state.queue) == 0 || state.active >= capacityOf(dep) {
				break
			}
			item := state.queue[0]
			state.queue = state.queue[1:]
			state.active++
			s.mu.Unlock()

			s.startQueued(item)

			s.mu.Lock()
		}
		if !state.drainPending {
			break
		}
	}

	state.draining = false
	s.mu.Unlock()
}

// startQueued transitions an admitted item from waiting to running.
func (s *Scheduler) startQueued(item *queuedItem) {
	item.timer.Stop()
	s.emitDispatch(item.request, &v1.DispatchEventPayload{
		DispatchID:     item.dispatchID,
		SourceAgentID:  item.request.SourceAgentID,
		TargetAgentID:  item.request.TargetAgentID,
		TargetModuleID: item.targetModuleID,
		Status:         v1.DispatchQueued,
		Assignment:     item.request.Assignment.WithPhase(v1.PhaseStarted),
	})

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		item.done <- s.executeDispatch(item.execCtx, item.dispatchID, item.request, item.targetModuleID)
	}()
}

// expireQueued fires when a queued item's wait timer elapses.
func (s *Scheduler) expireQueued(agentID string, item *queuedItem) {
	if !s.removeQueued(agentID, item) {
		return
	}

	s.logger.WithDispatchID(item.dispatchID).WithAgentID(agentID).Warn("dispatch queue timeout")
	s.emitDispatchFailure(item.dispatchID, item.request, item.targetModuleID, ErrQueueTimeout)
	item.done <- &v1.DispatchResult{
		DispatchID:     item.dispatchID,
		Status:         v1.DispatchFailed,
		Error:          ErrQueueTimeout,
		TargetModuleID: item.targetModuleID,
	}
}

// removeQueued removes an item from its agent queue. Returns false if the
// item was already admitted or removed.
func (s *Scheduler) removeQueued(agentID string, item *queuedItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.agents[agentID]
	if state == nil {
		return false
	}
	for i, queued := range state.queue {
		if queued == item {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Drain waits for background dispatch continuations to finish, bounded by ctx.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts returns the active and queued dispatch counts for an agent.
func (s *Scheduler) Counts(agentID string) (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.agents[agentID]
	if state == nil {
		return 0, 0
	}
	return state.active, len(state.queue)
}

func (s *Scheduler) agentLocked(agentID string) *agentState {
	state := s.agents[agentID]
	if state == nil {
		state = &agentState{}
		s.agents[agentID] = state
	}
	return state
}

func (s *Scheduler) emitDispatchFailure(dispatchID string, req *v1.AgentDispatchRequest, moduleID, message string) {
	s.emitDispatch(req, &v1.DispatchEventPayload{
		DispatchID:     dispatchID,
		SourceAgentID:  req.SourceAgentID,
		TargetAgentID:  req.TargetAgentID,
		TargetModuleID: moduleID,
		Status:         v1.DispatchFailed,
		Assignment:     req.Assignment.WithPhase(v1.PhaseFailed),
		Error:          message,
	})
}

func capacityOf(dep *v1.Deployment) int {
	if dep == nil || dep.InstanceCount < 1 {
		return 1
	}
	return dep.InstanceCount
}

func normalizeQueueWait(ms int64) time.Duration {
	switch {
	case ms <= 0:
		ms = defaultQueueWaitMs
	case ms < minQueueWaitMs:
		ms = minQueueWaitMs
	}
	return time.Duration(ms) * time.Millisecond
}

// buildDispatchPayload prepares the module payload: object tasks are cloned
// with routing metadata merged in; string tasks are wrapped as a text message.
func buildDispatchPayload(dispatchID string, req *v1.AgentDispatchRequest) map[string]any {
	meta := make(map[string]any)
	if task, ok := req.Task.(map[string]any); ok {
		if existing, ok := task["metadata"].(map[string]any); ok {
			for k, v := range existing {
				meta[k] = v
			}
		}
	}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["dispatchId"] = dispatchID
	meta["sourceAgentId"] = req.SourceAgentID
	meta["targetAgentId"] = req.TargetAgentID
	meta["orchestration"] = true
	if req.Assignment != nil {
		meta["assignment"] = req.Assignment
	}

	if task, ok := req.Task.(map[string]any); ok {
		payload := make(map[string]any, len(task)+1)
		for k, v := range task {
			payload[k] = v
		}
		payload["metadata"] = meta
		if req.SessionID != "" {
			if _, ok := payload["sessionId"]; !ok {
				payload["sessionId"] = req.SessionID
			}
		}
		return payload
	}

	payload := map[string]any{
		"text":     fmt.Sprintf("%v", req.Task),
		"metadata": meta,
	}
	if req.SessionID != "" {
		payload["sessionId"] = req.SessionID
	}
	return payload
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func (s *Scheduler) newDispatchID() string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = base36Alphabet[rand.Intn(len(base36Alphabet))]
	}
	return fmt.Sprintf("dispatch-%d-%s", s.clock.Now().UnixMilli(), suffix)
}
