// Package workflow tracks workflow state for the control plane: pause and
// resume, user input forwarding, and which agents are referenced by
// in-progress tasks.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// ErrNotFound is returned for operations on unknown workflows.
var ErrNotFound = errors.New("workflow not found")

// WorkflowState is the coarse state of a workflow.
type WorkflowState string

const (
	StateRunning   WorkflowState = "running"
	StatePaused    WorkflowState = "paused"
	StateCompleted WorkflowState = "completed"
)

// TaskState is the state of a single workflow task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
)

// Task is one unit of work inside a workflow, optionally bound to an agent.
type Task struct {
	ID      string    `json:"id"`
	AgentID string    `json:"agentId,omitempty"`
	State   TaskState `json:"state"`
}

// Workflow is the tracked state of one workflow.
type Workflow struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionId,omitempty"`
	State     WorkflowState    `json:"state"`
	Hard      bool             `json:"hard,omitempty"`
	Tasks     map[string]*Task `json:"tasks,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Store owns workflow state. It implements the scheduler's WorkflowTracker.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow

	bus    bus.EventBus
	clock  clock.Clock
	logger *logger.Logger
}

// NewStore creates an empty workflow store.
func NewStore(eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Store {
	return &Store{
		workflows: make(map[string]*Workflow),
		bus:       eventBus,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "workflow")),
	}
}

// Ensure returns the workflow with the given id, creating it if needed.
func (s *Store) Ensure(workflowID, sessionID string) *Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf, ok := s.workflows[workflowID]; ok {
		return wf
	}
	now := s.clock.Now()
	wf := &Workflow{
		ID:        workflowID,
		SessionID: sessionID,
		State:     StateRunning,
		Tasks:     make(map[string]*Task),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.workflows[workflowID] = wf
	return wf
}

// Get returns a snapshot of a workflow.
func (s *Store) Get(workflowID string) (*Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, false
	}
	copied := *wf
	copied.Tasks = make(map[string]*Task, len(wf.Tasks))
	for id, task := range wf.Tasks {
		taskCopy := *task
		copied.Tasks[id] = &taskCopy
	}
	return &copied, true
}

// Pause moves a workflow into the paused state. A hard pause also signals
// running tasks to stop at the next safe point.
func (s *Store) Pause(workflowID string, hard bool) error {
	s.mu.Lock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	wf.State = StatePaused
	wf.Hard = hard
	wf.UpdatedAt = s.clock.Now()
	sessionID := wf.SessionID
	s.mu.Unlock()

	s.logger.Info("workflow paused", zap.String("workflow_id", workflowID), zap.Bool("hard", hard))
	s.emitUpdate(workflowID, sessionID, StatePaused, hard)
	return nil
}

// Resume moves a paused workflow back to running.
func (s *Store) Resume(workflowID string) error {
	s.mu.Lock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	wf.State = StateRunning
	wf.Hard = false
	wf.UpdatedAt = s.clock.Now()
	sessionID := wf.SessionID
	s.mu.Unlock()

	s.logger.Info("workflow resumed", zap.String("workflow_id", workflowID))
	s.emitUpdate(workflowID, sessionID, StateRunning, false)
	return nil
}

// IsPaused reports whether a workflow is currently paused.
func (s *Store) IsPaused(workflowID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	return ok && wf.State == StatePaused
}

// Input forwards user input into a workflow, publishing it for the
// orchestrator to pick up. Inputting into a paused workflow resumes it.
func (s *Store) Input(workflowID string, input map[string]any) error {
	s.mu.Lock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	resumed := wf.State == StatePaused
	wf.State = StateRunning
	wf.Hard = false
	wf.UpdatedAt = s.clock.Now()
	sessionID := wf.SessionID
	s.mu.Unlock()

	event := bus.NewEvent(v1.EventUserMessage, sessionID, "", map[string]any{
		"workflowId": workflowID,
		"input":      input,
	})
	if err := s.bus.Publish(context.Background(), v1.EventUserMessage, event); err != nil {
		s.logger.WithError(err).Warn("failed to publish workflow input")
	}
	if resumed {
		s.emitUpdate(workflowID, sessionID, StateRunning, false)
	}
	return nil
}

// SetTaskState records a task's state and agent binding.
func (s *Store) SetTaskState(workflowID, taskID, agentID string, state TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return ErrNotFound
	}
	task, ok := wf.Tasks[taskID]
	if !ok {
		task = &Task{ID: taskID}
		wf.Tasks[taskID] = task
	}
	task.AgentID = agentID
	task.State = state
	wf.UpdatedAt = s.clock.Now()
	return nil
}

// AgentHasActiveTask reports whether any in-progress task of a running
// workflow references the agent. Used for catalog status derivation.
func (s *Store) AgentHasActiveTask(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, wf := range s.workflows {
		if wf.State != StateRunning {
			continue
		}
		for _, task := range wf.Tasks {
			if task.AgentID == agentID && task.State == TaskInProgress {
				return true
			}
		}
	}
	return false
}

func (s *Store) emitUpdate(workflowID, sessionID string, state WorkflowState, hard bool) {
	event := bus.NewEvent(v1.EventWorkflowUpdate, sessionID, "", &v1.WorkflowUpdatePayload{
		WorkflowID: workflowID,
		State:      string(state),
		Hard:       hard,
	})
	if err := s.bus.Publish(context.Background(), v1.EventWorkflowUpdate, event); err != nil {
		s.logger.WithError(err).Warn("failed to publish workflow update")
	}
}
