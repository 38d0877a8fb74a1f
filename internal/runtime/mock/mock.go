// Package mock provides in-process stand-ins for agent kernels so the broker
// runs end-to-end without any provider processes attached.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	"github.com/fingerhq/finger/internal/runtime/hub"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// BaselineAgents are the agent ids mocked under full mock mode.
var BaselineAgents = []string{"orchestrator", "researcher", "executor", "coder", "reviewer"}

type turn struct {
	sessionID string
	cancel    context.CancelFunc
}

// Runner tracks in-flight mock turns and implements the control plane's
// session verbs against them.
type Runner struct {
	mu     sync.Mutex
	turns  map[int64]*turn
	nextID int64
	paused map[string]bool

	logger *logger.Logger
}

// NewRunner creates an empty mock runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{
		turns:  make(map[int64]*turn),
		paused: make(map[string]bool),
		logger: log.WithFields(zap.String("component", "mock-runner")),
	}
}

// InterruptSession cancels every in-flight turn of the session.
func (r *Runner) InterruptSession(sessionID, providerID string) (v1.InterruptResult, error) {
	r.mu.Lock()
	var cancels []context.CancelFunc
	for id, t := range r.turns {
		if t.sessionID == sessionID {
			cancels = append(cancels, t.cancel)
			delete(r.turns, id)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.logger.Info("mock session interrupted",
		zap.String("session_id", sessionID),
		zap.Int("turns", len(cancels)))
	return v1.InterruptResult{
		InterruptedCount: len(cancels),
		Sessions:         []string{sessionID},
	}, nil
}

// PauseSession marks the session paused. Mock turns complete regardless; the
// flag only feeds SessionStates.
func (r *Runner) PauseSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[sessionID] = true
	return nil
}

// ResumeSession clears the paused flag.
func (r *Runner) ResumeSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, sessionID)
	return nil
}

// SessionStates reports per-session runner state for status snapshots.
func (r *Runner) SessionStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]string)
	for _, t := range r.turns {
		states[t.sessionID] = "running"
	}
	for sessionID := range r.paused {
		states[sessionID] = "paused"
	}
	return states
}

func (r *Runner) beginTurn(sessionID string, cancel context.CancelFunc) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.turns[id] = &turn{sessionID: sessionID, cancel: cancel}
	return id
}

func (r *Runner) endTurn(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.turns, id)
}

// module is one mocked agent kernel.
type module struct {
	agentID string
	runner  *Runner
}

func (m *module) ID() string { return m.agentID + "-loop" }

func (m *module) Info() hub.ModuleInfo {
	return hub.ModuleInfo{
		ID:   m.ID(),
		Type: "agent",
		Metadata: map[string]string{
			"role": m.agentID,
			"mock": "true",
		},
	}
}

// Handle answers every task with a canned reply. The turn is interruptible
// through the runner.
func (m *module) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	sessionID, _ := payload["sessionId"].(string)
	if sessionID == "" {
		sessionID = bus.DefaultSessionID
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := m.runner.beginTurn(sessionID, cancel)
	defer m.runner.endTurn(id)

	select {
	case <-turnCtx.Done():
		return nil, errors.New("interrupted by user")
	default:
	}

	return map[string]any{
		"agentId":   m.agentID,
		"sessionId": sessionID,
		"mock":      true,
		"reply":     fmt.Sprintf("mock %s handled task", m.agentID),
		"task":      payload["task"],
	}, nil
}

// InstallModules registers mock kernels for the given agent ids and deploys
// nothing; deployment stays with the orchestration applier.
func InstallModules(registry *hub.Registry, runner *Runner, agentIDs []string) {
	for _, agentID := range agentIDs {
		registry.Register(&module{agentID: agentID, runner: runner})
	}
}

// AgentsFor resolves which agents to mock from the runtime config flags.
func AgentsFor(fullMockMode bool, mockRoles []string) []string {
	if fullMockMode {
		return BaselineAgents
	}
	return mockRoles
}
