// Package session manages the session workspace tree: one orchestrator root
// session plus runtime child sessions per sub-agent, with per-session
// directories for diagnostic logs.
package session

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/config"
	"github.com/fingerhq/finger/internal/common/logger"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// ErrNotFound is returned for lookups of unknown sessions.
var ErrNotFound = errors.New("session not found")

// Dirs is the directory handle of one session workspace.
type Dirs struct {
	Root        string
	Diagnostics string
}

// Workspace owns the session tree.
type Workspace struct {
	mu       sync.Mutex
	sessions map[string]*v1.Session
	rootID   string

	runtime config.RuntimeConfig
	clock   clock.Clock
	logger  *logger.Logger
}

// NewWorkspace creates an empty session workspace.
func NewWorkspace(runtime config.RuntimeConfig, clk clock.Clock, log *logger.Logger) *Workspace {
	return &Workspace{
		sessions: make(map[string]*v1.Session),
		runtime:  runtime,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "session")),
	}
}

// EnsureRootSession returns the orchestrator root session, creating it on
// first use. Idempotent.
func (w *Workspace) EnsureRootSession() *v1.Session {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rootID != "" {
		return w.sessions[w.rootID]
	}
	session := &v1.Session{
		ID:        "session-" + uuid.New().String(),
		Kind:      v1.SessionKindRoot,
		CreatedAt: w.clock.Now(),
	}
	w.sessions[session.ID] = session
	w.rootID = session.ID
	w.logger.Info("orchestrator root session created", zap.String("session_id", session.ID))
	return session
}

// EnsureChildSession returns the runtime child session of the root for the
// given agent, creating it on first use. Children are matched by parent and
// agent id.
func (w *Workspace) EnsureChildSession(root *v1.Session, agentID string) *v1.Session {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, session := range w.sessions {
		if session.Kind == v1.SessionKindRuntimeChild &&
			session.ParentID == root.ID &&
			session.AgentID == agentID {
			return session
		}
	}

	session := &v1.Session{
		ID:        "session-" + uuid.New().String(),
		ParentID:  root.ID,
		AgentID:   agentID,
		Kind:      v1.SessionKindRuntimeChild,
		CreatedAt: w.clock.Now(),
	}
	w.sessions[session.ID] = session
	w.logger.Info("runtime child session created",
		zap.String("session_id", session.ID),
		zap.String("agent_id", agentID))
	return session
}

// IsRuntimeChild reports whether the session is a runtime child session.
func (w *Workspace) IsRuntimeChild(session *v1.Session) bool {
	return session != nil && session.Kind == v1.SessionKindRuntimeChild
}

// TargetSessionFor resolves the session a deployment should bind to:
// orchestrator-role agents run in the root session, every other role in a
// child session derived from the root.
func (w *Workspace) TargetSessionFor(agentID string, role v1.AgentRole) *v1.Session {
	root := w.EnsureRootSession()
	if role == v1.RoleOrchestrator {
		return root
	}
	return w.EnsureChildSession(root, agentID)
}

// Get looks up a session by id.
func (w *Workspace) Get(sessionID string) (*v1.Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	session, ok := w.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

// List returns all sessions sorted by creation time.
func (w *Workspace) List() []*v1.Session {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*v1.Session, 0, len(w.sessions))
	for _, session := range w.sessions {
		copied := *session
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionDirs resolves and creates the workspace directories of a session.
func (w *Workspace) SessionDirs(sessionID string) (Dirs, error) {
	root := w.runtime.SessionWorkspaceDir(sessionID)
	dirs := Dirs{
		Root:        root,
		Diagnostics: filepath.Join(root, "diagnostics"),
	}
	if err := os.MkdirAll(dirs.Diagnostics, 0o755); err != nil {
		return Dirs{}, err
	}
	return dirs, nil
}

// DiagnosticsPath returns the per-agent loop log path inside a session
// workspace.
func (w *Workspace) DiagnosticsPath(sessionID, agentID string) (string, error) {
	dirs, err := w.SessionDirs(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dirs.Diagnostics, agentID+".loop.jsonl"), nil
}
