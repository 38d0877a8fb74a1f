// Package inputlock provides per-session mutual exclusion for interactive
// input. One client holds the lock per session; heartbeats extend it and a
// periodic scan revokes expired holders.
package inputlock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/config"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

type lockState struct {
	lockedBy        string
	lockedAt        time.Time
	lastHeartbeatAt time.Time
	expiresAt       time.Time
	typing          bool
}

// AcquireResult reports the outcome of an acquire attempt.
type AcquireResult struct {
	Granted  bool   `json:"granted"`
	HolderID string `json:"holderId,omitempty"`
}

// Manager owns all session input locks.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockState

	ttl          time.Duration
	scanInterval time.Duration
	bus          bus.EventBus
	clock        clock.Clock
	logger       *logger.Logger

	scanTimer clock.Timer
	stopped   bool
}

// NewManager creates an input lock manager. Call Start to begin the expiry
// scan.
func NewManager(cfg config.InputLockConfig, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Manager {
	return &Manager{
		locks:        make(map[string]*lockState),
		ttl:          cfg.TTL(),
		scanInterval: cfg.ScanInterval(),
		bus:          eventBus,
		clock:        clk,
		logger:       log.WithFields(zap.String("component", "inputlock")),
	}
}

// Start arms the periodic expiry scan.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.scanTimer != nil {
		return
	}
	m.scanTimer = m.clock.AfterFunc(m.scanInterval, m.scanAndReschedule)
}

// Stop cancels the expiry scan.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
}

// Acquire grants the session lock to the client, or reports the current
// holder. Re-acquiring an already held lock refreshes it.
func (m *Manager) Acquire(sessionID, clientID string) AcquireResult {
	now := m.clock.Now()

	m.mu.Lock()
	state := m.locks[sessionID]
	if state != nil && state.lockedBy != "" && state.lockedBy != clientID && now.Before(state.expiresAt) {
		holder := state.lockedBy
		m.mu.Unlock()
		return AcquireResult{Granted: false, HolderID: holder}
	}

	if state == nil {
		state = &lockState{}
		m.locks[sessionID] = state
	}
	state.lockedBy = clientID
	state.lockedAt = now
	state.lastHeartbeatAt = now
	state.expiresAt = now.Add(m.ttl)
	state.typing = false
	payload := m.payloadLocked(sessionID, state)
	m.mu.Unlock()

	m.logger.Debug("input lock acquired",
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID))
	m.emitChanged(sessionID, payload)
	return AcquireResult{Granted: true, HolderID: clientID}
}

// Heartbeat extends the holder's lock. Returns false when the client no
// longer holds the lock so it can release local state.
func (m *Manager) Heartbeat(sessionID, clientID string) bool {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.locks[sessionID]
	if state == nil || state.lockedBy != clientID || now.After(state.expiresAt) {
		return false
	}
	state.lastHeartbeatAt = now
	state.expiresAt = now.Add(m.ttl)
	return true
}

// Release clears the lock if held by the client. Idempotent; releasing a
// lock held by someone else is a no-op.
func (m *Manager) Release(sessionID, clientID string) bool {
	m.mu.Lock()
	state := m.locks[sessionID]
	if state == nil || state.lockedBy != clientID {
		m.mu.Unlock()
		return false
	}
	state.lockedBy = ""
	state.typing = false
	payload := m.payloadLocked(sessionID, state)
	m.mu.Unlock()

	m.logger.Debug("input lock released",
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID))
	m.emitChanged(sessionID, payload)
	return true
}

// SetTyping updates the typing indicator. Only the current holder's typing
// state is broadcast.
func (m *Manager) SetTyping(sessionID, clientID string, typing bool) bool {
	m.mu.Lock()
	state := m.locks[sessionID]
	if state == nil || state.lockedBy != clientID {
		m.mu.Unlock()
		return false
	}
	state.typing = typing
	m.mu.Unlock()

	event := bus.NewEvent(v1.EventTypingIndicator, sessionID, "", &v1.TypingIndicatorPayload{
		SessionID: sessionID,
		ClientID:  clientID,
		Typing:    typing,
	})
	if err := m.bus.Publish(context.Background(), v1.EventTypingIndicator, event); err != nil {
		m.logger.WithError(err).Warn("failed to publish typing indicator")
	}
	return true
}

// State returns the current lock state of a session.
func (m *Manager) State(sessionID string) v1.InputLockStatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.locks[sessionID]
	if state == nil {
		return v1.InputLockStatePayload{SessionID: sessionID}
	}
	return m.payloadLocked(sessionID, state)
}

// scanAndReschedule expires stale locks and re-arms the scan timer.
func (m *Manager) scanAndReschedule() {
	m.Scan()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.scanTimer = m.clock.AfterFunc(m.scanInterval, m.scanAndReschedule)
}

// Scan clears every expired lock and emits a change event for each.
func (m *Manager) Scan() {
	now := m.clock.Now()

	type expired struct {
		sessionID string
		payload   v1.InputLockStatePayload
	}
	var cleared []expired

	m.mu.Lock()
	for sessionID, state := range m.locks {
		if state.lockedBy == "" || !now.After(state.expiresAt) {
			continue
		}
		holder := state.lockedBy
		state.lockedBy = ""
		state.typing = false
		cleared = append(cleared, expired{sessionID: sessionID, payload: m.payloadLocked(sessionID, state)})
		m.logger.Info("input lock expired",
			zap.String("session_id", sessionID),
			zap.String("client_id", holder))
	}
	m.mu.Unlock()

	for _, e := range cleared {
		m.emitChanged(e.sessionID, e.payload)
	}
}

func (m *Manager) payloadLocked(sessionID string, state *lockState) v1.InputLockStatePayload {
	payload := v1.InputLockStatePayload{
		SessionID: sessionID,
		LockedBy:  state.lockedBy,
		Typing:    state.typing,
	}
	if state.lockedBy != "" {
		payload.LockedAt = state.lockedAt.UTC().Format(time.RFC3339)
		payload.LastHeartbeatAt = state.lastHeartbeatAt.UTC().Format(time.RFC3339)
		payload.ExpiresAt = state.expiresAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func (m *Manager) emitChanged(sessionID string, payload v1.InputLockStatePayload) {
	event := bus.NewEvent(v1.EventInputLockChanged, sessionID, "", &payload)
	if err := m.bus.Publish(context.Background(), v1.EventInputLockChanged, event); err != nil {
		m.logger.WithError(err).Warn("failed to publish input lock change")
	}
}
