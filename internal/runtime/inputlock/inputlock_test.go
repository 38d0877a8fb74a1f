package inputlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/config"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

type lockEnv struct {
	manager *Manager
	clock   *clock.Fake

	mu     sync.Mutex
	events []*bus.Event
	notify chan struct{}
}

func newLockEnv(t *testing.T) *lockEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	env := &lockEnv{
		manager: NewManager(config.InputLockConfig{TTLSeconds: 30, ScanSeconds: 5}, memBus, clk, log),
		clock:   clk,
		notify:  make(chan struct{}, 64),
	}
	for _, subject := range []string{v1.EventInputLockChanged, v1.EventTypingIndicator} {
		_, err := memBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			env.mu.Lock()
			env.events = append(env.events, event)
			env.mu.Unlock()
			env.notify <- struct{}{}
			return nil
		})
		require.NoError(t, err)
	}
	return env
}

func (e *lockEnv) waitEvents(t *testing.T, n int) []*bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		e.mu.Lock()
		if len(e.events) >= n {
			out := make([]*bus.Event, len(e.events))
			copy(out, e.events)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		select {
		case <-e.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d lock events", n)
		}
	}
}

func TestAcquireReleaseAcquire(t *testing.T) {
	env := newLockEnv(t)

	first := env.manager.Acquire("session-1", "client-a")
	assert.True(t, first.Granted)

	assert.True(t, env.manager.Release("session-1", "client-a"))

	second := env.manager.Acquire("session-1", "client-a")
	assert.True(t, second.Granted)

	events := env.waitEvents(t, 3)
	assert.Len(t, events, 3)
	for _, event := range events {
		assert.Equal(t, v1.EventInputLockChanged, event.Type)
	}
}

func TestAcquire_HeldByOther(t *testing.T) {
	env := newLockEnv(t)

	require.True(t, env.manager.Acquire("session-1", "client-a").Granted)

	res := env.manager.Acquire("session-1", "client-b")
	assert.False(t, res.Granted)
	assert.Equal(t, "client-a", res.HolderID)

	// A different session is independent.
	assert.True(t, env.manager.Acquire("session-2", "client-b").Granted)
}

func TestAcquire_AfterExpiry(t *testing.T) {
	env := newLockEnv(t)

	require.True(t, env.manager.Acquire("session-1", "client-a").Granted)
	env.clock.Advance(31 * time.Second)

	res := env.manager.Acquire("session-1", "client-b")
	assert.True(t, res.Granted)
}

func TestHeartbeat(t *testing.T) {
	env := newLockEnv(t)

	require.True(t, env.manager.Acquire("session-1", "client-a").Granted)

	t.Run("holder extends expiry", func(t *testing.T) {
		env.clock.Advance(20 * time.Second)
		assert.True(t, env.manager.Heartbeat("session-1", "client-a"))

		// Without the heartbeat the lock would have expired by now.
		env.clock.Advance(20 * time.Second)
		res := env.manager.Acquire("session-1", "client-b")
		assert.False(t, res.Granted)
	})

	t.Run("non-holder gets alive false", func(t *testing.T) {
		assert.False(t, env.manager.Heartbeat("session-1", "client-b"))
	})

	t.Run("expired holder gets alive false", func(t *testing.T) {
		env.clock.Advance(time.Hour)
		assert.False(t, env.manager.Heartbeat("session-1", "client-a"))
	})
}

func TestRelease_OnlyHolderIdempotent(t *testing.T) {
	env := newLockEnv(t)

	require.True(t, env.manager.Acquire("session-1", "client-a").Granted)

	assert.False(t, env.manager.Release("session-1", "client-b"))
	assert.True(t, env.manager.Release("session-1", "client-a"))
	assert.False(t, env.manager.Release("session-1", "client-a"), "second release is a no-op")
}

func TestExpiryScan(t *testing.T) {
	env := newLockEnv(t)
	env.manager.Start()
	defer env.manager.Stop()

	require.True(t, env.manager.Acquire("session-1", "client-a").Granted)
	env.waitEvents(t, 1)

	// TTL is 30s; the scan fires every 5s and clears the stale lock.
	env.clock.Advance(35 * time.Second)

	events := env.waitEvents(t, 2)
	last := events[len(events)-1]
	payload, ok := last.Payload.(*v1.InputLockStatePayload)
	require.True(t, ok)
	assert.Empty(t, payload.LockedBy)

	state := env.manager.State("session-1")
	assert.Empty(t, state.LockedBy)
}

func TestSetTyping_OnlyHolderBroadcasts(t *testing.T) {
	env := newLockEnv(t)

	require.True(t, env.manager.Acquire("session-1", "client-a").Granted)

	assert.False(t, env.manager.SetTyping("session-1", "client-b", true))
	assert.True(t, env.manager.SetTyping("session-1", "client-a", true))

	events := env.waitEvents(t, 2)
	var typing *v1.TypingIndicatorPayload
	for _, event := range events {
		if p, ok := event.Payload.(*v1.TypingIndicatorPayload); ok {
			typing = p
		}
	}
	require.NotNil(t, typing)
	assert.Equal(t, "client-a", typing.ClientID)
	assert.True(t, typing.Typing)
}

func TestState(t *testing.T) {
	env := newLockEnv(t)

	empty := env.manager.State("session-1")
	assert.Equal(t, "session-1", empty.SessionID)
	assert.Empty(t, empty.LockedBy)

	env.manager.Acquire("session-1", "client-a")
	held := env.manager.State("session-1")
	assert.Equal(t, "client-a", held.LockedBy)
	assert.NotEmpty(t, held.ExpiresAt)
	assert.NotEmpty(t, held.LockedAt)
}
