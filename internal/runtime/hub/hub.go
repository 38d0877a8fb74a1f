package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/errorsample"
	"github.com/fingerhq/finger/internal/common/logger"
)

// ErrModuleNotFound is returned when a send addresses an unregistered module.
var ErrModuleNotFound = errors.New("module not found")

// RoutePredicate decides whether a route claims a payload.
type RoutePredicate func(payload map[string]any) bool

// Route maps matching payloads to a module.
type Route struct {
	Name      string
	Predicate RoutePredicate
	ModuleID  string
}

// Hub routes request/reply messages to registered modules.
type Hub struct {
	registry *Registry
	policy   RetryPolicy
	logger   *logger.Logger
	samples  *errorsample.Writer

	routeMu       sync.RWMutex
	routes        []Route
	defaultModule string
}

// New creates a message hub over the given registry. samples may be nil.
func New(registry *Registry, policy RetryPolicy, log *logger.Logger, samples *errorsample.Writer) *Hub {
	return &Hub{
		registry: registry,
		policy:   policy.normalized(),
		logger:   log.WithFields(zap.String("component", "hub")),
		samples:  samples,
	}
}

// Registry returns the underlying module registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// AddRoute appends a payload route. Routes are evaluated in registration
// order; the first match wins.
func (h *Hub) AddRoute(name string, predicate RoutePredicate, moduleID string) {
	h.routeMu.Lock()
	defer h.routeMu.Unlock()
	h.routes = append(h.routes, Route{Name: name, Predicate: predicate, ModuleID: moduleID})
}

// SetDefaultRoute sets the fallback module used when no route matches and no
// explicit target is given.
func (h *Hub) SetDefaultRoute(moduleID string) {
	h.routeMu.Lock()
	defer h.routeMu.Unlock()
	h.defaultModule = moduleID
}

// Resolve picks the module id for a payload. An explicit target wins over
// routes; the default route always matches last.
func (h *Hub) Resolve(target string, payload map[string]any) string {
	if target != "" {
		return target
	}

	h.routeMu.RLock()
	defer h.routeMu.RUnlock()

	for _, route := range h.routes {
		if route.Predicate != nil && route.Predicate(payload) {
			return route.ModuleID
		}
	}
	return h.defaultModule
}

// Send invokes a module handler once, with no retries. Handler panics are
// converted to errors so one bad module cannot take the broker down.
func (h *Hub) Send(ctx context.Context, moduleID string, payload map[string]any) (result map[string]any, err error) {
	module, ok := h.registry.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("module handler panic",
				zap.String("module_id", moduleID),
				zap.Any("panic", r))
			result = nil
			err = fmt.Errorf("module %s panicked: %v", moduleID, r)
		}
	}()

	return module.Handle(ctx, payload)
}

// SendBlocking invokes a module handler under the blocking retry policy:
// overall timeout, bounded retries on transient failures, exponential backoff
// doubling per attempt and capped at 30s. Used by the external HTTP boundary;
// the scheduler's own dispatch execution calls Send directly.
func (h *Hub) SendBlocking(ctx context.Context, moduleID string, payload map[string]any) (map[string]any, error) {
	if !h.registry.Has(moduleID) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}

	ctx, cancel := context.WithTimeout(ctx, h.policy.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= h.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := h.policy.backoff(attempt - 1)
			h.logger.Warn("retrying blocking send",
				zap.String("module_id", moduleID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("blocking send to %s timed out after %d attempts: %w", moduleID, attempt, lastErr)
			case <-time.After(delay):
			}
		}

		result, err := h.Send(ctx, moduleID, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if !RetryableError(err) {
			h.logger.Error("blocking send failed permanently",
				zap.String("module_id", moduleID),
				zap.Error(err))
			return nil, err
		}
	}

	h.samples.Record("hub", "blocking send retries exhausted", map[string]any{
		"moduleId": moduleID,
		"error":    lastErr.Error(),
	})
	return nil, fmt.Errorf("blocking send to %s failed after %d retries: %w", moduleID, h.policy.MaxRetries, lastErr)
}
