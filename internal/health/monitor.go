// Package health provides the server-fault circuit breaker for the sync
// engine. Repeated 5xx responses usually indicate a systemic backend issue,
// so the breaker suspends all outbound calls for a cooldown window instead of
// letting every component hammer a failing backend independently.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/venuehq/sync-engine/internal/logger"
	"github.com/venuehq/sync-engine/internal/store"
)

const stateKey = "health/state"

// persistedState is the on-disk shape of the breaker state. Epoch millis keep
// the suspended-until comparison a pure integer check after a restart.
type persistedState struct {
	ConsecutiveServerErrors int   `json:"consecutiveServerErrors"`
	SuspendedUntilMillis    int64 `json:"suspendedUntilMillis,omitempty"`
}

// Config holds the breaker tuning knobs
type Config struct {
	// FailureThreshold is the consecutive 5xx count that opens a suspension window
	FailureThreshold int

	// SuspensionWindow is how long calls stay suspended
	SuspensionWindow time.Duration

	// EnforceSuspension controls whether suspension blocks calls or only logs.
	// Disabled during development against an intentionally flaky backend.
	EnforceSuspension bool
}

// Monitor tracks consecutive server faults and gates outbound calls
type Monitor struct {
	cfg   Config
	store store.Store
	now   func() time.Time

	mu                      sync.Mutex
	consecutiveServerErrors int
	suspendedUntilMillis    int64
}

// Option configures the monitor
type Option func(*Monitor)

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a Monitor. If s is non-nil, breaker state is restored
// from and persisted to it on a best-effort basis so an active suspension
// survives an app restart.
func NewMonitor(cfg Config, s store.Store, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:   cfg,
		store: s,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.restore()
	return m
}

// CanMakeAPICall reports whether outbound calls are currently allowed.
// The Suspended to Open transition happens lazily here: the first check past
// the suspension deadline clears the window and resets the error count.
func (m *Monitor) CanMakeAPICall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suspendedUntilMillis == 0 {
		return true
	}

	nowMillis := m.now().UnixMilli()
	if nowMillis >= m.suspendedUntilMillis {
		logger.Infof("API suspension window expired, resuming outbound calls")
		m.suspendedUntilMillis = 0
		m.consecutiveServerErrors = 0
		m.persistLocked()
		return true
	}

	if !m.cfg.EnforceSuspension {
		remaining := time.Duration(m.suspendedUntilMillis-nowMillis) * time.Millisecond
		logger.Debugf("API suspension active but not enforced (%.0fs remaining)", remaining.Seconds())
		return true
	}

	return false
}

// RecordServerError notes a 5xx response. Reaching the threshold opens a
// suspension window; further errors while suspended do not extend it.
func (m *Monitor) RecordServerError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveServerErrors++
	logger.Warnf("Server error recorded (%d consecutive)", m.consecutiveServerErrors)

	if m.consecutiveServerErrors >= m.cfg.FailureThreshold && m.suspendedUntilMillis == 0 {
		until := m.now().Add(m.cfg.SuspensionWindow)
		m.suspendedUntilMillis = until.UnixMilli()
		logger.Errorf("Consecutive server errors reached %d, suspending API calls until %s",
			m.consecutiveServerErrors, until.Format(time.RFC3339))
	}

	m.persistLocked()
}

// ClearServerError notes a successful response. The error count resets, but
// an active suspension window still expires on its own schedule so a single
// lucky success cannot mask an otherwise failing backend.
func (m *Monitor) ClearServerError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consecutiveServerErrors == 0 {
		return
	}
	m.consecutiveServerErrors = 0
	m.persistLocked()
}

// SuspensionState returns whether calls are suspended and how long until the
// window expires. The wait is zero when not suspended.
func (m *Monitor) SuspensionState() (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suspendedUntilMillis == 0 {
		return false, 0
	}
	remaining := m.suspendedUntilMillis - m.now().UnixMilli()
	if remaining <= 0 {
		return false, 0
	}
	return true, time.Duration(remaining) * time.Millisecond
}

func (m *Monitor) restore() {
	if m.store == nil {
		return
	}
	value, ok, err := m.store.Get(context.Background(), stateKey)
	if err != nil || !ok {
		return
	}
	var state persistedState
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		logger.Warnf("Discarding corrupt health state: %v", err)
		return
	}
	m.consecutiveServerErrors = state.ConsecutiveServerErrors
	m.suspendedUntilMillis = state.SuspendedUntilMillis
	if state.SuspendedUntilMillis > m.now().UnixMilli() {
		logger.Warnf("Restored active API suspension, %.0fs remaining",
			(time.Duration(state.SuspendedUntilMillis-m.now().UnixMilli()) * time.Millisecond).Seconds())
	}
}

// persistLocked writes the state best-effort; callers hold m.mu.
func (m *Monitor) persistLocked() {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(persistedState{
		ConsecutiveServerErrors: m.consecutiveServerErrors,
		SuspendedUntilMillis:    m.suspendedUntilMillis,
	})
	if err != nil {
		return
	}
	if err := m.store.Set(context.Background(), stateKey, string(data)); err != nil {
		logger.Warnf("Failed to persist health state: %v", err)
	}
}
