// Package health provides background monitoring of tier health. Each
// monitor polls one tier's client on a fixed interval, tracks consecutive
// failures, and emits a crash event when the failure threshold is reached.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/task"
)

// Prober is the slice of the ipc client the monitor depends on.
type Prober interface {
	Tier() string
	Health(ctx context.Context) *task.ServerHealth
}

// Event is emitted when a monitor's view of its tier changes.
type Event struct {
	// Type is the event type
	Type EventType `json:"type"`

	// Tier is the tier that triggered the event
	Tier string `json:"tier"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Failures is the consecutive-failure count at emission time
	Failures int `json:"failures"`

	// Health is the last health payload observed, if any
	Health *task.ServerHealth `json:"health,omitempty"`
}

// EventType classifies monitor events.
type EventType string

const (
	// EventCrash means the tier hit the consecutive-failure threshold
	EventCrash EventType = "crash"

	// EventRecovered means the tier reported healthy after failures
	EventRecovered EventType = "recovered"
)

// EventHandler receives monitor events.
type EventHandler func(Event)

// Config tunes a Monitor.
type Config struct {
	// Interval is the time between health polls
	Interval time.Duration

	// FailureThreshold is the consecutive-failure count that emits a crash event
	FailureThreshold int
}

// DefaultConfig returns the default monitor tuning.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Second,
		FailureThreshold: 3,
	}
}

// Monitor polls one tier's health on an interval.
//
// The consecutive-failure counter increments on any unhealthy, nil, or
// errored result and resets to zero only on success. A crash event is
// emitted each time the counter reaches a multiple of the threshold, so
// a persistently failing tier re-alerts once per threshold-sized window
// of consecutive failures rather than on every check, while the tier
// keeps reporting unhealthy until a success is actually observed.
type Monitor struct {
	prober Prober
	config Config

	mu           sync.Mutex
	failures     int
	everHealthy  bool
	lastHealth   *task.ServerHealth
	handlers     []EventHandler
	crashesTotal int64

	cancel context.CancelFunc
	done   chan struct{}
	runMu  sync.Mutex
}

// NewMonitor creates a monitor for the given prober. Zero config fields
// fall back to defaults.
func NewMonitor(prober Prober, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}

	return &Monitor{
		prober: prober,
		config: config,
	}
}

// Tier returns the monitored tier's name.
func (m *Monitor) Tier() string {
	return m.prober.Tier()
}

// OnEvent registers a handler for crash/recovery events. Handlers run on
// the monitor's polling goroutine and must not block.
func (m *Monitor) OnEvent(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Start begins background polling. It returns an error if the monitor is
// already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.done != nil {
		return fmt.Errorf("monitor for tier %s is already running", m.Tier())
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.loop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.done == nil {
		return
	}
	m.cancel()
	<-m.done
	m.done = nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs a single health poll and updates the failure counter.
// Exposed for tests and for the supervisor's on-demand probes.
func (m *Monitor) Check(ctx context.Context) {
	health := m.prober.Health(ctx)
	healthy := health != nil && health.Status != task.StateUnhealthy

	m.mu.Lock()
	m.lastHealth = health

	var events []Event
	if healthy {
		if m.failures > 0 {
			events = append(events, Event{
				Type:      EventRecovered,
				Tier:      m.Tier(),
				Timestamp: time.Now(),
				Health:    health,
			})
		}
		m.failures = 0
		m.everHealthy = true
	} else {
		m.failures++
		// Alert once per threshold-sized window; the counter itself is
		// only cleared by a successful check.
		if m.failures%m.config.FailureThreshold == 0 {
			events = append(events, Event{
				Type:      EventCrash,
				Tier:      m.Tier(),
				Timestamp: time.Now(),
				Failures:  m.failures,
				Health:    health,
			})
			m.crashesTotal++
		}
	}
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, event := range events {
		if event.Type == EventCrash {
			log.Warnf("tier %s crossed failure threshold (%d consecutive failures)", event.Tier, event.Failures)
		} else {
			log.Infof("tier %s recovered", event.Tier)
		}
		for _, handler := range handlers {
			handler(event)
		}
	}
}

// IsHealthy is true only when the failure counter is exactly zero and at
// least one successful check has ever been observed.
func (m *Monitor) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures == 0 && m.everHealthy
}

// Failures returns the current consecutive-failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// CrashesTotal returns the number of crash events emitted so far.
func (m *Monitor) CrashesTotal() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crashesTotal
}

// LastHealth returns the most recent health payload, which may be nil.
func (m *Monitor) LastHealth() *task.ServerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastHealth == nil {
		return nil
	}
	healthCopy := *m.lastHealth
	return &healthCopy
}

// WaitForHealthy polls in a tight loop with a fixed sleep until the tier
// reports healthy or the timeout elapses, returning whether it became
// healthy in time.
func (m *Monitor) WaitForHealthy(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		m.Check(ctx)
		if m.IsHealthy() {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}

	return false
}
