// Package connwatch tracks whether upstream providers are reachable.
//
// Each watched service is probed on its own goroutine. While a service
// is down, probes back off exponentially (2s, 4s, 8s ... capped); once
// it is up, it is re-checked at a steady interval. Transitions are
// logged. Probes never block request handling: the API reads the last
// recorded status.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first retry delay after a failed probe.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Interval is the re-check period while the service is up.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultSchedule returns the probe timing used when fields are zero.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Interval:     60 * time.Second,
		Timeout:      10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.MaxDelay < s.InitialDelay {
		s.MaxDelay = s.InitialDelay
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is the last known state of a service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"` // false until the first probe returns
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor owns the watchers of a process.
type Monitor struct {
	logger *slog.Logger

	mu       sync.RWMutex
	statuses map[string]Status
	wg       sync.WaitGroup
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		statuses: make(map[string]Status),
	}
}

// Watch starts probing a service until ctx is cancelled. It panics on
// an empty name or nil probe.
func (m *Monitor) Watch(ctx context.Context, name string, probe ProbeFunc, sched Schedule) {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}
	sched = sched.withDefaults()

	m.mu.Lock()
	m.statuses[name] = Status{Name: name}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(ctx, name, probe, sched)
	}()
}

func (m *Monitor) watch(ctx context.Context, name string, probe ProbeFunc, sched Schedule) {
	log := m.logger.With("service", name)
	delay := sched.InitialDelay
	first := true

	for {
		pctx, cancel := context.WithTimeout(ctx, sched.Timeout)
		err := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		was := m.record(name, err)
		switch {
		case err == nil && (first || !was):
			log.Info("service reachable")
		case err != nil && (first || was):
			log.Warn("service unreachable", "error", err)
		case err != nil:
			log.Debug("service still unreachable", "error", err, "next_delay", delay)
		}
		first = false

		wait := sched.Interval
		if err != nil {
			wait = delay
			delay = min(delay*2, sched.MaxDelay)
		} else {
			delay = sched.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// record stores a probe outcome and returns the previous readiness.
func (m *Monitor) record(name string, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.statuses[name]
	st := Status{Name: name, Ready: err == nil, Checked: true, LastCheck: time.Now()}
	if err != nil {
		st.LastError = err.Error()
	}
	m.statuses[name] = st
	return prev.Ready
}

// Status returns a copy of every service's last known state.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.statuses)
}

// Healthy reports whether every service that has been probed is ready.
// Services not yet probed do not count against health.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.statuses {
		if st.Checked && !st.Ready {
			return false
		}
	}
	return true
}

// Wait blocks until all watchers have exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
