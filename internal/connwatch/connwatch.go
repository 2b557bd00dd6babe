// Package connwatch tracks whether Vektra's external dependencies (model
// providers, a remote build host) are reachable.
//
// httpkit retries sub-second dial failures inside one request. connwatch
// covers longer outages: a provider restarting, a build host rebooting.
// Each Watcher probes one service, first with exponential backoff until
// it answers or the startup retries run out, then on a fixed interval.
// Reachability changes are logged and published on the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nugget/vektra-agent/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// DialProbe reports whether a TCP connection to addr can be opened.
func DialProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first startup retry delay
	MaxDelay     time.Duration // ceiling for startup delay growth
	Multiplier   float64
	MaxRetries   int           // startup attempts before polling
	PollInterval time.Duration // steady-state probe interval
	ProbeTimeout time.Duration // limit for one probe call
}

// DefaultBackoff retries at 2s, 4s, 8s ... capped at 60s for ten
// attempts, then polls every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero fields with DefaultBackoff values.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next grows a startup delay.
func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	return min(d, b.MaxDelay)
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"` // last reachability change
	LastCheck time.Time `json:"lastCheck,omitzero"`
	LastError string    `json:"lastError,omitempty"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	ready     bool
	since     time.Time
	lastCheck time.Time
	lastErr   error
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.name,
		Ready:     w.ready,
		Since:     w.since,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// startup probes with growing delays until the service answers or the
// retries run out. It returns false if ctx ended first.
func (w *Watcher) startup(ctx context.Context) bool {
	delay := w.backoff.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			return true
		}
		if attempt >= w.backoff.MaxRetries {
			w.logger.Info("service unreachable at startup, polling",
				"service", w.name,
				"attempts", attempt,
				"error", err,
			)
			return true
		}
		w.logger.Debug("startup probe failed",
			"service", w.name,
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		delay = w.backoff.next(delay)
	}
}

// check runs one probe and records a reachability change.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return err
	}

	now := time.Now()
	w.mu.Lock()
	changed := w.ready != (err == nil) || w.since.IsZero()
	w.ready = err == nil
	w.lastCheck = now
	w.lastErr = err
	if changed {
		w.since = now
	}
	w.mu.Unlock()

	switch {
	case !changed:
	case err == nil:
		w.logger.Info("service reachable", "service", w.name)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceReady, map[string]any{
			"service": w.name,
		})
	default:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.name,
			"error":   err.Error(),
		})
	}
	return err
}

// Manager owns the watchers of one process.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager publishing transitions on bus, which may
// be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a service in the background until ctx ends or
// Stop is called. Zero Backoff fields take their defaults. Watching a
// name again replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, backoff Backoff) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: backoff.withDefaults(),
		bus:     m.bus,
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watched service by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Ready reports whether every watched service is reachable.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
