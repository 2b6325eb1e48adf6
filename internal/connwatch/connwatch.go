// Package connwatch tracks whether the services the agent depends on
// (model backends, the MQTT broker) are reachable. httpkit retries
// individual requests; connwatch covers outages that last seconds to
// minutes and reports them on /v1/health and the event bus.
//
// A watcher probes with exponential backoff while its service is down
// and at a fixed interval while it is up.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/steward/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the wait after the first failed probe.
	InitialDelay time.Duration
	// MaxDelay caps backoff growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each further failure.
	Multiplier float64
	// PollInterval is the wait between probes while the service is up.
	PollInterval time.Duration
	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at 60s while down and a
// 60s poll while up.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = def.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = def.ProbeTimeout
	}
	return b
}

// next returns the delay after one following d.
func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	return min(d, b.MaxDelay)
}

// Status is the health of one watched service, as served by the health
// endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger
	done    chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the latest probe outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Done is closed when the watcher's context ends.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := w.backoff.PollInterval
		if err != nil {
			wait = delay
			delay = w.backoff.next(delay)
		} else {
			delay = w.backoff.InitialDelay
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

// check runs one probe, records it and reports transitions.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	first := w.status.LastCheck.IsZero()
	wasReady := w.status.Ready
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	failures := w.status.Failures
	w.mu.Unlock()

	switch {
	case err == nil && (first || !wasReady):
		w.logger.Info("service reachable", "service", w.name)
		w.bus.Emit(events.SourceWatch, events.KindServiceUp, map[string]any{"service": w.name})
	case err != nil && (first || wasReady):
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
		w.bus.Emit(events.SourceWatch, events.KindServiceDown, map[string]any{"service": w.name, "error": err.Error()})
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "failures", failures, "error", err)
	}
	return err
}

// Manager owns a set of watchers.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{bus: bus, logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts probing a service until ctx is cancelled. Zero Backoff
// fields take their defaults. Watching an existing name replaces the
// entry in Status but does not stop the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		bus:     m.bus,
		logger:  m.logger,
		done:    make(chan struct{}),
		status:  Status{Name: name},
	}

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns every watched service sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}
