// Package connwatch watches the external engines Hark depends on (the
// language model server, speech-to-text, text-to-speech and the
// wake-word spotting engine) and reports whether each is reachable.
//
// A watcher probes once at startup with exponential backoff, then polls
// at a fixed interval. Transitions between ready and down are logged,
// published on the event bus and passed to optional callbacks.
// Transport-level retry of a single request lives in httpkit.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/events"
	"github.com/nugget/hark/internal/httpkit"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// HTTPProbe returns a probe that GETs url. Any response below 500
// counts as reachable; engines without a health route still answer 404.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer httpkit.DrainAndClose(resp.Body, 4096)
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s returned %d", url, resp.StatusCode)
		}
		return nil
	}
}

// BackoffConfig controls the startup retry and polling schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries bounds the startup attempts before falling back to
	// polling.
	MaxRetries int

	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig retries at 2s, 4s, 8s ... capped at 60s for ten
// attempts, then polls every 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
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

// WatcherConfig configures one watched service.
type WatcherConfig struct {
	// Name identifies the service in logs, events and status maps
	// (for example "llm" or "tts").
	Name string

	// URL is informational and reported in Status.
	URL string

	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)
}

// ServiceStatus is the health of one service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger
	bus    *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		URL:       w.cfg.URL,
		Ready:     w.ready.Load(),
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

	b := w.cfg.Backoff
	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			w.logger.Debug("startup probe succeeded", "attempts", attempt)
			break
		}
		if attempt == b.MaxRetries {
			w.logger.Warn("service unreachable, polling in background",
				"attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("startup probe failed",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && ctx.Err() == nil {
				w.logger.Log(ctx, config.LevelTrace, "service still unreachable", "error", err)
			}
		}
	}
}

// check probes once, records the result and handles a transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := err == nil
	if w.ready.Swap(up) == up {
		return err
	}
	if up {
		w.logger.Info("service ready")
		w.bus.Emit(events.SourceHealth, events.KindServiceReady, map[string]any{
			"service": w.cfg.Name,
		})
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
		return nil
	}
	w.logger.Warn("service became unreachable", "error", err)
	w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
		"service": w.cfg.Name,
		"error":   err.Error(),
	})
	if w.cfg.OnDown != nil {
		go w.cfg.OnDown(err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ErrDuplicate is returned when a name is already watched.
var ErrDuplicate = errors.New("service already watched")

// Manager owns the watchers for every external engine.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		bus:      bus,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Name == "" {
		return nil, errors.New("connwatch: name is required")
	}
	if cfg.Probe == nil {
		return nil, fmt.Errorf("connwatch: %s: probe is required", cfg.Name)
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, cfg.Name)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: m.logger.With("service", cfg.Name),
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.watchers[cfg.Name] = w
	go w.run(watchCtx)
	return w, nil
}

// Names returns the watched service names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.watchers))
	for name := range m.watchers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Ready reports whether name is watched and reachable.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return ok && w.IsReady()
}

// Stop shuts down every watcher and waits for them to exit.
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
