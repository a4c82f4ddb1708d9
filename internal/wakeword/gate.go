package wakeword

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/hark/internal/events"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// State is the gate position.
type State string

const (
	StateListening State = "listening"
	StateActive    State = "active"
)

// WakeSource is what a GatedSession listens to. *Detector implements it.
type WakeSource interface {
	Start(ctx context.Context) error
	Stop()
	Reset()
	Subscribe(fn func(Detection)) (unsubscribe func())
}

// GateConfig configures a GatedSession.
type GateConfig struct {
	Source       WakeSource
	Timeout      time.Duration
	PollInterval time.Duration
	Events       *events.Bus
	Logger       *slog.Logger
}

// GatedSession is a two-state gate. A wake word moves it from listening
// to active; the conversation keeps it active by refreshing activity;
// an idle timeout returns it to listening and re-arms the source.
//
// Transitions are serialized. Handlers run on the goroutine that caused
// the transition, outside the state lock, once per transition.
type GatedSession struct {
	src     WakeSource
	timeout time.Duration
	poll    time.Duration
	bus     *events.Bus
	logger  *slog.Logger

	// turn is a one-slot lock held for a whole transition including its
	// handlers. A waiting monitor can give up on it when cancelled.
	turn chan struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	gen          uint64
	stopMonitor  context.CancelFunc
	monitorDone  chan struct{}
	unsubscribe  func()
	stopped      bool
	onActivate   []func(Detection)
	onDeactivate []func()
}

// NewGatedSession returns a gate in the listening state.
func NewGatedSession(cfg GateConfig) *GatedSession {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GatedSession{
		src:     cfg.Source,
		timeout: timeout,
		poll:    poll,
		bus:     cfg.Events,
		logger:  logger.With("component", "gate"),
		turn:    make(chan struct{}, 1),
		state:   StateListening,
	}
}

// OnActivate registers fn to run on every listening to active
// transition.
func (g *GatedSession) OnActivate(fn func(Detection)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onActivate = append(g.onActivate, fn)
}

// OnDeactivate registers fn to run on every timeout back to listening.
func (g *GatedSession) OnDeactivate(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDeactivate = append(g.onDeactivate, fn)
}

// Start subscribes to the source and starts it. A source start failure
// is returned; the caller may run without the gate.
func (g *GatedSession) Start(ctx context.Context) error {
	unsub := g.src.Subscribe(g.HandleWakeWord)
	if err := g.src.Start(ctx); err != nil {
		unsub()
		return err
	}

	g.mu.Lock()
	g.unsubscribe = unsub
	g.mu.Unlock()

	g.logger.Info("gate started in listening mode", "timeout", g.timeout)
	return nil
}

// State returns the current gate position.
func (g *GatedSession) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Active reports whether the gate is open.
func (g *GatedSession) Active() bool { return g.State() == StateActive }

// LastActivity returns the last recorded activity time.
func (g *GatedSession) LastActivity() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastActivity
}

// Timeout returns the idle timeout.
func (g *GatedSession) Timeout() time.Duration { return g.timeout }

// RefreshActivity records activity. It has no effect while listening.
func (g *GatedSession) RefreshActivity() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateActive {
		g.lastActivity = time.Now()
	}
}

// HandleWakeWord applies one detection. While listening it opens the
// gate; while active it only refreshes activity.
func (g *GatedSession) HandleWakeWord(det Detection) {
	g.turn <- struct{}{}
	defer func() { <-g.turn }()

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if g.state == StateActive {
		g.lastActivity = time.Now()
		g.mu.Unlock()
		g.logger.Debug("wake word while active, activity refreshed", "label", det.Label)
		g.bus.Emit(events.SourceGate, events.KindWakeWord, map[string]any{
			"label":      det.Label,
			"confidence": det.Confidence,
			"refresh":    true,
		})
		return
	}

	g.state = StateActive
	g.lastActivity = time.Now()
	g.gen++
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.stopMonitor, g.monitorDone = cancel, done
	gen := g.gen
	handlers := slices.Clone(g.onActivate)
	g.mu.Unlock()

	go g.monitor(ctx, gen, done)

	g.logger.Info("gate activated", "label", det.Label, "confidence", det.Confidence)
	g.bus.Emit(events.SourceGate, events.KindWakeWord, map[string]any{
		"label":      det.Label,
		"confidence": det.Confidence,
		"refresh":    false,
	})
	g.bus.Emit(events.SourceGate, events.KindActivated, map[string]any{
		"label": det.Label,
	})
	for _, fn := range handlers {
		fn(det)
	}
}

// monitor watches one active period. It exits on cancellation, on a
// newer period, or after triggering deactivation.
func (g *GatedSession) monitor(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		current := g.state == StateActive && g.gen == gen
		idle := time.Since(g.lastActivity)
		g.mu.Unlock()

		if !current {
			return
		}
		if idle >= g.timeout && g.expire(ctx, gen) {
			return
		}
	}
}

// expire closes the gate if the period gen is still current and still
// idle. It reports whether the monitor is finished.
func (g *GatedSession) expire(ctx context.Context, gen uint64) bool {
	select {
	case g.turn <- struct{}{}:
	case <-ctx.Done():
		return true
	}
	defer func() { <-g.turn }()

	g.mu.Lock()
	if g.stopped || g.state != StateActive || g.gen != gen {
		g.mu.Unlock()
		return true
	}
	idle := time.Since(g.lastActivity)
	if idle < g.timeout {
		g.mu.Unlock()
		return false
	}

	g.state = StateListening
	// Detach this monitor so a handler calling Stop does not wait on the
	// goroutine that is running it.
	g.stopMonitor()
	g.stopMonitor, g.monitorDone = nil, nil
	handlers := slices.Clone(g.onDeactivate)
	g.mu.Unlock()

	g.src.Reset()

	g.logger.Info("gate timed out, listening", "idle", idle.Round(time.Millisecond))
	g.bus.Emit(events.SourceGate, events.KindDeactivated, map[string]any{
		"idle_ms": idle.Milliseconds(),
		"reason":  "timeout",
	})
	for _, fn := range handlers {
		fn()
	}
	return true
}

// Stop cancels any monitor, unsubscribes and stops the source. It is
// idempotent. An open gate is closed without running deactivate
// handlers.
func (g *GatedSession) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	wasActive := g.state == StateActive
	g.state = StateListening
	cancel, done := g.stopMonitor, g.monitorDone
	g.stopMonitor, g.monitorDone = nil, nil
	unsub := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if unsub != nil {
		unsub()
	}
	g.src.Stop()

	if wasActive {
		g.bus.Emit(events.SourceGate, events.KindDeactivated, map[string]any{
			"reason": "stopped",
		})
	}
	g.logger.Info("gate stopped")
}
