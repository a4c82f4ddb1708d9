// Package wakeword spots wake words in a 16 kHz audio stream and gates
// the conversational pipeline on them. A Detector turns frames into
// detections; a GatedSession turns detections and an inactivity timeout
// into activate and deactivate transitions.
package wakeword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nugget/hark/internal/audio"
)

const (
	// FrameSize is the number of samples scored per inference pass,
	// 80 ms at 16 kHz.
	FrameSize = 1280

	DefaultThreshold = 0.5
	DefaultCooldown  = 2 * time.Second
)

// DefaultModel is the wake word loaded when none is configured.
const DefaultModel = "hey_jarvis_v0.1"

var (
	ErrAlreadyStarted = errors.New("wake word detector already started")
	ErrStopped        = errors.New("wake word detector stopped")
)

// Detection is one accepted wake word.
type Detection struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	Models []string

	// Threshold is the minimum accepted score. Nil means
	// DefaultThreshold; 0 accepts every scored frame.
	Threshold *float64

	Cooldown time.Duration
	Loader   ModelLoader
	Logger   *slog.Logger

	// Now overrides the clock used for cooldowns.
	Now func() time.Time
}

// Detector buffers audio into frames and scores each full frame. A
// label is accepted when its score reaches the threshold and the last
// accepted detection of any label is at least the cooldown ago.
//
// The lifecycle is one-shot: Start at most once, Stop any number of
// times.
type Detector struct {
	models []string
	loader ModelLoader
	logger *slog.Logger
	now    func() time.Time

	// life guards the lifecycle flags and the inference context, so Stop
	// can cancel an in-flight Predict without waiting for mu.
	life    sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	mu        sync.Mutex
	ctx       context.Context
	model     Model
	buf       []int16
	threshold float64
	cooldown  time.Duration
	last      time.Time

	subMu  sync.RWMutex
	subs   map[int]func(Detection)
	nextID int
}

// NewDetector returns a stopped detector.
func NewDetector(cfg DetectorConfig) *Detector {
	models := slices.Clone(cfg.Models)
	if len(models) == 0 {
		models = []string{DefaultModel}
	}
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger = logger.With("component", "wakeword")
	logger.Info("wake word detector configured",
		"models", models,
		"threshold", threshold,
		"cooldown", cooldown,
	)

	return &Detector{
		models:    models,
		loader:    cfg.Loader,
		logger:    logger,
		now:       now,
		threshold: min(max(threshold, 0), 1),
		cooldown:  cooldown,
		subs:      make(map[int]func(Detection)),
	}
}

// Start loads the models. A load failure is returned and the detector
// stays unusable; it cannot be started again.
func (d *Detector) Start(ctx context.Context) error {
	d.life.Lock()
	if d.started {
		d.life.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.life.Unlock()

	if d.loader == nil {
		return fmt.Errorf("load wake word model: no model loader configured")
	}
	model, err := d.loader.Load(ctx, d.models)
	if err != nil {
		d.logger.Error("wake word model load failed", "models", d.models, "error", err)
		return fmt.Errorf("load wake word model: %w", err)
	}

	d.life.Lock()
	defer d.life.Unlock()
	if d.stopped {
		model.Close()
		return ErrStopped
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.mu.Lock()
	d.ctx = runCtx
	d.model = model
	d.buf = make([]int16, 0, FrameSize*2)
	d.mu.Unlock()

	d.logger.Info("wake word detector started", "models", d.models)
	return nil
}

// Stop releases the model and buffered audio. An in-flight inference is
// cancelled and its result discarded.
func (d *Detector) Stop() {
	d.life.Lock()
	if d.stopped {
		d.life.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	d.life.Unlock()

	if cancel != nil {
		cancel()
	}

	d.mu.Lock()
	model := d.model
	d.model = nil
	d.buf = nil
	d.mu.Unlock()

	if model != nil {
		if err := model.Close(); err != nil {
			d.logger.Warn("error closing wake word model", "error", err)
		}
	}
	d.logger.Info("wake word detector stopped")
}

// Running reports whether frames are being scored.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model != nil
}

// Models returns the configured model names.
func (d *Detector) Models() []string { return slices.Clone(d.models) }

// Threshold returns the acceptance threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// SetThreshold sets the acceptance threshold, clamped to [0, 1].
func (d *Detector) SetThreshold(v float64) {
	v = min(max(v, 0), 1)
	d.mu.Lock()
	d.threshold = v
	d.mu.Unlock()
	d.logger.Info("wake word threshold set", "threshold", v)
}

// Subscribe registers fn for every accepted detection. fn runs on its
// own goroutine. The returned func removes the subscription.
func (d *Detector) Subscribe(fn func(Detection)) func() {
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Detector) dispatch(det Detection) {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	for _, fn := range d.subs {
		go fn(det)
	}
}

// ProcessFrame appends samples to the buffer and scores every complete
// frame. When a frame yields an accepted detection it is returned here
// and also delivered to subscribers. A stopped detector accepts nothing.
func (d *Detector) ProcessFrame(samples []int16) (Detection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.model == nil {
		return Detection{}, false
	}
	d.buf = append(d.buf, samples...)

	var (
		result Detection
		found  bool
	)
	for len(d.buf) >= FrameSize && d.model != nil {
		frame := slices.Clone(d.buf[:FrameSize])
		d.buf = append(d.buf[:0], d.buf[FrameSize:]...)

		scores, err := d.model.Predict(d.ctx, frame)
		if err != nil {
			if d.ctx.Err() != nil {
				return Detection{}, false
			}
			d.logger.Warn("wake word inference failed", "error", err)
			continue
		}

		now := d.now()
		for _, label := range slices.Sorted(maps.Keys(scores)) {
			conf := scores[label]
			if conf < d.threshold {
				continue
			}
			if !d.last.IsZero() && now.Sub(d.last) < d.cooldown {
				continue
			}
			d.last = now
			result = Detection{Label: label, Confidence: conf, At: now}
			found = true

			d.logger.Info("wake word detected", "label", label, "confidence", conf)
			d.dispatch(result)
		}
	}
	return result, found
}

// ProcessPCM16 decodes little-endian PCM16 bytes and processes them.
func (d *Detector) ProcessPCM16(data []byte) (Detection, bool) {
	return d.ProcessFrame(audio.DecodePCM16(data))
}

// ProcessFloat32 converts samples in [-1, 1] and processes them.
func (d *Detector) ProcessFloat32(samples []float32) (Detection, bool) {
	return d.ProcessFrame(audio.FloatToInt16(samples))
}

// Reset clears buffered audio and the model's state. It is safe to call
// in any state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf = d.buf[:0]
	if d.model == nil {
		return
	}
	if err := d.model.Reset(d.ctx); err != nil {
		d.logger.Warn("wake word model reset failed", "error", err)
	}
	d.logger.Debug("wake word detector reset")
}
