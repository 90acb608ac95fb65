// Package speech derives an "agent is speaking" signal from the remote
// audio stream by periodic energy analysis.
//
// The detector keeps a rolling window of the most recent PCM samples
// and evaluates the window's mean magnitude on a fixed cadence. There
// is no hysteresis: the signal is a plain threshold comparison, so it
// can flicker at energy levels near the threshold.
package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/go-widget/pkg/audioio"
)

// Defaults chosen for 48 kHz mono PCM16 input.
const (
	// DefaultWindowSize is the number of samples the energy average
	// covers, matching a 256-bin frequency analysis.
	DefaultWindowSize = 256

	// DefaultThreshold is the normalized mean magnitude above which
	// the stream counts as speech.
	DefaultThreshold = 0.05

	// DefaultInterval approximates a display refresh cadence.
	DefaultInterval = 16 * time.Millisecond
)

// Config holds detector tuning.
type Config struct {
	// WindowSize is the rolling analysis window in samples.
	WindowSize int

	// Threshold is the normalized magnitude cutoff (0.0 - 1.0).
	Threshold float64

	// Interval is the evaluation cadence.
	Interval time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with the reference tuning.
func DefaultConfig() Config {
	return Config{
		WindowSize: DefaultWindowSize,
		Threshold:  DefaultThreshold,
		Interval:   DefaultInterval,
	}
}

// Detector turns a PCM stream into a boolean speaking signal.
//
// Feed frames with Write as they arrive; the sampling loop started by
// Start evaluates the rolling window every interval and reports edges
// through the OnChange callback. The loop checks liveness on every
// tick and terminates within one tick of Stop or context cancellation.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	window   []int16
	speaking bool
	running  bool
	cancel   context.CancelFunc
	onChange func(speaking bool)
}

// NewDetector creates a detector with the given config.
func NewDetector(cfg Config) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Detector{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "speech"),
		window: make([]int16, 0, cfg.WindowSize),
	}
}

// OnChange sets the callback fired on speaking edges. Set it before
// Start; it is invoked from the sampling goroutine.
func (d *Detector) OnChange(fn func(speaking bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
}

// Write ingests a PCM16 frame into the rolling window. Frames arriving
// while the detector is stopped are dropped.
func (d *Detector) Write(pcm []byte) {
	samples := audioio.BytesToSamples(pcm)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}

	d.window = append(d.window, samples...)
	if n := len(d.window) - d.cfg.WindowSize; n > 0 {
		d.window = d.window[n:]
	}
}

// Start begins the sampling loop. Restarting a stopped detector is
// allowed and resets the window.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.window = d.window[:0]
	d.speaking = false
	d.mu.Unlock()

	go d.sampleLoop(loopCtx)
}

// Stop terminates the sampling loop and releases analysis state. After
// Stop returns, at most one further tick may be in flight; no
// callbacks fire once it observes the stopped state.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.window = d.window[:0]
	d.speaking = false
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Speaking returns the current signal.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// sampleLoop evaluates the window every interval. Liveness is checked
// on every tick so the loop ends within one tick of teardown.
func (d *Detector) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.evaluate() {
				return
			}
		}
	}
}

// evaluate recomputes the signal once. Returns false when the detector
// has been stopped.
func (d *Detector) evaluate() bool {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return false
	}

	speaking := d.meanMagnitudeLocked() > d.cfg.Threshold
	changed := speaking != d.speaking
	d.speaking = speaking
	fn := d.onChange
	d.mu.Unlock()

	if changed && fn != nil {
		fn(speaking)
	}
	return true
}

// meanMagnitudeLocked averages |sample| over the window, normalized to
// 0.0 - 1.0. An empty window is silence.
func (d *Detector) meanMagnitudeLocked() float64 {
	if len(d.window) == 0 {
		return 0
	}

	var sum float64
	for _, s := range d.window {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(len(d.window)) / 32768.0
}
