package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// CaptureSource records from the system microphone by running the
// platform recorder binary and reading raw PCM16 from its stdout.
// Linux uses arecord, macOS uses sox. A missing binary or refused
// device surfaces as a start error, which the media layer maps to
// degraded (mic-less) mode.
type CaptureSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	cmd      *exec.Cmd
	streamCh chan AudioChunk
}

// NewCaptureSource creates a system-recorder capture source.
func NewCaptureSource(cfg Config, logger *slog.Logger) *CaptureSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureSource{
		cfg:    cfg,
		logger: logger.With("component", "audioio.capture"),
	}
}

// recorderCommand builds the platform recorder invocation.
func (s *CaptureSource) recorderCommand(ctx context.Context) (*exec.Cmd, error) {
	rate := strconv.Itoa(s.cfg.SampleRate)
	ch := strconv.Itoa(s.cfg.Channels)

	switch runtime.GOOS {
	case "linux":
		args := []string{"-q", "-f", "S16_LE", "-r", rate, "-c", ch, "-t", "raw"}
		if s.cfg.Device != "" {
			args = append(args, "-D", s.cfg.Device)
		}
		return exec.CommandContext(ctx, "arecord", args...), nil
	case "darwin":
		return exec.CommandContext(ctx, "sox", "-d",
			"-b", "16", "-e", "signed-integer", "-L",
			"-r", rate, "-c", ch, "-t", "raw", "-"), nil
	default:
		return nil, fmt.Errorf("audioio: no capture backend for %s", runtime.GOOS)
	}
}

// Start launches the recorder and begins streaming chunks.
func (s *CaptureSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	cmd, err := s.recorderCommand(ctx)
	if err != nil {
		return err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audioio: recorder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audioio: recorder start: %w", err)
	}

	s.cmd = cmd
	s.running = true
	s.streamCh = make(chan AudioChunk, 10)

	go s.readLoop(stdout, s.streamCh)

	s.logger.Info("microphone capture started",
		"recorder", cmd.Path,
		"sample_rate", s.cfg.SampleRate,
	)

	return nil
}

// readLoop owns out: it is the only closer, so Stop can never race a
// close against a pending send. Stop kills the recorder, which fails
// the read and exits the loop. The identity checks keep a stale loop
// from touching a newer run's state after a restart.
func (s *CaptureSource) readLoop(r io.Reader, out chan AudioChunk) {
	defer close(out)
	buf := make([]byte, s.cfg.BufferBytes())

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			s.mu.Lock()
			if s.streamCh == out {
				s.running = false
			}
			s.mu.Unlock()
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				s.logger.Warn("capture read ended", "error", err)
			}
			return
		}

		chunk := AudioChunk{
			Samples:    BytesToSamples(buf),
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
		}

		s.mu.Lock()
		running := s.running && s.streamCh == out
		s.mu.Unlock()
		if !running {
			return
		}

		select {
		case out <- chunk:
		default:
			s.logger.Debug("capture buffer full, dropping chunk")
		}
	}
}

// Stop kills the recorder and halts streaming.
func (s *CaptureSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		go s.cmd.Wait() // reap without blocking Stop
		s.cmd = nil
	}
	// streamCh is closed by readLoop once the killed recorder's pipe
	// fails its read.

	s.logger.Info("microphone capture stopped")
	return nil
}

// Read reads the next captured chunk.
func (s *CaptureSource) Read(ctx context.Context) (AudioChunk, error) {
	s.mu.Lock()
	ch := s.streamCh
	s.mu.Unlock()

	if ch == nil {
		return AudioChunk{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-ch:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Config returns the capture configuration.
func (s *CaptureSource) Config() Config {
	return s.cfg
}

// Name returns "capture".
func (s *CaptureSource) Name() string {
	return "capture"
}

// Close releases resources.
func (s *CaptureSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

var _ Source = (*CaptureSource)(nil)

// NewSource creates a source for the configured backend.
// BackendAuto picks the system recorder when available, otherwise mock.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("audioio: invalid config: %w", err)
	}

	switch cfg.Backend {
	case BackendMock:
		return NewMockSource(cfg), nil
	case BackendCapture:
		return NewCaptureSource(cfg, logger), nil
	case BackendAuto, "":
		if recorderAvailable() {
			return NewCaptureSource(cfg, logger), nil
		}
		return nil, fmt.Errorf("audioio: no system recorder available")
	default:
		return nil, fmt.Errorf("audioio: unknown backend %q", cfg.Backend)
	}
}

func recorderAvailable() bool {
	var bin string
	switch runtime.GOOS {
	case "linux":
		bin = "arecord"
	case "darwin":
		bin = "sox"
	default:
		return false
	}
	_, err := exec.LookPath(bin)
	return err == nil
}
