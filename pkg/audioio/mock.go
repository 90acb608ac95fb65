package audioio

import (
	"context"
	"io"
	"math"
	"sync"
	"time"
)

// MockSource generates synthetic audio for tests and CI.
// It produces a sine tone at the configured frequency, or silence
// when Frequency is 0.
type MockSource struct {
	cfg       Config
	Frequency float64 // Hz, 0 for silence
	Amplitude float64 // 0.0 - 1.0

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan AudioChunk
	stopCh   chan struct{}
	phase    float64
}

// NewMockSource creates a mock source with a 440 Hz tone.
func NewMockSource(cfg Config) *MockSource {
	return &MockSource{
		cfg:       cfg,
		Frequency: 440,
		Amplitude: 0.5,
	}
}

// Start begins generating audio chunks at real-time pace.
func (s *MockSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.streamCh = make(chan AudioChunk, 10)

	go s.generateLoop(ctx, s.stopCh, s.streamCh)
	return nil
}

// generateLoop owns out: it is the only closer, so Stop can never race
// a close against a pending send. Each Start spawns a loop bound to its
// own channels; the identity checks keep a stale loop from touching a
// newer run's state.
func (s *MockSource) generateLoop(ctx context.Context, stop chan struct{}, out chan<- AudioChunk) {
	ticker := time.NewTicker(s.cfg.BufferDuration)
	defer ticker.Stop()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.running && s.stopCh == stop {
				s.running = false
				close(s.stopCh)
			}
			s.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			chunk := s.nextChunk()
			select {
			case out <- chunk:
			default:
				// Consumer is behind; drop the chunk.
			}
		}
	}
}

func (s *MockSource) nextChunk() AudioChunk {
	n := s.cfg.BufferSize()
	samples := make([]int16, n*s.cfg.Channels)

	if s.Frequency > 0 {
		step := 2 * math.Pi * s.Frequency / float64(s.cfg.SampleRate)
		for i := 0; i < n; i++ {
			v := int16(s.Amplitude * 32767 * math.Sin(s.phase))
			for ch := 0; ch < s.cfg.Channels; ch++ {
				samples[i*s.cfg.Channels+ch] = v
			}
			s.phase += step
		}
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi * math.Floor(s.phase/(2*math.Pi))
		}
	}

	return AudioChunk{
		Samples:    samples,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	}
}

// Stop halts generation.
func (s *MockSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	// streamCh is closed by generateLoop on its way out.
	return nil
}

// Read reads the next chunk.
func (s *MockSource) Read(ctx context.Context) (AudioChunk, error) {
	s.mu.Lock()
	ch := s.streamCh
	s.mu.Unlock()

	if ch == nil {
		return AudioChunk{}, io.ErrClosedPipe
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
func (s *MockSource) Config() Config {
	return s.cfg
}

// Name returns "mock".
func (s *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (s *MockSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

var _ Source = (*MockSource)(nil)
