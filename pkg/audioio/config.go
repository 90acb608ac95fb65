// Package audioio provides microphone capture for the widget's local
// publish path.
//
// Backends:
//   - capture: system recorder (arecord on Linux, sox on macOS)
//   - mock: synthetic audio for CI and tests, no hardware needed
//
// The backend is selected automatically, or explicitly via Config.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio capture backend.
type Backend string

const (
	// BackendAuto selects the best available backend for the platform.
	BackendAuto Backend = "auto"
	// BackendCapture uses the system recorder binary.
	BackendCapture Backend = "capture"
	// BackendMock uses a synthetic source for testing.
	BackendMock Backend = "mock"
)

// Config holds audio capture configuration.
type Config struct {
	// Backend specifies which capture backend to use.
	// Default: "auto".
	Backend Backend `json:"backend"`

	// SampleRate is the capture sample rate in Hz.
	// Default: 48000, the WebRTC Opus rate.
	SampleRate int `json:"sample_rate"`

	// Channels is the number of audio channels. Default: 1 (mono).
	Channels int `json:"channels"`

	// BufferDuration is the size of each captured chunk.
	// Default: 20ms, one Opus frame.
	BufferDuration time.Duration `json:"buffer_duration"`

	// Device is the platform-specific device identifier
	// (e.g. ALSA "plughw:1,0"). Empty means the system default.
	Device string `json:"device"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     48000,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	return nil
}

// BufferSize returns the number of samples per chunk per channel.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of one chunk in bytes (int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}
