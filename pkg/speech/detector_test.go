package speech

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicewire/go-widget/pkg/audioio"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 2 * time.Millisecond
	return cfg
}

// loudFrame returns a PCM16 frame well above the detection threshold.
func loudFrame(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = 8000
		if i%2 == 1 {
			samples[i] = -8000
		}
	}
	return audioio.SamplesToBytes(samples)
}

func quietFrame(n int) []byte {
	return audioio.SamplesToBytes(make([]int16, n))
}

func waitForSpeaking(t *testing.T, d *Detector, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Speaking() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("speaking never became %v", want)
}

func TestDetector(t *testing.T) {
	t.Run("initially silent", func(t *testing.T) {
		d := NewDetector(testConfig())
		d.Start(context.Background())
		defer d.Stop()

		time.Sleep(20 * time.Millisecond)
		if d.Speaking() {
			t.Error("speaking should be false with no audio")
		}
	})

	t.Run("loud audio raises the signal, silence lowers it", func(t *testing.T) {
		d := NewDetector(testConfig())

		var edges atomic.Int32
		d.OnChange(func(speaking bool) { edges.Add(1) })

		d.Start(context.Background())
		defer d.Stop()

		d.Write(loudFrame(512))
		waitForSpeaking(t, d, true)

		d.Write(quietFrame(512))
		waitForSpeaking(t, d, false)

		if edges.Load() < 2 {
			t.Errorf("edges = %d, want at least 2", edges.Load())
		}
	})

	t.Run("window keeps only recent samples", func(t *testing.T) {
		d := NewDetector(testConfig())
		d.Start(context.Background())
		defer d.Stop()

		// Loud history fully displaced by a window of silence.
		d.Write(loudFrame(256))
		d.Write(quietFrame(256))
		waitForSpeaking(t, d, false)
	})

	t.Run("stop silences updates within a tick", func(t *testing.T) {
		d := NewDetector(testConfig())

		var updates atomic.Int32
		d.OnChange(func(bool) { updates.Add(1) })

		d.Start(context.Background())
		d.Write(loudFrame(512))
		waitForSpeaking(t, d, true)
		d.Stop()

		before := updates.Load()
		d.Write(loudFrame(512)) // dropped: detector is stopped
		time.Sleep(50 * time.Millisecond)

		if got := updates.Load(); got != before {
			t.Errorf("callback fired %d times after Stop", got-before)
		}
		if d.Speaking() {
			t.Error("speaking should reset to false on Stop")
		}
	})

	t.Run("context cancellation terminates the loop", func(t *testing.T) {
		d := NewDetector(testConfig())
		ctx, cancel := context.WithCancel(context.Background())

		d.Start(ctx)
		d.Write(loudFrame(512))
		waitForSpeaking(t, d, true)
		cancel()

		// The loop exits, but state remains readable.
		time.Sleep(20 * time.Millisecond)
		d.Stop()
	})

	t.Run("restart resets the window", func(t *testing.T) {
		d := NewDetector(testConfig())
		d.Start(context.Background())
		d.Write(loudFrame(512))
		waitForSpeaking(t, d, true)
		d.Stop()

		d.Start(context.Background())
		defer d.Stop()
		time.Sleep(20 * time.Millisecond)
		if d.Speaking() {
			t.Error("restarted detector should start silent")
		}
	})
}

func TestMeanMagnitude(t *testing.T) {
	d := NewDetector(DefaultConfig())
	d.running = true

	if got := d.meanMagnitudeLocked(); got != 0 {
		t.Errorf("empty window magnitude = %f, want 0", got)
	}

	d.Write(audioio.SamplesToBytes([]int16{16384, -16384}))
	got := d.meanMagnitudeLocked()
	if got < 0.49 || got > 0.51 {
		t.Errorf("magnitude = %f, want ~0.5", got)
	}
}
