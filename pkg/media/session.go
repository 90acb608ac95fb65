// Package media manages the live audio session between one widget
// instance and the remote conversational agent.
//
// A Session carries two streams: the agent's audio (delivered as
// decoded PCM16 frames) and a JSON side-channel used for transcript and
// chat-input exchange. Exactly one Session exists per call attempt; the
// owning state machine creates it on connect and tears it down on end.
//
// Implementations:
//   - LiveKitSession: WebRTC room via the LiveKit server SDK
//   - BridgeSession: websocket media bridge for WebRTC-less deployments
//   - Mock: scripted session for tests
//
// Callback ordering is part of the contract: the connected callback
// fires exactly once and before any audio or data callback; the
// disconnected callback fires exactly once and is terminal, whether the
// disconnect was local or remote-initiated.
package media

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicewire/go-widget/pkg/audioio"
)

// Session is a live media session with the remote agent.
//
// Set all callbacks before calling Connect; they must not be changed
// while the session is live.
type Session interface {
	// Connect establishes the session, blocking until the transport
	// reports connected or failed. On failure no session resources
	// remain.
	Connect(ctx context.Context) error

	// Close tears the session down unconditionally. It is idempotent
	// and always succeeds from the caller's point of view; network
	// teardown failures are logged, never returned.
	Close() error

	// IsConnected returns true while the session is live.
	IsConnected() bool

	// SetMicrophoneEnabled toggles the local microphone publish.
	// Returns ErrNotConnected when no session is live, and
	// ErrMicPermissionDenied when the capture device is unavailable;
	// the session itself stays connected in that case.
	SetMicrophoneEnabled(enabled bool) error

	// SendData publishes a payload on the side-channel.
	SendData(payload []byte) error

	// OnConnected sets the callback fired once the session is live.
	OnConnected(fn func())

	// OnDisconnected sets the terminal callback, fired exactly once
	// for both local and remote-initiated disconnects.
	OnDisconnected(fn func(reason string))

	// OnAudio sets the callback for decoded remote PCM16 frames.
	OnAudio(fn func(pcm []byte))

	// OnData sets the callback for inbound side-channel payloads.
	OnData(fn func(payload []byte))

	// OnError sets the callback for non-fatal session errors.
	OnError(fn func(err error))
}

// Config holds settings shared by session implementations.
type Config struct {
	// ServerURL is the media endpoint from the session grant.
	ServerURL string

	// Token is the single-use media session credential.
	Token string

	// Identity names the local participant.
	Identity string

	// Mic supplies microphone audio. Nil means a system capture
	// source is created on first microphone enable.
	Mic audioio.Source

	// MicConfig configures the capture source created when Mic is nil.
	MicConfig audioio.Config

	// DialTimeout bounds the transport handshake.
	DialTimeout time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Identity:    "widget-visitor",
		MicConfig:   audioio.DefaultConfig(),
		DialTimeout: 15 * time.Second,
		Logger:      slog.Default(),
	}
}
