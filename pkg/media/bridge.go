package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/go-widget/pkg/audioio"
)

// bridgeEnvelope is the media bridge framing. Audio rides in the same
// websocket as the side-channel, tagged with type "audio"; every other
// message is side-channel traffic and passes through untouched.
type bridgeEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"` // base64 PCM16 for audio frames
}

// BridgeSession is a Session carried over a websocket media bridge.
// Deployments that cannot run WebRTC (restrictive proxies, server-side
// embeds) point the grant's media endpoint at a bridge, which relays
// PCM frames and side-channel messages over a single socket.
type BridgeSession struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	closed    bool
	cancelCtx context.CancelFunc

	micSource  audioio.Source
	micOwned   bool
	micEnabled atomic.Bool
	micCancel  context.CancelFunc

	discOnce sync.Once

	onConnected    func()
	onDisconnected func(reason string)
	onAudio        func(pcm []byte)
	onData         func(payload []byte)
	onError        func(err error)
}

// NewBridgeSession creates a websocket bridge session.
func NewBridgeSession(cfg Config) *BridgeSession {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	return &BridgeSession{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "media.bridge"),
	}
}

// OnConnected sets the connected callback.
func (s *BridgeSession) OnConnected(fn func()) { s.onConnected = fn }

// OnDisconnected sets the terminal disconnect callback.
func (s *BridgeSession) OnDisconnected(fn func(reason string)) { s.onDisconnected = fn }

// OnAudio sets the remote PCM frame callback.
func (s *BridgeSession) OnAudio(fn func(pcm []byte)) { s.onAudio = fn }

// OnData sets the side-channel payload callback.
func (s *BridgeSession) OnData(fn func(payload []byte)) { s.onData = fn }

// OnError sets the non-fatal error callback.
func (s *BridgeSession) OnError(fn func(err error)) { s.onError = fn }

// Connect dials the bridge and starts the read loop.
func (s *BridgeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.cfg.Token)

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.DialTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.ServerURL, headers)
	if err != nil {
		if resp != nil {
			return &ConnectError{
				Reason: fmt.Sprintf("bridge dial failed with status %d", resp.StatusCode),
				Cause:  err,
			}
		}
		return &ConnectError{Reason: "bridge dial failed", Cause: err}
	}

	readCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.cancelCtx = cancel
	s.mu.Unlock()
	s.connected.Store(true)

	go s.readLoop(readCtx, conn)

	s.logger.Info("media bridge connected", "identity", s.cfg.Identity)

	if s.onConnected != nil {
		s.onConnected()
	}
	return nil
}

// IsConnected returns true while the bridge socket is live.
func (s *BridgeSession) IsConnected() bool {
	return s.connected.Load()
}

// readLoop dispatches inbound messages until the socket closes.
func (s *BridgeSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				// Remote-initiated close (agent hang-up, duration cap).
				s.teardown()
				s.fireDisconnected("remote close")
			}
			return
		}
		if !s.connected.Load() {
			return
		}

		var env bridgeEnvelope
		if json.Unmarshal(payload, &env) == nil && env.Type == "audio" {
			pcm, err := base64.StdEncoding.DecodeString(env.Data)
			if err != nil {
				s.logger.Debug("undecodable audio frame dropped")
				continue
			}
			if s.onAudio != nil {
				s.onAudio(pcm)
			}
			continue
		}

		// Everything else is side-channel traffic; the transcript
		// layer decides what it recognizes.
		if s.onData != nil {
			s.onData(payload)
		}
	}
}

// SetMicrophoneEnabled toggles the local microphone publish.
func (s *BridgeSession) SetMicrophoneEnabled(enabled bool) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !enabled {
		s.micEnabled.Store(false)
		return nil
	}
	if s.micSource != nil {
		s.micEnabled.Store(true)
		return nil
	}
	return s.startMicrophoneLocked()
}

func (s *BridgeSession) startMicrophoneLocked() error {
	source := s.cfg.Mic
	if source == nil {
		var err error
		source, err = audioio.NewSource(s.cfg.MicConfig, s.logger)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMicPermissionDenied, err)
		}
		s.micOwned = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := source.Start(ctx); err != nil {
		cancel()
		if s.micOwned {
			source.Close()
		}
		return fmt.Errorf("%w: %v", ErrMicPermissionDenied, err)
	}

	s.micSource = source
	s.micCancel = cancel
	s.micEnabled.Store(true)

	go s.micPump(ctx, source)

	s.logger.Info("microphone publish started", "backend", source.Name())
	return nil
}

// micPump relays captured chunks as audio envelopes. Muted frames are
// skipped but capture keeps running so unmute is instant.
func (s *BridgeSession) micPump(ctx context.Context, source audioio.Source) {
	for {
		chunk, err := source.Read(ctx)
		if err != nil {
			return
		}
		if !s.micEnabled.Load() || !s.connected.Load() {
			continue
		}

		samples := chunk.Samples
		if chunk.Channels == 2 {
			samples = audioio.StereoToMono(samples)
		}

		payload, err := json.Marshal(bridgeEnvelope{
			Type: "audio",
			Data: base64.StdEncoding.EncodeToString(audioio.SamplesToBytes(samples)),
		})
		if err != nil {
			continue
		}
		if err := s.writeMessage(payload); err != nil {
			s.logger.Debug("mic frame write failed", "error", err)
		}
	}
}

// SendData publishes a payload on the side-channel.
func (s *BridgeSession) SendData(payload []byte) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	return s.writeMessage(payload)
}

func (s *BridgeSession) writeMessage(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the session down. Idempotent; teardown failures are
// logged and swallowed.
func (s *BridgeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancelCtx
	s.mu.Unlock()

	s.teardown()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		conn.Close()
		s.fireDisconnected("local close")
	}
	return nil
}

func (s *BridgeSession) teardown() {
	s.connected.Store(false)
	s.micEnabled.Store(false)

	s.mu.Lock()
	cancel := s.micCancel
	source := s.micSource
	owned := s.micOwned
	s.micCancel = nil
	s.micSource = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if source != nil {
		if err := source.Stop(); err != nil {
			s.logger.Debug("mic stop failed", "error", err)
		}
		if owned {
			source.Close()
		}
	}
}

func (s *BridgeSession) fireDisconnected(reason string) {
	s.discOnce.Do(func() {
		s.logger.Info("media bridge disconnected", "reason", reason)
		if s.onDisconnected != nil {
			s.onDisconnected(reason)
		}
	})
}

var _ Session = (*BridgeSession)(nil)
