package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/voicewire/go-widget/pkg/audioio"
)

const (
	// opusSampleRate is the WebRTC Opus clock rate.
	opusSampleRate = 48000

	// maxOpusFrameSamples fits one 120ms mono frame, the largest
	// Opus permits.
	maxOpusFrameSamples = 5760

	micFrameDuration = 20 * time.Millisecond
)

// LiveKitSession is the production Session: a WebRTC room connection
// through the LiveKit server SDK. The remote agent joins the same room,
// publishes its voice as an Opus track, and exchanges side-channel
// traffic as reliable data packets.
type LiveKitSession struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	room      *lksdk.Room
	connected atomic.Bool
	done      atomic.Bool // set at teardown; stops reader goroutines
	closed    bool

	// pendingData holds side-channel payloads delivered by the SDK
	// before the connected flag is set, so onConnected still precedes
	// every onData.
	pendingData [][]byte

	micSource  audioio.Source
	micOwned   bool // we created the source and must close it
	micPub     *lksdk.LocalTrackPublication
	micEnabled atomic.Bool
	micCancel  context.CancelFunc

	discOnce sync.Once

	onConnected    func()
	onDisconnected func(reason string)
	onAudio        func(pcm []byte)
	onData         func(payload []byte)
	onError        func(err error)
}

// NewLiveKitSession creates a session for the given grant-derived config.
func NewLiveKitSession(cfg Config) *LiveKitSession {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	return &LiveKitSession{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "media.livekit"),
	}
}

// OnConnected sets the connected callback.
func (s *LiveKitSession) OnConnected(fn func()) { s.onConnected = fn }

// OnDisconnected sets the terminal disconnect callback.
func (s *LiveKitSession) OnDisconnected(fn func(reason string)) { s.onDisconnected = fn }

// OnAudio sets the remote PCM frame callback.
func (s *LiveKitSession) OnAudio(fn func(pcm []byte)) { s.onAudio = fn }

// OnData sets the side-channel payload callback.
func (s *LiveKitSession) OnData(fn func(payload []byte)) { s.onData = fn }

// OnError sets the non-fatal error callback.
func (s *LiveKitSession) OnError(fn func(err error)) { s.onError = fn }

// Connect joins the room and blocks until the transport is live.
func (s *LiveKitSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.room != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	callback := &lksdk.RoomCallback{
		OnDisconnectedWithReason: func(reason lksdk.DisconnectionReason) {
			s.handleRemoteDisconnect(string(reason))
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: s.handleTrackSubscribed,
			OnDataPacket:      s.handleDataPacket,
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(
		s.cfg.ServerURL,
		s.cfg.Token,
		callback,
		lksdk.WithAutoSubscribe(true),
	)
	if err != nil {
		return &ConnectError{Reason: "room join failed", Cause: err}
	}

	s.mu.Lock()
	if s.closed {
		// Closed while the join was in flight; discard immediately.
		s.mu.Unlock()
		room.Disconnect()
		return ErrClosed
	}
	s.room = room
	s.mu.Unlock()
	s.connected.Store(true)

	s.logger.Info("media session connected",
		"room", room.Name(),
		"identity", s.cfg.Identity,
	)

	if s.onConnected != nil {
		s.onConnected()
	}
	s.flushPendingData()
	return nil
}

// flushPendingData delivers side-channel payloads that arrived while
// the join was still in flight.
func (s *LiveKitSession) flushPendingData() {
	for {
		s.mu.Lock()
		pending := s.pendingData
		s.pendingData = nil
		s.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, p := range pending {
			if s.onData != nil {
				s.onData(p)
			}
		}
	}
}

// IsConnected returns true while the room connection is live.
func (s *LiveKitSession) IsConnected() bool {
	return s.connected.Load()
}

// handleTrackSubscribed starts the decode loop for the agent's audio.
func (s *LiveKitSession) handleTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	s.logger.Debug("remote audio track subscribed",
		"participant", rp.Identity(),
		"track", pub.SID(),
	)
	go s.readRemoteAudio(track)
}

// remoteAudioTrack is the slice of *webrtc.TrackRemote the decode loop
// reads from.
type remoteAudioTrack interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// readRemoteAudio reads RTP from the agent track, decodes Opus to
// PCM16, and hands frames to the audio callback. The loop exits when
// the track ends or the session tears down. The SDK can subscribe the
// track before the connected flag is set; frames decoded in that
// window are skipped, and the loop keeps reading.
func (s *LiveKitSession) readRemoteAudio(track remoteAudioTrack) {
	dec, err := opus.NewDecoder(opusSampleRate, 1)
	if err != nil {
		s.reportError(fmt.Errorf("media: opus decoder: %w", err))
		return
	}
	pcm := make([]int16, maxOpusFrameSamples)

	for !s.done.Load() {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("remote track read ended", "error", err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			// Lost packets produce undecodable payloads; skip them.
			continue
		}
		if !s.connected.Load() {
			continue
		}
		if s.onAudio != nil {
			s.onAudio(audioio.SamplesToBytes(pcm[:n]))
		}
	}
}

// handleDataPacket forwards side-channel payloads. Payloads landing
// before the connected flag is set are held back and flushed right
// after onConnected.
func (s *LiveKitSession) handleDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	p, ok := data.(*lksdk.UserDataPacket)
	if !ok || s.done.Load() {
		return
	}
	if !s.connected.Load() {
		s.mu.Lock()
		s.pendingData = append(s.pendingData, p.Payload)
		s.mu.Unlock()
		return
	}
	if s.onData != nil {
		s.onData(p.Payload)
	}
}

// SetMicrophoneEnabled toggles the local microphone publish. The first
// enable creates the capture source and publishes the track; later
// calls mute and unmute the publication.
func (s *LiveKitSession) SetMicrophoneEnabled(enabled bool) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !enabled {
		s.micEnabled.Store(false)
		if s.micPub != nil {
			s.micPub.SetMuted(true)
		}
		return nil
	}

	if s.micPub != nil {
		s.micEnabled.Store(true)
		s.micPub.SetMuted(false)
		return nil
	}
	return s.startMicrophoneLocked()
}

// startMicrophoneLocked creates the capture source, publishes an Opus
// track, and starts the encode pump. Caller holds s.mu.
func (s *LiveKitSession) startMicrophoneLocked() error {
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

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  1,
	})
	if err != nil {
		cancel()
		source.Stop()
		return fmt.Errorf("media: create mic track: %w", err)
	}

	pub, err := s.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		cancel()
		source.Stop()
		return fmt.Errorf("media: publish mic track: %w", err)
	}

	s.micSource = source
	s.micPub = pub
	s.micCancel = cancel
	s.micEnabled.Store(true)

	go s.micPump(ctx, source, track)

	s.logger.Info("microphone publish started", "backend", source.Name())
	return nil
}

// micPump encodes captured chunks to Opus and writes them to the local
// track. Muted frames are skipped but capture keeps running so unmute
// is instant.
func (s *LiveKitSession) micPump(ctx context.Context, source audioio.Source, track *lksdk.LocalSampleTrack) {
	enc, err := opus.NewEncoder(opusSampleRate, 1, opus.AppVoIP)
	if err != nil {
		s.reportError(fmt.Errorf("media: opus encoder: %w", err))
		return
	}
	buf := make([]byte, 1500)

	for {
		chunk, err := source.Read(ctx)
		if err != nil {
			return
		}
		if !s.micEnabled.Load() {
			continue
		}

		samples := chunk.Samples
		if chunk.Channels == 2 {
			samples = audioio.StereoToMono(samples)
		}
		if chunk.SampleRate != opusSampleRate {
			samples = audioio.Resample(samples, chunk.SampleRate, opusSampleRate)
		}

		n, err := enc.Encode(samples, buf)
		if err != nil {
			s.logger.Debug("mic encode failed", "error", err)
			continue
		}

		if err := track.WriteSample(webrtcmedia.Sample{
			Data:     buf[:n],
			Duration: micFrameDuration,
		}, nil); err != nil {
			s.logger.Debug("mic write failed", "error", err)
		}
	}
}

// SendData publishes a payload on the session side-channel.
func (s *LiveKitSession) SendData(payload []byte) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return ErrNotConnected
	}

	return room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
	)
}

// handleRemoteDisconnect fires when the server ends the session
// (agent hang-up, duration cap) or the connection drops.
func (s *LiveKitSession) handleRemoteDisconnect(reason string) {
	s.teardown()
	s.fireDisconnected(reason)
}

// Close tears the session down. Idempotent; teardown failures are
// logged and swallowed.
func (s *LiveKitSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	room := s.room
	s.mu.Unlock()

	s.teardown()
	if room != nil {
		room.Disconnect()
		s.fireDisconnected("local close")
	}
	return nil
}

// teardown stops the microphone and marks the session dead. Safe to
// call from both local Close and the remote disconnect callback.
func (s *LiveKitSession) teardown() {
	s.done.Store(true)
	s.connected.Store(false)
	s.micEnabled.Store(false)

	s.mu.Lock()
	cancel := s.micCancel
	source := s.micSource
	owned := s.micOwned
	s.micCancel = nil
	s.micSource = nil
	s.micPub = nil
	s.pendingData = nil
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

func (s *LiveKitSession) fireDisconnected(reason string) {
	s.discOnce.Do(func() {
		s.logger.Info("media session disconnected", "reason", reason)
		if s.onDisconnected != nil {
			s.onDisconnected(reason)
		}
	})
}

func (s *LiveKitSession) reportError(err error) {
	s.logger.Warn("media session error", "error", err)
	if s.onError != nil {
		s.onError(err)
	}
}

var _ Session = (*LiveKitSession)(nil)
