// Package call orchestrates one widget call: grant exchange, media
// session lifecycle, speech activity, and transcript, exposed to the
// presentation layer as a single phase machine.
//
// Phases move welcome → connecting → active → ended, and back to
// welcome on restart. The Call exclusively owns the media session: it
// is the only component that creates, mutates, or tears one down, so
// there is a single teardown path and no double-disconnect races.
package call

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/voicewire/go-widget/pkg/grant"
	"github.com/voicewire/go-widget/pkg/media"
	"github.com/voicewire/go-widget/pkg/speech"
	"github.com/voicewire/go-widget/pkg/transcript"
)

// Phase is the coarse lifecycle state of one call attempt, distinct
// from the transport's fine-grained connection state.
type Phase int

const (
	// PhaseWelcome is the initial state; no session exists.
	PhaseWelcome Phase = iota
	// PhaseConnecting covers grant exchange and transport connect.
	PhaseConnecting
	// PhaseActive is a live conversation.
	PhaseActive
	// PhaseEnded is terminal for one call; the transcript stays
	// visible until restart.
	PhaseEnded
)

// String returns a human-readable phase.
func (p Phase) String() string {
	switch p {
	case PhaseWelcome:
		return "welcome"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ErrAlreadyInProgress indicates start was requested while a call is
// already connecting or active. It is not surfaced to the user.
var ErrAlreadyInProgress = errors.New("call: already in progress")

// User-visible failure messages. Credential material and backend
// detail never reach the user.
const (
	msgMissingCredential = "No embed token found in URL."
	msgGrantDenied       = "Could not start the call. Please try again."
	msgConnectFailed     = "Failed to start call."
	msgMicUnavailable    = "Microphone unavailable. The agent cannot hear you."
)

// SessionFactory builds the media session for a granted call attempt.
type SessionFactory func(g *grant.SessionGrant) media.Session

// Config holds call orchestration settings.
type Config struct {
	// Grants requests session grants from the backend.
	Grants *grant.Client

	// EmbedToken is the widget's embed credential.
	EmbedToken string

	// NewSession overrides the session construction; the default
	// builds a LiveKit session from the grant.
	NewSession SessionFactory

	// Detector tunes speech activity detection.
	Detector speech.Config

	// AgentName is the display name used until the grant provides one.
	AgentName string

	// WelcomeMessage is shown until the grant provides one.
	WelcomeMessage string

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// Snapshot is one consistent view of the call for the presentation
// layer. It is immutable; Entries is a copy.
type Snapshot struct {
	Phase          Phase              `json:"phase"`
	Entries        []transcript.Entry `json:"transcript"`
	AgentSpeaking  bool               `json:"agent_speaking"`
	MicMuted       bool               `json:"mic_muted"`
	Err            string             `json:"error,omitempty"`
	Warning        string             `json:"warning,omitempty"`
	AgentName      string             `json:"agent_name"`
	WelcomeMessage string             `json:"welcome_message"`
	CallID         string             `json:"call_id,omitempty"`
}

// Call is the session phase state machine for one widget instance.
type Call struct {
	cfg    Config
	logger *slog.Logger

	transcript *transcript.Transcript
	detector   *speech.Detector

	mu         sync.Mutex
	phase      Phase
	gen        uint64 // invalidates in-flight attempts on End/restart
	session    media.Session
	detCancel  context.CancelFunc // scopes the detector to the attempt
	micMuted   bool
	errMsg     string
	warning    string
	agentName  string
	welcomeMsg string
	callID     string
	onUpdate   func(Snapshot)
}

// New creates a call machine in the welcome phase.
func New(cfg Config) *Call {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "Voice Agent"
	}
	if cfg.WelcomeMessage == "" {
		cfg.WelcomeMessage = "Hi! Click the button below to start talking."
	}
	if cfg.Detector.Logger == nil {
		cfg.Detector.Logger = cfg.Logger
	}

	logger := cfg.Logger.With("component", "call")

	c := &Call{
		cfg:        cfg,
		logger:     logger,
		transcript: transcript.New(cfg.Logger),
		detector:   speech.NewDetector(cfg.Detector),
		phase:      PhaseWelcome,
		agentName:  cfg.AgentName,
		welcomeMsg: cfg.WelcomeMessage,
	}

	if c.cfg.NewSession == nil {
		c.cfg.NewSession = func(g *grant.SessionGrant) media.Session {
			mcfg := media.DefaultConfig()
			mcfg.ServerURL = g.ServerURL
			mcfg.Token = g.SessionToken
			mcfg.Logger = cfg.Logger
			return media.NewLiveKitSession(mcfg)
		}
	}

	c.transcript.OnAppend(func(transcript.Entry) { c.notify() })
	c.detector.OnChange(func(bool) { c.notify() })

	return c
}

// OnUpdate sets the callback fired after every observable transition.
// The snapshot passed to it is consistent; no state is observable
// mid-transition.
func (c *Call) OnUpdate(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// Snapshot returns a consistent view of the call.
func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Call) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:          c.phase,
		Entries:        c.transcript.Entries(),
		AgentSpeaking:  c.phase == PhaseActive && c.detector.Speaking(),
		MicMuted:       c.micMuted,
		Err:            c.errMsg,
		Warning:        c.warning,
		AgentName:      c.agentName,
		WelcomeMessage: c.welcomeMsg,
		CallID:         c.callID,
	}
}

func (c *Call) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Phase returns the current phase.
func (c *Call) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Start begins a call attempt: grant exchange, then transport connect.
//
// A second start while connecting or active returns
// ErrAlreadyInProgress without touching the live attempt. Any failure
// on the way up returns the phase to welcome with a user-visible error
// and leaves no session or transcript state behind.
func (c *Call) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseConnecting || c.phase == PhaseActive {
		c.mu.Unlock()
		return ErrAlreadyInProgress
	}
	if strings.TrimSpace(c.cfg.EmbedToken) == "" {
		// A missing credential never leaves welcome; observers must
		// not see a connecting flash.
		c.errMsg = msgMissingCredential
		c.mu.Unlock()
		c.notify()
		c.logger.Warn("call start refused", "error", grant.ErrMissingCredential)
		return grant.ErrMissingCredential
	}
	c.gen++
	myGen := c.gen
	c.phase = PhaseConnecting
	c.errMsg = ""
	c.warning = ""
	c.micMuted = false
	c.callID = uuid.NewString()
	c.transcript.Clear()
	logger := c.logger.With("call_id", c.callID)
	c.mu.Unlock()
	c.notify()

	logger.Info("starting call")

	g, err := c.cfg.Grants.RequestGrant(ctx, c.cfg.EmbedToken)
	if err != nil {
		c.failStart(myGen, err, logger)
		return err
	}

	sess := c.cfg.NewSession(g)
	sess.OnData(c.transcript.HandleData)
	sess.OnAudio(c.detector.Write)
	sess.OnConnected(func() { c.handleConnected(myGen, logger) })
	sess.OnDisconnected(func(reason string) { c.handleDisconnected(myGen, reason, logger) })
	sess.OnError(func(err error) { logger.Warn("session error", "error", err) })

	c.mu.Lock()
	if c.gen != myGen {
		// Ended while the grant was in flight; discard the attempt.
		c.mu.Unlock()
		sess.Close()
		return nil
	}
	if g.AgentName != "" {
		c.agentName = g.AgentName
	}
	if g.WelcomeMessage != "" {
		c.welcomeMsg = g.WelcomeMessage
	}
	c.session = sess
	c.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		c.mu.Lock()
		stale := c.gen != myGen
		if !stale {
			c.session = nil
		}
		c.mu.Unlock()
		sess.Close()
		if stale {
			return nil
		}
		c.failStart(myGen, err, logger)
		return err
	}

	// A connect that resolved after End must discard itself.
	c.mu.Lock()
	stale := c.gen != myGen
	c.mu.Unlock()
	if stale {
		sess.Close()
	}
	return nil
}

// failStart returns a failed attempt to welcome with a user-facing
// message, unless the attempt was already superseded.
func (c *Call) failStart(gen uint64, err error, logger *slog.Logger) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseWelcome
	c.session = nil
	c.errMsg = userFacingMessage(err)
	c.mu.Unlock()

	logger.Warn("call start failed", "error", err)
	c.notify()
}

func userFacingMessage(err error) string {
	var ge *grant.GrantError
	switch {
	case errors.Is(err, grant.ErrMissingCredential):
		return msgMissingCredential
	case errors.As(err, &ge):
		return msgGrantDenied
	default:
		return msgConnectFailed
	}
}

// handleConnected moves connecting → active: microphone on, detector
// sampling, transcript attached to the live side-channel.
func (c *Call) handleConnected(gen uint64, logger *slog.Logger) {
	c.mu.Lock()
	if c.gen != gen || c.phase != PhaseConnecting {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseActive
	sess := c.session
	detCtx, cancel := context.WithCancel(context.Background())
	c.detCancel = cancel
	c.mu.Unlock()

	c.transcript.Attach(sess)
	c.detector.Start(detCtx)

	if err := sess.SetMicrophoneEnabled(true); err != nil {
		// Degraded mode: the call continues, the agent hears silence.
		if errors.Is(err, media.ErrMicPermissionDenied) {
			c.mu.Lock()
			c.warning = msgMicUnavailable
			c.mu.Unlock()
		}
		logger.Warn("microphone enable failed", "error", err)
	}

	logger.Info("call active")
	c.notify()
}

// handleDisconnected moves to ended when the session terminates
// without a local End: agent hang-up, duration cap, network loss.
// The transcript stays visible; this is normal termination, no error
// is set.
func (c *Call) handleDisconnected(gen uint64, reason string, logger *slog.Logger) {
	c.mu.Lock()
	if c.gen != gen || (c.phase != PhaseConnecting && c.phase != PhaseActive) {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseEnded
	c.session = nil
	cancel := c.detCancel
	c.detCancel = nil
	c.mu.Unlock()

	c.transcript.Detach()
	if cancel != nil {
		cancel()
	}
	c.detector.Stop()

	logger.Info("call ended", "reason", reason)
	c.notify()
}

// End terminates the current attempt or active call. It is a no-op in
// welcome and ended. Ending while a connect is still pending cancels
// the attempt; a connect resolving afterwards discards itself.
func (c *Call) End() {
	c.mu.Lock()
	if c.phase != PhaseConnecting && c.phase != PhaseActive {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.phase = PhaseEnded
	sess := c.session
	c.session = nil
	cancel := c.detCancel
	c.detCancel = nil
	c.mu.Unlock()

	c.transcript.Detach()
	if cancel != nil {
		cancel()
	}
	c.detector.Stop()
	if sess != nil {
		sess.Close()
	}

	c.logger.Info("call ended by user")
	c.notify()
}

// Reset returns an ended call to welcome for a fresh start: transcript,
// flags, and retained references are cleared.
func (c *Call) Reset() error {
	c.mu.Lock()
	switch c.phase {
	case PhaseConnecting, PhaseActive:
		c.mu.Unlock()
		return ErrAlreadyInProgress
	case PhaseWelcome:
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseWelcome
	c.micMuted = false
	c.errMsg = ""
	c.warning = ""
	c.callID = ""
	c.transcript.Clear()
	c.mu.Unlock()

	c.notify()
	return nil
}

// SetMuted toggles the local microphone. Outside the active phase the
// call state is untouched and media.ErrNotConnected is returned.
func (c *Call) SetMuted(muted bool) error {
	c.mu.Lock()
	if c.phase != PhaseActive || c.session == nil {
		c.mu.Unlock()
		return media.ErrNotConnected
	}
	sess := c.session
	c.mu.Unlock()

	if err := sess.SetMicrophoneEnabled(!muted); err != nil {
		return err
	}

	c.mu.Lock()
	c.micMuted = muted
	c.mu.Unlock()
	c.notify()
	return nil
}

// SendText injects a user-typed message into the conversation. Outside
// the active phase it fails with media.ErrNotConnected and the typed
// text is untouched, so the caller can retry.
func (c *Call) SendText(text string) error {
	c.mu.Lock()
	if c.phase != PhaseActive {
		c.mu.Unlock()
		return media.ErrNotConnected
	}
	c.mu.Unlock()

	return c.transcript.SendText(text)
}

// Transcript exposes the call's transcript as a read-only view.
func (c *Call) Transcript() []transcript.Entry {
	return c.transcript.Entries()
}
