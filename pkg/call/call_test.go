package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicewire/go-widget/pkg/grant"
	"github.com/voicewire/go-widget/pkg/media"
	"github.com/voicewire/go-widget/pkg/protocol"
	"github.com/voicewire/go-widget/pkg/speech"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func transcriptPayload(t *testing.T, role protocol.Role, text string) []byte {
	t.Helper()
	payload, err := protocol.EncodeTranscript(role, text)
	if err != nil {
		t.Fatalf("EncodeTranscript: %v", err)
	}
	return payload
}

func grantHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"livekitUrl":     "wss://media.example.test",
			"livekitToken":   "jwt-abc",
			"roomName":       "room-1",
			"sessionId":      "sess-1",
			"welcomeMessage": "Welcome aboard!",
			"agentName":      "Ava",
		})
	}
}

// newTestCall wires a call machine against a stubbed grant backend and
// a scripted media session.
func newTestCall(t *testing.T, handler http.HandlerFunc, sess media.Session) *Call {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := discardLogger()
	cfg := Config{
		Grants:     grant.NewClient(srv.URL, srv.Client(), logger),
		EmbedToken: "embed-token",
		Detector:   speech.Config{Interval: 2 * time.Millisecond},
		Logger:     logger,
	}
	if sess != nil {
		cfg.NewSession = func(*grant.SessionGrant) media.Session { return sess }
	}
	return New(cfg)
}

func TestStart(t *testing.T) {
	t.Run("successful start reaches active with microphone live", func(t *testing.T) {
		mock := media.NewMock()
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}

		snap := c.Snapshot()
		if snap.Phase != PhaseActive {
			t.Fatalf("phase = %v, want active", snap.Phase)
		}
		if !mock.MicEnabled() {
			t.Error("microphone not enabled after start")
		}
		if snap.MicMuted {
			t.Error("new call should start unmuted")
		}
		if snap.CallID == "" {
			t.Error("missing call id")
		}
		if snap.AgentName != "Ava" {
			t.Errorf("agent name = %q, want grant value", snap.AgentName)
		}
		if snap.WelcomeMessage != "Welcome aboard!" {
			t.Errorf("welcome message = %q, want grant value", snap.WelcomeMessage)
		}
		if snap.Err != "" {
			t.Errorf("unexpected error message %q", snap.Err)
		}
	})

	t.Run("second start while active is rejected without side effects", func(t *testing.T) {
		mock := media.NewMock()
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		before := c.Snapshot()

		if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyInProgress) {
			t.Fatalf("second Start error = %v, want ErrAlreadyInProgress", err)
		}

		after := c.Snapshot()
		if after.Phase != PhaseActive || after.CallID != before.CallID {
			t.Errorf("live call disturbed: phase %v call %q", after.Phase, after.CallID)
		}
		if mock.CloseCalls != 0 {
			t.Errorf("session closed %d times by rejected start", mock.CloseCalls)
		}
	})

	t.Run("grant denial returns to welcome with a generic message", func(t *testing.T) {
		handler := func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":"token expired"}`)
		}
		c := newTestCall(t, handler, media.NewMock())

		err := c.Start(context.Background())
		var ge *grant.GrantError
		if !errors.As(err, &ge) {
			t.Fatalf("Start error = %v, want GrantError", err)
		}

		snap := c.Snapshot()
		if snap.Phase != PhaseWelcome {
			t.Fatalf("phase = %v, want welcome", snap.Phase)
		}
		if snap.Err != msgGrantDenied {
			t.Errorf("error message = %q, want %q", snap.Err, msgGrantDenied)
		}
	})

	t.Run("missing credential fails before any network call", func(t *testing.T) {
		var hits atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }

		srv := httptest.NewServer(http.HandlerFunc(handler))
		defer srv.Close()

		logger := discardLogger()
		c := New(Config{
			Grants:     grant.NewClient(srv.URL, srv.Client(), logger),
			EmbedToken: "",
			Detector:   speech.Config{Interval: 2 * time.Millisecond},
			Logger:     logger,
			NewSession: func(*grant.SessionGrant) media.Session { return media.NewMock() },
		})

		var mu sync.Mutex
		var observed []Phase
		c.OnUpdate(func(s Snapshot) {
			mu.Lock()
			observed = append(observed, s.Phase)
			mu.Unlock()
		})

		if err := c.Start(context.Background()); !errors.Is(err, grant.ErrMissingCredential) {
			t.Fatalf("Start error = %v, want ErrMissingCredential", err)
		}
		if n := hits.Load(); n != 0 {
			t.Errorf("backend hit %d times for empty credential", n)
		}
		snap := c.Snapshot()
		if snap.Phase != PhaseWelcome {
			t.Fatalf("phase = %v, want welcome", snap.Phase)
		}
		if snap.Err != msgMissingCredential {
			t.Errorf("error message = %q, want %q", snap.Err, msgMissingCredential)
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range observed {
			if p != PhaseWelcome {
				t.Errorf("observed phase %v, must never leave welcome", p)
			}
		}
	})

	t.Run("transport failure returns to welcome and closes the session", func(t *testing.T) {
		mock := media.NewMock()
		mock.ConnectFunc = func(context.Context) error {
			return &media.ConnectError{Reason: "dial failed"}
		}
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err == nil {
			t.Fatal("Start succeeded despite transport failure")
		}

		snap := c.Snapshot()
		if snap.Phase != PhaseWelcome {
			t.Fatalf("phase = %v, want welcome", snap.Phase)
		}
		if snap.Err != msgConnectFailed {
			t.Errorf("error message = %q, want %q", snap.Err, msgConnectFailed)
		}
		if mock.CloseCalls == 0 {
			t.Error("failed session was not closed")
		}
	})

	t.Run("microphone denial degrades without ending the call", func(t *testing.T) {
		mock := media.NewMock()
		mock.SetMicFunc = func(bool) error {
			return fmt.Errorf("%w: no capture device", media.ErrMicPermissionDenied)
		}
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}

		snap := c.Snapshot()
		if snap.Phase != PhaseActive {
			t.Fatalf("phase = %v, want active despite mic denial", snap.Phase)
		}
		if snap.Warning != msgMicUnavailable {
			t.Errorf("warning = %q, want %q", snap.Warning, msgMicUnavailable)
		}
	})
}

func TestEnd(t *testing.T) {
	t.Run("end moves to ended and keeps the transcript", func(t *testing.T) {
		mock := media.NewMock()
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		mock.SimulateData(transcriptPayload(t, protocol.RoleAgent, "hello there"))

		c.End()

		snap := c.Snapshot()
		if snap.Phase != PhaseEnded {
			t.Fatalf("phase = %v, want ended", snap.Phase)
		}
		if len(snap.Entries) != 1 || snap.Entries[0].Text != "hello there" {
			t.Errorf("transcript lost on end: %+v", snap.Entries)
		}
		if snap.Err != "" {
			t.Errorf("user-initiated end set error %q", snap.Err)
		}
		if mock.CloseCalls != 1 {
			t.Errorf("session closed %d times, want 1", mock.CloseCalls)
		}
	})

	t.Run("end is idempotent", func(t *testing.T) {
		mock := media.NewMock()
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		c.End()
		c.End()

		if got := c.Phase(); got != PhaseEnded {
			t.Fatalf("phase = %v, want ended", got)
		}
		if mock.CloseCalls != 1 {
			t.Errorf("session closed %d times, want 1", mock.CloseCalls)
		}
	})

	t.Run("end releases the detector context", func(t *testing.T) {
		mock := media.NewMock()
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		c.mu.Lock()
		armed := c.detCancel != nil
		c.mu.Unlock()
		if !armed {
			t.Fatal("no detector cancel registered while active")
		}

		c.End()

		c.mu.Lock()
		released := c.detCancel == nil
		c.mu.Unlock()
		if !released {
			t.Error("detector cancel still held after end")
		}
	})

	t.Run("remote disconnect releases the detector context", func(t *testing.T) {
		mock := media.NewMock()
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		mock.SimulateRemoteDisconnect("agent hang-up")

		c.mu.Lock()
		released := c.detCancel == nil
		c.mu.Unlock()
		if !released {
			t.Error("detector cancel still held after remote disconnect")
		}
	})

	t.Run("mutators fail after end without changing state", func(t *testing.T) {
		mock := media.NewMock()
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		c.End()

		if err := c.SendText("too late"); !errors.Is(err, media.ErrNotConnected) {
			t.Errorf("SendText error = %v, want ErrNotConnected", err)
		}
		if err := c.SetMuted(true); !errors.Is(err, media.ErrNotConnected) {
			t.Errorf("SetMuted error = %v, want ErrNotConnected", err)
		}
		if snap := c.Snapshot(); len(snap.Entries) != 0 || snap.MicMuted {
			t.Errorf("rejected mutators leaked state: %+v", snap)
		}
	})

	t.Run("end during a pending connect cancels the attempt", func(t *testing.T) {
		connecting := make(chan struct{})
		release := make(chan struct{})
		mock := media.NewMock()
		mock.ConnectFunc = func(context.Context) error {
			close(connecting)
			<-release
			return nil
		}
		c := newTestCall(t, grantHandler(t), mock)

		done := make(chan error, 1)
		go func() { done <- c.Start(context.Background()) }()

		<-connecting
		if got := c.Phase(); got != PhaseConnecting {
			t.Fatalf("phase = %v, want connecting", got)
		}
		c.End()
		close(release)

		if err := <-done; err != nil {
			t.Fatalf("cancelled Start returned %v, want nil", err)
		}
		snap := c.Snapshot()
		if snap.Phase != PhaseEnded {
			t.Fatalf("phase = %v, want ended after cancel", snap.Phase)
		}
		if snap.Err != "" {
			t.Errorf("cancelled attempt set error %q", snap.Err)
		}
		if mock.CloseCalls == 0 {
			t.Error("cancelled session was never closed")
		}
	})
}

func TestRemoteDisconnect(t *testing.T) {
	mock := media.NewMock()
	c := newTestCall(t, grantHandler(t), mock)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mock.SimulateData(transcriptPayload(t, protocol.RoleAgent, "goodbye"))

	mock.SimulateRemoteDisconnect("duration limit")

	snap := c.Snapshot()
	if snap.Phase != PhaseEnded {
		t.Fatalf("phase = %v, want ended", snap.Phase)
	}
	if snap.Err != "" {
		t.Errorf("remote hang-up set error %q, want none", snap.Err)
	}
	if len(snap.Entries) != 1 {
		t.Errorf("transcript lost on remote disconnect: %+v", snap.Entries)
	}
}

func TestRestart(t *testing.T) {
	t.Run("new call clears the previous transcript and error", func(t *testing.T) {
		first := media.NewMock()
		second := media.NewMock()
		sessions := []media.Session{first, second}

		srv := httptest.NewServer(grantHandler(t))
		defer srv.Close()

		logger := discardLogger()
		c := New(Config{
			Grants:     grant.NewClient(srv.URL, srv.Client(), logger),
			EmbedToken: "embed-token",
			Detector:   speech.Config{Interval: 2 * time.Millisecond},
			Logger:     logger,
			NewSession: func(*grant.SessionGrant) media.Session {
				s := sessions[0]
				sessions = sessions[1:]
				return s
			},
		})

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("first Start: %v", err)
		}
		first.SimulateData(transcriptPayload(t, protocol.RoleUser, "old call"))
		firstID := c.Snapshot().CallID
		c.End()

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("second Start: %v", err)
		}

		snap := c.Snapshot()
		if snap.Phase != PhaseActive {
			t.Fatalf("phase = %v, want active", snap.Phase)
		}
		if len(snap.Entries) != 0 {
			t.Errorf("restart kept old transcript: %+v", snap.Entries)
		}
		if snap.CallID == firstID || snap.CallID == "" {
			t.Errorf("restart reused call id %q", snap.CallID)
		}
	})

	t.Run("reset returns ended to welcome", func(t *testing.T) {
		mock := media.NewMock()
		c := newTestCall(t, grantHandler(t), mock)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		mock.SimulateData(transcriptPayload(t, protocol.RoleAgent, "bye"))
		c.End()

		if err := c.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}

		snap := c.Snapshot()
		if snap.Phase != PhaseWelcome {
			t.Fatalf("phase = %v, want welcome", snap.Phase)
		}
		if len(snap.Entries) != 0 || snap.CallID != "" || snap.Err != "" {
			t.Errorf("reset left state behind: %+v", snap)
		}
	})

	t.Run("reset is rejected while a call is live", func(t *testing.T) {
		c := newTestCall(t, grantHandler(t), media.NewMock())

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := c.Reset(); !errors.Is(err, ErrAlreadyInProgress) {
			t.Errorf("Reset error = %v, want ErrAlreadyInProgress", err)
		}
		if got := c.Phase(); got != PhaseActive {
			t.Errorf("phase = %v, want active", got)
		}
	})
}

func TestMute(t *testing.T) {
	mock := media.NewMock()
	c := newTestCall(t, grantHandler(t), mock)

	if err := c.SetMuted(true); !errors.Is(err, media.ErrNotConnected) {
		t.Fatalf("pre-start SetMuted error = %v, want ErrNotConnected", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.SetMuted(true); err != nil {
		t.Fatalf("SetMuted(true): %v", err)
	}
	if mock.MicEnabled() {
		t.Error("microphone still live after mute")
	}
	if !c.Snapshot().MicMuted {
		t.Error("snapshot does not report mute")
	}

	if err := c.SetMuted(false); err != nil {
		t.Fatalf("SetMuted(false): %v", err)
	}
	if !mock.MicEnabled() {
		t.Error("microphone dead after unmute")
	}
	if c.Snapshot().MicMuted {
		t.Error("snapshot still reports mute after unmute")
	}
}

func TestSendText(t *testing.T) {
	mock := media.NewMock()
	c := newTestCall(t, grantHandler(t), mock)

	if err := c.SendText("hello?"); !errors.Is(err, media.ErrNotConnected) {
		t.Fatalf("pre-start SendText error = %v, want ErrNotConnected", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.SendText("typed message"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	if len(mock.DataSent) != 1 {
		t.Fatalf("published %d payloads, want 1", len(mock.DataSent))
	}
	env, ok := protocol.Decode(mock.DataSent[0])
	if !ok || env.Type != protocol.TypeChatInput || env.Text != "typed message" {
		t.Errorf("published payload = %+v", env)
	}

	entries := c.Transcript()
	if len(entries) != 1 || entries[0].Role != protocol.RoleUser {
		t.Errorf("transcript after SendText: %+v", entries)
	}
}

func TestInboundData(t *testing.T) {
	mock := media.NewMock()
	c := newTestCall(t, grantHandler(t), mock)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mock.SimulateData(transcriptPayload(t, protocol.RoleAgent, "first"))
	mock.SimulateData([]byte("not even json"))
	mock.SimulateData(transcriptPayload(t, protocol.RoleUser, "second"))

	entries := c.Transcript()
	if len(entries) != 2 {
		t.Fatalf("transcript has %d entries, want 2", len(entries))
	}
	if entries[0].Text != "first" || entries[1].Text != "second" {
		t.Errorf("transcript out of order: %+v", entries)
	}
}

func TestSnapshotConsistency(t *testing.T) {
	mock := media.NewMock()
	c := newTestCall(t, grantHandler(t), mock)

	var mu sync.Mutex
	var phases []Phase
	c.OnUpdate(func(s Snapshot) {
		if s.AgentSpeaking && s.Phase != PhaseActive {
			t.Errorf("agent speaking reported in phase %v", s.Phase)
		}
		mu.Lock()
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mock.SimulateData(transcriptPayload(t, protocol.RoleAgent, "hi"))
	c.End()

	mu.Lock()
	defer mu.Unlock()
	want := []Phase{PhaseConnecting, PhaseActive, PhaseEnded}
	if len(phases) != len(want) {
		t.Fatalf("phase sequence = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phase sequence = %v, want %v", phases, want)
		}
	}
}
