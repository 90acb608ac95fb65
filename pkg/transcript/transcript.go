// Package transcript maintains the ordered, role-tagged text record of
// one call, fed by the session side-channel and by user-typed input.
//
// Entries are append-only for the lifetime of a call and cleared only
// when a new call starts. Ordering follows arrival: no reordering and
// no deduplication.
package transcript

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicewire/go-widget/pkg/media"
	"github.com/voicewire/go-widget/pkg/protocol"
)

// Entry is one immutable transcript line.
type Entry struct {
	Role      protocol.Role `json:"role"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
}

// Sender publishes payloads on the session side-channel.
// *media* sessions satisfy it.
type Sender interface {
	SendData(payload []byte) error
}

// Transcript is the append-only record of one call.
type Transcript struct {
	logger *slog.Logger

	mu       sync.Mutex
	entries  []Entry
	sender   Sender
	onAppend func(Entry)
}

// New creates an empty transcript.
func New(logger *slog.Logger) *Transcript {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcript{
		logger: logger.With("component", "transcript"),
	}
}

// OnAppend sets a callback fired after every appended entry. It is
// invoked with the lock released, in append order.
func (t *Transcript) OnAppend(fn func(Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAppend = fn
}

// Attach binds the transcript to a live session's side-channel.
func (t *Transcript) Attach(sender Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = sender
}

// Detach unbinds the side-channel; SendText fails until the next Attach.
func (t *Transcript) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = nil
}

// Entries returns a copy of the ordered transcript.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops all entries. Called only when a new call starts.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = t.entries[:0]
}

// HandleData consumes one inbound side-channel payload. Payloads that
// are not well-formed transcript messages are dropped silently; foreign
// traffic on the channel is expected.
func (t *Transcript) HandleData(payload []byte) {
	env, ok := protocol.Decode(payload)
	if !ok || env.Type != protocol.TypeTranscript {
		t.logger.Debug("side-channel payload ignored", "bytes", len(payload))
		return
	}
	t.append(env.Role, env.Text)
}

// SendText publishes a user-typed message.
//
// Whitespace-only text is a no-op. Without an attached session it fails
// with media.ErrNotConnected before any state changes, so the caller
// can keep the typed text for retry. Otherwise the user entry is
// appended optimistically and the chat_input envelope published.
func (t *Transcript) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	t.mu.Lock()
	sender := t.sender
	t.mu.Unlock()
	if sender == nil {
		return media.ErrNotConnected
	}

	payload, err := protocol.EncodeChatInput(text)
	if err != nil {
		return err
	}

	t.append(protocol.RoleUser, text)
	return sender.SendData(payload)
}

func (t *Transcript) append(role protocol.Role, text string) {
	entry := Entry{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	fn := t.onAppend
	t.mu.Unlock()

	if fn != nil {
		fn(entry)
	}
}
