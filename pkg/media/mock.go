package media

import (
	"context"
	"sync"
)

// Mock is a scripted Session implementation for testing.
// The zero value connects successfully; set the *Func fields to
// override behavior, and use the Simulate helpers to drive callbacks
// the way a live transport would.
type Mock struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	micEnabled bool
	discFired  bool

	onConnected    func()
	onDisconnected func(reason string)
	onAudio        func(pcm []byte)
	onData         func(payload []byte)
	onError        func(err error)

	// Configurable behavior
	ConnectFunc func(ctx context.Context) error
	SetMicFunc  func(enabled bool) error
	SendFunc    func(payload []byte) error

	// Captured calls for assertions
	DataSent   [][]byte
	MicToggles []bool
	CloseCalls int
}

// NewMock creates a mock session.
func NewMock() *Mock {
	return &Mock{}
}

// OnConnected implements Session.
func (m *Mock) OnConnected(fn func()) { m.onConnected = fn }

// OnDisconnected implements Session.
func (m *Mock) OnDisconnected(fn func(reason string)) { m.onDisconnected = fn }

// OnAudio implements Session.
func (m *Mock) OnAudio(fn func(pcm []byte)) { m.onAudio = fn }

// OnData implements Session.
func (m *Mock) OnData(fn func(payload []byte)) { m.onData = fn }

// OnError implements Session.
func (m *Mock) OnError(fn func(err error)) { m.onError = fn }

// Connect implements Session.
func (m *Mock) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.connected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.connected = true
	fn := m.onConnected
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// IsConnected implements Session.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetMicrophoneEnabled implements Session.
func (m *Mock) SetMicrophoneEnabled(enabled bool) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.MicToggles = append(m.MicToggles, enabled)
	m.mu.Unlock()

	if m.SetMicFunc != nil {
		return m.SetMicFunc(enabled)
	}

	m.mu.Lock()
	m.micEnabled = enabled
	m.mu.Unlock()
	return nil
}

// MicEnabled reports the last applied microphone state.
func (m *Mock) MicEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micEnabled
}

// SendData implements Session.
func (m *Mock) SendData(payload []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.DataSent = append(m.DataSent, cp)
	m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(payload)
	}
	return nil
}

// Close implements Session.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.CloseCalls++
	wasConnected := m.connected
	m.connected = false
	m.micEnabled = false
	m.mu.Unlock()

	if wasConnected {
		m.fireDisconnected("local close")
	}
	return nil
}

// SimulateAudio delivers a remote PCM frame to the audio callback.
func (m *Mock) SimulateAudio(pcm []byte) {
	m.mu.Lock()
	fn := m.onAudio
	connected := m.connected
	m.mu.Unlock()
	if connected && fn != nil {
		fn(pcm)
	}
}

// SimulateData delivers an inbound side-channel payload.
func (m *Mock) SimulateData(payload []byte) {
	m.mu.Lock()
	fn := m.onData
	connected := m.connected
	m.mu.Unlock()
	if connected && fn != nil {
		fn(payload)
	}
}

// SimulateRemoteDisconnect fires the terminal disconnect as the server
// would (agent hang-up, duration cap).
func (m *Mock) SimulateRemoteDisconnect(reason string) {
	m.mu.Lock()
	m.connected = false
	m.micEnabled = false
	m.mu.Unlock()
	m.fireDisconnected(reason)
}

func (m *Mock) fireDisconnected(reason string) {
	m.mu.Lock()
	if m.discFired {
		m.mu.Unlock()
		return
	}
	m.discFired = true
	fn := m.onDisconnected
	m.mu.Unlock()

	if fn != nil {
		fn(reason)
	}
}

var _ Session = (*Mock)(nil)
