package gateway

import (
	"context"
	"sync"

	"github.com/opencane/opencane/pkg/protocol"
)

// MockAdapter is an in-process transport for tests and the event-injection
// HTTP endpoint. Events are injected directly; sent commands are captured
// for inspection.
type MockAdapter struct {
	events chan *protocol.Envelope
	outbox int

	mu      sync.Mutex
	sent    []*protocol.Envelope
	audio   map[string][][]byte
	offline map[string]bool
	closed  bool
}

var _ Adapter = (*MockAdapter)(nil)

// NewMock builds a mock adapter. outboxSize bounds the captured-command
// backlog; 0 means the default.
func NewMock(outboxSize int) *MockAdapter {
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	return &MockAdapter{
		events:  make(chan *protocol.Envelope, defaultEventBuffer),
		outbox:  outboxSize,
		audio:   map[string][][]byte{},
		offline: map[string]bool{},
	}
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) Start(context.Context) error { return nil }

func (m *MockAdapter) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *MockAdapter) Events() <-chan *protocol.Envelope { return m.events }

// Inject feeds one event into the stream, as if it arrived on the wire.
func (m *MockAdapter) Inject(env *protocol.Envelope) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.events <- env
	return nil
}

func (m *MockAdapter) SendCommand(_ context.Context, env *protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.offline[env.DeviceID] {
		return ErrOffline
	}
	if len(m.sent) >= m.outbox {
		return ErrBackpressure
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *MockAdapter) SendAudio(_ context.Context, deviceID string, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	m.audio[deviceID] = append(m.audio[deviceID], buf)
	return nil
}

func (m *MockAdapter) Online(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && !m.offline[deviceID]
}

// SetOnline flips the simulated presence of a device.
func (m *MockAdapter) SetOnline(deviceID string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online {
		delete(m.offline, deviceID)
	} else {
		m.offline[deviceID] = true
	}
}

// Sent returns a copy of every captured command, in send order.
func (m *MockAdapter) Sent() []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the captured commands addressed to one device.
func (m *MockAdapter) SentTo(deviceID string) []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range m.sent {
		if env.DeviceID == deviceID {
			out = append(out, env)
		}
	}
	return out
}

// AudioFrames returns the captured downlink audio for one device.
func (m *MockAdapter) AudioFrames(deviceID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.audio[deviceID]...)
}

// Reset clears captured commands and audio.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.audio = map[string][][]byte{}
}
