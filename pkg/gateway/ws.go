package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencane/opencane/pkg/protocol"
)

// WebSocketOptions configures the WebSocket adapter.
type WebSocketOptions struct {
	// Magic is the framed-packet magic byte for binary audio messages.
	// Default [protocol.DefaultPacketMagic].
	Magic byte

	OutboxSize  int // per-device outbound queue, default 256
	EventBuffer int // inbound envelope buffer, default 256

	// CheckOrigin overrides the upgrade origin check. Default accepts all;
	// devices do not send browser origins.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

type wsMessage struct {
	messageType int
	payload     []byte
}

type wsConn struct {
	ws   *websocket.Conn
	send chan wsMessage
	done chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// WebSocketAdapter accepts device connections over HTTP upgrade. Each device
// holds at most one connection; a newer connection for the same device id
// replaces the old one. Text frames carry control envelopes, binary frames
// carry framed audio packets.
type WebSocketAdapter struct {
	opts  WebSocketOptions
	log   *slog.Logger
	magic byte

	upgrader websocket.Upgrader
	events   chan *protocol.Envelope
	dropped  atomic.Int64

	mu      sync.Mutex
	conns   map[string]*wsConn
	closed  bool
	readers sync.WaitGroup
}

var _ Adapter = (*WebSocketAdapter)(nil)
var _ http.Handler = (*WebSocketAdapter)(nil)

// NewWebSocket builds the adapter. Mount it as an HTTP handler; the device
// identifies itself with a device_id query parameter or X-Device-ID header.
func NewWebSocket(opts WebSocketOptions) *WebSocketAdapter {
	if opts.Magic == 0 {
		opts.Magic = protocol.DefaultPacketMagic
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketAdapter{
		opts:  opts,
		log:   opts.Logger,
		magic: opts.Magic,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		events: make(chan *protocol.Envelope, opts.EventBuffer),
		conns:  map[string]*wsConn{},
	}
}

func (a *WebSocketAdapter) Name() string { return "websocket" }

func (a *WebSocketAdapter) Start(context.Context) error { return nil }

func (a *WebSocketAdapter) Stop(context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conns := a.conns
	a.conns = map[string]*wsConn{}
	a.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	// Read loops may still be delivering into events; wait them out before
	// the channel closes.
	a.readers.Wait()
	close(a.events)
	return nil
}

func (a *WebSocketAdapter) Events() <-chan *protocol.Envelope { return a.events }

// ServeHTTP upgrades the request and runs the device's read loop until the
// connection drops.
func (a *WebSocketAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-ID")
	}
	if deviceID == "" {
		http.Error(w, "missing device_id", http.StatusBadRequest)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("gateway: websocket upgrade failed", "device", deviceID, "error", err)
		return
	}
	conn := &wsConn{
		ws:   ws,
		send: make(chan wsMessage, a.opts.OutboxSize),
		done: make(chan struct{}),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.close()
		return
	}
	if old, ok := a.conns[deviceID]; ok {
		old.close()
	}
	a.conns[deviceID] = conn
	a.readers.Add(1)
	a.mu.Unlock()

	a.log.Info("gateway: device connected", "adapter", a.Name(), "device", deviceID)
	go a.writeLoop(deviceID, conn)
	a.readLoop(deviceID, conn)
	a.readers.Done()

	a.mu.Lock()
	if a.conns[deviceID] == conn {
		delete(a.conns, deviceID)
	}
	a.mu.Unlock()
	conn.close()
	a.log.Info("gateway: device disconnected", "adapter", a.Name(), "device", deviceID)
}

func (a *WebSocketAdapter) readLoop(deviceID string, conn *wsConn) {
	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage:
			env, err := protocol.Parse(data, protocol.ParseOptions{DefaultDeviceID: deviceID})
			if err != nil {
				a.log.Warn("gateway: invalid control payload", "device", deviceID, "error", err)
				a.emit(errorEvent(deviceID, err.Error(), err))
				continue
			}
			a.emit(env)
		case websocket.BinaryMessage:
			frame, err := protocol.DecodeAudioFrame(data, a.magic)
			if err != nil {
				a.log.Warn("gateway: invalid audio frame", "device", deviceID, "error", err)
				a.emit(errorEvent(deviceID, err.Error(), err))
				continue
			}
			a.emit(frameEvent(deviceID, frame))
		}
	}
}

func (a *WebSocketAdapter) writeLoop(deviceID string, conn *wsConn) {
	for {
		select {
		case <-conn.done:
			return
		case msg := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ws.WriteMessage(msg.messageType, msg.payload); err != nil {
				a.log.Warn("gateway: write failed", "device", deviceID, "error", err)
				conn.close()
				return
			}
		}
	}
}

func (a *WebSocketAdapter) emit(env *protocol.Envelope) {
	select {
	case a.events <- env:
	default:
		a.dropped.Add(1)
		a.log.Warn("gateway: event buffer full, dropping", "device", env.DeviceID, "type", env.Type)
	}
}

func (a *WebSocketAdapter) SendCommand(_ context.Context, env *protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return a.push(env.DeviceID, wsMessage{messageType: websocket.TextMessage, payload: raw})
}

func (a *WebSocketAdapter) SendAudio(_ context.Context, deviceID string, frame []byte) error {
	return a.push(deviceID, wsMessage{messageType: websocket.BinaryMessage, payload: frame})
}

func (a *WebSocketAdapter) push(deviceID string, msg wsMessage) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	conn, ok := a.conns[deviceID]
	a.mu.Unlock()
	if !ok {
		return ErrOffline
	}
	select {
	case conn.send <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

func (a *WebSocketAdapter) Online(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.conns[deviceID]
	return ok && !a.closed
}

// DroppedEvents reports inbound envelopes discarded because the event buffer
// was full.
func (a *WebSocketAdapter) DroppedEvents() int64 { return a.dropped.Load() }
