package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencane/opencane/pkg/mqtt"
	"github.com/opencane/opencane/pkg/profile"
	"github.com/opencane/opencane/pkg/protocol"
)

// MQTTOptions configures an MQTT adapter. Addr and Profile are required.
type MQTTOptions struct {
	Addr     string
	Profile  profile.Profile
	ClientID string
	Username string
	Password string

	OutboxSize  int // bounded outbound command queue, default 256
	EventBuffer int // inbound envelope buffer, default 256

	// PresenceWindow is how long after the last inbound message a device
	// still counts as online. Default 2x the profile keepalive.
	PresenceWindow time.Duration

	Logger *slog.Logger
}

type mqttOutbound struct {
	topic   string
	payload []byte
	qos     mqtt.QoS
}

// MQTTAdapter speaks the canonical protocol over a shared broker. Control
// runs on QoS 1, audio on QoS 0, topics and packet framing come from the
// modem profile. Presence is inferred from inbound traffic; MQTT gives no
// per-device connection signal.
type MQTTAdapter struct {
	name string
	opts MQTTOptions
	prof profile.Profile
	log  *slog.Logger

	events chan *protocol.Envelope
	outbox chan mqttOutbound
	done   chan struct{}
	wg     sync.WaitGroup

	dropped atomic.Int64

	// emitMu is held shared around every send on events. Stop takes it
	// exclusively to close the channel, after the broker connection is down,
	// so no handler callback can still be inside emit.
	emitMu       sync.RWMutex
	eventsClosed bool

	mu       sync.Mutex
	conn     *mqtt.Conn
	lastSeen map[string]time.Time
	closed   bool
}

var _ Adapter = (*MQTTAdapter)(nil)

// NewMQTT builds a generic MQTT adapter for the given modem profile.
func NewMQTT(opts MQTTOptions) *MQTTAdapter {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.PresenceWindow <= 0 {
		opts.PresenceWindow = 2 * opts.Profile.KeepAlive
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MQTTAdapter{
		name:     "generic_mqtt",
		opts:     opts,
		prof:     opts.Profile,
		log:      opts.Logger,
		events:   make(chan *protocol.Envelope, opts.EventBuffer),
		outbox:   make(chan mqttOutbound, opts.OutboxSize),
		done:     make(chan struct{}),
		lastSeen: map[string]time.Time{},
	}
}

// NewEC600 builds the legacy adapter for the EC600MCNLE modem. Same wire
// behavior as the generic adapter with the ec600mcnle_v1 profile pinned.
func NewEC600(opts MQTTOptions) (*MQTTAdapter, error) {
	p, err := profile.Resolve("ec600mcnle_v1", nil)
	if err != nil {
		return nil, err
	}
	opts.Profile = p
	a := NewMQTT(opts)
	a.name = "ec600_mqtt"
	return a, nil
}

func (a *MQTTAdapter) Name() string { return a.name }

// Start dials the broker, subscribes to the uplink topics, and launches the
// outbound writer.
func (a *MQTTAdapter) Start(ctx context.Context) error {
	mux := mqtt.NewServeMux()
	mux.Handle(profile.SubscriptionTopic(a.prof.UpControlTopic), a.handleControl)
	mux.Handle(profile.SubscriptionTopic(a.prof.UpAudioTopic), a.handleAudio)

	dialer := &mqtt.Dialer{
		ClientID:     a.opts.ClientID,
		Username:     a.opts.Username,
		Password:     a.opts.Password,
		KeepAlive:    a.prof.KeepAlive,
		ReconnectMin: a.prof.ReconnectMin,
		ReconnectMax: a.prof.ReconnectMax,
		Mux:          mux,
		Logger:       a.log,
	}
	conn, err := dialer.Dial(ctx, a.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", a.opts.Addr, err)
	}
	if err := conn.Subscribe(ctx, profile.SubscriptionTopic(a.prof.UpControlTopic), mqtt.QoS(a.prof.QoSControl)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("gateway: subscribe control: %w", err)
	}
	if err := conn.Subscribe(ctx, profile.SubscriptionTopic(a.prof.UpAudioTopic), mqtt.QoS(a.prof.QoSAudio)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("gateway: subscribe audio: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.wg.Add(1)
	go a.writer()
	a.log.Info("gateway: mqtt adapter started", "adapter", a.name, "profile", a.prof.Name, "addr", a.opts.Addr)
	return nil
}

func (a *MQTTAdapter) Stop(context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.mu.Unlock()

	close(a.done)
	a.wg.Wait()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	a.emitMu.Lock()
	a.eventsClosed = true
	close(a.events)
	a.emitMu.Unlock()
	return err
}

func (a *MQTTAdapter) Events() <-chan *protocol.Envelope { return a.events }

func (a *MQTTAdapter) handleControl(topic string, payload []byte) {
	deviceID := profile.DeviceIDFromTopic(a.prof.UpControlTopic, topic)
	a.touch(deviceID)
	env, err := protocol.Parse(payload, protocol.ParseOptions{DefaultDeviceID: deviceID})
	if err != nil {
		a.log.Warn("gateway: invalid control payload", "adapter", a.name, "device", deviceID, "error", err)
		a.emit(errorEvent(deviceID, err.Error(), err))
		return
	}
	a.emit(env)
}

func (a *MQTTAdapter) handleAudio(topic string, payload []byte) {
	deviceID := profile.DeviceIDFromTopic(a.prof.UpAudioTopic, topic)
	a.touch(deviceID)

	if a.prof.AudioMode == profile.AudioJSONBase64 {
		env, err := protocol.Parse(payload, protocol.ParseOptions{DefaultDeviceID: deviceID})
		if err != nil {
			a.log.Warn("gateway: invalid audio payload", "adapter", a.name, "device", deviceID, "error", err)
			a.emit(errorEvent(deviceID, err.Error(), protocol.ErrInvalidAudioFrame))
			return
		}
		a.emit(env)
		return
	}

	frame, err := protocol.DecodeAudioFrame(payload, a.prof.PacketMagic)
	if err != nil {
		a.log.Warn("gateway: invalid audio frame", "adapter", a.name, "device", deviceID, "error", err)
		a.emit(errorEvent(deviceID, err.Error(), err))
		return
	}
	a.emit(frameEvent(deviceID, frame))
}

// emit delivers without blocking the broker read loop; a full buffer drops
// the envelope and counts it.
func (a *MQTTAdapter) emit(env *protocol.Envelope) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	if a.eventsClosed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- env:
	default:
		a.dropped.Add(1)
		a.log.Warn("gateway: event buffer full, dropping", "adapter", a.name, "device", env.DeviceID, "type", env.Type)
	}
}

func (a *MQTTAdapter) touch(deviceID string) {
	if deviceID == "" {
		return
	}
	a.mu.Lock()
	a.lastSeen[deviceID] = time.Now()
	a.mu.Unlock()
}

func (a *MQTTAdapter) SendCommand(_ context.Context, env *protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("gateway: encode command: %w", err)
	}
	return a.enqueue(mqttOutbound{
		topic:   profile.RenderTopic(a.prof.DownControlTopic, env.DeviceID),
		payload: raw,
		qos:     mqtt.QoS(a.prof.QoSControl),
	})
}

func (a *MQTTAdapter) SendAudio(_ context.Context, deviceID string, frame []byte) error {
	if a.prof.AudioMode == profile.AudioJSONBase64 {
		// json_b64 modems take audio on the control channel as tts_chunk
		// payloads; the raw downlink audio topic is unused.
		raw, err := json.Marshal(map[string]any{"audio_frame": frame})
		if err != nil {
			return err
		}
		return a.enqueue(mqttOutbound{
			topic:   profile.RenderTopic(a.prof.DownAudioTopic, deviceID),
			payload: raw,
			qos:     mqtt.QoS(a.prof.QoSAudio),
		})
	}
	return a.enqueue(mqttOutbound{
		topic:   profile.RenderTopic(a.prof.DownAudioTopic, deviceID),
		payload: frame,
		qos:     mqtt.QoS(a.prof.QoSAudio),
	})
}

func (a *MQTTAdapter) enqueue(out mqttOutbound) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case a.outbox <- out:
		return nil
	default:
		return ErrBackpressure
	}
}

func (a *MQTTAdapter) writer() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case out := <-a.outbox:
			a.mu.Lock()
			conn := a.conn
			a.mu.Unlock()
			if conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := conn.Publish(ctx, out.topic, out.payload, out.qos); err != nil {
				a.log.Warn("gateway: publish failed", "adapter", a.name, "topic", out.topic, "error", err)
			}
			cancel()
		}
	}
}

func (a *MQTTAdapter) Online(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen, ok := a.lastSeen[deviceID]
	return ok && time.Since(seen) <= a.opts.PresenceWindow
}

// DroppedEvents reports inbound envelopes discarded because the event buffer
// was full.
func (a *MQTTAdapter) DroppedEvents() int64 { return a.dropped.Load() }
