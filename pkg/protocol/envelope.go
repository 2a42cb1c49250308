// Package protocol defines the canonical message envelope exchanged between
// devices and the runtime, together with the framed binary audio packet used
// by modems that stream audio outside of JSON.
//
// Adapters normalize every modem dialect into [Envelope] values; the runtime
// never sees transport-specific payload shapes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the canonical protocol version emitted by this runtime.
const Version = "0.1"

// Sentinel errors for boundary parsing. Both are recoverable: the frame is
// dropped and the session continues.
var (
	ErrInvalidControlPayload = errors.New("protocol: invalid control payload")
	ErrInvalidAudioFrame     = errors.New("protocol: invalid audio frame")
)

// EventType identifies a device-to-server event.
type EventType string

const (
	EventHello       EventType = "hello"
	EventHeartbeat   EventType = "heartbeat"
	EventListenStart EventType = "listen_start"
	EventAudioChunk  EventType = "audio_chunk"
	EventListenStop  EventType = "listen_stop"
	EventAbort       EventType = "abort"
	EventImageReady  EventType = "image_ready"
	EventTelemetry   EventType = "telemetry"
	EventToolResult  EventType = "tool_result"
	EventError       EventType = "error"
)

// CommandType identifies a server-to-device command.
type CommandType string

const (
	CommandHelloAck   CommandType = "hello_ack"
	CommandAck        CommandType = "ack"
	CommandSTTPartial CommandType = "stt_partial"
	CommandSTTFinal   CommandType = "stt_final"
	CommandTTSStart   CommandType = "tts_start"
	CommandTTSChunk   CommandType = "tts_chunk"
	CommandTTSStop    CommandType = "tts_stop"
	CommandTaskUpdate CommandType = "task_update"
	CommandToolCall   CommandType = "tool_call"
	CommandSetConfig  CommandType = "set_config"
	CommandOTAPlan    CommandType = "ota_plan"
	CommandClose      CommandType = "close"
)

var eventTypes = map[EventType]bool{
	EventHello:       true,
	EventHeartbeat:   true,
	EventListenStart: true,
	EventAudioChunk:  true,
	EventListenStop:  true,
	EventAbort:       true,
	EventImageReady:  true,
	EventTelemetry:   true,
	EventToolResult:  true,
	EventError:       true,
}

var commandTypes = map[CommandType]bool{
	CommandHelloAck:   true,
	CommandAck:        true,
	CommandSTTPartial: true,
	CommandSTTFinal:   true,
	CommandTTSStart:   true,
	CommandTTSChunk:   true,
	CommandTTSStop:    true,
	CommandTaskUpdate: true,
	CommandToolCall:   true,
	CommandSetConfig:  true,
	CommandOTAPlan:    true,
	CommandClose:      true,
}

// IsEventType reports whether name is a known device event type.
func IsEventType(name string) bool { return eventTypes[EventType(name)] }

// IsCommandType reports whether name is a known server command type.
func IsCommandType(name string) bool { return commandTypes[CommandType(name)] }

// Payload is the structured body of an envelope. Values are parsed on the
// boundary; handlers use the typed accessors rather than raw map lookups.
type Payload map[string]any

// String returns the string value for key, or "" when absent.
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value for key, accepting JSON numbers and numeric
// strings. Returns def when absent or unparseable.
func (p Payload) Int(key string, def int64) int64 {
	if p == nil {
		return def
	}
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// Float returns the float value for key, or def.
func (p Payload) Float(key string, def float64) float64 {
	if p == nil {
		return def
	}
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the boolean value for key, accepting bool and common string
// spellings. Returns def when absent.
func (p Payload) Bool(key string, def bool) bool {
	if p == nil {
		return def
	}
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		switch v {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	case float64:
		return v != 0
	}
	return def
}

// Map returns the nested map for key, or nil.
func (p Payload) Map(key string) Payload {
	if p == nil {
		return nil
	}
	if m, ok := p[key].(map[string]any); ok {
		return Payload(m)
	}
	return nil
}

// Envelope is the canonical message shape. One Envelope carries exactly one
// device event or one server command; Type decides which.
type Envelope struct {
	Version   string  `json:"version"`
	MsgID     string  `json:"msg_id"`
	DeviceID  string  `json:"device_id"`
	SessionID string  `json:"session_id,omitempty"`
	Seq       int64   `json:"seq"`
	TS        int64   `json:"ts"`
	Type      string  `json:"type"`
	Payload   Payload `json:"payload"`
}

// NewEvent builds a device event envelope with generated msg_id and current
// timestamp. seq < 0 means the source carries no sequence number.
func NewEvent(t EventType, deviceID, sessionID string, seq int64, payload Payload) *Envelope {
	if payload == nil {
		payload = Payload{}
	}
	return &Envelope{
		Version:   Version,
		MsgID:     uuid.NewString(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       seq,
		TS:        time.Now().UnixMilli(),
		Type:      string(t),
		Payload:   payload,
	}
}

// NewCommand builds a server command envelope.
func NewCommand(t CommandType, deviceID, sessionID string, seq int64, payload Payload) *Envelope {
	if payload == nil {
		payload = Payload{}
	}
	return &Envelope{
		Version:   Version,
		MsgID:     uuid.NewString(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       seq,
		TS:        time.Now().UnixMilli(),
		Type:      string(t),
		Payload:   payload,
	}
}

// ParseOptions supply defaults when the wire payload omits identity fields.
type ParseOptions struct {
	DefaultDeviceID  string
	DefaultSessionID string
}

// Parse decodes raw JSON into an Envelope, filling defaults for missing
// fields. A missing device_id (with no default) or an unknown type yields
// ErrInvalidControlPayload.
func Parse(raw []byte, opts ParseOptions) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControlPayload, err)
	}
	return Normalize(&env, opts)
}

// Normalize applies defaults and validates a decoded envelope in place.
func Normalize(env *Envelope, opts ParseOptions) (*Envelope, error) {
	if env.DeviceID == "" {
		env.DeviceID = opts.DefaultDeviceID
	}
	if env.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device_id", ErrInvalidControlPayload)
	}
	if env.SessionID == "" {
		env.SessionID = opts.DefaultSessionID
	}
	if env.Type == "" || (!IsEventType(env.Type) && !IsCommandType(env.Type)) {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidControlPayload, env.Type)
	}
	if env.Version == "" {
		env.Version = Version
	}
	if env.MsgID == "" {
		env.MsgID = uuid.NewString()
	}
	if env.TS == 0 {
		env.TS = time.Now().UnixMilli()
	}
	if env.Payload == nil {
		env.Payload = Payload{}
	}
	return env, nil
}

// Encode serializes the envelope to its wire JSON form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// EventType returns the typed event name, or "" when the envelope carries a
// command.
func (e *Envelope) EventType() EventType {
	if eventTypes[EventType(e.Type)] {
		return EventType(e.Type)
	}
	return ""
}

// CommandType returns the typed command name, or "" when the envelope carries
// an event.
func (e *Envelope) CommandType() CommandType {
	if commandTypes[CommandType(e.Type)] {
		return CommandType(e.Type)
	}
	return ""
}

// TraceID returns the trace id carried in the payload, falling back to the
// message id so every event has a stable correlation key.
func (e *Envelope) TraceID() string {
	if t := e.Payload.String("trace_id"); t != "" {
		return t
	}
	return e.MsgID
}

// LastRecvSeq extracts the device-declared last received sequence from a
// hello payload. Returns -1 when absent. Devices may nest it under "resume".
func (e *Envelope) LastRecvSeq() int64 {
	if _, ok := e.Payload["last_recv_seq"]; ok {
		return e.Payload.Int("last_recv_seq", -1)
	}
	if resume := e.Payload.Map("resume"); resume != nil {
		if _, ok := resume["last_recv_seq"]; ok {
			return resume.Int("last_recv_seq", -1)
		}
	}
	return -1
}
