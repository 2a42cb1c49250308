// Package gateway adapts concrete device transports to the canonical
// envelope stream the runtime consumes. An adapter owns the wire: it parses
// inbound bytes into events, serializes outbound commands, and reports
// device presence. Duplicate filtering and session state are not its job.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/opencane/opencane/pkg/protocol"
)

var (
	// ErrBackpressure means the adapter's bounded output queue is full. The
	// command stays in the session's pending buffer for replay.
	ErrBackpressure = errors.New("gateway: transport backpressure")

	// ErrOffline means the device has no live connection on this adapter.
	ErrOffline = errors.New("gateway: device offline")

	// ErrClosed means the adapter has been stopped.
	ErrClosed = errors.New("gateway: adapter closed")
)

// Adapter is one device transport. Start must be called before any other
// method; Stop makes the adapter unusable. Events returns an unbounded-lived
// stream closed only by Stop.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Events is the inbound envelope stream. Malformed frames surface as
	// error-type envelopes, never silent drops.
	Events() <-chan *protocol.Envelope

	// SendCommand enqueues an outbound command without blocking. Fails with
	// ErrBackpressure when the output queue is full and ErrOffline when the
	// device has no connection the adapter can route to.
	SendCommand(ctx context.Context, env *protocol.Envelope) error

	// SendAudio ships one framed audio packet downstream, best effort.
	SendAudio(ctx context.Context, deviceID string, frame []byte) error

	// Online reports the transport's view of device presence.
	Online(deviceID string) bool
}

const (
	defaultOutboxSize  = 256
	defaultEventBuffer = 256
)

// frameEvent converts a decoded framed audio packet into a canonical
// audio_chunk event. The reserved header bytes ride along in the payload so
// telemetry can surface firmware quirks instead of the parser rejecting them.
func frameEvent(deviceID string, frame *protocol.AudioFrame) *protocol.Envelope {
	return protocol.NewEvent(protocol.EventAudioChunk, deviceID, "", int64(frame.Seq), protocol.Payload{
		"audio_b64":    base64.StdEncoding.EncodeToString(frame.Audio),
		"chunk_index":  int64(frame.Seq),
		"timestamp_ms": int64(frame.TimestampMS),
		"frame_type":   int64(frame.Type),
		"frame_flags":  int64(frame.Flags),
	})
}

// errorEvent wraps a boundary parse failure as a recoverable error envelope.
func errorEvent(deviceID, detail string, cause error) *protocol.Envelope {
	code := "invalid_control_payload"
	if errors.Is(cause, protocol.ErrInvalidAudioFrame) {
		code = "invalid_audio_frame"
	}
	return protocol.NewEvent(protocol.EventError, deviceID, "", -1, protocol.Payload{
		"error_code": code,
		"detail":     detail,
	})
}
