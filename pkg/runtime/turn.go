package runtime

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/opencane/opencane/pkg/protocol"
	"github.com/opencane/opencane/pkg/provider"
	"github.com/opencane/opencane/pkg/safety"
	"github.com/opencane/opencane/pkg/session"
	"github.com/opencane/opencane/pkg/store"
)

// dialogueSystemPrompt frames the assistant for a voice-only, eyes-free user.
const dialogueSystemPrompt = "You are the voice assistant of a smart cane for blind and low-vision users. " +
	"Answer briefly and concretely, describe surroundings in walking order, and never give directional " +
	"instructions you are not certain about. When unsure, say so and suggest stopping."

// startTurn registers the turn handle and spawns the speak goroutine. At most
// one turn per session owns the speak path; a lingering previous turn is
// cancelled silently (its stop was already emitted or superseded).
func (r *Runtime) startTurn(sess *session.Session, transcript, traceID string) {
	turnID := uuid.NewString()
	tctx, cancel := context.WithCancel(r.baseCtx)
	h := &turnHandle{id: turnID, cancel: cancel}
	key := sess.DeviceID + "/" + sess.SessionID

	r.mu.Lock()
	if prev, ok := r.turns[key]; ok {
		prev.markStopped()
		prev.cancel()
	}
	r.turns[key] = h
	r.mu.Unlock()
	sess.SetActiveTurn(turnID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runTurn(tctx, sess, h, transcript, traceID)
	}()
}

// cancelTurn tears down the in-flight turn. With emitStop, tts_stop with
// aborted=true is written before returning, so callers can rely on it
// preceding anything they send next.
func (r *Runtime) cancelTurn(sess *session.Session, emitStop bool) {
	key := sess.DeviceID + "/" + sess.SessionID
	r.mu.Lock()
	h := r.turns[key]
	delete(r.turns, key)
	r.mu.Unlock()
	if h == nil {
		return
	}
	if h.markStopped() && emitStop {
		r.sendCommand(r.baseCtx, sess, protocol.CommandTTSStop, protocol.Payload{
			"aborted": true,
			"turn_id": h.id,
		})
	}
	h.cancel()
	sess.SetActiveTurn("")
}

// sendTurnCommand emits one turn command unless the turn has been stopped. The handle
// mutex serializes against markStopped so no chunk can slip out after an
// interrupter's tts_stop.
func (r *Runtime) sendTurnCommand(h *turnHandle, sess *session.Session, t protocol.CommandType, payload protocol.Payload) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	r.sendCommand(r.baseCtx, sess, t, payload)
	return true
}

func (r *Runtime) runTurn(ctx context.Context, sess *session.Session, h *turnHandle, transcript, traceID string) {
	r.metrics.TurnsTotal.Add(1)

	reply, confidence := r.respond(ctx, sess, transcript)
	if ctx.Err() != nil {
		return
	}

	d := r.gate(sess, safety.Input{
		Text:       reply,
		Source:     "dialogue",
		Confidence: confidence,
		Context:    map[string]any{"transcript": transcript},
	})
	r.appendTrace(sess, traceID, "reply", map[string]any{
		"transcript": transcript,
		"reply":      reply,
		"gated":      d.Text,
		"downgraded": d.Downgraded,
		"turn_id":    h.id,
	})

	if err := sess.SetState(session.StateSpeaking); err != nil {
		sess.ForceState(session.StateSpeaking)
	}
	if !r.sendTurnCommand(h, sess, protocol.CommandTTSStart, protocol.Payload{
		"turn_id": h.id,
		"mode":    r.opts.TTSMode,
	}) {
		return
	}

	switch r.opts.TTSMode {
	case TTSModeServerAudio:
		r.speakAudio(ctx, sess, h, d.Text)
	default:
		r.speakText(sess, h, d.Text)
	}

	if !h.markStopped() {
		return // interrupted; the interrupter emitted the stop
	}
	r.sendCommand(r.baseCtx, sess, protocol.CommandTTSStop, protocol.Payload{
		"aborted": false,
		"turn_id": h.id,
	})
	if err := sess.SetState(session.StateReady); err != nil {
		sess.ForceState(session.StateReady)
	}
	sess.SetActiveTurn("")
	key := sess.DeviceID + "/" + sess.SessionID
	r.mu.Lock()
	if r.turns[key] == h {
		delete(r.turns, key)
	}
	r.mu.Unlock()
}

// respond asks the dialogue engine for the turn reply. Failures return an
// empty reply with low confidence so the safety gate substitutes its
// conservative fallback.
func (r *Runtime) respond(ctx context.Context, sess *session.Session, transcript string) (string, float64) {
	if r.dialogue == nil {
		return "", 0.3
	}
	reply, err := r.dialogue.Respond(ctx, provider.ChatRequest{
		System:   dialogueSystemPrompt,
		Messages: []provider.ChatMessage{{Role: "user", Text: transcript}},
	})
	if err != nil {
		if ctx.Err() == nil {
			r.metrics.TurnFailures.Add(1)
			r.log.Warn("runtime: dialogue failed",
				"device_id", sess.DeviceID, "session_id", sess.SessionID, "error", err)
		}
		return "", 0.3
	}
	return reply, 1.0
}

func (r *Runtime) speakText(sess *session.Session, h *turnHandle, text string) {
	for i, chunk := range splitChunks(text, r.opts.TTSChunkChars) {
		if !r.sendTurnCommand(h, sess, protocol.CommandTTSChunk, protocol.Payload{
			"text":        chunk,
			"chunk_index": i,
			"turn_id":     h.id,
		}) {
			return
		}
	}
}

// speakAudio synthesizes the reply and streams it in fixed-size base64
// chunks. Synthesis failure downgrades to text chunks so the device still
// gets the content.
func (r *Runtime) speakAudio(ctx context.Context, sess *session.Session, h *turnHandle, text string) {
	audio, err := r.tts.Synthesize(ctx, text)
	if err != nil || len(audio) == 0 {
		if ctx.Err() == nil && err != nil {
			r.log.Warn("runtime: tts synthesis failed, falling back to text",
				"device_id", sess.DeviceID, "error", err)
		}
		r.speakText(sess, h, text)
		return
	}
	size := r.opts.TTSAudioChunkBytes
	for i, off := 0, 0; off < len(audio); i, off = i+1, off+size {
		end := off + size
		if end > len(audio) {
			end = len(audio)
		}
		if !r.sendTurnCommand(h, sess, protocol.CommandTTSChunk, protocol.Payload{
			"audio_b64":   base64.StdEncoding.EncodeToString(audio[off:end]),
			"chunk_index": i,
			"turn_id":     h.id,
		}) {
			return
		}
	}
}

func (r *Runtime) appendTrace(sess *session.Session, traceID, stage string, payload map[string]any) {
	if err := r.store.AppendTrace(&store.ThoughtTrace{
		TraceID:   traceID,
		SessionID: sess.SessionID,
		Source:    "dialogue",
		Stage:     stage,
		Payload:   payload,
		TS:        time.Now().UnixMilli(),
	}); err != nil {
		r.log.Warn("runtime: trace write failed", "error", err)
	}
}
