package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencane/opencane/pkg/dtask"
	"github.com/opencane/opencane/pkg/ingest"
	"github.com/opencane/opencane/pkg/protocol"
	"github.com/opencane/opencane/pkg/safety"
	"github.com/opencane/opencane/pkg/session"
	"github.com/opencane/opencane/pkg/store"
)

// imageFailureReply is spoken when image understanding fails. Deliberately
// conservative: the user is asked to retry rather than given a guess.
const imageFailureReply = "I couldn't process the image clearly. Please try again."

// telemetrySchemaVersion stamps normalized telemetry samples.
const telemetrySchemaVersion = "opencane.telemetry.v1"

// =============================================================================
// hello
// =============================================================================

// handleHello authenticates the device, replays missed commands, flushes the
// pending queue and the task push queue, and finally emits hello_ack. Re-run
// in full for duplicate hellos; every step is idempotent from the device's
// point of view.
func (r *Runtime) handleHello(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	if !r.authorize(ctx, sess, env) {
		return
	}
	sess.ForceState(session.StateReady)

	meta := map[string]any{}
	for _, key := range []string{"firmware", "profile", "hw_version", "sdk_version"} {
		if v := env.Payload.String(key); v != "" {
			meta[key] = v
		}
	}
	if len(meta) > 0 {
		sess.SetMetadata(meta)
	}

	// Replay the window the device missed, oldest first, original seqs.
	if lastRecv := env.LastRecvSeq(); lastRecv >= 0 {
		for _, missed := range sess.ReplaySince(lastRecv) {
			if err := r.adapter.SendCommand(ctx, missed); err != nil {
				r.log.Warn("runtime: replay send failed",
					"device_id", sess.DeviceID, "seq", missed.Seq, "error", err)
				break
			}
			r.metrics.CommandsSent.Add(1)
		}
	}

	// Then everything buffered while the device was offline.
	for _, pending := range sess.DrainPending() {
		if err := r.adapter.SendCommand(ctx, pending); err != nil {
			if qerr := sess.EnqueuePending(pending); qerr != nil {
				r.log.Warn("runtime: pending requeue failed",
					"device_id", sess.DeviceID, "seq", pending.Seq, "error", qerr)
			}
			break
		}
		r.metrics.CommandsSent.Add(1)
	}

	r.replayPushes(ctx, sess)

	r.sendCommand(ctx, sess, protocol.CommandHelloAck, protocol.Payload{
		"session_id":           sess.SessionID,
		"server_ts":            time.Now().UnixMilli(),
		"heartbeat_interval_s": 30,
	})
}

// authorize checks the device binding. Devices without a binding pass unless
// RequireAuth is set; revoked bindings and token mismatches always fail and
// close the session with an audit entry.
func (r *Runtime) authorize(ctx context.Context, sess *session.Session, env *protocol.Envelope) bool {
	binding, ok, err := r.store.GetBinding(sess.DeviceID)
	if err != nil {
		r.log.Warn("runtime: binding lookup failed", "device_id", sess.DeviceID, "error", err)
	}

	reason := ""
	switch {
	case !ok && r.opts.RequireAuth:
		reason = "unknown_device"
	case ok && binding.Status == "revoked":
		reason = "revoked"
	case ok && binding.DeviceToken != "" && env.Payload.String("token") != binding.DeviceToken:
		reason = "token_mismatch"
	}
	if reason == "" {
		return true
	}

	r.metrics.Unauthorized.Add(1)
	if err := r.store.AppendEvent(&store.LifelogEvent{
		ID:        uuid.NewString(),
		SessionID: sess.SessionID,
		EventType: "unauthorized",
		Payload:   map[string]any{"device_id": sess.DeviceID, "reason": reason, "trace_id": env.TraceID()},
		TS:        time.Now().UnixMilli(),
	}); err != nil {
		r.log.Warn("runtime: audit write failed", "error", err)
	}
	r.sendCommand(ctx, sess, protocol.CommandClose, protocol.Payload{"reason": "unauthorized"})
	r.closeSession(sess, "unauthorized")
	r.log.Info("runtime: unauthorized hello rejected", "device_id", sess.DeviceID, "reason", reason)
	return false
}

// replayPushes resends unsent task pushes regardless of their retry backoff;
// a fresh hello means the device is reachable right now.
func (r *Runtime) replayPushes(ctx context.Context, sess *session.Session) {
	horizon := time.Now().Add(24 * time.Hour).UnixMilli()
	pushes, err := r.store.PendingPushes(sess.DeviceID, horizon)
	if err != nil {
		r.log.Warn("runtime: push queue read failed", "device_id", sess.DeviceID, "error", err)
		return
	}
	for _, push := range pushes {
		r.sendCommand(ctx, sess, protocol.CommandTaskUpdate, protocol.Payload(push.Payload))
		push.Sent = true
		if err := r.store.SavePush(push); err != nil {
			r.log.Warn("runtime: push state save failed", "push_id", push.ID, "error", err)
		}
	}
}

// =============================================================================
// Voice turn events
// =============================================================================

func (r *Runtime) handleListenStart(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	// Barge-in: the stop for the interrupted turn must hit the wire before
	// any command of the new turn, including the listen_start ack.
	if sess.State() == session.StateSpeaking {
		r.metrics.BargeIns.Add(1)
		r.cancelTurn(sess, true)
		sess.ForceState(session.StateInterrupted)
	}
	if err := sess.SetState(session.StateListening); err != nil {
		sess.ForceState(session.StateListening)
	}
	r.audio.StartCapture(sess.DeviceID, sess.SessionID)
	r.resetPartial(sess)
	r.ack(ctx, sess, env.Seq)
}

func (r *Runtime) handleAudioChunk(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	r.ack(ctx, sess, env.Seq)
	if sess.State() != session.StateListening {
		return
	}
	r.audio.AppendChunk(sess.DeviceID, sess.SessionID, env.Payload, env.Seq)
	r.maybeSendPartial(ctx, sess)
}

func (r *Runtime) handleListenStop(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	if err := sess.SetState(session.StateThinking); err != nil {
		sess.ForceState(session.StateThinking)
	}
	r.ack(ctx, sess, env.Seq)

	transcript := r.audio.FinalizeCapture(ctx, sess.DeviceID, sess.SessionID, env.Payload)
	r.sendCommand(ctx, sess, protocol.CommandSTTFinal, protocol.Payload{"text": transcript})

	if transcript == "" {
		r.metrics.TurnsTotal.Add(1)
		r.metrics.TurnFailures.Add(1)
		if err := r.store.AppendEvent(&store.LifelogEvent{
			ID:        uuid.NewString(),
			SessionID: sess.SessionID,
			EventType: "voice_turn_failure",
			Payload:   map[string]any{"device_id": sess.DeviceID, "trace_id": env.TraceID()},
			TS:        time.Now().UnixMilli(),
		}); err != nil {
			r.log.Warn("runtime: lifelog write failed", "error", err)
		}
		if err := sess.SetState(session.StateReady); err != nil {
			sess.ForceState(session.StateReady)
		}
		return
	}
	if r.tasks != nil && taskIntent(env.Payload, transcript) {
		r.startTaskTurn(ctx, sess, transcript, env.TraceID())
		return
	}
	r.startTurn(sess, transcript, env.TraceID())
}

// taskIntentPrefixes route a transcript to the digital task executor instead
// of the dialogue engine.
var taskIntentPrefixes = []string{
	"remind me", "set a timer", "set an alarm", "look up", "check the",
	"book ", "order ", "schedule ",
	"帮我", "提醒我", "查一下",
}

func taskIntent(payload protocol.Payload, transcript string) bool {
	if payload.Bool("digital_task", false) || payload.Bool("task", false) {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(transcript))
	for _, prefix := range taskIntentPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// startTaskTurn hands a task-intent transcript to the executor. Progress
// reaches the device through the task push queue, not the dialogue path.
func (r *Runtime) startTaskTurn(ctx context.Context, sess *session.Session, transcript, traceID string) {
	r.metrics.TurnsTotal.Add(1)
	task, err := r.tasks.Execute(ctx, dtask.ExecuteRequest{
		Goal:      transcript,
		SessionID: sess.SessionID,
		DeviceID:  sess.DeviceID,
		Notify:    true,
		Speak:     true,
	})
	if err != nil {
		r.metrics.TurnFailures.Add(1)
		r.log.Warn("runtime: task routing failed", "device_id", sess.DeviceID, "error", err)
		d := r.gate(sess, safety.Input{Text: "", Source: "dialogue", Confidence: 0.3})
		r.sendCommand(ctx, sess, protocol.CommandTTSChunk, protocol.Payload{"text": d.Text})
	} else {
		sess.SetActiveTask(task.TaskID)
		if err := r.store.AppendEvent(&store.LifelogEvent{
			ID:        uuid.NewString(),
			SessionID: sess.SessionID,
			EventType: "digital_task_routed",
			Payload:   map[string]any{"task_id": task.TaskID, "goal": transcript, "trace_id": traceID},
			TS:        time.Now().UnixMilli(),
		}); err != nil {
			r.log.Warn("runtime: lifelog write failed", "error", err)
		}
	}
	if err := sess.SetState(session.StateReady); err != nil {
		sess.ForceState(session.StateReady)
	}
}

func (r *Runtime) handleAbort(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	r.cancelTurn(sess, true)
	if env.Payload.Bool("cancel_task", false) && r.tasks != nil {
		if taskID := sess.ActiveTask(); taskID != "" {
			if err := r.tasks.Cancel(taskID, "abort"); err != nil {
				r.log.Warn("runtime: task cancel on abort failed", "task_id", taskID, "error", err)
			}
			sess.SetActiveTask("")
		}
	}
	r.audio.ResetCapture(sess.DeviceID, sess.SessionID)
	r.resetPartial(sess)
	sess.ForceState(session.StateReady)
	r.ack(ctx, sess, env.Seq)
}

// =============================================================================
// stt_partial throttling
// =============================================================================

func (r *Runtime) resetPartial(sess *session.Session) {
	r.mu.Lock()
	delete(r.partials, sess.DeviceID+"/"+sess.SessionID)
	r.mu.Unlock()
}

// maybeSendPartial emits stt_partial with two dampers: identical text is
// re-sent at most once a second, and growth under three characters is held
// for 250ms so per-frame chatter does not flood the downlink.
func (r *Runtime) maybeSendPartial(ctx context.Context, sess *session.Session) {
	text := r.audio.PartialTranscript(sess.DeviceID, sess.SessionID, r.opts.PartialMaxChars)
	if text == "" {
		return
	}
	key := sess.DeviceID + "/" + sess.SessionID
	now := time.Now()

	r.mu.Lock()
	prev := r.partials[key]
	if prev != nil {
		since := now.Sub(prev.sentAt)
		if text == prev.text && since < time.Second {
			r.mu.Unlock()
			return
		}
		if len(text)-len(prev.text) < 3 && since < 250*time.Millisecond {
			r.mu.Unlock()
			return
		}
	}
	r.partials[key] = &partialState{text: text, sentAt: now}
	r.mu.Unlock()

	r.sendCommand(ctx, sess, protocol.CommandSTTPartial, protocol.Payload{"text": text})
}

// =============================================================================
// image_ready
// =============================================================================

func (r *Runtime) handleImageReady(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	r.ack(ctx, sess, env.Seq)
	if r.vision == nil {
		r.log.Debug("runtime: image_ready ignored, vision not configured", "device_id", sess.DeviceID)
		return
	}

	imageB64 := env.Payload.String("image_b64")
	if imageB64 == "" {
		imageB64 = env.Payload.String("image")
	}
	mime := env.Payload.String("mime")
	if mime == "" {
		mime = "image/jpeg"
	}
	job := &imageJob{
		deviceID:  sess.DeviceID,
		sessionID: sess.SessionID,
		imageB64:  imageB64,
		question:  env.Payload.String("question"),
		mime:      mime,
		ts:        env.TS,
		traceID:   env.TraceID(),
	}

	// The queue bounds the work; the completion reply must not block the
	// session worker.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		result, err := r.enqueueImage(r.baseCtx, job)
		if err != nil {
			if errors.Is(err, ingest.ErrQueueFull) || errors.Is(err, ingest.ErrDropped) || errors.Is(err, ingest.ErrClosed) {
				r.log.Warn("runtime: image job not accepted", "device_id", sess.DeviceID, "error", err)
				return
			}
			r.log.Warn("runtime: image processing failed", "device_id", sess.DeviceID, "error", err)
			d := r.gate(sess, safety.Input{Text: imageFailureReply, Source: "vision", Confidence: 0.3, RiskLevel: safety.RiskP2})
			r.sendCommand(r.baseCtx, sess, protocol.CommandTTSChunk, protocol.Payload{"text": d.Text})
			return
		}
		r.finishImageReply(sess, result)
	}()
}

func (r *Runtime) finishImageReply(sess *session.Session, result map[string]any) {
	summary, _ := result["summary"].(string)
	if strings.TrimSpace(summary) == "" {
		return
	}
	riskLevel, _ := result["risk_level"].(string)
	confidence, _ := result["confidence"].(float64)
	d := r.gate(sess, safety.Input{
		Text:       summary,
		Source:     "vision",
		Confidence: confidence,
		RiskLevel:  riskLevel,
	})
	imageID, _ := result["image_id"].(string)
	r.sendCommand(r.baseCtx, sess, protocol.CommandTTSChunk, protocol.Payload{
		"text":     d.Text,
		"image_id": imageID,
	})
}

// =============================================================================
// Housekeeping events
// =============================================================================

func (r *Runtime) handleHeartbeat(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	sess.Touch()
	r.ack(ctx, sess, env.Seq)
}

func (r *Runtime) handleTelemetry(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	sess.UpdateTelemetry(env.Payload)
	if err := r.store.AppendTelemetry(&store.TelemetrySample{
		DeviceID:      sess.DeviceID,
		SessionID:     sess.SessionID,
		SchemaVersion: telemetrySchemaVersion,
		Sample:        normalizeTelemetry(env.Payload),
		Raw:           env.Payload,
		TraceID:       env.TraceID(),
		TS:            time.Now().UnixMilli(),
	}); err != nil {
		r.log.Warn("runtime: telemetry write failed", "device_id", sess.DeviceID, "error", err)
	}
	r.ack(ctx, sess, env.Seq)
}

// normalizeTelemetry maps the assorted field names firmware builds use onto
// the canonical sample schema. Unknown fields stay behind in Raw.
func normalizeTelemetry(payload protocol.Payload) map[string]any {
	sample := map[string]any{}
	if v := payload.Int("battery", -1); v < 0 {
		if v = payload.Int("battery_pct", -1); v >= 0 {
			sample["battery_pct"] = v
		}
	} else {
		sample["battery_pct"] = v
	}
	if v := payload.Int("rssi", 0); v != 0 {
		sample["rssi_dbm"] = v
	} else if v := payload.Int("signal", 0); v != 0 {
		sample["rssi_dbm"] = v
	}
	if v := payload.Int("volume", -1); v >= 0 {
		sample["volume"] = v
	}
	if v := payload.Float("temperature", -1000); v > -1000 {
		sample["temperature_c"] = v
	}
	if v := payload.String("firmware"); v != "" {
		sample["firmware"] = v
	} else if v := payload.String("fw_version"); v != "" {
		sample["firmware"] = v
	}
	if _, ok := payload["charging"]; ok {
		sample["charging"] = payload.Bool("charging", false)
	}
	// Reserved audio header bytes surface here rather than failing the parse.
	if v := payload.Int("frame_type", -1); v > 0 {
		sample["frame_type"] = v
	}
	if v := payload.Int("frame_flags", -1); v > 0 {
		sample["frame_flags"] = v
	}
	return sample
}

func (r *Runtime) handleToolResult(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	opID := env.Payload.String("operation_id")
	if opID == "" {
		opID = env.Payload.String("op_id")
	}
	if opID != "" {
		if op, ok, err := r.store.GetOperation(opID); err != nil {
			r.log.Warn("runtime: operation lookup failed", "operation_id", opID, "error", err)
		} else if ok {
			now := time.Now().UnixMilli()
			if env.Payload.Bool("success", true) {
				op.Status = "acked"
				op.AckedAtMS = now
			} else {
				op.Status = "failed"
				op.Error = env.Payload.String("error")
			}
			if result := env.Payload.Map("result"); result != nil {
				op.Result = result
			}
			op.UpdatedAtMS = now
			if err := r.store.SaveOperation(op); err != nil {
				r.log.Warn("runtime: operation save failed", "operation_id", opID, "error", err)
			}
		}
	}
	r.ack(ctx, sess, env.Seq)
}

// handleError records boundary failures the adapters surfaced. The session
// stays usable; the event is the observable trace of the dropped frame.
func (r *Runtime) handleError(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	code := env.Payload.String("error_code")
	if code == "invalid_control_payload" || code == "invalid_audio_frame" {
		r.metrics.ParseErrors.Add(1)
	}
	if err := r.store.AppendEvent(&store.LifelogEvent{
		ID:        uuid.NewString(),
		SessionID: sess.SessionID,
		EventType: "device_error",
		Payload:   env.Payload,
		TS:        time.Now().UnixMilli(),
	}); err != nil {
		r.log.Warn("runtime: lifelog write failed", "error", err)
	}
	r.ack(ctx, sess, env.Seq)
}
