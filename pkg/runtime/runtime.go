// Package runtime is the central dispatcher: it consumes the adapter's
// envelope stream, resolves sessions, filters duplicates, routes events to
// handlers, and owns the outbound command path with its seq allocation,
// replay recording, and offline buffering.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencane/opencane/pkg/audiopipe"
	"github.com/opencane/opencane/pkg/dtask"
	"github.com/opencane/opencane/pkg/gateway"
	"github.com/opencane/opencane/pkg/ingest"
	"github.com/opencane/opencane/pkg/protocol"
	"github.com/opencane/opencane/pkg/provider"
	"github.com/opencane/opencane/pkg/safety"
	"github.com/opencane/opencane/pkg/session"
	"github.com/opencane/opencane/pkg/store"
	"github.com/opencane/opencane/pkg/vision"
)

// TTS modes for the speak path.
const (
	TTSModeDeviceText  = "device_text"
	TTSModeServerAudio = "server_audio"
)

// ErrNotStarted is returned for operations before Start.
var ErrNotStarted = errors.New("runtime: not started")

// TTSProvider synthesizes audio for server_audio mode.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Options wires the runtime. Adapter and Store are required; everything else
// degrades gracefully when absent.
type Options struct {
	Adapter  gateway.Adapter
	Store    *store.Store
	Sessions *session.Manager   // built from Store when nil
	Audio    *audiopipe.Pipeline // built with defaults when nil
	Vision   *vision.Pipeline    // nil disables image understanding
	Dialogue provider.Responder  // nil yields safety fallback replies
	TTS      TTSProvider         // required for server_audio mode
	Safety   *safety.Policy      // built with defaults when nil
	Tasks    *dtask.Executor     // nil disables task push wiring

	// RequireAuth rejects hello from devices without a binding. Devices with
	// a binding are always checked against it.
	RequireAuth bool

	TTSMode            string // device_text (default) or server_audio
	TTSChunkChars      int    // text chars per tts_chunk, default 220
	TTSAudioChunkBytes int    // raw bytes per audio tts_chunk, default 4096

	QueueSize    int           // image ingest queue capacity, default 128
	QueueWorkers int           // image ingest workers, default 4
	QueuePolicy  ingest.Policy // default reject

	IdleTimeout      time.Duration // session idle close, default 30 min
	WatchdogInterval time.Duration // sweep and sample period, default 30s
	PartialMaxChars  int           // stt_partial truncation, default 160

	Retention         store.Retention // zero disables history cleanup
	RetentionInterval time.Duration   // cleanup period, default 1h

	Thresholds Thresholds
	Logger     *slog.Logger
}

// partialState throttles stt_partial emission per session.
type partialState struct {
	text   string
	sentAt time.Time
}

// turnHandle is the cancellation surface of one in-flight voice turn. The
// stopped flag decides who emits tts_stop: the turn loop on normal end, the
// interrupter on barge-in or abort.
type turnHandle struct {
	id     string
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// markStopped claims the tts_stop emission. Returns false when someone else
// already claimed it.
func (h *turnHandle) markStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.stopped = true
	return true
}

// Runtime is the connection runtime. Create with New, then Start.
type Runtime struct {
	opts     Options
	adapter  gateway.Adapter
	store    *store.Store
	sessions *session.Manager
	audio    *audiopipe.Pipeline
	vision   *vision.Pipeline
	dialogue provider.Responder
	tts      TTSProvider
	policy   *safety.Policy
	tasks    *dtask.Executor
	queue    *ingest.Queue
	metrics  *Metrics
	log      *slog.Logger

	baseCtx  context.Context
	baseStop context.CancelFunc

	mu       sync.Mutex
	started  bool
	workers  map[string]chan *protocol.Envelope
	turns    map[string]*turnHandle
	partials map[string]*partialState

	wg sync.WaitGroup
}

var _ dtask.Sink = (*Runtime)(nil)

// AttachTasks wires the digital task executor after construction. The
// executor's sink is usually this runtime, so the two are built in two
// steps. Must be called before Start.
func (r *Runtime) AttachTasks(exec *dtask.Executor) {
	r.tasks = exec
	r.opts.Tasks = exec
}

// New builds a Runtime from options. It does not touch the adapter; call
// Start to begin dispatching.
func New(opts Options) (*Runtime, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("runtime: adapter is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("runtime: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(session.Options{Persister: opts.Store, Logger: opts.Logger})
	}
	if opts.Audio == nil {
		opts.Audio = audiopipe.New(audiopipe.Options{Logger: opts.Logger})
	}
	if opts.Safety == nil {
		opts.Safety = safety.NewPolicy(safety.Config{})
	}
	if opts.TTSMode == "" {
		opts.TTSMode = TTSModeDeviceText
	}
	if opts.TTSMode != TTSModeDeviceText && opts.TTSMode != TTSModeServerAudio {
		return nil, fmt.Errorf("runtime: unknown tts mode %q", opts.TTSMode)
	}
	if opts.TTSMode == TTSModeServerAudio && opts.TTS == nil {
		return nil, fmt.Errorf("runtime: server_audio mode requires a TTS provider")
	}
	if opts.TTSChunkChars <= 0 {
		opts.TTSChunkChars = 220
	}
	if opts.TTSAudioChunkBytes <= 0 {
		opts.TTSAudioChunkBytes = 4096
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.QueueWorkers <= 0 {
		opts.QueueWorkers = 4
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 30 * time.Second
	}
	if opts.PartialMaxChars <= 0 {
		opts.PartialMaxChars = 160
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = time.Hour
	}

	r := &Runtime{
		opts:     opts,
		adapter:  opts.Adapter,
		store:    opts.Store,
		sessions: opts.Sessions,
		audio:    opts.Audio,
		vision:   opts.Vision,
		dialogue: opts.Dialogue,
		tts:      opts.TTS,
		policy:   opts.Safety,
		tasks:    opts.Tasks,
		metrics:  newMetrics(),
		log:      opts.Logger,
		workers:  map[string]chan *protocol.Envelope{},
		turns:    map[string]*turnHandle{},
		partials: map[string]*partialState{},
	}
	r.queue = ingest.New(ingest.Options{
		MaxSize: opts.QueueSize,
		Workers: opts.QueueWorkers,
		Policy:  opts.QueuePolicy,
		Handler: r.processImage,
		Logger:  opts.Logger,
	})
	return r, nil
}

// Start begins consuming adapter events. It also recovers persisted digital
// tasks so restarts never strand non-terminal work.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.baseCtx, r.baseStop = context.WithCancel(context.Background())
	r.mu.Unlock()

	if err := r.adapter.Start(ctx); err != nil {
		return fmt.Errorf("runtime: adapter start: %w", err)
	}
	if r.tasks != nil {
		if err := r.tasks.Recover(ctx); err != nil {
			r.log.Warn("runtime: task recovery failed", "error", err)
		}
	}

	r.wg.Add(2)
	go r.dispatchLoop()
	go r.watchdog()
	r.log.Info("runtime: started", "adapter", r.adapter.Name(), "tts_mode", r.opts.TTSMode)
	return nil
}

// Stop shuts the runtime down: the adapter first (closing the event stream),
// then the per-session workers and the ingest queue.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	turns := make([]*turnHandle, 0, len(r.turns))
	for _, h := range r.turns {
		turns = append(turns, h)
	}
	r.mu.Unlock()

	for _, h := range turns {
		h.cancel()
	}
	err := r.adapter.Stop(ctx)
	r.baseStop()
	r.wg.Wait()
	r.queue.Close()
	r.log.Info("runtime: stopped")
	return err
}

// =============================================================================
// Dispatch
// =============================================================================

// dispatchLoop fans the adapter stream out to per-session workers so one slow
// session never blocks another.
func (r *Runtime) dispatchLoop() {
	defer r.wg.Done()
	for env := range r.adapter.Events() {
		r.dispatch(env)
	}
	r.mu.Lock()
	workers := r.workers
	r.workers = map[string]chan *protocol.Envelope{}
	r.mu.Unlock()
	for _, ch := range workers {
		close(ch)
	}
}

func (r *Runtime) dispatch(env *protocol.Envelope) {
	r.metrics.EventsTotal.Add(1)
	if env.EventType() == "" {
		r.metrics.ParseErrors.Add(1)
		r.log.Warn("runtime: non-event envelope on inbound stream", "type", env.Type, "device_id", env.DeviceID)
		return
	}

	sess := r.sessions.GetOrCreate(env.DeviceID, env.SessionID)
	key := sess.DeviceID + "/" + sess.SessionID

	r.mu.Lock()
	ch, ok := r.workers[key]
	if !ok {
		ch = make(chan *protocol.Envelope, 128)
		r.workers[key] = ch
		r.wg.Add(1)
		go r.sessionWorker(ch)
	}
	r.mu.Unlock()

	select {
	case ch <- env:
	default:
		r.log.Warn("runtime: session worker backlog full, dropping event",
			"device_id", env.DeviceID, "type", env.Type, "seq", env.Seq)
	}
}

func (r *Runtime) sessionWorker(ch chan *protocol.Envelope) {
	defer r.wg.Done()
	for env := range ch {
		r.handleEvent(r.baseCtx, env)
	}
}

// InjectEvent feeds one canonical envelope through the normal dispatch path.
// Used by the HTTP event injection endpoint and tests.
func (r *Runtime) InjectEvent(env *protocol.Envelope) error {
	if _, err := protocol.Normalize(env, protocol.ParseOptions{}); err != nil {
		return err
	}
	r.dispatch(env)
	return nil
}

// handleEvent runs the per-envelope pipeline: resolve session, classify seq,
// route. Duplicates re-emit their original ack and stop; they never mutate
// session or capture state.
func (r *Runtime) handleEvent(ctx context.Context, env *protocol.Envelope) {
	sess := r.sessions.GetOrCreate(env.DeviceID, env.SessionID)
	eventType := env.EventType()

	switch sess.CheckAndCommitSeq(env.Seq) {
	case session.SeqDuplicate:
		r.metrics.Duplicates.Add(1)
		if eventType == protocol.EventHello {
			r.handleHello(ctx, sess, env)
			return
		}
		r.ack(ctx, sess, env.Seq)
		return
	case session.SeqBypass, session.SeqNew:
	}

	switch eventType {
	case protocol.EventHello:
		r.handleHello(ctx, sess, env)
	case protocol.EventHeartbeat:
		r.handleHeartbeat(ctx, sess, env)
	case protocol.EventListenStart:
		r.handleListenStart(ctx, sess, env)
	case protocol.EventAudioChunk:
		r.handleAudioChunk(ctx, sess, env)
	case protocol.EventListenStop:
		r.handleListenStop(ctx, sess, env)
	case protocol.EventAbort:
		r.handleAbort(ctx, sess, env)
	case protocol.EventImageReady:
		r.handleImageReady(ctx, sess, env)
	case protocol.EventTelemetry:
		r.handleTelemetry(ctx, sess, env)
	case protocol.EventToolResult:
		r.handleToolResult(ctx, sess, env)
	case protocol.EventError:
		r.handleError(ctx, sess, env)
	}
}

// =============================================================================
// Outbound path
// =============================================================================

// sendCommand allocates the next outbound seq, records the command in the
// replay window, and hands it to the adapter. On transport failure the
// command stays in the session's pending queue and the operation log, so the
// next hello replays it.
func (r *Runtime) sendCommand(ctx context.Context, sess *session.Session, t protocol.CommandType, payload protocol.Payload) *protocol.Envelope {
	seq := sess.NextOutboundSeq()
	env := protocol.NewCommand(t, sess.DeviceID, sess.SessionID, seq, payload)
	sess.RecordCommand(env)

	if err := r.adapter.SendCommand(ctx, env); err != nil {
		r.metrics.SendFailures.Add(1)
		r.bufferCommand(sess, env, err)
		return env
	}
	r.metrics.CommandsSent.Add(1)
	return env
}

func (r *Runtime) bufferCommand(sess *session.Session, env *protocol.Envelope, cause error) {
	r.metrics.CommandsBuffered.Add(1)
	if err := sess.EnqueuePending(env); err != nil {
		r.log.Warn("runtime: pending queue overflow, command lost until replay",
			"device_id", sess.DeviceID, "type", env.Type, "seq", env.Seq, "error", err)
	}
	now := time.Now().UnixMilli()
	if err := r.store.SaveOperation(&store.DeviceOperation{
		OperationID: env.MsgID,
		DeviceID:    sess.DeviceID,
		SessionID:   sess.SessionID,
		OpType:      "runtime_command",
		CommandType: env.Type,
		Status:      "queued",
		Payload:     env.Payload,
		Error:       cause.Error(),
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}); err != nil {
		r.log.Warn("runtime: operation log write failed", "error", err)
	}
	r.log.Info("runtime: command buffered for replay",
		"device_id", sess.DeviceID, "type", env.Type, "seq", env.Seq, "cause", cause)
}

func (r *Runtime) ack(ctx context.Context, sess *session.Session, ackSeq int64) {
	if ackSeq < 0 {
		return
	}
	r.sendCommand(ctx, sess, protocol.CommandAck, protocol.Payload{"ack_seq": ackSeq})
}

// PushCommand delivers a task push to a connected device. It never buffers:
// the task push queue owns retry and hello replay, so an offline device is an
// error the caller backs off on.
func (r *Runtime) PushCommand(ctx context.Context, deviceID, sessionID string, t protocol.CommandType, payload protocol.Payload) error {
	if !r.adapter.Online(deviceID) {
		return gateway.ErrOffline
	}
	sess := r.sessions.GetOrCreate(deviceID, sessionID)
	seq := sess.NextOutboundSeq()
	env := protocol.NewCommand(t, sess.DeviceID, sess.SessionID, seq, payload)
	sess.RecordCommand(env)
	if err := r.adapter.SendCommand(ctx, env); err != nil {
		r.metrics.SendFailures.Add(1)
		return err
	}
	r.metrics.CommandsSent.Add(1)
	return nil
}

// DispatchCommand enqueues an operator-initiated command for a device and
// records it as a device operation. Offline devices buffer for hello replay.
func (r *Runtime) DispatchCommand(ctx context.Context, deviceID, sessionID string, t protocol.CommandType, payload protocol.Payload) (*store.DeviceOperation, error) {
	if !protocol.IsCommandType(string(t)) {
		return nil, fmt.Errorf("runtime: unknown command type %q", t)
	}
	sess := r.sessions.GetOrCreate(deviceID, sessionID)
	seq := sess.NextOutboundSeq()
	env := protocol.NewCommand(t, sess.DeviceID, sess.SessionID, seq, payload)
	sess.RecordCommand(env)

	now := time.Now().UnixMilli()
	op := &store.DeviceOperation{
		OperationID: env.MsgID,
		DeviceID:    sess.DeviceID,
		SessionID:   sess.SessionID,
		OpType:      "dispatch",
		CommandType: env.Type,
		Payload:     env.Payload,
		Attempts:    1,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if err := r.adapter.SendCommand(ctx, env); err != nil {
		r.metrics.SendFailures.Add(1)
		r.metrics.CommandsBuffered.Add(1)
		if qerr := sess.EnqueuePending(env); qerr != nil {
			return nil, qerr
		}
		op.Status = "queued"
		op.Error = err.Error()
	} else {
		r.metrics.CommandsSent.Add(1)
		op.Status = "sent"
	}
	if err := r.store.SaveOperation(op); err != nil {
		return nil, err
	}
	return op, nil
}

// =============================================================================
// Image ingest
// =============================================================================

// imageJob is the payload the ingest queue carries for one image_ready.
type imageJob struct {
	deviceID  string
	sessionID string
	imageB64  string
	question  string
	mime      string
	ts        int64
	traceID   string
}

// enqueueImage submits one image through the bounded ingest queue and blocks
// until processed. Overflow surfaces the queue error to the caller.
func (r *Runtime) enqueueImage(ctx context.Context, job *imageJob) (map[string]any, error) {
	r.metrics.ImagesEnqueued.Add(1)
	out, err := r.queue.Submit(ctx, job)
	if err != nil {
		r.metrics.ImagesRejected.Add(1)
	}
	return out, err
}

// SubmitImage is the HTTP-facing enqueue: same semantics as an image_ready
// event arriving on the wire.
func (r *Runtime) SubmitImage(ctx context.Context, deviceID, sessionID, imageB64, question, mime string) (map[string]any, error) {
	sess := r.sessions.GetOrCreate(deviceID, sessionID)
	return r.enqueueImage(ctx, &imageJob{
		deviceID:  sess.DeviceID,
		sessionID: sess.SessionID,
		imageB64:  imageB64,
		question:  question,
		mime:      mime,
		ts:        time.Now().UnixMilli(),
		traceID:   uuid.NewString(),
	})
}

func (r *Runtime) processImage(ctx context.Context, payload any) (map[string]any, error) {
	job, ok := payload.(*imageJob)
	if !ok {
		return nil, fmt.Errorf("runtime: unexpected ingest payload %T", payload)
	}
	if r.vision == nil {
		return nil, fmt.Errorf("runtime: vision pipeline not configured")
	}
	res, err := r.vision.IngestImage(ctx, vision.IngestRequest{
		SessionID:   job.sessionID,
		ImageBase64: job.imageB64,
		Question:    job.question,
		Mime:        job.mime,
		TS:          job.ts,
		Metadata:    map[string]any{"device_id": job.deviceID, "trace_id": job.traceID},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"image_id":   res.ImageID,
		"dedup":      res.Dedup,
		"summary":    res.Summary,
		"image_uri":  res.ImageURI,
		"risk_level": res.RiskLevel,
		"confidence": res.Confidence,
	}, nil
}

// =============================================================================
// Watchdog
// =============================================================================

// watchdog samples metrics, persists observability snapshots, closes sessions
// idle past the timeout, and runs the periodic retention cleanup.
func (r *Runtime) watchdog() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.WatchdogInterval)
	defer ticker.Stop()
	lastCleanup := time.Now()
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case now := <-ticker.C:
			r.metrics.Sample(now)
			health := r.metrics.Health(now, r.opts.Thresholds)
			if err := r.store.AppendObservability(&store.ObservabilitySample{
				TS:      now.UnixMilli(),
				Healthy: health.Healthy,
				Rates:   ratesMap(health.Rates),
				Alerts:  health.Alerts,
			}); err != nil {
				r.log.Warn("runtime: observability sample write failed", "error", err)
			}
			r.sweepIdle(now)
			if r.opts.Retention.Enabled() && now.Sub(lastCleanup) >= r.opts.RetentionInterval {
				lastCleanup = now
				stats, err := r.store.Cleanup(now.UnixMilli(), r.opts.Retention)
				if err != nil {
					r.log.Warn("runtime: retention cleanup failed", "error", err)
				} else {
					r.log.Info("runtime: retention cleanup",
						"events", stats.Events, "operations", stats.Operations,
						"images", stats.Images, "samples", stats.Samples)
				}
			}
		}
	}
}

func (r *Runtime) sweepIdle(now time.Time) {
	for _, snap := range r.sessions.Snapshots() {
		sess := r.sessions.Get(snap.DeviceID, snap.SessionID)
		if sess == nil || sess.Closed() {
			continue
		}
		if sess.IdleFor(now) < r.opts.IdleTimeout {
			continue
		}
		r.log.Info("runtime: closing idle session",
			"device_id", snap.DeviceID, "session_id", snap.SessionID, "idle", sess.IdleFor(now))
		r.sendCommand(r.baseCtx, sess, protocol.CommandClose, protocol.Payload{"reason": "idle_timeout"})
		r.closeSession(sess, "idle_timeout")
	}
}

func (r *Runtime) closeSession(sess *session.Session, reason string) {
	r.cancelTurn(sess, false)
	r.audio.ResetCapture(sess.DeviceID, sess.SessionID)
	r.sessions.Close(sess.DeviceID, sess.SessionID, reason)
	r.mu.Lock()
	delete(r.partials, sess.DeviceID+"/"+sess.SessionID)
	r.mu.Unlock()
}

// =============================================================================
// Status surfaces
// =============================================================================

// Metrics exposes the live counter set.
func (r *Runtime) Metrics() *Metrics { return r.metrics }

// HealthNow evaluates current rates against the configured thresholds.
func (r *Runtime) HealthNow() Health {
	return r.metrics.Health(time.Now(), r.opts.Thresholds)
}

// QueueStats snapshots the image ingest queue counters.
func (r *Runtime) QueueStats() ingest.Stats { return r.queue.Snapshot() }

// AdapterName names the active transport adapter.
func (r *Runtime) AdapterName() string { return r.adapter.Name() }

// SessionSnapshots lists live sessions for status surfaces.
func (r *Runtime) SessionSnapshots() []session.Snapshot { return r.sessions.Snapshots() }

// gate runs the safety policy over one outbound text and records the audit
// event every invocation produces.
func (r *Runtime) gate(sess *session.Session, in safety.Input) safety.Decision {
	d := r.policy.Evaluate(in)
	if err := r.store.AppendEvent(&store.LifelogEvent{
		ID:        uuid.NewString(),
		SessionID: sess.SessionID,
		EventType: "safety_policy",
		Payload: map[string]any{
			"source":         d.Source,
			"downgraded":     d.Downgraded,
			"reason":         d.Reason,
			"rule_ids":       d.RuleIDs,
			"policy_version": d.PolicyVersion,
		},
		RiskLevel:  d.RiskLevel,
		Confidence: d.Confidence,
		TS:         time.Now().UnixMilli(),
	}); err != nil {
		r.log.Warn("runtime: safety audit write failed", "error", err)
	}
	return d
}

// splitChunks breaks text into rune-safe pieces of at most max characters,
// preferring to cut after sentence punctuation.
func splitChunks(text string, max int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for len(runes) > 0 {
		if len(runes) <= max {
			out = append(out, string(runes))
			break
		}
		cut := max
		for i := max; i > max/2; i-- {
			if isChunkBoundary(runes[i-1]) {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	return out
}

func isChunkBoundary(r rune) bool {
	switch r {
	case '。', '！', '？', '，', '.', '!', '?', ',', ';', ' ':
		return true
	}
	return false
}
