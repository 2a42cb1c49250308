// Package audiopipe buffers uplink audio per session: it reorders chunks
// inside a bounded jitter window, gates non-speech frames behind a small
// prebuffer until voice activity starts, accumulates device-side transcript
// pieces, and falls back to server-side transcription on finalize.
package audiopipe

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// TranscribeFunc turns captured audio into text. Called at most once per
// capture, on finalize, and only when the device supplied no transcript.
type TranscribeFunc func(ctx context.Context, audio []byte) (string, error)

// Options tunes a Pipeline. Zero values take defaults.
type Options struct {
	MaxBytes         int // capture byte budget, default 8 MiB
	PrebufferChunks  int // non-speech frames kept before VAD opens, default 3
	JitterWindow     int // out-of-order chunks held for reordering, default 8
	VADSilenceChunks int // trailing silence frames before VAD closes, default 6
	DisableVAD       bool
	Transcribe       TranscribeFunc
	Logger           *slog.Logger
}

// orderNone marks "no expected order yet".
const orderNone int64 = -1

type prebufEntry struct {
	order int64
	chunk []byte
}

// capture holds the buffers for one in-flight listen window.
type capture struct {
	started        bool
	ordered        map[int64][]byte
	texts          map[int64]string
	pending        map[int64][]byte
	prebuffer      []prebufEntry
	totalBytes     int
	nextLocalOrder int64
	nextExpected   int64
	vadActive      bool
	silenceChunks  int
	speechChunks   int
}

func newCapture() *capture {
	return &capture{
		ordered:        map[int64][]byte{},
		texts:          map[int64]string{},
		pending:        map[int64][]byte{},
		nextLocalOrder: 1,
		nextExpected:   orderNone,
	}
}

// Pipeline is the session-scoped audio buffer. Safe for concurrent use.
type Pipeline struct {
	maxBytes         int
	prebufferChunks  int
	jitterWindow     int
	vadSilenceChunks int
	vadEnabled       bool
	transcribe       TranscribeFunc
	logger           *slog.Logger

	mu       sync.Mutex
	captures map[string]*capture
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 8 * 1024 * 1024
	}
	if opts.PrebufferChunks < 0 {
		opts.PrebufferChunks = 0
	} else if opts.PrebufferChunks == 0 {
		opts.PrebufferChunks = 3
	}
	if opts.JitterWindow <= 0 {
		opts.JitterWindow = 8
	}
	if opts.VADSilenceChunks <= 0 {
		opts.VADSilenceChunks = 6
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		maxBytes:         opts.MaxBytes,
		prebufferChunks:  opts.PrebufferChunks,
		jitterWindow:     opts.JitterWindow,
		vadSilenceChunks: opts.VADSilenceChunks,
		vadEnabled:       !opts.DisableVAD,
		transcribe:       opts.Transcribe,
		logger:           opts.Logger,
	}
}

func captureKey(deviceID, sessionID string) string {
	return deviceID + "/" + sessionID
}

// StartCapture opens (or restarts) the capture window for a session.
func (p *Pipeline) StartCapture(deviceID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captures == nil {
		p.captures = map[string]*capture{}
	}
	cap := newCapture()
	cap.started = true
	p.captures[captureKey(deviceID, sessionID)] = cap
}

// AppendChunk folds one audio_chunk payload into the capture and returns the
// transcript composed from device-side text pieces so far. eventSeq is the
// envelope seq, used for ordering when the payload carries no index.
func (p *Pipeline) AppendChunk(deviceID, sessionID string, payload map[string]any, eventSeq int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captures == nil {
		p.captures = map[string]*capture{}
	}
	key := captureKey(deviceID, sessionID)
	cap := p.captures[key]
	if cap == nil {
		cap = newCapture()
		p.captures[key] = cap
	}
	cap.started = true

	order := resolveOrder(payload, eventSeq, cap)

	if piece := strings.TrimSpace(payloadText(payload)); piece != "" {
		if existing, ok := cap.texts[order]; ok && existing != piece {
			order = nextFreeOrder(order, cap)
		}
		cap.texts[order] = piece
	}

	if b64 := payloadAudioB64(payload); b64 != "" {
		chunk, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			p.logger.Debug("audiopipe: invalid base64 audio payload ignored", "device_id", deviceID)
			chunk = nil
		}
		if len(chunk) > 0 && !cap.orderExists(order) {
			p.appendAudio(cap, order, chunk, resolveSpeechFlag(payload))
		}
	}
	return composeText(cap)
}

// FinalizeCapture closes the capture window and returns the best transcript:
// an explicit payload transcript wins, then composed text pieces, then the
// transcription fallback over the reassembled audio.
func (p *Pipeline) FinalizeCapture(ctx context.Context, deviceID, sessionID string, payload map[string]any) string {
	if explicit := strings.TrimSpace(payloadTranscript(payload)); explicit != "" {
		p.ResetCapture(deviceID, sessionID)
		return explicit
	}

	p.mu.Lock()
	key := captureKey(deviceID, sessionID)
	cap := p.captures[key]
	delete(p.captures, key)
	if cap == nil {
		p.mu.Unlock()
		return ""
	}
	p.flushPrebuffer(cap)
	p.flushPending(cap, true)
	text := composeText(cap)
	audio := joinAudio(cap)
	p.mu.Unlock()

	if text != "" {
		return text
	}
	if len(audio) == 0 || p.transcribe == nil {
		return ""
	}
	out, err := p.transcribe(ctx, audio)
	if err != nil {
		p.logger.Warn("audiopipe: transcription failed", "device_id", deviceID, "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}

// PartialTranscript composes the current device-side transcript, truncated
// with an ellipsis beyond maxChars. maxChars <= 0 means 160.
func (p *Pipeline) PartialTranscript(deviceID, sessionID string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 160
	}
	p.mu.Lock()
	cap := p.captures[captureKey(deviceID, sessionID)]
	text := ""
	if cap != nil {
		text = composeText(cap)
	}
	p.mu.Unlock()
	if len(text) <= maxChars {
		return text
	}
	cut := maxChars - 3
	if cut < 1 {
		cut = 1
	}
	return strings.TrimRight(text[:cut], " ") + "..."
}

// ResetCapture discards any buffered state for a session.
func (p *Pipeline) ResetCapture(deviceID, sessionID string) {
	p.mu.Lock()
	delete(p.captures, captureKey(deviceID, sessionID))
	p.mu.Unlock()
}

// Active reports whether a capture window is open for a session.
func (p *Pipeline) Active(deviceID, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cap := p.captures[captureKey(deviceID, sessionID)]
	return cap != nil && cap.started
}

// =============================================================================
// Internals
// =============================================================================

func (p *Pipeline) appendAudio(cap *capture, order int64, chunk []byte, speech *bool) {
	if cap.totalBytes+len(chunk) > p.maxBytes {
		p.logger.Warn("audiopipe: capture byte budget reached, dropping chunk")
		return
	}

	if !p.vadEnabled {
		p.storePending(cap, order, chunk)
		p.flushPending(cap, false)
		return
	}

	// Sources without a VAD hint are treated as speech.
	isSpeech := speech == nil || *speech

	if isSpeech {
		cap.vadActive = true
		cap.silenceChunks = 0
		cap.speechChunks++
		p.flushPrebuffer(cap)
		p.storePending(cap, order, chunk)
		p.flushPending(cap, false)
		return
	}

	if cap.vadActive {
		cap.silenceChunks++
		p.storePending(cap, order, chunk)
		p.flushPending(cap, false)
		if cap.silenceChunks >= p.vadSilenceChunks {
			cap.vadActive = false
		}
		return
	}

	// Before speech starts, hold a small prebuffer window.
	p.storePrebuffer(cap, order, chunk)
}

func (p *Pipeline) storePending(cap *capture, order int64, chunk []byte) {
	if _, ok := cap.pending[order]; ok {
		return
	}
	if _, ok := cap.ordered[order]; ok {
		return
	}
	cap.pending[order] = chunk
	cap.totalBytes += len(chunk)
	if cap.nextExpected == orderNone {
		cap.nextExpected = minOrder(cap.pending)
	}
}

func (p *Pipeline) storePrebuffer(cap *capture, order int64, chunk []byte) {
	if p.prebufferChunks <= 0 {
		return
	}
	for _, e := range cap.prebuffer {
		if e.order == order {
			return
		}
	}
	cap.prebuffer = append(cap.prebuffer, prebufEntry{order: order, chunk: chunk})
	cap.totalBytes += len(chunk)
	for len(cap.prebuffer) > p.prebufferChunks {
		dropped := cap.prebuffer[0]
		cap.prebuffer = cap.prebuffer[1:]
		cap.totalBytes -= len(dropped.chunk)
		if cap.totalBytes < 0 {
			cap.totalBytes = 0
		}
	}
}

func (p *Pipeline) flushPrebuffer(cap *capture) {
	if len(cap.prebuffer) == 0 {
		return
	}
	entries := append([]prebufEntry(nil), cap.prebuffer...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	for _, e := range entries {
		if _, ok := cap.pending[e.order]; ok {
			continue
		}
		if _, ok := cap.ordered[e.order]; ok {
			continue
		}
		cap.pending[e.order] = e.chunk
		if cap.nextExpected == orderNone {
			cap.nextExpected = e.order
		}
	}
	cap.prebuffer = nil
}

func (p *Pipeline) flushPending(cap *capture, force bool) {
	if len(cap.pending) == 0 {
		return
	}
	if force {
		for order, chunk := range cap.pending {
			cap.ordered[order] = chunk
		}
		cap.pending = map[int64][]byte{}
		cap.nextExpected = orderNone
		return
	}

	if cap.nextExpected == orderNone {
		cap.nextExpected = minOrder(cap.pending)
	}

	for cap.nextExpected != orderNone {
		chunk, ok := cap.pending[cap.nextExpected]
		if !ok {
			break
		}
		cap.ordered[cap.nextExpected] = chunk
		delete(cap.pending, cap.nextExpected)
		cap.nextExpected++
	}

	// A gap older than the jitter window is abandoned: promote the oldest
	// pending chunk past it.
	for len(cap.pending) > p.jitterWindow {
		order := minOrder(cap.pending)
		cap.ordered[order] = cap.pending[order]
		delete(cap.pending, order)
		if cap.nextExpected == orderNone || cap.nextExpected < order+1 {
			cap.nextExpected = order + 1
		}
	}
}

func (cap *capture) orderExists(order int64) bool {
	if _, ok := cap.ordered[order]; ok {
		return true
	}
	if _, ok := cap.pending[order]; ok {
		return true
	}
	for _, e := range cap.prebuffer {
		if e.order == order {
			return true
		}
	}
	return false
}

func minOrder(m map[int64][]byte) int64 {
	min := orderNone
	for order := range m {
		if min == orderNone || order < min {
			min = order
		}
	}
	return min
}

func composeText(cap *capture) string {
	orders := make([]int64, 0, len(cap.texts))
	for order := range cap.texts {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i] < orders[j] })
	parts := make([]string, 0, len(orders))
	for _, order := range orders {
		if piece := strings.TrimSpace(cap.texts[order]); piece != "" {
			parts = append(parts, piece)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func joinAudio(cap *capture) []byte {
	orders := make([]int64, 0, len(cap.ordered))
	total := 0
	for order, chunk := range cap.ordered {
		orders = append(orders, order)
		total += len(chunk)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i] < orders[j] })
	out := make([]byte, 0, total)
	for _, order := range orders {
		out = append(out, cap.ordered[order]...)
	}
	return out
}

// resolveOrder picks the chunk order from the payload index fields, then the
// envelope seq, then a local counter.
func resolveOrder(payload map[string]any, eventSeq int64, cap *capture) int64 {
	for _, key := range []string{"chunk_index", "chunk_idx", "frame_index", "index", "order", "timestamp"} {
		if v, ok := toInt(payload[key]); ok && v >= 0 {
			if cap.nextLocalOrder < v+1 {
				cap.nextLocalOrder = v + 1
			}
			return v
		}
	}
	if eventSeq >= 0 {
		if cap.nextLocalOrder < eventSeq+1 {
			cap.nextLocalOrder = eventSeq + 1
		}
		return eventSeq
	}
	order := cap.nextLocalOrder
	cap.nextLocalOrder++
	return order
}

func nextFreeOrder(order int64, cap *capture) int64 {
	next := order
	if cap.nextLocalOrder > next {
		next = cap.nextLocalOrder
	}
	for {
		if _, ok := cap.texts[next]; !ok {
			break
		}
		next++
	}
	if cap.nextLocalOrder < next+1 {
		cap.nextLocalOrder = next + 1
	}
	return next
}

func payloadText(payload map[string]any) string {
	if s, ok := payload["text"].(string); ok && s != "" {
		return s
	}
	if s, ok := payload["transcript"].(string); ok {
		return s
	}
	return ""
}

func payloadTranscript(payload map[string]any) string {
	if s, ok := payload["transcript"].(string); ok && s != "" {
		return s
	}
	if s, ok := payload["text"].(string); ok {
		return s
	}
	return ""
}

func payloadAudioB64(payload map[string]any) string {
	if s, ok := payload["audio_b64"].(string); ok && s != "" {
		return s
	}
	if s, ok := payload["audio"].(string); ok {
		return s
	}
	return ""
}

// resolveSpeechFlag extracts the device VAD hint. nil means the source gave
// no hint; text-bearing chunks imply speech.
func resolveSpeechFlag(payload map[string]any) *bool {
	for _, key := range []string{"is_speech", "speech", "vad_speech", "vad", "voice"} {
		v, ok := payload[key]
		if !ok {
			continue
		}
		return toBool(v)
	}
	if strings.TrimSpace(payloadText(payload)) != "" {
		yes := true
		return &yes
	}
	return nil
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func toBool(v any) *bool {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return &x
	default:
		text := strings.ToLower(strings.TrimSpace(toString(v)))
		switch text {
		case "1", "true", "yes", "on", "speech", "voice":
			yes := true
			return &yes
		case "0", "false", "no", "off", "silence", "noise":
			no := false
			return &no
		}
	}
	return nil
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}
