// Package session tracks per-device conversational sessions: sequence
// bookkeeping for inbound dedup, the persisted outbound sequence allocator,
// the replay window for reconnects, and session lifecycle state.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opencane/opencane/pkg/protocol"
	"github.com/opencane/opencane/pkg/store"
)

var (
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session: session closed")

	// ErrPendingOverflow is returned when the pending command queue is full.
	ErrPendingOverflow = errors.New("session: pending command queue full")
)

// State is the conversational lifecycle state of a session.
type State string

const (
	StateAuthed      State = "AUTHED"
	StateReady       State = "READY"
	StateListening   State = "LISTENING"
	StateThinking    State = "THINKING"
	StateSpeaking    State = "SPEAKING"
	StateInterrupted State = "INTERRUPTED"
	StateClosing     State = "CLOSING"
)

// transitions lists the legal successor states. CLOSING is reachable from
// everywhere and is terminal.
var transitions = map[State][]State{
	StateAuthed:      {StateReady},
	StateReady:       {StateListening, StateSpeaking, StateThinking},
	StateListening:   {StateThinking, StateReady, StateInterrupted},
	StateThinking:    {StateSpeaking, StateReady, StateInterrupted},
	StateSpeaking:    {StateReady, StateInterrupted},
	StateInterrupted: {StateListening, StateReady},
	StateClosing:     {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	if to == StateClosing {
		return from != StateClosing
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SeqResult classifies an inbound control message by its seq.
type SeqResult int

const (
	// SeqNew means the seq advanced the window and the message is fresh.
	SeqNew SeqResult = iota
	// SeqDuplicate means the seq was at or below the last committed seq.
	SeqDuplicate
	// SeqBypass means the message carried a negative seq and skips dedup.
	SeqBypass
)

// DefaultSessionID returns the session id used when a device omits one.
func DefaultSessionID(deviceID string) string {
	return deviceID + "-default"
}

// =============================================================================
// Session
// =============================================================================

// Session is one device conversation. All methods are safe for concurrent
// use; the runtime dispatcher and the push path both touch it.
type Session struct {
	DeviceID  string
	SessionID string

	mu           sync.Mutex
	state        State
	closed       bool
	closeReason  string
	lastRecvSeq  int64
	outboundSeq  int64
	telemetry    map[string]any
	metadata     map[string]any
	activeTurnID string
	activeTaskID string
	createdAt    time.Time
	lastSeenAt   time.Time

	replay     []*protocol.Envelope // ring, oldest first
	replayCap  int
	pending    []*protocol.Envelope
	pendingCap int

	persist func(*Session)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to next when the transition is legal. Illegal
// transitions are rejected with an error; the caller decides whether that is
// fatal.
func (s *Session) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state == next {
		return nil
	}
	if !CanTransition(s.state, next) {
		return fmt.Errorf("session: illegal transition %s -> %s", s.state, next)
	}
	s.state = next
	s.persistLocked()
	return nil
}

// ForceState moves the session to next unconditionally. Used for barge-in and
// close paths where the interrupt wins over the normal transition table.
func (s *Session) ForceState(next State) {
	s.mu.Lock()
	s.state = next
	s.persistLocked()
	s.mu.Unlock()
}

// CheckAndCommitSeq classifies seq against the dedup window and, for fresh
// messages, commits it as the new high-water mark.
func (s *Session) CheckAndCommitSeq(seq int64) SeqResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeenAt = time.Now()
	if seq < 0 {
		return SeqBypass
	}
	if seq <= s.lastRecvSeq {
		return SeqDuplicate
	}
	s.lastRecvSeq = seq
	s.persistLocked()
	return SeqNew
}

// LastRecvSeq returns the inbound high-water mark.
func (s *Session) LastRecvSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecvSeq
}

// NextOutboundSeq allocates the next outbound sequence number. Allocations
// are persisted so that a restart never reuses a seq the device has seen.
func (s *Session) NextOutboundSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.outboundSeq + 1
	if next < 1 {
		next = 1
	}
	s.outboundSeq = next
	s.persistLocked()
	return next
}

// RecordCommand appends an outbound command to the replay window, evicting
// the oldest entry when the window is full.
func (s *Session) RecordCommand(env *protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replay) >= s.replayCap {
		copy(s.replay, s.replay[1:])
		s.replay = s.replay[:len(s.replay)-1]
	}
	s.replay = append(s.replay, env)
}

// ReplaySince returns recorded commands with seq greater than lastRecvSeq,
// oldest first. lastRecvSeq < 0 replays the whole window.
func (s *Session) ReplaySince(lastRecvSeq int64) []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(s.replay))
	for _, env := range s.replay {
		if lastRecvSeq < 0 || env.Seq > lastRecvSeq {
			out = append(out, env)
		}
	}
	return out
}

// EnqueuePending queues a command for delivery on the next connect. The
// queue is bounded; overflow is an error so the caller can surface it.
func (s *Session) EnqueuePending(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if len(s.pending) >= s.pendingCap {
		return ErrPendingOverflow
	}
	s.pending = append(s.pending, env)
	return nil
}

// DrainPending removes and returns all pending commands, oldest first.
func (s *Session) DrainPending() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// UpdateTelemetry shallow-merges fields into the session telemetry snapshot.
func (s *Session) UpdateTelemetry(fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.telemetry == nil {
		s.telemetry = map[string]any{}
	}
	for k, v := range fields {
		s.telemetry[k] = v
	}
	s.lastSeenAt = time.Now()
	s.persistLocked()
}

// Telemetry returns a copy of the telemetry snapshot.
func (s *Session) Telemetry() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.telemetry))
	for k, v := range s.telemetry {
		out[k] = v
	}
	return out
}

// SetMetadata shallow-merges fields into the session metadata.
func (s *Session) SetMetadata(fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = map[string]any{}
	}
	for k, v := range fields {
		s.metadata[k] = v
	}
	s.persistLocked()
}

// SetActiveTurn records the turn currently owning the speak path. An empty
// id clears it.
func (s *Session) SetActiveTurn(turnID string) {
	s.mu.Lock()
	s.activeTurnID = turnID
	s.mu.Unlock()
}

// ActiveTurn returns the turn currently owning the speak path.
func (s *Session) ActiveTurn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTurnID
}

// SetActiveTask records the digital task bound to this session.
func (s *Session) SetActiveTask(taskID string) {
	s.mu.Lock()
	s.activeTaskID = taskID
	s.mu.Unlock()
}

// ActiveTask returns the digital task bound to this session.
func (s *Session) ActiveTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTaskID
}

// Touch bumps the liveness timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeenAt = time.Now()
	s.mu.Unlock()
}

// IdleFor returns how long the session has been silent.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeenAt)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) persistLocked() {
	if s.persist != nil {
		s.persist(s)
	}
}

// Snapshot is an immutable view of a session for status surfaces.
type Snapshot struct {
	DeviceID     string         `json:"device_id"`
	SessionID    string         `json:"session_id"`
	State        State          `json:"state"`
	LastRecvSeq  int64          `json:"last_recv_seq"`
	OutboundSeq  int64          `json:"outbound_seq"`
	ActiveTurnID string         `json:"active_turn_id,omitempty"`
	ActiveTaskID string         `json:"active_task_id,omitempty"`
	PendingCount int            `json:"pending_count"`
	ReplayCount  int            `json:"replay_count"`
	Telemetry    map[string]any `json:"telemetry,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	LastSeenAt   int64          `json:"last_seen_at"`
	Closed       bool           `json:"closed"`
	CloseReason  string         `json:"close_reason,omitempty"`
}

// Snapshot captures the session for status surfaces.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	telemetry := make(map[string]any, len(s.telemetry))
	for k, v := range s.telemetry {
		telemetry[k] = v
	}
	return Snapshot{
		DeviceID:     s.DeviceID,
		SessionID:    s.SessionID,
		State:        s.state,
		LastRecvSeq:  s.lastRecvSeq,
		OutboundSeq:  s.outboundSeq,
		ActiveTurnID: s.activeTurnID,
		ActiveTaskID: s.activeTaskID,
		PendingCount: len(s.pending),
		ReplayCount:  len(s.replay),
		Telemetry:    telemetry,
		CreatedAt:    s.createdAt.UnixMilli(),
		LastSeenAt:   s.lastSeenAt.UnixMilli(),
		Closed:       s.closed,
		CloseReason:  s.closeReason,
	}
}

func (s *Session) record() *store.DeviceSessionRecord {
	now := time.Now().UnixMilli()
	rec := &store.DeviceSessionRecord{
		DeviceID:        s.DeviceID,
		SessionID:       s.SessionID,
		State:           string(s.state),
		CreatedAtMS:     s.createdAt.UnixMilli(),
		LastSeenMS:      s.lastSeenAt.UnixMilli(),
		LastRecvSeq:     s.lastRecvSeq,
		LastOutboundSeq: s.outboundSeq,
		Metadata:        s.metadata,
		Telemetry:       s.telemetry,
		CloseReason:     s.closeReason,
		UpdatedAtMS:     now,
	}
	if s.closed {
		rec.ClosedAtMS = now
	}
	return rec
}

// =============================================================================
// Manager
// =============================================================================

// Persister saves session records. *store.Store satisfies it; tests use a
// stub or nil.
type Persister interface {
	SaveSession(rec *store.DeviceSessionRecord) error
	LoadSession(deviceID, sessionID string) (*store.DeviceSessionRecord, bool, error)
}

// Options tunes a Manager. Zero values take defaults.
type Options struct {
	ReplayWindow int // outbound commands kept per session, default 64
	PendingLimit int // queued commands per offline session, default 128
	Persister    Persister
	Logger       *slog.Logger
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	replayCap  int
	pendingCap int
	persister  Persister
	logger     *slog.Logger
}

// NewManager builds a session manager.
func NewManager(opts Options) *Manager {
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 64
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = 128
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		sessions:   map[string]*Session{},
		replayCap:  opts.ReplayWindow,
		pendingCap: opts.PendingLimit,
		persister:  opts.Persister,
		logger:     opts.Logger,
	}
}

func sessionKey(deviceID, sessionID string) string {
	return deviceID + "/" + sessionID
}

// GetOrCreate returns the live session for (deviceID, sessionID), creating it
// on first use. An empty sessionID resolves to the device default session.
// New sessions restore persisted seq state so reconnects and restarts never
// regress the dedup window or reuse outbound seqs.
func (m *Manager) GetOrCreate(deviceID, sessionID string) *Session {
	if sessionID == "" {
		sessionID = DefaultSessionID(deviceID)
	}
	key := sessionKey(deviceID, sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok && !s.closed {
		return s
	}

	now := time.Now()
	s := &Session{
		DeviceID:   deviceID,
		SessionID:  sessionID,
		state:      StateAuthed,
		telemetry:  map[string]any{},
		metadata:   map[string]any{},
		replayCap:  m.replayCap,
		pendingCap: m.pendingCap,
		createdAt:  now,
		lastSeenAt: now,
	}
	if m.persister != nil {
		if rec, ok, err := m.persister.LoadSession(deviceID, sessionID); err != nil {
			m.logger.Warn("session: load failed", "device_id", deviceID, "session_id", sessionID, "error", err)
		} else if ok {
			s.lastRecvSeq = rec.LastRecvSeq
			s.outboundSeq = rec.LastOutboundSeq
			if rec.CreatedAtMS > 0 {
				s.createdAt = time.UnixMilli(rec.CreatedAtMS)
			}
			if len(rec.Metadata) > 0 {
				s.metadata = rec.Metadata
			}
			if len(rec.Telemetry) > 0 {
				s.telemetry = rec.Telemetry
			}
		}
		persister, logger := m.persister, m.logger
		s.persist = func(sess *Session) {
			if err := persister.SaveSession(sess.record()); err != nil {
				logger.Warn("session: save failed", "device_id", sess.DeviceID, "session_id", sess.SessionID, "error", err)
			}
		}
	}
	m.sessions[key] = s
	m.logger.Info("session: created", "device_id", deviceID, "session_id", sessionID, "last_recv_seq", s.lastRecvSeq)
	return s
}

// Get returns the live session or nil.
func (m *Manager) Get(deviceID, sessionID string) *Session {
	if sessionID == "" {
		sessionID = DefaultSessionID(deviceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey(deviceID, sessionID)]
}

// ForDevice returns all live sessions for a device.
func (m *Manager) ForDevice(deviceID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out
}

// Close marks the session closed with a reason and drops it from the live
// set. Closing an unknown session is a no-op.
func (m *Manager) Close(deviceID, sessionID, reason string) {
	if sessionID == "" {
		sessionID = DefaultSessionID(deviceID)
	}
	key := sessionKey(deviceID, sessionID)

	m.mu.Lock()
	s := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	s.closed = true
	s.closeReason = reason
	s.state = StateClosing
	s.persistLocked()
	s.mu.Unlock()
	m.logger.Info("session: closed", "device_id", deviceID, "session_id", sessionID, "reason", reason)
}

// Snapshots returns a status view of every live session.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	return out
}
