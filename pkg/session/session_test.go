package session

import (
	"errors"
	"testing"

	"github.com/opencane/opencane/pkg/protocol"
	"github.com/opencane/opencane/pkg/store"
)

func TestCheckAndCommitSeq(t *testing.T) {
	m := NewManager(Options{})
	s := m.GetOrCreate("dev-1", "")

	tests := []struct {
		name string
		seq  int64
		want SeqResult
	}{
		{"first", 1, SeqNew},
		{"gap_forward", 5, SeqNew},
		{"duplicate_exact", 5, SeqDuplicate},
		{"duplicate_below", 3, SeqDuplicate},
		{"negative_bypass", -1, SeqBypass},
		{"advance_after_bypass", 6, SeqNew},
	}
	for _, tc := range tests {
		if got := s.CheckAndCommitSeq(tc.seq); got != tc.want {
			t.Errorf("%s: CheckAndCommitSeq(%d) = %v; want %v", tc.name, tc.seq, got, tc.want)
		}
	}
	if s.LastRecvSeq() != 6 {
		t.Errorf("LastRecvSeq = %d; want 6", s.LastRecvSeq())
	}
}

func TestNextOutboundSeq(t *testing.T) {
	m := NewManager(Options{})
	s := m.GetOrCreate("dev-1", "s1")
	for want := int64(1); want <= 5; want++ {
		if got := s.NextOutboundSeq(); got != want {
			t.Fatalf("NextOutboundSeq = %d; want %d", got, want)
		}
	}
}

func TestDefaultSessionID(t *testing.T) {
	m := NewManager(Options{})
	a := m.GetOrCreate("dev-1", "")
	b := m.GetOrCreate("dev-1", "dev-1-default")
	if a != b {
		t.Error("empty session id and explicit default must resolve to one session")
	}
	if a.SessionID != "dev-1-default" {
		t.Errorf("SessionID = %q; want dev-1-default", a.SessionID)
	}
}

func TestReplayWindow(t *testing.T) {
	m := NewManager(Options{ReplayWindow: 3})
	s := m.GetOrCreate("dev-1", "s1")
	for i := 1; i <= 5; i++ {
		seq := s.NextOutboundSeq()
		s.RecordCommand(protocol.NewCommand(protocol.CommandAck, "dev-1", "s1", seq, protocol.Payload{"ack_seq": i}))
	}

	all := s.ReplaySince(-1)
	if len(all) != 3 {
		t.Fatalf("window size = %d; want 3", len(all))
	}
	// Oldest two were evicted; remainder stays ordered.
	if all[0].Seq != 3 || all[2].Seq != 5 {
		t.Errorf("window seqs = [%d..%d]; want [3..5]", all[0].Seq, all[2].Seq)
	}

	since := s.ReplaySince(4)
	if len(since) != 1 || since[0].Seq != 5 {
		t.Errorf("ReplaySince(4) = %d entries; want only seq 5", len(since))
	}
	if got := s.ReplaySince(9); len(got) != 0 {
		t.Errorf("ReplaySince(9) = %d entries; want none", len(got))
	}
}

func TestPendingQueue(t *testing.T) {
	m := NewManager(Options{PendingLimit: 2})
	s := m.GetOrCreate("dev-1", "s1")

	for i := 0; i < 2; i++ {
		if err := s.EnqueuePending(protocol.NewCommand(protocol.CommandTTSChunk, "dev-1", "s1", int64(i+1), nil)); err != nil {
			t.Fatalf("EnqueuePending error: %v", err)
		}
	}
	if err := s.EnqueuePending(protocol.NewCommand(protocol.CommandTTSChunk, "dev-1", "s1", 3, nil)); !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("err = %v; want ErrPendingOverflow", err)
	}
	drained := s.DrainPending()
	if len(drained) != 2 || drained[0].Seq != 1 {
		t.Errorf("DrainPending = %d entries, first seq %d; want 2 entries FIFO", len(drained), drained[0].Seq)
	}
	if len(s.DrainPending()) != 0 {
		t.Error("second drain must be empty")
	}
}

func TestStateTransitions(t *testing.T) {
	m := NewManager(Options{})
	s := m.GetOrCreate("dev-1", "s1")

	if s.State() != StateAuthed {
		t.Fatalf("initial state = %s; want AUTHED", s.State())
	}
	steps := []State{StateReady, StateListening, StateThinking, StateSpeaking}
	for _, next := range steps {
		if err := s.SetState(next); err != nil {
			t.Fatalf("SetState(%s) error: %v", next, err)
		}
	}
	// SPEAKING -> LISTENING is not a legal transition; barge-in goes through
	// INTERRUPTED.
	if err := s.SetState(StateListening); err == nil {
		t.Error("SPEAKING -> LISTENING must be rejected")
	}
	s.ForceState(StateInterrupted)
	if err := s.SetState(StateListening); err != nil {
		t.Errorf("INTERRUPTED -> LISTENING error: %v", err)
	}
}

func TestTelemetryMerge(t *testing.T) {
	m := NewManager(Options{})
	s := m.GetOrCreate("dev-1", "s1")
	s.UpdateTelemetry(map[string]any{"battery": 80, "network": "lte"})
	s.UpdateTelemetry(map[string]any{"battery": 79})
	tel := s.Telemetry()
	if tel["battery"] != 79 || tel["network"] != "lte" {
		t.Errorf("telemetry = %v; want shallow merge", tel)
	}
}

type memPersister struct {
	recs map[string]*store.DeviceSessionRecord
}

func (p *memPersister) SaveSession(rec *store.DeviceSessionRecord) error {
	p.recs[rec.DeviceID+"/"+rec.SessionID] = rec
	return nil
}

func (p *memPersister) LoadSession(deviceID, sessionID string) (*store.DeviceSessionRecord, bool, error) {
	rec, ok := p.recs[deviceID+"/"+sessionID]
	return rec, ok, nil
}

func TestPersistenceAcrossRestart(t *testing.T) {
	p := &memPersister{recs: map[string]*store.DeviceSessionRecord{}}

	m1 := NewManager(Options{Persister: p})
	s1 := m1.GetOrCreate("dev-1", "s1")
	s1.CheckAndCommitSeq(41)
	s1.NextOutboundSeq()
	s1.NextOutboundSeq()

	// A fresh manager simulates a process restart.
	m2 := NewManager(Options{Persister: p})
	s2 := m2.GetOrCreate("dev-1", "s1")
	if got := s2.CheckAndCommitSeq(41); got != SeqDuplicate {
		t.Errorf("restored seq window: got %v for replayed seq; want SeqDuplicate", got)
	}
	if got := s2.NextOutboundSeq(); got != 3 {
		t.Errorf("restored outbound seq = %d; want 3", got)
	}
}

func TestCloseDropsSession(t *testing.T) {
	m := NewManager(Options{})
	s := m.GetOrCreate("dev-1", "s1")
	m.Close("dev-1", "s1", "device_requested")
	if !s.Closed() {
		t.Error("session must report closed")
	}
	if err := s.SetState(StateReady); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SetState on closed = %v; want ErrSessionClosed", err)
	}
	if again := m.GetOrCreate("dev-1", "s1"); again == s {
		t.Error("GetOrCreate after close must build a fresh session")
	}
}
