package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/opencane/opencane/pkg/dtask"
	"github.com/opencane/opencane/pkg/gateway"
	"github.com/opencane/opencane/pkg/protocol"
	"github.com/opencane/opencane/pkg/provider"
	"github.com/opencane/opencane/pkg/store"
)

type stubDialogue struct {
	reply string
	err   error
}

func (s *stubDialogue) Respond(context.Context, provider.ChatRequest) (string, error) {
	return s.reply, s.err
}

// blockingTTS parks inside Synthesize so tests can hold a session in the
// SPEAKING state.
type blockingTTS struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingTTS() *blockingTTS {
	return &blockingTTS{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingTTS) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return []byte("pcm"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fallbackRunner struct{ out string }

func (f *fallbackRunner) RunStep(context.Context, string, string) (string, error) {
	return f.out, nil
}

func newTestRuntime(t *testing.T, mutate func(*Options)) (*Runtime, *gateway.MockAdapter, *store.Store) {
	t.Helper()
	db := store.OpenMemory()
	mock := gateway.NewMock(0)
	opts := Options{
		Adapter:          mock,
		Store:            db,
		Dialogue:         &stubDialogue{reply: "Ahead is a crosswalk. Please stop and listen for traffic."},
		WatchdogInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	rt, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		rt.Stop(context.Background())
		db.Close()
	})
	return rt, mock, db
}

func evt(t protocol.EventType, seq int64, payload protocol.Payload) *protocol.Envelope {
	return protocol.NewEvent(t, "dev-001", "s1", seq, payload)
}

// waitFor polls until pred sees what it wants in the captured commands.
func waitFor(t *testing.T, mock *gateway.MockAdapter, what string, pred func([]*protocol.Envelope) bool) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sent := mock.Sent()
		if pred(sent) {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; sent=%v", what, commandTypesOf(mock.Sent()))
	return nil
}

func commandTypesOf(sent []*protocol.Envelope) []string {
	out := make([]string, 0, len(sent))
	for _, env := range sent {
		out = append(out, env.Type)
	}
	return out
}

func hasCommand(sent []*protocol.Envelope, t protocol.CommandType, match func(*protocol.Envelope) bool) bool {
	for _, env := range sent {
		if env.CommandType() == t && (match == nil || match(env)) {
			return true
		}
	}
	return false
}

func runNominalTurn(t *testing.T, mock *gateway.MockAdapter) []*protocol.Envelope {
	t.Helper()
	mock.Inject(evt(protocol.EventHello, 1, nil))
	mock.Inject(evt(protocol.EventListenStart, 2, nil))
	for seq := int64(3); seq <= 7; seq++ {
		mock.Inject(evt(protocol.EventAudioChunk, seq, protocol.Payload{"chunk_index": seq - 3}))
	}
	mock.Inject(evt(protocol.EventListenStop, 8, protocol.Payload{"transcript": "what is ahead"}))

	return waitFor(t, mock, "tts_stop", func(sent []*protocol.Envelope) bool {
		return hasCommand(sent, protocol.CommandTTSStop, func(env *protocol.Envelope) bool {
			return !env.Payload.Bool("aborted", true)
		})
	})
}

func TestNominalVoiceTurn(t *testing.T) {
	_, mock, _ := newTestRuntime(t, nil)
	sent := runNominalTurn(t, mock)

	// hello_ack first, then acks for 2..8, then the turn commands, as a
	// subsequence of the captured stream.
	expect := []func(*protocol.Envelope) bool{
		func(e *protocol.Envelope) bool { return e.CommandType() == protocol.CommandHelloAck },
	}
	for seq := int64(2); seq <= 8; seq++ {
		want := seq
		expect = append(expect, func(e *protocol.Envelope) bool {
			return e.CommandType() == protocol.CommandAck && e.Payload.Int("ack_seq", -1) == want
		})
	}
	expect = append(expect,
		func(e *protocol.Envelope) bool {
			return e.CommandType() == protocol.CommandSTTFinal && e.Payload.String("text") == "what is ahead"
		},
		func(e *protocol.Envelope) bool { return e.CommandType() == protocol.CommandTTSStart },
		func(e *protocol.Envelope) bool {
			return e.CommandType() == protocol.CommandTTSChunk && e.Payload.String("text") != ""
		},
		func(e *protocol.Envelope) bool {
			return e.CommandType() == protocol.CommandTTSStop && !e.Payload.Bool("aborted", true)
		},
	)

	i := 0
	for _, env := range sent {
		if i < len(expect) && expect[i](env) {
			i++
		}
	}
	if i != len(expect) {
		t.Fatalf("command order: matched %d of %d expected steps; sent=%v", i, len(expect), commandTypesOf(sent))
	}

	// Outbound seqs are strictly increasing per session.
	last := int64(0)
	for _, env := range sent {
		if env.Seq <= last {
			t.Fatalf("outbound seq regressed: %d after %d (%s)", env.Seq, last, env.Type)
		}
		last = env.Seq
	}
}

func TestDuplicateEventsReAck(t *testing.T) {
	rt, mock, _ := newTestRuntime(t, nil)
	runNominalTurn(t, mock)
	before := len(mock.Sent())

	mock.Inject(evt(protocol.EventAudioChunk, 5, protocol.Payload{"chunk_index": 2}))
	mock.Inject(evt(protocol.EventHeartbeat, 8, nil))

	sent := waitFor(t, mock, "duplicate acks", func(sent []*protocol.Envelope) bool {
		return len(sent) >= before+2
	})
	extra := sent[before:]
	if len(extra) != 2 {
		t.Fatalf("extra commands = %v; want exactly two acks", commandTypesOf(extra))
	}
	for i, want := range []int64{5, 8} {
		if extra[i].CommandType() != protocol.CommandAck || extra[i].Payload.Int("ack_seq", -1) != want {
			t.Errorf("extra[%d] = %s %v; want ack{ack_seq:%d}", i, extra[i].Type, extra[i].Payload, want)
		}
	}
	if got := rt.Metrics().Duplicates.Load(); got != 2 {
		t.Errorf("duplicate count = %d; want 2", got)
	}
}

func TestBargeIn(t *testing.T) {
	tts := newBlockingTTS()
	_, mock, _ := newTestRuntime(t, func(o *Options) {
		o.TTSMode = TTSModeServerAudio
		o.TTS = tts
	})
	defer close(tts.release)

	mock.Inject(evt(protocol.EventHello, 1, nil))
	mock.Inject(evt(protocol.EventListenStart, 2, nil))
	mock.Inject(evt(protocol.EventListenStop, 3, protocol.Payload{"transcript": "what is ahead"}))

	select {
	case <-tts.started:
	case <-time.After(3 * time.Second):
		t.Fatal("synthesis never started")
	}

	mock.Inject(evt(protocol.EventListenStart, 9, nil))
	sent := waitFor(t, mock, "ack for barge-in listen_start", func(sent []*protocol.Envelope) bool {
		return hasCommand(sent, protocol.CommandAck, func(env *protocol.Envelope) bool {
			return env.Payload.Int("ack_seq", -1) == 9
		})
	})

	// After tts_start, the next turn-owned command must be the aborted stop,
	// and it must precede the ack of the interrupting listen_start.
	startIdx, stopIdx, ackIdx := -1, -1, -1
	for i, env := range sent {
		switch env.CommandType() {
		case protocol.CommandTTSStart:
			startIdx = i
		case protocol.CommandTTSChunk:
			if stopIdx == -1 && startIdx != -1 {
				t.Fatalf("tts_chunk at %d before the aborted stop", i)
			}
		case protocol.CommandTTSStop:
			if stopIdx == -1 {
				stopIdx = i
				if !env.Payload.Bool("aborted", false) {
					t.Fatalf("first tts_stop not aborted: %v", env.Payload)
				}
			}
		case protocol.CommandAck:
			if env.Payload.Int("ack_seq", -1) == 9 {
				ackIdx = i
			}
		}
	}
	if startIdx == -1 || stopIdx == -1 || ackIdx == -1 {
		t.Fatalf("missing commands: start=%d stop=%d ack=%d (%v)", startIdx, stopIdx, ackIdx, commandTypesOf(sent))
	}
	if !(startIdx < stopIdx && stopIdx < ackIdx) {
		t.Fatalf("barge-in ordering violated: start=%d stop=%d ack=%d", startIdx, stopIdx, ackIdx)
	}
}

func TestReconnectReplay(t *testing.T) {
	rt, mock, db := newTestRuntime(t, nil)
	sent := runNominalTurn(t, mock)
	helloAckSeq := int64(-1)
	for _, env := range sent {
		if env.CommandType() == protocol.CommandHelloAck {
			helloAckSeq = env.Seq
			break
		}
	}
	if helloAckSeq < 0 {
		t.Fatal("no hello_ack in nominal turn")
	}

	// Disconnect, then let a notifying task generate pushes that cannot be
	// delivered.
	mock.SetOnline("dev-001", false)
	exec := dtask.New(dtask.Options{
		Store:              db,
		Fallback:           &fallbackRunner{out: "done"},
		Sink:               rt,
		StatusRetryCount:   1,
		StatusRetryBackoff: 5 * time.Millisecond,
	})
	defer exec.Close(2 * time.Second)
	task, err := exec.Execute(context.Background(), dtask.ExecuteRequest{
		Goal: "check the bus schedule", SessionID: "s1", DeviceID: "dev-001", Notify: true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok, _ := db.GetTask(task.TaskID)
		if ok && rec.Status == dtask.StatusSuccess {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	var queued []*store.PushUpdate
	for time.Now().Before(deadline) {
		queued, _ = db.PendingPushes("dev-001", time.Now().Add(24*time.Hour).UnixMilli())
		if len(queued) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(queued) < 2 {
		t.Fatalf("queued pushes = %d; want the undeliverable task updates", len(queued))
	}

	// Reconnect declaring the hello_ack as the last command seen.
	before := len(mock.Sent())
	mock.SetOnline("dev-001", true)
	mock.Inject(evt(protocol.EventHello, 20, protocol.Payload{"last_recv_seq": helloAckSeq}))

	after := waitFor(t, mock, "post-reconnect hello_ack", func(all []*protocol.Envelope) bool {
		for _, env := range all[before:] {
			if env.CommandType() == protocol.CommandHelloAck {
				return true
			}
		}
		return false
	})[before:]

	// First the replayed window beyond the declared seq, in original order.
	var wantReplay []*protocol.Envelope
	for _, env := range sent {
		if env.Seq > helloAckSeq {
			wantReplay = append(wantReplay, env)
		}
	}
	if len(after) < len(wantReplay) {
		t.Fatalf("replayed %d commands; want %d", len(after), len(wantReplay))
	}
	for i, want := range wantReplay {
		if after[i].MsgID != want.MsgID || after[i].Seq != want.Seq {
			t.Fatalf("replay[%d] = %s seq %d; want %s seq %d", i, after[i].Type, after[i].Seq, want.Type, want.Seq)
		}
	}

	// Then the queued task updates, then the fresh hello_ack.
	rest := after[len(wantReplay):]
	updates := 0
	for _, env := range rest {
		if env.CommandType() == protocol.CommandTaskUpdate {
			updates++
		}
	}
	if updates != len(queued) {
		t.Errorf("replayed task updates = %d; want %d", updates, len(queued))
	}
	if rest[len(rest)-1].CommandType() != protocol.CommandHelloAck {
		t.Errorf("last post-reconnect command = %s; want hello_ack", rest[len(rest)-1].Type)
	}
	if left, _ := db.PendingPushes("dev-001", time.Now().Add(24*time.Hour).UnixMilli()); len(left) != 0 {
		t.Errorf("pushes still pending after replay: %d", len(left))
	}
}

func TestUnauthorizedHello(t *testing.T) {
	rt, mock, db := newTestRuntime(t, nil)
	db.SaveBinding(&store.DeviceBinding{
		DeviceID: "dev-001", DeviceToken: "secret", Status: "activated",
	})

	mock.Inject(evt(protocol.EventHello, 1, protocol.Payload{"token": "wrong"}))
	sent := waitFor(t, mock, "close command", func(sent []*protocol.Envelope) bool {
		return hasCommand(sent, protocol.CommandClose, nil)
	})
	var closeEnv *protocol.Envelope
	for _, env := range sent {
		if env.CommandType() == protocol.CommandClose {
			closeEnv = env
		}
	}
	if closeEnv.Payload.String("reason") != "unauthorized" {
		t.Errorf("close reason = %q", closeEnv.Payload.String("reason"))
	}
	if hasCommand(sent, protocol.CommandHelloAck, nil) {
		t.Error("unauthorized hello must not be acked")
	}
	if got := rt.Metrics().Unauthorized.Load(); got != 1 {
		t.Errorf("unauthorized count = %d; want 1", got)
	}

	events, err := db.ListEvents("s1", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.EventType == "unauthorized" {
			found = true
		}
	}
	if !found {
		t.Error("no unauthorized audit event recorded")
	}
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	rt, mock, _ := newTestRuntime(t, func(o *Options) {
		o.IdleTimeout = 50 * time.Millisecond
		o.WatchdogInterval = 20 * time.Millisecond
	})
	mock.Inject(evt(protocol.EventHello, 1, nil))
	waitFor(t, mock, "hello_ack", func(sent []*protocol.Envelope) bool {
		return hasCommand(sent, protocol.CommandHelloAck, nil)
	})

	waitFor(t, mock, "idle close", func(sent []*protocol.Envelope) bool {
		return hasCommand(sent, protocol.CommandClose, func(env *protocol.Envelope) bool {
			return env.Payload.String("reason") == "idle_timeout"
		})
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rt.SessionSnapshots()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("session still live after idle close")
}

func TestDispatchCommandOfflineBuffers(t *testing.T) {
	rt, mock, db := newTestRuntime(t, nil)
	mock.SetOnline("dev-001", false)

	op, err := rt.DispatchCommand(context.Background(), "dev-001", "s1", protocol.CommandSetConfig, protocol.Payload{"volume": 5})
	if err != nil {
		t.Fatalf("DispatchCommand: %v", err)
	}
	if op.Status != "queued" {
		t.Fatalf("op status = %q; want queued", op.Status)
	}
	stored, ok, err := db.GetOperation(op.OperationID)
	if err != nil || !ok {
		t.Fatalf("GetOperation: ok=%v err=%v", ok, err)
	}
	if stored.CommandType != string(protocol.CommandSetConfig) {
		t.Errorf("stored command type = %q", stored.CommandType)
	}

	// The buffered command flushes on the next hello.
	mock.SetOnline("dev-001", true)
	mock.Inject(evt(protocol.EventHello, 1, nil))
	waitFor(t, mock, "buffered set_config", func(sent []*protocol.Envelope) bool {
		return hasCommand(sent, protocol.CommandSetConfig, nil)
	})
}

func TestEmptyTranscriptRecordsFailure(t *testing.T) {
	rt, mock, db := newTestRuntime(t, nil)
	mock.Inject(evt(protocol.EventHello, 1, nil))
	mock.Inject(evt(protocol.EventListenStart, 2, nil))
	mock.Inject(evt(protocol.EventListenStop, 3, nil))

	waitFor(t, mock, "empty stt_final", func(sent []*protocol.Envelope) bool {
		return hasCommand(sent, protocol.CommandSTTFinal, func(env *protocol.Envelope) bool {
			return env.Payload.String("text") == ""
		})
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, _ := db.ListEvents("s1", 10)
		for _, ev := range events {
			if ev.EventType == "voice_turn_failure" {
				if got := rt.Metrics().TurnFailures.Load(); got != 1 {
					t.Errorf("turn failures = %d; want 1", got)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("voice_turn_failure event never recorded")
}

func TestSplitChunks(t *testing.T) {
	cases := []struct {
		text string
		max  int
		want int
	}{
		{"", 10, 0},
		{"short", 10, 1},
		{"first sentence. second sentence. third sentence.", 20, 3},
		{"没有标点的一串很长很长的中文内容需要硬切开来处理", 10, 3},
	}
	for _, tc := range cases {
		got := splitChunks(tc.text, tc.max)
		if len(got) != tc.want {
			t.Errorf("splitChunks(%q, %d) = %d chunks %v; want %d", tc.text, tc.max, len(got), got, tc.want)
		}
		for _, chunk := range got {
			if n := len([]rune(chunk)); n > tc.max {
				t.Errorf("chunk %q has %d runes; max %d", chunk, n, tc.max)
			}
		}
	}
}

func TestNormalizeTelemetry(t *testing.T) {
	sample := normalizeTelemetry(protocol.Payload{
		"battery":     float64(80),
		"rssi":        float64(-67),
		"fw_version":  "2.1.3",
		"charging":    true,
		"frame_type":  float64(2),
		"extra_field": "kept in raw only",
	})
	if sample["battery_pct"] != int64(80) {
		t.Errorf("battery_pct = %v", sample["battery_pct"])
	}
	if sample["rssi_dbm"] != int64(-67) {
		t.Errorf("rssi_dbm = %v", sample["rssi_dbm"])
	}
	if sample["firmware"] != "2.1.3" {
		t.Errorf("firmware = %v", sample["firmware"])
	}
	if sample["charging"] != true {
		t.Errorf("charging = %v", sample["charging"])
	}
	if sample["frame_type"] != int64(2) {
		t.Errorf("frame_type = %v", sample["frame_type"])
	}
	if _, ok := sample["extra_field"]; ok {
		t.Error("unknown field leaked into the normalized sample")
	}
}

func TestMetricsHealth(t *testing.T) {
	m := newMetrics()
	m.TurnsTotal.Store(10)
	m.TurnFailures.Store(5)
	h := m.Health(time.Now(), Thresholds{})
	if h.Healthy {
		t.Errorf("health = %+v; 50%% turn failures must alert", h)
	}
	found := false
	for _, a := range h.Alerts {
		if a == "turn_failure_ratio above threshold" {
			found = true
		}
	}
	if !found {
		t.Errorf("alerts = %v", h.Alerts)
	}
}

func TestVoiceTaskRouting(t *testing.T) {
	var exec *dtask.Executor
	rt, mock, db := newTestRuntime(t, func(o *Options) {
		exec = dtask.New(dtask.Options{
			Store:              o.Store,
			Fallback:           &fallbackRunner{out: "timer set"},
			StatusRetryCount:   1,
			StatusRetryBackoff: 5 * time.Millisecond,
		})
		o.Tasks = exec
	})
	defer exec.Close(2 * time.Second)

	mock.Inject(evt(protocol.EventHello, 1, nil))
	mock.Inject(evt(protocol.EventListenStart, 2, nil))
	mock.Inject(evt(protocol.EventListenStop, 3, protocol.Payload{
		"transcript": "remind me to take my medicine at noon",
	}))

	waitFor(t, mock, "stt_final", func(sent []*protocol.Envelope) bool {
		return hasCommand(sent, protocol.CommandSTTFinal, nil)
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		tasks, err := db.ListTasks(store.TaskFilter{SessionID: "s1"})
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if len(tasks) == 1 && tasks[0].Status == dtask.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("routed task never succeeded; tasks=%v", tasks)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The transcript went to the executor, not the dialogue engine.
	if hasCommand(mock.Sent(), protocol.CommandTTSStart, nil) {
		t.Error("dialogue turn ran for a task-intent transcript")
	}
	events, err := db.ListEvents("s1", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	routed := false
	for _, ev := range events {
		if ev.EventType == "digital_task_routed" {
			routed = true
		}
	}
	if !routed {
		t.Error("no digital_task_routed lifelog event")
	}
	_ = rt
}

func TestTaskIntent(t *testing.T) {
	cases := []struct {
		transcript string
		payload    protocol.Payload
		want       bool
	}{
		{"remind me to call mom", nil, true},
		{"Set a timer for ten minutes", nil, true},
		{"帮我查一下天气", nil, true},
		{"what is ahead of me", nil, false},
		{"is the light green", nil, false},
		{"is the light green", protocol.Payload{"digital_task": true}, true},
	}
	for _, tc := range cases {
		if got := taskIntent(tc.payload, tc.transcript); got != tc.want {
			t.Errorf("taskIntent(%q) = %v; want %v", tc.transcript, got, tc.want)
		}
	}
}
