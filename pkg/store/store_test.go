package store

import (
	"fmt"
	"testing"
)

func TestSessionRoundTrip(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	rec := &DeviceSessionRecord{
		DeviceID:        "dev-1",
		SessionID:       "dev-1-default",
		State:           "READY",
		LastRecvSeq:     17,
		LastOutboundSeq: 4,
		Telemetry:       map[string]any{"battery": int8(80)},
	}
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession error: %v", err)
	}
	got, ok, err := s.LoadSession("dev-1", "dev-1-default")
	if err != nil || !ok {
		t.Fatalf("LoadSession = (%v, %v)", ok, err)
	}
	if got.LastRecvSeq != 17 || got.LastOutboundSeq != 4 || got.State != "READY" {
		t.Errorf("restored = %+v", got)
	}

	if _, ok, _ := s.LoadSession("dev-1", "other"); ok {
		t.Error("unknown session must not be found")
	}
}

func TestEventOrdering(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	for i := 0; i < 5; i++ {
		err := s.AppendEvent(&LifelogEvent{
			ID:        fmt.Sprintf("e%d", i),
			SessionID: "s1",
			EventType: "scene_context",
			TS:        int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
	}

	events, err := s.ListEvents("s1", 3)
	if err != nil {
		t.Fatalf("ListEvents error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d; want 3", len(events))
	}
	if events[0].ID != "e4" || events[2].ID != "e2" {
		t.Errorf("order = [%s %s %s]; want newest first", events[0].ID, events[1].ID, events[2].ID)
	}
}

func TestImagesAndHashes(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	for i := 0; i < 4; i++ {
		img := &LifelogImage{
			ID:        fmt.Sprintf("img%d", i),
			SessionID: "s1",
			Hash:      fmt.Sprintf("dhash:%04x;blake2:ff", i),
			TS:        int64(2000 + i),
		}
		if err := s.SaveImage(img); err != nil {
			t.Fatalf("SaveImage error: %v", err)
		}
	}

	got, ok, err := s.GetImage("img2")
	if err != nil || !ok || got.TS != 2002 {
		t.Fatalf("GetImage = (%+v, %v, %v)", got, ok, err)
	}

	hashes, err := s.RecentImageHashes("s1", 2)
	if err != nil {
		t.Fatalf("RecentImageHashes error: %v", err)
	}
	if len(hashes) != 2 || hashes[0] != "dhash:0003;blake2:ff" {
		t.Errorf("hashes = %v; want newest two", hashes)
	}

	// Deleted images drop out of listings.
	img3, _, _ := s.GetImage("img3")
	img3.Deleted = true
	if err := s.SaveImage(img3); err != nil {
		t.Fatalf("SaveImage error: %v", err)
	}
	imgs, _ := s.ListImages("s1", 0)
	if len(imgs) != 3 {
		t.Errorf("ListImages after delete = %d; want 3", len(imgs))
	}
}

func TestTaskFilter(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	seed := []*DigitalTaskRecord{
		{TaskID: "t1", SessionID: "s1", DeviceID: "d1", Status: "pending", CreatedAtMS: 1},
		{TaskID: "t2", SessionID: "s1", DeviceID: "d1", Status: "running", CreatedAtMS: 2},
		{TaskID: "t3", SessionID: "s2", DeviceID: "d2", Status: "pending", CreatedAtMS: 3},
	}
	for _, rec := range seed {
		if err := s.SaveTask(rec); err != nil {
			t.Fatalf("SaveTask error: %v", err)
		}
	}

	pending, err := s.ListTasks(TaskFilter{Status: "pending"})
	if err != nil {
		t.Fatalf("ListTasks error: %v", err)
	}
	if len(pending) != 2 || pending[0].TaskID != "t3" {
		t.Errorf("pending = %d tasks, first %s; want 2 newest-first", len(pending), pending[0].TaskID)
	}

	bynew, _ := s.ListTasks(TaskFilter{SessionID: "s1", Limit: 1})
	if len(bynew) != 1 || bynew[0].TaskID != "t2" {
		t.Errorf("session filter + limit = %v", bynew)
	}
}

func TestPushQueue(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	seed := []*PushUpdate{
		{ID: "p1", DeviceID: "d1", NextAttemptMS: 100, CreatedAtMS: 1},
		{ID: "p2", DeviceID: "d1", NextAttemptMS: 900, CreatedAtMS: 2},
		{ID: "p3", DeviceID: "d1", Sent: true, CreatedAtMS: 3},
		{ID: "p4", DeviceID: "d2", NextAttemptMS: 100, CreatedAtMS: 4},
	}
	for _, p := range seed {
		if err := s.SavePush(p); err != nil {
			t.Fatalf("SavePush error: %v", err)
		}
	}

	due, err := s.PendingPushes("d1", 500)
	if err != nil {
		t.Fatalf("PendingPushes error: %v", err)
	}
	if len(due) != 1 || due[0].ID != "p1" {
		t.Errorf("due = %v; want only p1 (p2 not yet due, p3 sent)", due)
	}

	all, _ := s.PendingPushes("d1", 0)
	if len(all) != 2 {
		t.Errorf("all unsent = %d; want 2", len(all))
	}

	if err := s.DeletePush("d1", "p1"); err != nil {
		t.Fatalf("DeletePush error: %v", err)
	}
	after, _ := s.PendingPushes("d1", 0)
	if len(after) != 1 || after[0].ID != "p2" {
		t.Errorf("after delete = %v", after)
	}
}

func TestBindings(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	b := &DeviceBinding{DeviceID: "d1", DeviceToken: "tok", Status: "activated"}
	if err := s.SaveBinding(b); err != nil {
		t.Fatalf("SaveBinding error: %v", err)
	}
	got, ok, err := s.GetBinding("d1")
	if err != nil || !ok || got.DeviceToken != "tok" {
		t.Fatalf("GetBinding = (%+v, %v, %v)", got, ok, err)
	}
	all, _ := s.ListBindings()
	if len(all) != 1 {
		t.Errorf("ListBindings = %d; want 1", len(all))
	}
}

func TestTraceOrdering(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	stages := []string{"received", "transcribed", "routed", "spoken"}
	for i, stage := range stages {
		err := s.AppendTrace(&ThoughtTrace{
			TraceID:   "tr1",
			SessionID: "s1",
			Stage:     stage,
			TS:        int64(100 + i),
		})
		if err != nil {
			t.Fatalf("AppendTrace error: %v", err)
		}
	}
	got, err := s.ListTrace("tr1")
	if err != nil {
		t.Fatalf("ListTrace error: %v", err)
	}
	if len(got) != 4 || got[0].Stage != "received" || got[3].Stage != "spoken" {
		t.Errorf("trace order = %v", got)
	}
}

func TestObservabilityWindow(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	for i := 0; i < 5; i++ {
		err := s.AppendObservability(&ObservabilitySample{TS: int64(1000 + i*10), Healthy: true})
		if err != nil {
			t.Fatalf("AppendObservability error: %v", err)
		}
	}
	got, err := s.ListObservability(1020, 0)
	if err != nil {
		t.Fatalf("ListObservability error: %v", err)
	}
	if len(got) != 3 || got[0].TS != 1020 {
		t.Errorf("window = %v; want TS >= 1020 oldest first", got)
	}
}

func TestRetentionCleanup(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	now := int64(1_000_000)
	old := now - 100_000
	fresh := now - 1_000

	for i, ts := range []int64{old, old + 1, fresh} {
		err := s.AppendEvent(&LifelogEvent{ID: fmt.Sprintf("e%d", i), SessionID: "s1", EventType: "hello", TS: ts})
		if err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
	}
	if err := s.SaveOperation(&DeviceOperation{OperationID: "op-old", DeviceID: "d1", Status: "acked", CreatedAtMS: old}); err != nil {
		t.Fatalf("SaveOperation error: %v", err)
	}
	if err := s.SaveOperation(&DeviceOperation{OperationID: "op-live", DeviceID: "d1", Status: "queued", CreatedAtMS: old}); err != nil {
		t.Fatalf("SaveOperation error: %v", err)
	}
	for i := 0; i < 4; i++ {
		err := s.SaveImage(&LifelogImage{ID: fmt.Sprintf("img%d", i), SessionID: "s1", Hash: "h", TS: now + int64(i)})
		if err != nil {
			t.Fatalf("SaveImage error: %v", err)
		}
	}

	stats, err := s.Cleanup(now, Retention{
		MaxEventAgeMS:     10_000,
		MaxOperationAgeMS: 10_000,
		MaxImagesPerSess:  2,
	})
	if err != nil {
		t.Fatalf("Cleanup error: %v", err)
	}
	if stats.Events != 2 || stats.Operations != 1 || stats.Images != 2 {
		t.Errorf("stats = %+v; want 2 events, 1 operation, 2 images", stats)
	}

	events, err := s.ListEvents("s1", 0)
	if err != nil || len(events) != 1 || events[0].ID != "e2" {
		t.Errorf("events after cleanup = %v, %v; want only e2", events, err)
	}
	// Queued operations survive regardless of age.
	if _, ok, _ := s.GetOperation("op-live"); !ok {
		t.Error("queued operation removed by cleanup")
	}
	if _, ok, _ := s.GetOperation("op-old"); ok {
		t.Error("terminal aged operation survived cleanup")
	}
	imgs, err := s.ListImages("s1", 0)
	if err != nil || len(imgs) != 2 || imgs[0].ID != "img3" || imgs[1].ID != "img2" {
		t.Errorf("images after cleanup = %v, %v; want img3, img2", imgs, err)
	}
	if _, ok, _ := s.GetImage("img0"); ok {
		t.Error("trimmed image still reachable by id")
	}
}
