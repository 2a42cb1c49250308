package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// kv is the storage core under the typed layer. Implementations must be safe
// for concurrent use. scan visits keys in ascending byte order; fn returning
// false stops the scan.
type kv interface {
	get(key []byte) ([]byte, bool, error)
	set(key, value []byte) error
	del(key []byte) error
	scan(prefix []byte, fn func(key, value []byte) (bool, error)) error
	close() error
}

// Store is the typed persistence layer. Keys are namespaced by record kind;
// values are msgpack.
type Store struct {
	kv kv
}

// Open opens a Badger-backed store rooted at dir.
func Open(dir string) (*Store, error) {
	kv, err := openBadger(dir)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{kv: kv}, nil
}

// OpenMemory opens an in-memory store. Used by tests and the mock transport.
func OpenMemory() *Store {
	return &Store{kv: newMemoryKV()}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.kv.close()
}

func (s *Store) put(key string, rec any) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.kv.set([]byte(key), data)
}

func (s *Store) load(key string, rec any) (bool, error) {
	data, ok, err := s.kv.get([]byte(key))
	if err != nil || !ok {
		return false, err
	}
	if err := msgpack.Unmarshal(data, rec); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) scanInto(prefix string, each func(value []byte) (bool, error)) error {
	return s.kv.scan([]byte(prefix), func(_, value []byte) (bool, error) {
		return each(value)
	})
}

// tsKey builds a key segment that sorts chronologically. Millisecond
// timestamps fit in 13 digits until the year 2286.
func tsKey(ms int64) string {
	return fmt.Sprintf("%013d", ms)
}

// =============================================================================
// Sessions
// =============================================================================

func sessionRecKey(deviceID, sessionID string) string {
	return "sess:" + deviceID + ":" + sessionID
}

// SaveSession upserts a session record.
func (s *Store) SaveSession(rec *DeviceSessionRecord) error {
	return s.put(sessionRecKey(rec.DeviceID, rec.SessionID), rec)
}

// LoadSession fetches a session record.
func (s *Store) LoadSession(deviceID, sessionID string) (*DeviceSessionRecord, bool, error) {
	var rec DeviceSessionRecord
	ok, err := s.load(sessionRecKey(deviceID, sessionID), &rec)
	if !ok || err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// ListSessions returns all persisted sessions for a device.
func (s *Store) ListSessions(deviceID string) ([]*DeviceSessionRecord, error) {
	var out []*DeviceSessionRecord
	err := s.scanInto("sess:"+deviceID+":", func(value []byte) (bool, error) {
		var rec DeviceSessionRecord
		if err := msgpack.Unmarshal(value, &rec); err != nil {
			return false, err
		}
		out = append(out, &rec)
		return true, nil
	})
	return out, err
}

// =============================================================================
// Lifelog events
// =============================================================================

func eventKey(sessionID string, ts int64, id string) string {
	return "evt:" + sessionID + ":" + tsKey(ts) + ":" + id
}

// AppendEvent appends one event to a session timeline.
func (s *Store) AppendEvent(ev *LifelogEvent) error {
	return s.put(eventKey(ev.SessionID, ev.TS, ev.ID), ev)
}

// ListEvents returns up to limit most recent events for a session, newest
// first. limit <= 0 means no limit.
func (s *Store) ListEvents(sessionID string, limit int) ([]*LifelogEvent, error) {
	var out []*LifelogEvent
	err := s.scanInto("evt:"+sessionID+":", func(value []byte) (bool, error) {
		var ev LifelogEvent
		if err := msgpack.Unmarshal(value, &ev); err != nil {
			return false, err
		}
		out = append(out, &ev)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	// Scan order is chronological; callers want newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Lifelog images and contexts
// =============================================================================

func imageKey(sessionID string, ts int64, id string) string {
	return "img:" + sessionID + ":" + tsKey(ts) + ":" + id
}

func imageIndexKey(id string) string {
	return "imgid:" + id
}

// SaveImage records one ingested image, indexed by id and by session
// timeline.
func (s *Store) SaveImage(img *LifelogImage) error {
	if err := s.put(imageKey(img.SessionID, img.TS, img.ID), img); err != nil {
		return err
	}
	return s.put(imageIndexKey(img.ID), img)
}

// GetImage fetches an image record by id.
func (s *Store) GetImage(id string) (*LifelogImage, bool, error) {
	var img LifelogImage
	ok, err := s.load(imageIndexKey(id), &img)
	if !ok || err != nil {
		return nil, false, err
	}
	return &img, true, nil
}

// ListImages returns up to limit most recent images for a session, newest
// first, excluding deleted entries.
func (s *Store) ListImages(sessionID string, limit int) ([]*LifelogImage, error) {
	var out []*LifelogImage
	err := s.scanInto("img:"+sessionID+":", func(value []byte) (bool, error) {
		var img LifelogImage
		if err := msgpack.Unmarshal(value, &img); err != nil {
			return false, err
		}
		if !img.Deleted {
			out = append(out, &img)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentImageHashes returns the hash payloads of the newest window images on
// a session, newest first. This backs perceptual dedup.
func (s *Store) RecentImageHashes(sessionID string, window int) ([]string, error) {
	imgs, err := s.ListImages(sessionID, window)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(imgs))
	for _, img := range imgs {
		if img.Hash != "" {
			out = append(out, img.Hash)
		}
	}
	return out, nil
}

// SaveContext upserts the structured context for one image.
func (s *Store) SaveContext(ctx *LifelogContext) error {
	return s.put("ctx:"+ctx.ImageID, ctx)
}

// GetContext fetches the structured context for one image.
func (s *Store) GetContext(imageID string) (*LifelogContext, bool, error) {
	var ctx LifelogContext
	ok, err := s.load("ctx:"+imageID, &ctx)
	if !ok || err != nil {
		return nil, false, err
	}
	return &ctx, true, nil
}

// =============================================================================
// Digital tasks
// =============================================================================

// SaveTask upserts a task record.
func (s *Store) SaveTask(task *DigitalTaskRecord) error {
	return s.put("task:"+task.TaskID, task)
}

// GetTask fetches a task record.
func (s *Store) GetTask(taskID string) (*DigitalTaskRecord, bool, error) {
	var rec DigitalTaskRecord
	ok, err := s.load("task:"+taskID, &rec)
	if !ok || err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	SessionID string
	DeviceID  string
	Status    string
	Limit     int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(f TaskFilter) ([]*DigitalTaskRecord, error) {
	var out []*DigitalTaskRecord
	err := s.scanInto("task:", func(value []byte) (bool, error) {
		var rec DigitalTaskRecord
		if err := msgpack.Unmarshal(value, &rec); err != nil {
			return false, err
		}
		if f.SessionID != "" && rec.SessionID != f.SessionID {
			return true, nil
		}
		if f.DeviceID != "" && rec.DeviceID != f.DeviceID {
			return true, nil
		}
		if f.Status != "" && rec.Status != f.Status {
			return true, nil
		}
		out = append(out, &rec)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS > out[j].CreatedAtMS })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// =============================================================================
// Push queue
// =============================================================================

func pushKey(deviceID, id string) string {
	return "push:" + deviceID + ":" + id
}

// SavePush upserts a queued push update.
func (s *Store) SavePush(p *PushUpdate) error {
	return s.put(pushKey(p.DeviceID, p.ID), p)
}

// PendingPushes returns unsent pushes for a device due at or before nowMS,
// oldest first. nowMS <= 0 returns every unsent push.
func (s *Store) PendingPushes(deviceID string, nowMS int64) ([]*PushUpdate, error) {
	var out []*PushUpdate
	err := s.scanInto("push:"+deviceID+":", func(value []byte) (bool, error) {
		var p PushUpdate
		if err := msgpack.Unmarshal(value, &p); err != nil {
			return false, err
		}
		if p.Sent {
			return true, nil
		}
		if nowMS > 0 && p.NextAttemptMS > nowMS {
			return true, nil
		}
		out = append(out, &p)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS < out[j].CreatedAtMS })
	return out, nil
}

// DeletePush removes a push from the queue.
func (s *Store) DeletePush(deviceID, id string) error {
	return s.kv.del([]byte(pushKey(deviceID, id)))
}

// =============================================================================
// Device operations and bindings
// =============================================================================

// SaveOperation upserts an operation record.
func (s *Store) SaveOperation(op *DeviceOperation) error {
	return s.put("op:"+op.OperationID, op)
}

// GetOperation fetches an operation record.
func (s *Store) GetOperation(operationID string) (*DeviceOperation, bool, error) {
	var op DeviceOperation
	ok, err := s.load("op:"+operationID, &op)
	if !ok || err != nil {
		return nil, false, err
	}
	return &op, true, nil
}

// ListOperations returns operations for a device, newest first.
func (s *Store) ListOperations(deviceID string, limit int) ([]*DeviceOperation, error) {
	var out []*DeviceOperation
	err := s.scanInto("op:", func(value []byte) (bool, error) {
		var op DeviceOperation
		if err := msgpack.Unmarshal(value, &op); err != nil {
			return false, err
		}
		if deviceID == "" || op.DeviceID == deviceID {
			out = append(out, &op)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS > out[j].CreatedAtMS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveBinding upserts a device binding.
func (s *Store) SaveBinding(b *DeviceBinding) error {
	return s.put("bind:"+b.DeviceID, b)
}

// GetBinding fetches a device binding.
func (s *Store) GetBinding(deviceID string) (*DeviceBinding, bool, error) {
	var b DeviceBinding
	ok, err := s.load("bind:"+deviceID, &b)
	if !ok || err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

// ListBindings returns every device binding.
func (s *Store) ListBindings() ([]*DeviceBinding, error) {
	var out []*DeviceBinding
	err := s.scanInto("bind:", func(value []byte) (bool, error) {
		var b DeviceBinding
		if err := msgpack.Unmarshal(value, &b); err != nil {
			return false, err
		}
		out = append(out, &b)
		return true, nil
	})
	return out, err
}

// =============================================================================
// Thought traces
// =============================================================================

// AppendTrace appends one stage to a reasoning trace.
func (s *Store) AppendTrace(tr *ThoughtTrace) error {
	return s.put("trace:"+tr.TraceID+":"+tsKey(tr.TS)+":"+tr.Stage, tr)
}

// ListTrace returns every stage of a trace in chronological order.
func (s *Store) ListTrace(traceID string) ([]*ThoughtTrace, error) {
	var out []*ThoughtTrace
	err := s.scanInto("trace:"+traceID+":", func(value []byte) (bool, error) {
		var tr ThoughtTrace
		if err := msgpack.Unmarshal(value, &tr); err != nil {
			return false, err
		}
		out = append(out, &tr)
		return true, nil
	})
	return out, err
}

// =============================================================================
// Telemetry and observability samples
// =============================================================================

// AppendTelemetry records one normalized telemetry sample.
func (s *Store) AppendTelemetry(t *TelemetrySample) error {
	return s.put("tsmp:"+t.DeviceID+":"+tsKey(t.TS)+":"+t.TraceID, t)
}

// ListTelemetry returns up to limit most recent samples for a device, newest
// first.
func (s *Store) ListTelemetry(deviceID string, limit int) ([]*TelemetrySample, error) {
	var out []*TelemetrySample
	err := s.scanInto("tsmp:"+deviceID+":", func(value []byte) (bool, error) {
		var t TelemetrySample
		if err := msgpack.Unmarshal(value, &t); err != nil {
			return false, err
		}
		out = append(out, &t)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendObservability records one runtime metrics snapshot.
func (s *Store) AppendObservability(o *ObservabilitySample) error {
	return s.put("obs:"+tsKey(o.TS), o)
}

// ListObservability returns snapshots with TS >= sinceMS, oldest first.
func (s *Store) ListObservability(sinceMS int64, limit int) ([]*ObservabilitySample, error) {
	var out []*ObservabilitySample
	err := s.scanInto("obs:", func(value []byte) (bool, error) {
		var o ObservabilitySample
		if err := msgpack.Unmarshal(value, &o); err != nil {
			return false, err
		}
		if o.TS >= sinceMS {
			out = append(out, &o)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
