package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opencane/opencane/pkg/dtask"
	"github.com/opencane/opencane/pkg/protocol"
	"github.com/opencane/opencane/pkg/store"
	"github.com/opencane/opencane/pkg/vecstore"
)

// =============================================================================
// Runtime status
// =============================================================================

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	vector := "disabled"
	if s.index != nil {
		vector = "memory"
	}
	snapshots := s.rt.SessionSnapshots()
	writeOK(w, map[string]any{
		"adapter":        s.rt.AdapterName(),
		"session_count":  len(snapshots),
		"sessions":       snapshots,
		"queue":          s.rt.QueueStats(),
		"vector_backend": vector,
	})
}

func (s *Server) handleObservability(w http.ResponseWriter, _ *http.Request) {
	health := s.rt.HealthNow()
	writeOK(w, map[string]any{
		"healthy": health.Healthy,
		"rates":   health.Rates,
		"alerts":  health.Alerts,
	})
}

func (s *Server) handleObservabilityHistory(w http.ResponseWriter, r *http.Request) {
	sinceMS := int64(queryInt(r, "since_ms", 0))
	limit := queryInt(r, "limit", 120)
	samples, err := s.store.ListObservability(sinceMS, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeOK(w, map[string]any{"samples": samples})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	stages, err := s.store.ListTrace(traceID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if len(stages) == 0 {
		writeErr(w, http.StatusNotFound, "not_found", "no trace with id "+traceID)
		return
	}
	writeOK(w, map[string]any{"trace_id": traceID, "stages": stages})
}

// =============================================================================
// Device identity lifecycle
// =============================================================================

type deviceRequest struct {
	DeviceID string         `json:"device_id"`
	Token    string         `json:"token"`
	UserID   string         `json:"user_id"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "device_id is required")
		return
	}
	now := time.Now().UnixMilli()
	binding := &store.DeviceBinding{
		DeviceID:    req.DeviceID,
		DeviceToken: req.Token,
		Status:      "registered",
		Metadata:    req.Metadata,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if existing, ok, _ := s.store.GetBinding(req.DeviceID); ok {
		binding.CreatedAtMS = existing.CreatedAtMS
	}
	if err := s.store.SaveBinding(binding); err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeOK(w, map[string]any{"binding": binding})
}

// bindingTransition loads, mutates, and saves one binding.
func (s *Server) bindingTransition(w http.ResponseWriter, r *http.Request, apply func(*deviceRequest, *store.DeviceBinding) string) {
	var req deviceRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "device_id is required")
		return
	}
	binding, ok, err := s.store.GetBinding(req.DeviceID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "device is not registered")
		return
	}
	if code := apply(&req, binding); code != "" {
		writeErr(w, http.StatusConflict, code, "binding state does not allow this transition")
		return
	}
	binding.UpdatedAtMS = time.Now().UnixMilli()
	if err := s.store.SaveBinding(binding); err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeOK(w, map[string]any{"binding": binding})
}

func (s *Server) handleDeviceBind(w http.ResponseWriter, r *http.Request) {
	s.bindingTransition(w, r, func(req *deviceRequest, b *store.DeviceBinding) string {
		if b.Status == "revoked" {
			return "binding_revoked"
		}
		if req.UserID == "" {
			return "bad_request"
		}
		b.Status = "bound"
		b.UserID = req.UserID
		return ""
	})
}

func (s *Server) handleDeviceActivate(w http.ResponseWriter, r *http.Request) {
	s.bindingTransition(w, r, func(_ *deviceRequest, b *store.DeviceBinding) string {
		if b.Status != "bound" && b.Status != "activated" {
			return "binding_not_bound"
		}
		b.Status = "activated"
		b.ActivatedAtMS = time.Now().UnixMilli()
		return ""
	})
}

func (s *Server) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	s.bindingTransition(w, r, func(req *deviceRequest, b *store.DeviceBinding) string {
		b.Status = "revoked"
		b.RevokedAtMS = time.Now().UnixMilli()
		b.RevokeReason = req.Reason
		return ""
	})
}

// =============================================================================
// Event injection and device operations
// =============================================================================

func (s *Server) handleDeviceEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	env, err := protocol.Parse(raw, protocol.ParseOptions{})
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_envelope", err.Error())
		return
	}
	if err := s.rt.InjectEvent(env); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_envelope", err.Error())
		return
	}
	writeOK(w, map[string]any{"msg_id": env.MsgID})
}

type dispatchRequest struct {
	DeviceID    string           `json:"device_id"`
	SessionID   string           `json:"session_id"`
	CommandType string           `json:"command_type"`
	Payload     protocol.Payload `json:"payload"`
}

func (s *Server) handleOpsDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" || req.CommandType == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "device_id and command_type are required")
		return
	}
	op, err := s.rt.DispatchCommand(r.Context(), req.DeviceID, req.SessionID, protocol.CommandType(req.CommandType), req.Payload)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "dispatch_failed", err.Error())
		return
	}
	writeOK(w, map[string]any{"operation": op})
}

func (s *Server) handleOpsAck(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operation_id")
	op, ok, err := s.store.GetOperation(opID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "unknown operation")
		return
	}
	now := time.Now().UnixMilli()
	op.Status = "acked"
	op.AckedAtMS = now
	op.UpdatedAtMS = now
	if err := s.store.SaveOperation(op); err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeOK(w, map[string]any{"operation": op})
}

func (s *Server) handleOpsList(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "device_id is required")
		return
	}
	ops, err := s.store.ListOperations(deviceID, queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeOK(w, map[string]any{"operations": ops})
}

// =============================================================================
// Lifelog
// =============================================================================

type enqueueImageRequest struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	ImageB64  string `json:"image_b64"`
	Question  string `json:"question"`
	Mime      string `json:"mime"`
}

func (s *Server) handleEnqueueImage(w http.ResponseWriter, r *http.Request) {
	var req enqueueImageRequest
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" || req.ImageB64 == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "session_id and image_b64 are required")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = strings.TrimSuffix(req.SessionID, "-default")
	}
	result, err := s.rt.SubmitImage(r.Context(), req.DeviceID, req.SessionID, req.ImageB64, req.Question, req.Mime)
	if err != nil {
		status, code := statusForIngest(err)
		writeErr(w, status, code, err.Error())
		return
	}
	writeOK(w, map[string]any{"result": result})
}

type lifelogQueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	TopK      int    `json:"top_k"`
}

func (s *Server) handleLifelogQuery(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeErr(w, http.StatusServiceUnavailable, "vector_disabled", "vector search is not configured")
		return
	}
	var req lifelogQueryRequest
	if err := decodeBody(r, &req); err != nil || req.Query == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	var filter vecstore.Filter
	if req.SessionID != "" {
		filter = vecstore.Filter{"session_id": req.SessionID}
	}
	matches, err := s.index.Query(r.Context(), req.Query, req.TopK, filter)
	if err != nil {
		writeErr(w, http.StatusBadGateway, "query_failed", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		out = append(out, map[string]any{
			"id":       m.Document.ID,
			"title":    m.Document.Title,
			"summary":  m.Document.Summary,
			"metadata": m.Document.Metadata,
			"distance": m.Distance,
		})
	}
	writeOK(w, map[string]any{"matches": out})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}
	events, err := s.store.ListEvents(sessionID, queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	images, err := s.store.ListImages(sessionID, queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeOK(w, map[string]any{"events": events, "images": images})
}

func (s *Server) handleSafetyEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}
	events, err := s.store.ListEvents(sessionID, queryInt(r, "limit", 200))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	var out []*store.LifelogEvent
	for _, ev := range events {
		if ev.EventType == "safety_policy" {
			out = append(out, ev)
		}
	}
	writeOK(w, map[string]any{"events": out})
}

func (s *Server) handleSafetyStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}
	events, err := s.store.ListEvents(sessionID, queryInt(r, "limit", 1000))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	total, downgraded := 0, 0
	byRisk := map[string]int{}
	byRule := map[string]int{}
	for _, ev := range events {
		if ev.EventType != "safety_policy" {
			continue
		}
		total++
		if down, _ := ev.Payload["downgraded"].(bool); down {
			downgraded++
		}
		byRisk[ev.RiskLevel]++
		switch rules := ev.Payload["rule_ids"].(type) {
		case []string:
			for _, rule := range rules {
				byRule[rule]++
			}
		case []any:
			for _, rule := range rules {
				if name, ok := rule.(string); ok {
					byRule[name]++
				}
			}
		}
	}
	writeOK(w, map[string]any{
		"total":         total,
		"downgraded":    downgraded,
		"by_risk_level": byRisk,
		"by_rule":       byRule,
	})
}

// =============================================================================
// Digital tasks
// =============================================================================

func (s *Server) handleTaskExecute(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeErr(w, http.StatusServiceUnavailable, "tasks_disabled", "digital task executor is not configured")
		return
	}
	var req dtask.ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = "api-" + uuid.NewString()[:8]
	}
	task, err := s.tasks.Execute(r.Context(), req)
	if err != nil {
		if errors.Is(err, dtask.ErrEmptyGoal) {
			writeErr(w, http.StatusBadRequest, "bad_request", "goal is required")
			return
		}
		writeErr(w, http.StatusInternalServerError, "execute_failed", err.Error())
		return
	}
	writeOK(w, map[string]any{"task": task})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeErr(w, http.StatusServiceUnavailable, "tasks_disabled", "digital task executor is not configured")
		return
	}
	task, err := s.tasks.Get(chi.URLParam(r, "task_id"))
	if err != nil {
		if errors.Is(err, dtask.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeOK(w, map[string]any{"task": task})
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeErr(w, http.StatusServiceUnavailable, "tasks_disabled", "digital task executor is not configured")
		return
	}
	taskID := chi.URLParam(r, "task_id")
	if err := s.tasks.Cancel(taskID, "api"); err != nil {
		if errors.Is(err, dtask.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		writeErr(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}
	writeOK(w, map[string]any{"task_id": taskID})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeErr(w, http.StatusServiceUnavailable, "tasks_disabled", "digital task executor is not configured")
		return
	}
	tasks, err := s.tasks.List(store.TaskFilter{
		SessionID: r.URL.Query().Get("session_id"),
		DeviceID:  r.URL.Query().Get("device_id"),
		Status:    r.URL.Query().Get("status"),
		Limit:     queryInt(r, "limit", 50),
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeOK(w, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, _ *http.Request) {
	if s.tasks == nil {
		writeErr(w, http.StatusServiceUnavailable, "tasks_disabled", "digital task executor is not configured")
		return
	}
	writeOK(w, map[string]any{"stats": s.tasks.Stats()})
}
