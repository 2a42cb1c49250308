// Package httpapi is the loopback control surface: runtime status and
// observability, device identity lifecycle, operation dispatch, lifelog
// reads and image ingestion, and digital task control. Every response is
// JSON with a success flag; failures carry an error_code and message.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencane/opencane/pkg/dtask"
	"github.com/opencane/opencane/pkg/ingest"
	"github.com/opencane/opencane/pkg/runtime"
	"github.com/opencane/opencane/pkg/store"
	"github.com/opencane/opencane/pkg/vecstore"
)

// DefaultAddr binds to loopback; the control surface is operator-facing, not
// device-facing.
const DefaultAddr = "127.0.0.1:18792"

// Options wires the server. Runtime and Store are required.
type Options struct {
	Addr    string
	Runtime *runtime.Runtime
	Store   *store.Store
	Tasks   *dtask.Executor // nil disables the digital-task endpoints
	Index   *vecstore.Index // nil disables vector search

	// AuthToken enables bearer auth when non-empty, accepted either as
	// "Authorization: Bearer <token>" or "X-Auth-Token: <token>".
	AuthToken string

	// NonceWindow enables replay protection: requests must carry
	// X-Request-Nonce and X-Request-Timestamp, the timestamp within the
	// window, the nonce unseen inside it.
	NonceWindow time.Duration

	Logger *slog.Logger
}

// Server is the control HTTP surface.
type Server struct {
	opts   Options
	rt     *runtime.Runtime
	store  *store.Store
	tasks  *dtask.Executor
	index  *vecstore.Index
	log    *slog.Logger
	router chi.Router
	http   *http.Server

	mu     sync.Mutex
	nonces map[string]time.Time
}

// New builds the server and its route table.
func New(opts Options) (*Server, error) {
	if opts.Runtime == nil {
		return nil, errors.New("httpapi: runtime is required")
	}
	if opts.Store == nil {
		return nil, errors.New("httpapi: store is required")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		rt:     opts.Runtime,
		store:  opts.Store,
		tasks:  opts.Tasks,
		index:  opts.Index,
		log:    opts.Logger,
		nonces: map[string]time.Time{},
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("httpapi: listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.authMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/runtime/status", s.handleStatus)
		r.Get("/runtime/observability", s.handleObservability)
		r.Get("/runtime/observability/history", s.handleObservabilityHistory)
		r.Get("/runtime/trace/{trace_id}", s.handleTrace)

		r.Post("/device/register", s.handleDeviceRegister)
		r.Post("/device/bind", s.handleDeviceBind)
		r.Post("/device/activate", s.handleDeviceActivate)
		r.Post("/device/revoke", s.handleDeviceRevoke)
		r.Post("/device/event", s.handleDeviceEvent)

		r.Post("/device/ops/dispatch", s.handleOpsDispatch)
		r.Post("/device/ops/{operation_id}/ack", s.handleOpsAck)
		r.Get("/device/ops", s.handleOpsList)

		r.Post("/lifelog/enqueue_image", s.handleEnqueueImage)
		r.Post("/lifelog/query", s.handleLifelogQuery)
		r.Get("/lifelog/timeline", s.handleTimeline)
		r.Get("/lifelog/safety", s.handleSafetyEvents)
		r.Get("/lifelog/safety/stats", s.handleSafetyStats)

		r.Post("/digital-task/execute", s.handleTaskExecute)
		r.Get("/digital-task/stats", s.handleTaskStats)
		r.Get("/digital-task", s.handleTaskList)
		r.Get("/digital-task/{task_id}", s.handleTaskGet)
		r.Post("/digital-task/{task_id}/cancel", s.handleTaskCancel)
	})
	return r
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken != "" && !s.tokenOK(r) {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid auth token")
			return
		}
		if s.opts.NonceWindow > 0 {
			if code, msg := s.checkReplay(r); code != "" {
				writeErr(w, http.StatusUnauthorized, code, msg)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenOK(r *http.Request) bool {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ") == s.opts.AuthToken
	}
	return r.Header.Get("X-Auth-Token") == s.opts.AuthToken
}

// checkReplay validates the nonce/timestamp pair and remembers nonces for the
// window. Returns an error code and message, or "" when the request passes.
func (s *Server) checkReplay(r *http.Request) (string, string) {
	nonce := r.Header.Get("X-Request-Nonce")
	tsRaw := r.Header.Get("X-Request-Timestamp")
	if nonce == "" || tsRaw == "" {
		return "replay_headers_missing", "X-Request-Nonce and X-Request-Timestamp are required"
	}
	tsMS, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "replay_timestamp_invalid", "X-Request-Timestamp must be unix milliseconds"
	}
	now := time.Now()
	ts := time.UnixMilli(tsMS)
	if ts.Before(now.Add(-s.opts.NonceWindow)) || ts.After(now.Add(s.opts.NonceWindow)) {
		return "replay_timestamp_stale", "request timestamp outside the accepted window"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for n, seen := range s.nonces {
		if now.Sub(seen) > s.opts.NonceWindow {
			delete(s.nonces, n)
		}
	}
	if _, ok := s.nonces[nonce]; ok {
		return "replay_nonce_reused", "nonce already used inside the window"
	}
	s.nonces[nonce] = now
	return "", ""
}

// =============================================================================
// Response helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["success"] = true
	writeJSON(w, http.StatusOK, body)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success":    false,
		"error_code": code,
		"message":    message,
	})
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(into)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// statusForIngest maps queue errors onto HTTP semantics: overflow is 503, the
// caller should back off and retry.
func statusForIngest(err error) (int, string) {
	switch {
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrDropped):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, ingest.ErrClosed):
		return http.StatusServiceUnavailable, "queue_closed"
	default:
		return http.StatusInternalServerError, "image_processing_failed"
	}
}
