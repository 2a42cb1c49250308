// Package dtask runs digital tasks on behalf of a device: goal in, MCP tool
// attempt first, general fallback second, with bounded concurrency, absolute
// deadlines, reliable status pushes, and restart recovery.
package dtask

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencane/opencane/pkg/protocol"
	"github.com/opencane/opencane/pkg/provider"
	"github.com/opencane/opencane/pkg/safety"
	"github.com/opencane/opencane/pkg/store"
)

// Task statuses. Transitions run pending -> running -> one terminal status;
// terminal states never change again.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCanceled:
		return true
	}
	return false
}

var (
	ErrNotFound    = errors.New("dtask: task not found")
	ErrEmptyGoal   = errors.New("dtask: goal is required")
	ErrClosed      = errors.New("dtask: executor closed")
)

// StepRunner is the general tool path used when no MCP tool fits or the MCP
// attempt fails.
type StepRunner interface {
	RunStep(ctx context.Context, goal, stage string) (string, error)
}

// Sink delivers one command to a device. The runtime's dispatcher satisfies
// it; failures are retried by the push queue.
type Sink interface {
	PushCommand(ctx context.Context, deviceID, sessionID string, t protocol.CommandType, payload protocol.Payload) error
}

// Options configures an Executor. Store is required; everything else has a
// usable zero value.
type Options struct {
	Store    *store.Store
	Tools    provider.ToolExecutor // MCP stage; nil skips straight to fallback
	Fallback StepRunner            // general stage; nil makes MCP the only path
	Sink     Sink                  // nil leaves pushes queued for hello replay
	Safety   *safety.Policy        // gates spoken status text; nil disables

	MaxConcurrent      int           // default 4
	DefaultTimeout     time.Duration // default 120s
	StatusRetryCount   int           // default 3
	StatusRetryBackoff time.Duration // default 500ms

	Logger *slog.Logger
}

// ExecuteRequest describes one task submission.
type ExecuteRequest struct {
	Goal              string `json:"goal"`
	SessionID         string `json:"session_id"`
	DeviceID          string `json:"device_id,omitempty"`
	TimeoutSeconds    int    `json:"timeout_seconds,omitempty"`
	Notify            bool   `json:"notify,omitempty"`
	Speak             bool   `json:"speak,omitempty"`
	InterruptPrevious bool   `json:"interrupt_previous,omitempty"`
	TaskID            string `json:"task_id,omitempty"`

	// Steps seeds the task's step log, for callers that planned ahead of
	// submission. Entries without a timestamp get the creation time.
	Steps []store.TaskStep `json:"steps,omitempty"`
}

// Stats is a snapshot of executor activity since start.
type Stats struct {
	Running   int   `json:"running"`
	Pending   int   `json:"pending"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Timeout   int64 `json:"timeout"`
	Canceled  int64 `json:"canceled"`
}

type cancelReason struct{ reason string }

func (c cancelReason) Error() string { return "dtask: canceled: " + c.reason }

// Executor schedules and runs digital tasks. Safe for concurrent use.
type Executor struct {
	store    *store.Store
	tools    provider.ToolExecutor
	fallback StepRunner
	sink     Sink
	policy   *safety.Policy
	logger   *slog.Logger

	sem          chan struct{}
	defaultTO    time.Duration
	retryCount   int
	retryBackoff time.Duration

	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	closed  bool

	running   atomic.Int64
	pending   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	canceled  atomic.Int64
}

// New builds an Executor. Call Recover to resume persisted tasks, Close to
// shut down.
func New(opts Options) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 120 * time.Second
	}
	if opts.StatusRetryCount <= 0 {
		opts.StatusRetryCount = 3
	}
	if opts.StatusRetryBackoff <= 0 {
		opts.StatusRetryBackoff = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Executor{
		store:        opts.Store,
		tools:        opts.Tools,
		fallback:     opts.Fallback,
		sink:         opts.Sink,
		policy:       opts.Safety,
		logger:       opts.Logger,
		sem:          make(chan struct{}, opts.MaxConcurrent),
		defaultTO:    opts.DefaultTimeout,
		retryCount:   opts.StatusRetryCount,
		retryBackoff: opts.StatusRetryBackoff,
		baseCtx:      ctx,
		baseStop:     stop,
		cancels:      map[string]context.CancelCauseFunc{},
	}
}

// NewTaskID returns a fresh 12-hex task identifier.
func NewTaskID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%012x", time.Now().UnixNano()&0xFFFFFFFFFFFF)
	}
	return hex.EncodeToString(b[:])
}

// Execute creates the task, optionally interrupting the device's previous
// non-terminal tasks, and schedules it. Returns the persisted record in
// pending state.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*store.DigitalTaskRecord, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, ErrEmptyGoal
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if req.InterruptPrevious && req.DeviceID != "" {
		if err := e.interruptDevice(req.DeviceID); err != nil {
			return nil, err
		}
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = NewTaskID()
	}
	timeout := e.defaultTO
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	now := time.Now().UnixMilli()
	task := &store.DigitalTaskRecord{
		TaskID:         taskID,
		SessionID:      req.SessionID,
		DeviceID:       req.DeviceID,
		Goal:           req.Goal,
		Status:         StatusPending,
		TimeoutSeconds: int(timeout / time.Second),
		DeadlineMS:     now + timeout.Milliseconds(),
		Notify:         req.Notify,
		Speak:          req.Speak,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
	}
	for _, s := range req.Steps {
		if s.TS == 0 {
			s.TS = now
		}
		task.Steps = append(task.Steps, s)
	}
	task.Steps = append(task.Steps, store.TaskStep{TS: now, Stage: "create", Status: StatusPending, Message: req.Goal})
	if err := e.store.SaveTask(task); err != nil {
		return nil, fmt.Errorf("dtask: save task: %w", err)
	}
	e.pushStatus(task, StatusPending, statusMessage(StatusPending, task.Goal))

	e.schedule(task)
	return task, nil
}

// interruptDevice cancels every non-terminal task on the device. Having none
// is a no-op.
func (e *Executor) interruptDevice(deviceID string) error {
	tasks, err := e.store.ListTasks(store.TaskFilter{DeviceID: deviceID})
	if err != nil {
		return fmt.Errorf("dtask: list tasks: %w", err)
	}
	for _, t := range tasks {
		if !IsTerminal(t.Status) {
			if err := e.Cancel(t.TaskID, "interrupt_previous"); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) schedule(task *store.DigitalTaskRecord) {
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	e.mu.Lock()
	e.cancels[task.TaskID] = cancel
	e.mu.Unlock()

	e.pending.Add(1)
	e.wg.Add(1)
	go e.run(ctx, task)
}

func (e *Executor) run(ctx context.Context, task *store.DigitalTaskRecord) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, task.TaskID)
		e.mu.Unlock()
	}()

	deadline := time.UnixMilli(task.DeadlineMS)
	runCtx, cancelTO := context.WithDeadline(ctx, deadline)
	defer cancelTO()

	// Queued tasks stay pending until a worker slot frees up; the absolute
	// deadline keeps ticking while they wait.
	select {
	case e.sem <- struct{}{}:
	case <-runCtx.Done():
		e.pending.Add(-1)
		e.finish(ctx, task, "", runCtx)
		return
	}
	defer func() { <-e.sem }()

	e.pending.Add(-1)
	e.running.Add(1)
	defer e.running.Add(-1)

	if !e.transition(task, StatusRunning, "execute", statusMessage(StatusRunning, task.Goal), nil, "") {
		return
	}

	result, err := e.runStages(runCtx, task)
	if err != nil {
		e.finishErr(ctx, task, err, runCtx)
		return
	}
	e.succeeded.Add(1)
	e.transition(task, StatusSuccess, "result", statusMessage(StatusSuccess, task.Goal),
		map[string]any{"output": result}, "")
	_ = e.finishedTrace(task, result)
}

// finish resolves a task whose context ended before or without a stage error.
func (e *Executor) finish(ctx context.Context, task *store.DigitalTaskRecord, result string, runCtx context.Context) {
	e.finishErr(ctx, task, runCtx.Err(), runCtx)
}

func (e *Executor) finishErr(_ context.Context, task *store.DigitalTaskRecord, err error, runCtx context.Context) {
	var reason cancelReason
	switch {
	case errors.As(context.Cause(runCtx), &reason):
		e.canceled.Add(1)
		e.transition(task, StatusCanceled, "cancel", statusMessage(StatusCanceled, task.Goal), nil, reason.reason)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		e.timedOut.Add(1)
		e.transition(task, StatusTimeout, "deadline", statusMessage(StatusTimeout, task.Goal), nil, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		e.canceled.Add(1)
		e.transition(task, StatusCanceled, "cancel", statusMessage(StatusCanceled, task.Goal), nil, "executor shutdown")
	default:
		e.failed.Add(1)
		e.transition(task, StatusFailed, "error", statusMessage(StatusFailed, task.Goal), nil, err.Error())
	}
}

// runStages tries the MCP stage first and falls back to the general path on
// any non-success.
func (e *Executor) runStages(ctx context.Context, task *store.DigitalTaskRecord) (string, error) {
	var mcpErr error
	if e.tools != nil {
		if tool, ok := e.matchTool(task.Goal); ok {
			e.appendStep(task, "mcp", StatusRunning, "tool "+tool)
			out, err := e.tools.ExecuteTool(ctx, tool, fmt.Sprintf(`{"goal": %q}`, task.Goal))
			if err == nil {
				e.appendStep(task, "mcp", StatusSuccess, "tool "+tool)
				return out, nil
			}
			if ctx.Err() != nil {
				return "", err
			}
			mcpErr = err
			e.appendStep(task, "mcp", StatusFailed, err.Error())
		}
	}
	if e.fallback == nil {
		if mcpErr != nil {
			return "", mcpErr
		}
		return "", fmt.Errorf("dtask: no executor can serve goal %q", task.Goal)
	}
	e.appendStep(task, "fallback", StatusRunning, "")
	out, err := e.fallback.RunStep(ctx, task.Goal, "fallback")
	if err != nil {
		e.appendStep(task, "fallback", StatusFailed, err.Error())
		return "", err
	}
	e.appendStep(task, "fallback", StatusSuccess, "")
	return out, nil
}

// matchTool picks the MCP tool whose name appears in the goal text.
func (e *Executor) matchTool(goal string) (string, bool) {
	lower := strings.ToLower(goal)
	for _, spec := range e.tools.Tools() {
		name := strings.ToLower(spec.Name)
		if strings.Contains(lower, name) || strings.Contains(lower, strings.ReplaceAll(name, "_", " ")) {
			return spec.Name, true
		}
	}
	return "", false
}

// Cancel moves a non-terminal task to canceled with the given reason.
// Canceling a terminal or unknown task is ErrNotFound only when the task was
// never created; terminal tasks are a silent no-op.
func (e *Executor) Cancel(taskID, reason string) error {
	if reason == "" {
		reason = "canceled"
	}
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if ok {
		cancel(cancelReason{reason: reason})
		return nil
	}

	task, found, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if IsTerminal(task.Status) {
		return nil
	}
	// Not scheduled in this process (e.g. pre-recovery); settle it directly.
	e.canceled.Add(1)
	e.transition(task, StatusCanceled, "cancel", statusMessage(StatusCanceled, task.Goal), nil, reason)
	return nil
}

// Get returns the persisted task record.
func (e *Executor) Get(taskID string) (*store.DigitalTaskRecord, error) {
	task, ok, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return task, nil
}

// List returns persisted tasks matching the filter, newest first.
func (e *Executor) List(f store.TaskFilter) ([]*store.DigitalTaskRecord, error) {
	return e.store.ListTasks(f)
}

// Stats returns a snapshot of executor activity.
func (e *Executor) Stats() Stats {
	return Stats{
		Running:   int(e.running.Load()),
		Pending:   int(e.pending.Load()),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Timeout:   e.timedOut.Load(),
		Canceled:  e.canceled.Load(),
	}
}

// Recover loads persisted non-terminal tasks: expired deadlines settle as
// timeout, the rest reschedule from pending.
func (e *Executor) Recover(context.Context) error {
	tasks, err := e.store.ListTasks(store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("dtask: recover: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, task := range tasks {
		if IsTerminal(task.Status) {
			continue
		}
		if task.DeadlineMS > 0 && task.DeadlineMS <= now {
			e.timedOut.Add(1)
			e.transition(task, StatusTimeout, "recover", statusMessage(StatusTimeout, task.Goal), nil, "deadline passed during restart")
			continue
		}
		if task.Status == StatusRunning {
			task.Status = StatusPending
			task.UpdatedAtMS = now
			e.appendStep(task, "recover", StatusPending, "rescheduled after restart")
			if err := e.store.SaveTask(task); err != nil {
				e.logger.Warn("dtask: recover save failed", "task", task.TaskID, "error", err)
				continue
			}
		}
		e.logger.Info("dtask: rescheduling task", "task", task.TaskID, "goal", task.Goal)
		e.schedule(task)
	}
	return nil
}

// Close stops accepting tasks and waits up to grace for running tasks, then
// cancels the rest.
func (e *Executor) Close(grace time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.baseStop()
		<-done
	}
	e.baseStop()
	return nil
}

// ==================================================================
// transitions and pushes
// ==================================================================

// transition persists a status change and emits its push. Returns false when
// the task is already terminal.
func (e *Executor) transition(task *store.DigitalTaskRecord, status, stage, message string, result map[string]any, errText string) bool {
	current, ok, err := e.store.GetTask(task.TaskID)
	if err == nil && ok {
		task = current
	}
	if IsTerminal(task.Status) {
		return false
	}
	now := time.Now().UnixMilli()
	task.Status = status
	task.UpdatedAtMS = now
	if result != nil {
		task.Result = result
	}
	if errText != "" {
		task.Error = errText
	}
	task.Steps = append(task.Steps, store.TaskStep{TS: now, Stage: stage, Status: status, Message: message})
	if err := e.store.SaveTask(task); err != nil {
		e.logger.Error("dtask: save transition failed", "task", task.TaskID, "status", status, "error", err)
	}
	e.logger.Info("dtask: task transition", "task", task.TaskID, "status", status)
	e.pushStatus(task, status, message)
	return true
}

func (e *Executor) appendStep(task *store.DigitalTaskRecord, stage, status, message string) {
	task.Steps = append(task.Steps, store.TaskStep{
		TS:      time.Now().UnixMilli(),
		Stage:   stage,
		Status:  status,
		Message: message,
	})
	if err := e.store.SaveTask(task); err != nil {
		e.logger.Warn("dtask: save step failed", "task", task.TaskID, "error", err)
	}
}

// pushStatus queues exactly one task_update per (task, status); delivery
// retries reuse the same queue entry.
func (e *Executor) pushStatus(task *store.DigitalTaskRecord, status, message string) {
	if !task.Notify || task.DeviceID == "" {
		return
	}
	now := time.Now().UnixMilli()
	push := &store.PushUpdate{
		ID:        task.TaskID + ":" + status,
		TaskID:    task.TaskID,
		DeviceID:  task.DeviceID,
		SessionID: task.SessionID,
		Status:    status,
		Payload: map[string]any{
			"task_id": task.TaskID,
			"status":  status,
			"message": message,
			"goal":    task.Goal,
		},
		NextAttemptMS: now,
		CreatedAtMS:   now,
	}
	if err := e.store.SavePush(push); err != nil {
		e.logger.Error("dtask: queue push failed", "task", task.TaskID, "status", status, "error", err)
		return
	}
	if e.sink == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliverPush(push)
		if task.Speak {
			e.speakStatus(task, message)
		}
	}()
}

// deliverPush attempts delivery with exponential backoff. After the retry
// budget the entry stays queued and replays on the device's next hello.
func (e *Executor) deliverPush(push *store.PushUpdate) {
	backoff := e.retryBackoff
	for attempt := 0; attempt <= e.retryCount; attempt++ {
		ctx, cancel := context.WithTimeout(e.baseCtx, 10*time.Second)
		err := e.sink.PushCommand(ctx, push.DeviceID, push.SessionID, protocol.CommandTaskUpdate, protocol.Payload(push.Payload))
		cancel()
		push.Attempts++
		if err == nil {
			push.Sent = true
			push.LastError = ""
			if serr := e.store.SavePush(push); serr != nil {
				e.logger.Warn("dtask: mark push sent failed", "push", push.ID, "error", serr)
			}
			return
		}
		push.LastError = err.Error()
		push.NextAttemptMS = time.Now().Add(backoff).UnixMilli()
		if serr := e.store.SavePush(push); serr != nil {
			e.logger.Warn("dtask: save push retry failed", "push", push.ID, "error", serr)
		}
		select {
		case <-time.After(backoff):
		case <-e.baseCtx.Done():
			return
		}
		backoff *= 2
	}
	e.logger.Warn("dtask: push delivery exhausted retries, queued for replay",
		"push", push.ID, "device", push.DeviceID)
}

// speakStatus sends the status text as a tts_chunk through the safety gate.
func (e *Executor) speakStatus(task *store.DigitalTaskRecord, message string) {
	text := message
	if e.policy != nil {
		decision := e.policy.Evaluate(safety.Input{Text: message, Source: "digital_task", Confidence: 1})
		text = decision.Text
	}
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, 10*time.Second)
	defer cancel()
	if err := e.sink.PushCommand(ctx, task.DeviceID, task.SessionID, protocol.CommandTTSChunk, protocol.Payload{
		"text":    text,
		"task_id": task.TaskID,
	}); err != nil {
		e.logger.Warn("dtask: speak push failed", "task", task.TaskID, "error", err)
	}
}

func (e *Executor) finishedTrace(task *store.DigitalTaskRecord, result string) error {
	return e.store.AppendTrace(&store.ThoughtTrace{
		TraceID:   task.TaskID,
		SessionID: task.SessionID,
		Source:    "digital_task",
		Stage:     "result",
		Payload:   map[string]any{"goal": task.Goal, "output": result},
		TS:        time.Now().UnixMilli(),
	})
}

func statusMessage(status, goal string) string {
	switch status {
	case StatusPending:
		return "任务已创建：" + goal
	case StatusRunning:
		return "任务正在执行：" + goal
	case StatusSuccess:
		return "任务已完成：" + goal
	case StatusFailed:
		return "任务执行失败：" + goal
	case StatusTimeout:
		return "任务超时：" + goal
	case StatusCanceled:
		return "任务已取消：" + goal
	}
	return goal
}
