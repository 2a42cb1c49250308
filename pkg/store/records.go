// Package store provides the typed persistence layer for the runtime: device
// sessions, lifelog events/images/contexts, digital tasks and their push
// queue, device operations and bindings, thought traces, and telemetry /
// observability samples.
//
// Records are encoded with msgpack over a small key-value core with a
// BadgerDB backend for production and an in-memory backend for tests. The
// json tags serve the control HTTP surface, which returns records verbatim.
package store

// DeviceSessionRecord mirrors the runtime session for persistence across
// restarts and reconnects.
type DeviceSessionRecord struct {
	DeviceID        string         `msgpack:"device_id" json:"device_id"`
	SessionID       string         `msgpack:"session_id" json:"session_id"`
	State           string         `msgpack:"state" json:"state"`
	CreatedAtMS     int64          `msgpack:"created_at_ms" json:"created_at_ms"`
	LastSeenMS      int64          `msgpack:"last_seen_ms" json:"last_seen_ms"`
	LastRecvSeq     int64          `msgpack:"last_recv_seq" json:"last_recv_seq"`
	LastOutboundSeq int64          `msgpack:"last_outbound_seq" json:"last_outbound_seq"`
	Metadata        map[string]any `msgpack:"metadata" json:"metadata,omitempty"`
	Telemetry       map[string]any `msgpack:"telemetry" json:"telemetry,omitempty"`
	ClosedAtMS      int64          `msgpack:"closed_at_ms" json:"closed_at_ms,omitempty"`
	CloseReason     string         `msgpack:"close_reason" json:"close_reason,omitempty"`
	UpdatedAtMS     int64          `msgpack:"updated_at_ms" json:"updated_at_ms"`
}

// LifelogEvent is one typed runtime event on a session timeline.
type LifelogEvent struct {
	ID         string         `msgpack:"id" json:"id"`
	SessionID  string         `msgpack:"session_id" json:"session_id"`
	EventType  string         `msgpack:"event_type" json:"event_type"`
	Payload    map[string]any `msgpack:"payload" json:"payload,omitempty"`
	RiskLevel  string         `msgpack:"risk_level" json:"risk_level,omitempty"`
	Confidence float64        `msgpack:"confidence" json:"confidence,omitempty"`
	TS         int64          `msgpack:"ts" json:"ts"`
}

// LifelogImage records one ingested image asset.
type LifelogImage struct {
	ID        string `msgpack:"id" json:"id"`
	SessionID string `msgpack:"session_id" json:"session_id"`
	ImageURI  string `msgpack:"image_uri" json:"image_uri"`
	Hash      string `msgpack:"hash" json:"hash"` // multi-hash payload, e.g. "dhash:..;blake2:.."
	Dedup     bool   `msgpack:"dedup" json:"dedup"`
	Deleted   bool   `msgpack:"deleted" json:"deleted,omitempty"`
	TS        int64  `msgpack:"ts" json:"ts"`
}

// LifelogContext is the structured understanding of one image.
type LifelogContext struct {
	ImageID           string           `msgpack:"image_id" json:"image_id"`
	SessionID         string           `msgpack:"session_id" json:"session_id"`
	Summary           string           `msgpack:"summary" json:"summary"`
	Objects           []map[string]any `msgpack:"objects" json:"objects,omitempty"`
	OCR               []map[string]any `msgpack:"ocr" json:"ocr,omitempty"`
	RiskHints         []string         `msgpack:"risk_hints" json:"risk_hints,omitempty"`
	ActionableSummary string           `msgpack:"actionable_summary" json:"actionable_summary,omitempty"`
	RiskLevel         string           `msgpack:"risk_level" json:"risk_level"`
	RiskScore         float64          `msgpack:"risk_score" json:"risk_score"`
	Confidence        float64          `msgpack:"confidence" json:"confidence"`
	TS                int64            `msgpack:"ts" json:"ts"`
}

// TaskStep is one append-only entry in a digital task's step log.
type TaskStep struct {
	TS      int64  `msgpack:"ts" json:"ts"`
	Stage   string `msgpack:"stage" json:"stage"`
	Status  string `msgpack:"status" json:"status"`
	Message string `msgpack:"message" json:"message,omitempty"`
}

// DigitalTaskRecord is the persisted state of one digital task.
type DigitalTaskRecord struct {
	TaskID         string         `msgpack:"task_id" json:"task_id"`
	SessionID      string         `msgpack:"session_id" json:"session_id"`
	DeviceID       string         `msgpack:"device_id" json:"device_id,omitempty"`
	Goal           string         `msgpack:"goal" json:"goal"`
	Status         string         `msgpack:"status" json:"status"`
	Steps          []TaskStep     `msgpack:"steps" json:"steps,omitempty"`
	Result         map[string]any `msgpack:"result" json:"result,omitempty"`
	Error          string         `msgpack:"error" json:"error,omitempty"`
	TimeoutSeconds int            `msgpack:"timeout_seconds" json:"timeout_seconds"`
	DeadlineMS     int64          `msgpack:"deadline_ms" json:"deadline_ms"`
	Notify         bool           `msgpack:"notify" json:"notify"`
	Speak          bool           `msgpack:"speak" json:"speak"`
	CreatedAtMS    int64          `msgpack:"created_at_ms" json:"created_at_ms"`
	UpdatedAtMS    int64          `msgpack:"updated_at_ms" json:"updated_at_ms"`
}

// PushUpdate is one queued task_update push awaiting delivery.
type PushUpdate struct {
	ID            string         `msgpack:"id" json:"id"`
	TaskID        string         `msgpack:"task_id" json:"task_id"`
	DeviceID      string         `msgpack:"device_id" json:"device_id"`
	SessionID     string         `msgpack:"session_id" json:"session_id"`
	Status        string         `msgpack:"status" json:"status"` // task status carried by the push
	Payload       map[string]any `msgpack:"payload" json:"payload,omitempty"`
	Attempts      int            `msgpack:"attempts" json:"attempts"`
	LastError     string         `msgpack:"last_error" json:"last_error,omitempty"`
	NextAttemptMS int64          `msgpack:"next_attempt_ms" json:"next_attempt_ms"`
	Sent          bool           `msgpack:"sent" json:"sent"`
	CreatedAtMS   int64          `msgpack:"created_at_ms" json:"created_at_ms"`
}

// DeviceOperation is one outbound command with a push lifecycle.
type DeviceOperation struct {
	OperationID string         `msgpack:"operation_id" json:"operation_id"`
	DeviceID    string         `msgpack:"device_id" json:"device_id"`
	SessionID   string         `msgpack:"session_id" json:"session_id"`
	OpType      string         `msgpack:"op_type" json:"op_type"`
	CommandType string         `msgpack:"command_type" json:"command_type"`
	Status      string         `msgpack:"status" json:"status"` // queued|sent|acked|failed|canceled
	Payload     map[string]any `msgpack:"payload" json:"payload,omitempty"`
	Result      map[string]any `msgpack:"result" json:"result,omitempty"`
	Error       string         `msgpack:"error" json:"error,omitempty"`
	Attempts    int            `msgpack:"attempts" json:"attempts"`
	CreatedAtMS int64          `msgpack:"created_at_ms" json:"created_at_ms"`
	UpdatedAtMS int64          `msgpack:"updated_at_ms" json:"updated_at_ms"`
	AckedAtMS   int64          `msgpack:"acked_at_ms" json:"acked_at_ms,omitempty"`
}

// DeviceBinding is the identity lifecycle record for one device.
type DeviceBinding struct {
	DeviceID      string         `msgpack:"device_id" json:"device_id"`
	DeviceToken   string         `msgpack:"device_token" json:"-"`
	Status        string         `msgpack:"status" json:"status"` // registered|bound|activated|revoked
	UserID        string         `msgpack:"user_id" json:"user_id,omitempty"`
	ActivatedAtMS int64          `msgpack:"activated_at_ms" json:"activated_at_ms,omitempty"`
	RevokedAtMS   int64          `msgpack:"revoked_at_ms" json:"revoked_at_ms,omitempty"`
	RevokeReason  string         `msgpack:"revoke_reason" json:"revoke_reason,omitempty"`
	Metadata      map[string]any `msgpack:"metadata" json:"metadata,omitempty"`
	CreatedAtMS   int64          `msgpack:"created_at_ms" json:"created_at_ms"`
	UpdatedAtMS   int64          `msgpack:"updated_at_ms" json:"updated_at_ms"`
}

// ThoughtTrace is one stage of a reasoning trace.
type ThoughtTrace struct {
	TraceID   string         `msgpack:"trace_id" json:"trace_id"`
	SessionID string         `msgpack:"session_id" json:"session_id"`
	Source    string         `msgpack:"source" json:"source"`
	Stage     string         `msgpack:"stage" json:"stage"`
	Payload   map[string]any `msgpack:"payload" json:"payload,omitempty"`
	TS        int64          `msgpack:"ts" json:"ts"`
}

// TelemetrySample is one normalized telemetry snapshot.
type TelemetrySample struct {
	DeviceID      string         `msgpack:"device_id" json:"device_id"`
	SessionID     string         `msgpack:"session_id" json:"session_id"`
	SchemaVersion string         `msgpack:"schema_version" json:"schema_version"`
	Sample        map[string]any `msgpack:"sample" json:"sample,omitempty"`
	Raw           map[string]any `msgpack:"raw" json:"raw,omitempty"`
	TraceID       string         `msgpack:"trace_id" json:"trace_id,omitempty"`
	TS            int64          `msgpack:"ts" json:"ts"`
}

// ObservabilitySample is one persisted runtime metrics snapshot, used for
// trend history.
type ObservabilitySample struct {
	TS      int64          `msgpack:"ts" json:"ts"`
	Healthy bool           `msgpack:"healthy" json:"healthy"`
	Rates   map[string]any `msgpack:"rates" json:"rates,omitempty"`
	Alerts  []string       `msgpack:"alerts" json:"alerts,omitempty"`
}
