package model

import (
	"encoding/json"
	"strings"
	"time"
)

type JobKind string

const (
	JobKindSingle JobKind = "single"
	JobKindBatch  JobKind = "batch"
)

func (k JobKind) String() string { return string(k) }

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateNotFound  JobState = "not_found"
)

func (s JobState) String() string { return string(s) }

type OpAction string

const (
	OpCreate OpAction = "create"
	OpUpdate OpAction = "update"
	OpDelete OpAction = "delete"
)

// ParseOpAction normalizes input. Returns (value, true) if valid.
func ParseOpAction(s string) (OpAction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return OpCreate, true
	case "update":
		return OpUpdate, true
	case "delete":
		return OpDelete, true
	default:
		return "", false
	}
}

func (a OpAction) Valid() bool {
	return a == OpCreate || a == OpUpdate || a == OpDelete
}

// Operation is one upstream mutation inside a job. Done is the completion
// marker consulted on retry so an already-applied mutation is never replayed.
type Operation struct {
	Action   OpAction        `json:"action"`
	TargetID string          `json:"target_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Done     bool            `json:"done,omitempty"`
}

type OperationResult struct {
	Action  OpAction        `json:"action"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type JobResult struct {
	Success        bool              `json:"success"`
	TotalProcessed int               `json:"total_processed"`
	Results        []OperationResult `json:"results"`
	CompletedAt    time.Time         `json:"completed_at"`
}

// Job is the persisted state of one dispatch unit. Mutated only by the
// worker once enqueued.
type Job struct {
	ID           string      `json:"id"`
	OrgID        string      `json:"orgid"`
	Kind         JobKind     `json:"kind"`
	Operations   []Operation `json:"operations"`
	State        JobState    `json:"state"`
	Progress     float64     `json:"progress"`
	Attempts     int         `json:"attempts"`
	Result       *JobResult  `json:"result,omitempty"`
	FailedReason string      `json:"failed_reason,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// JobEnvelope is the kafka payload; the full job record lives in the store.
type JobEnvelope struct {
	JobID string `json:"job_id"`
	OrgID string `json:"orgid"`
}
