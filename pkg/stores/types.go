package stores

import (
	"context"
	"time"

	"github.com/tengil/tengil/pkg/engine"
)

// RunRecord is one apply run as kept in history.
type RunRecord struct {
	ID           string           `json:"id"`
	PlanID       string           `json:"plan_id"`
	Status       engine.RunStatus `json:"status"`
	DryRun       bool             `json:"dry_run"`
	ActionCount  int              `json:"action_count"`
	Succeeded    int              `json:"succeeded"`
	Failed       int              `json:"failed"`
	Skipped      int              `json:"skipped"`
	CheckpointID string           `json:"checkpoint_id,omitempty"`
	AbortReason  string           `json:"abort_reason,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Duration     time.Duration    `json:"duration"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ActionRecord is the outcome of one action within a run.
type ActionRecord struct {
	ID           int64               `json:"id"`
	RunID        string              `json:"run_id"`
	ActionID     string              `json:"action_id"`
	Kind         engine.ActionKind   `json:"kind"`
	ResourceType engine.ResourceType `json:"resource_type"`
	ResourceID   string              `json:"resource_id"`
	Status       engine.ActionStatus `json:"status"`
	Note         string              `json:"note,omitempty"`
	BlockedBy    string              `json:"blocked_by,omitempty"`
	ErrorCode    string              `json:"error_code,omitempty"`
	Error        string              `json:"error,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	Duration     time.Duration       `json:"duration"`
}

// DriftRecord is one drift item observed during a run.
type DriftRecord struct {
	ID           int64               `json:"id"`
	RunID        string              `json:"run_id"`
	Key          string              `json:"key"`
	ResourceType engine.ResourceType `json:"resource_type"`
	ResourceID   string              `json:"resource_id"`
	Attribute    string              `json:"attribute,omitempty"`
	Change       engine.DriftChange  `json:"change"`
	Safety       engine.DriftSafety  `json:"safety"`
	Reason       string              `json:"reason,omitempty"`
	Expected     string              `json:"expected,omitempty"` // JSON
	Observed     string              `json:"observed,omitempty"` // JSON
	DetectedAt   time.Time           `json:"detected_at"`
}

// AuditEntry records an operator action such as a rollback or manual checkpoint.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  string    `json:"target_id,omitempty"`
	Details   string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// History is the queryable side of run history.
type History interface {
	engine.Recorder

	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)
	ListActions(ctx context.Context, runID string) ([]*ActionRecord, error)
	ListDrift(ctx context.Context, runID string) ([]*DriftRecord, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

var _ History = (*HistoryStore)(nil)
var _ engine.StateStore = (*FileStateStore)(nil)
var _ engine.Locker = (*FileStateStore)(nil)
