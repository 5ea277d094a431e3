package runstore

import (
	"time"

	"gorm.io/datatypes"

	"revaudit/internal/recon"
)

// RunStatus is the audit run lifecycle state.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusSucceeded RunStatus = "SUCCEEDED"
	StatusFailed    RunStatus = "FAILED"
)

// Run is one reconciliation attempt for a tenant and window.
type Run struct {
	ID          string
	ClientID    string
	Window      recon.Window
	Status      RunStatus
	Attempt     int
	MaxAttempts int
	Error       string
	Superseded  bool
	Summary     *recon.Summary
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Finding is one persisted discrepancy row of a succeeded run. Samples of
// every non-matched class and duplicate hits land here so the run result
// is inspectable without re-running the audit.
type Finding struct {
	RunID           string `json:"run_id"`
	Kind            string `json:"kind"`
	Key             string `json:"key"`
	BackendAmount   string `json:"backend_amount,omitempty"`
	AnalyticsAmount string `json:"analytics_amount,omitempty"`
	AmountDelta     string `json:"amount_delta,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

type runModel struct {
	ID           string         `gorm:"column:id;primaryKey"`
	ClientID     string         `gorm:"column:client_id;index:idx_runs_client_window"`
	WindowStart  int64          `gorm:"column:window_start;index:idx_runs_client_window"`
	WindowEnd    int64          `gorm:"column:window_end;index:idx_runs_client_window"`
	Status       string         `gorm:"column:status;index"`
	Attempt      int            `gorm:"column:attempt"`
	MaxAttempts  int            `gorm:"column:max_attempts"`
	Error        string         `gorm:"column:error"`
	Superseded   int            `gorm:"column:superseded"`
	SummaryJSON  datatypes.JSON `gorm:"column:summary_json"`
	CreatedAtUx  int64          `gorm:"column:created_at;index"`
	StartedAtUx  int64          `gorm:"column:started_at"`
	FinishedAtUx int64          `gorm:"column:finished_at"`
}

func (runModel) TableName() string { return "audit_runs" }

type findingModel struct {
	ID              int64  `gorm:"column:id;primaryKey"`
	RunID           string `gorm:"column:run_id;index"`
	Kind            string `gorm:"column:kind;index"`
	Key             string `gorm:"column:record_key"`
	BackendAmount   string `gorm:"column:backend_amount"`
	AnalyticsAmount string `gorm:"column:analytics_amount"`
	AmountDelta     string `gorm:"column:amount_delta"`
	Detail          string `gorm:"column:detail"`
}

func (findingModel) TableName() string { return "audit_findings" }
