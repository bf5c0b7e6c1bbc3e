package domain

import "time"

// TriggerCause is the closed set of reasons a project run may start.
type TriggerCause string

const (
	CauseWebhook     TriggerCause = "webhook"
	CauseManual      TriggerCause = "manual"
	CauseScaleToZero TriggerCause = "scale_to_zero"
)

// Valid reports whether c is one of the known causes.
func (c TriggerCause) Valid() bool {
	switch c {
	case CauseWebhook, CauseManual, CauseScaleToZero:
		return true
	}
	return false
}

// Redeploy run statuses.
const (
	RedeployRunning   = "running"
	RedeploySucceeded = "succeeded"
	RedeployFailed    = "failed"
	RedeployStopped   = "stopped"
)

// Redeploy is the audit record of a single coordinator run.
type Redeploy struct {
	ID          string
	ProjectID   string
	Cause       TriggerCause
	DeliveryID  string
	CommitSHA   string
	Status      string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ProjectEvent is broadcast to dashboard subscribers when a project changes state.
type ProjectEvent struct {
	ProjectID  string        `json:"project_id"`
	Status     ProjectStatus `json:"status"`
	Cause      TriggerCause  `json:"cause,omitempty"`
	Error      string        `json:"error,omitempty"`
	DeliveryID string        `json:"delivery_id,omitempty"`
	CommitSHA  string        `json:"commit_sha,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
