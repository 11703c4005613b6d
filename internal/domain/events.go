package domain

import "time"

// EventType enumerates workflow progress event variants.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventStageUpdate       EventType = "stage_update"
	EventJobsFetched       EventType = "jobs_fetched"
	EventJobProcessing     EventType = "job_processing"
	EventApplicationResult EventType = "application_result"
	EventJobSkipped        EventType = "job_skipped"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// Terminal reports whether this event type ends a run's stream.
func (t EventType) Terminal() bool {
	return t == EventWorkflowCompleted || t == EventWorkflowFailed
}

// Event is one entry in a run's progress stream. Seq strictly increases
// within a run; the SSE endpoint serializes events verbatim.
type Event struct {
	Seq            uint64             `json:"seq"`
	TS             time.Time          `json:"ts"`
	Type           EventType          `json:"type"`
	StageMessage   string             `json:"stage_message,omitempty"`
	CurrentIndex   int                `json:"current_index,omitempty"`
	TotalJobs      int                `json:"total_jobs,omitempty"`
	Attempt        int                `json:"attempt,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Error          string             `json:"error,omitempty"`
	GroundedCount  int                `json:"grounded_count,omitempty"`
	TotalClaims    int                `json:"total_claims,omitempty"`
	Job            *Job               `json:"job,omitempty"`
	Application    *ApplicationRecord `json:"application,omitempty"`
	TotalSubmitted int                `json:"total_submitted,omitempty"`
	TotalFailed    int                `json:"total_failed,omitempty"`
}

// Skip and stop reason codes surfaced on events and records.
const (
	ReasonPolicyDisabled   = "policy_disabled"
	ReasonBlockedCompany   = "blocked_company"
	ReasonBlockedRoleType  = "blocked_role_type"
	ReasonNotRemote        = "not_remote"
	ReasonLocationMismatch = "location_mismatch"
	ReasonBelowThreshold   = "below_threshold"
	ReasonUngroundedClaim  = "ungrounded_claim"
	ReasonDailyCapReached  = "daily_cap_reached"
	ReasonDuplicate        = "duplicate"
	ReasonKillSwitch       = "kill_switch"
)
