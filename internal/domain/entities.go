// Package domain defines the core entities, error taxonomy, and ports of the
// autonomous job-application agent. Adapters and usecases depend on this
// package; it depends on nothing but the standard library.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyRunning    = errors.New("workflow already running")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrCancelled         = errors.New("cancelled")
	ErrInternal          = errors.New("internal error")
)

// Context is an alias to context.Context so signatures in this package stay
// uniform with the rest of the codebase.
type Context = context.Context

// Evidence is the tagged union over the candidate's grounding units. Every
// claim a personalization makes must cite the id of one of these.
type Evidence interface {
	EvidenceID() string
}

// Bullet is an atomic achievement statement with a source experience.
type Bullet struct {
	ID     string   `json:"id"`
	Text   string   `json:"text"`
	Source string   `json:"source"`
	Skills []string `json:"skills,omitempty"`
}

// EvidenceID implements Evidence.
func (b Bullet) EvidenceID() string { return b.ID }

// Proof is an external link (portfolio, repository) backing a claim.
type Proof struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	RelatedTo string `json:"related_to,omitempty"`
}

// EvidenceID implements Evidence.
func (p Proof) EvidenceID() string { return p.ID }

// Profile is the candidate's artifact pack, immutable for the duration of a
// Run. The engine treats it as opaque except for contact fields and the
// evidence id space.
type Profile struct {
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Phone   string   `json:"phone,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Skills  []string `json:"skills,omitempty"`
	Bullets []Bullet `json:"bullets"`
	Proofs  []Proof  `json:"proofs,omitempty"`
}

// EvidenceByID looks up a bullet or proof by id.
func (p Profile) EvidenceByID(id string) (Evidence, bool) {
	for _, b := range p.Bullets {
		if b.ID == id {
			return b, true
		}
	}
	for _, pr := range p.Proofs {
		if pr.ID == id {
			return pr, true
		}
	}
	return nil, false
}

// EvidenceText returns the union of bullet texts and skills, lowercased, used
// by the ranker for requirement coverage.
func (p Profile) EvidenceText() string {
	var sb strings.Builder
	for _, b := range p.Bullets {
		sb.WriteString(strings.ToLower(b.Text))
		sb.WriteByte(' ')
		for _, s := range b.Skills {
			sb.WriteString(strings.ToLower(s))
			sb.WriteByte(' ')
		}
	}
	for _, s := range p.Skills {
		sb.WriteString(strings.ToLower(s))
		sb.WriteByte(' ')
	}
	return sb.String()
}

// Job is a posting from the upstream portal, keyed by ID and immutable during
// a run.
type Job struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Company      string   `json:"company"`
	Location     string   `json:"location,omitempty"`
	Remote       bool     `json:"remote"`
	Description  string   `json:"description,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// Policy is the user's apply policy, snapshotted at run start.
type Policy struct {
	Enabled               bool     `json:"enabled"`
	MaxApplicationsPerDay int      `json:"max_applications_per_day"`
	MinMatchThreshold     float64  `json:"min_match_threshold"`
	BlockedCompanies      []string `json:"blocked_companies,omitempty"`
	BlockedRoleTypes      []string `json:"blocked_role_types,omitempty"`
	RequiredLocation      string   `json:"required_location,omitempty"`
	RequireRemote         bool     `json:"require_remote"`
}

// Match is a scored job produced by the ranker; the ordered slice of matches
// is the apply queue.
type Match struct {
	JobID   string   `json:"job_id"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// EvidenceClaim maps one job requirement to a claimed evidence id. Grounded
// is set by the grounder after validating the id against the profile.
type EvidenceClaim struct {
	Requirement string `json:"requirement"`
	EvidenceID  string `json:"evidence_id"`
	Rationale   string `json:"rationale,omitempty"`
	Grounded    bool   `json:"grounded"`
	MatchedBy   string `json:"matched_by,omitempty"`
}

// Personalization is the generated artifact pack for a single job.
type Personalization struct {
	JobID           string          `json:"job_id"`
	Summary         string          `json:"summary,omitempty"`
	SelectedBullets []string        `json:"selected_bullets,omitempty"`
	CoverLetter     string          `json:"cover_letter"`
	EvidenceMap     []EvidenceClaim `json:"evidence_map"`
}

// GroundedCount returns how many claims in the evidence map are grounded.
func (p Personalization) GroundedCount() int {
	n := 0
	for _, c := range p.EvidenceMap {
		if c.Grounded {
			n++
		}
	}
	return n
}

// AppStatus enumerates application record states.
type AppStatus string

const (
	AppQueued    AppStatus = "queued"
	AppSubmitted AppStatus = "submitted"
	AppFailed    AppStatus = "failed"
	AppSkipped   AppStatus = "skipped"
	AppRetried   AppStatus = "retried"
)

// ApplicationRecord is the persisted outcome of an application attempt.
// Invariant: at most one record per (user_id, job_id); retries mutate in
// place.
type ApplicationRecord struct {
	UserID         string     `json:"user_id"`
	JobID          string     `json:"job_id"`
	JobTitle       string     `json:"job_title"`
	Company        string     `json:"company"`
	Status         AppStatus  `json:"status"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	ConfirmationID string     `json:"confirmation_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MatchScore     float64    `json:"match_score,omitempty"`
	MatchReasoning string     `json:"match_reasoning,omitempty"`
	CoverLetter    string     `json:"cover_letter,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RunStatus enumerates workflow run states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool { return s != RunRunning }

// Run is a snapshot of one user's workflow. Invariant: at most one Run per
// user is in RunRunning at any time.
type Run struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Status         RunStatus `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	Cursor         int       `json:"current_job_index"`
	Total          int       `json:"total_jobs"`
	SubmittedCount int       `json:"applications_submitted"`
	FailedCount    int       `json:"applications_failed"`
	SkippedCount   int       `json:"applications_skipped"`
	KillRequested  bool      `json:"kill_requested"`
	Errors         []string  `json:"errors,omitempty"`
	Logs           []string  `json:"logs,omitempty"`
}

// JobFilters narrows the portal job listing.
type JobFilters struct {
	Keywords string
	Location string
	Remote   *bool
}

// SubmitRequest carries the candidate contact fields, artifacts, and a
// client-generated idempotency token to the portal.
type SubmitRequest struct {
	UserID         string
	JobID          string
	ApplicantName  string
	ApplicantEmail string
	Resume         string
	CoverLetter    string
	IdempotencyKey string
}

// OutcomeKind classifies one submit attempt.
type OutcomeKind string

const (
	// OutcomeSubmitted is terminal success.
	OutcomeSubmitted OutcomeKind = "submitted"
	// OutcomeDuplicate means the portal already holds this application.
	OutcomeDuplicate OutcomeKind = "duplicate"
	// OutcomeTransientNetwork covers connection-level failures.
	OutcomeTransientNetwork OutcomeKind = "transient_network"
	// OutcomeTransient5xx covers HTTP 5xx responses.
	OutcomeTransient5xx OutcomeKind = "transient_5xx"
	// OutcomeRateLimited covers HTTP 429 with an optional Retry-After hint.
	OutcomeRateLimited OutcomeKind = "rate_limited"
	// OutcomePermanentClient covers 4xx other than 409/429.
	OutcomePermanentClient OutcomeKind = "permanent_client"
	// OutcomeTimeout covers response read timeouts; retryable once.
	OutcomeTimeout OutcomeKind = "timeout"
)

// Retryable reports whether the retry executor may attempt again.
func (k OutcomeKind) Retryable() bool {
	switch k {
	case OutcomeTransientNetwork, OutcomeTransient5xx, OutcomeRateLimited, OutcomeTimeout:
		return true
	}
	return false
}

// SubmitOutcome is the classified result of a single portal submit attempt.
type SubmitOutcome struct {
	Kind           OutcomeKind
	ConfirmationID string
	RetryAfter     time.Duration
	Message        string
}

// PortalApplication is the portal's view of a submitted application, used for
// reconciliation only.
type PortalApplication struct {
	ConfirmationID string    `json:"confirmation_id"`
	JobID          string    `json:"job_id"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Ports

// AIClient abstracts the external model provider: embeddings for ranking and
// JSON chat completions for personalization.
type AIClient interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// PortalClient is the narrow interface to the upstream job portal.
type PortalClient interface {
	ListJobs(ctx Context, f JobFilters) ([]Job, error)
	Submit(ctx Context, req SubmitRequest) (SubmitOutcome, error)
	GetApplication(ctx Context, confirmationID string) (PortalApplication, error)
}

// Tracker persists and queries application records. Writes from a run are
// serialized by the engine; reads may be concurrent.
type Tracker interface {
	UpsertAttempt(ctx Context, rec ApplicationRecord) error
	Get(ctx Context, userID, jobID string) (ApplicationRecord, error)
	List(ctx Context, userID string, statusFilter AppStatus) ([]ApplicationRecord, error)
	CountSubmittedWindow(ctx Context, userID string, window time.Duration) (int, error)
	Clear(ctx Context, userID string) error
}

// ApplicationSink receives finished application records for downstream
// consumers (audit stream). Implementations must not block the engine.
type ApplicationSink interface {
	PublishResult(ctx Context, rec ApplicationRecord) error
}
