package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

const maxRunLogs = 50

// EventBus is the engine's view of the progress broadcast channel.
type EventBus interface {
	Reset(userID string)
	Publish(userID string, ev domain.Event) domain.Event
	Subscribe(userID string) (<-chan domain.Event, func())
	CloseRun(userID string)
}

// EngineConfig carries the engine's tunables.
type EngineConfig struct {
	MaxParallel       int
	KillPollInterval  time.Duration
	PostTerminalGrace time.Duration
	DailyCapWindow    time.Duration
}

func (c *EngineConfig) withDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 1
	}
	if c.KillPollInterval <= 0 {
		c.KillPollInterval = 2 * time.Second
	}
	if c.PostTerminalGrace <= 0 {
		c.PostTerminalGrace = 5 * time.Second
	}
	if c.DailyCapWindow <= 0 {
		c.DailyCapWindow = 24 * time.Hour
	}
}

// Engine owns the per-user workflow lifecycle: at most one running workflow
// per user, a sequential apply loop over the ranked queue, tracker writes, and
// the progress event stream.
type Engine struct {
	cfg          EngineConfig
	bus          EventBus
	tracker      domain.Tracker
	portal       domain.PortalClient
	ranker       *Ranker
	personalizer *Personalizer
	submitter    *SubmitExecutor
	gate         Gate
	grounder     Grounder
	sink         domain.ApplicationSink

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	mu      sync.Mutex
	run     domain.Run
	kill    atomic.Bool
	profile domain.Profile
	policy  domain.Policy
}

// NewEngine wires the engine. sink may be nil when no audit stream is
// configured.
func NewEngine(cfg EngineConfig, bus EventBus, tracker domain.Tracker, portal domain.PortalClient, ranker *Ranker, personalizer *Personalizer, submitter *SubmitExecutor, sink domain.ApplicationSink) *Engine {
	cfg.withDefaults()
	if cfg.MaxParallel > 1 {
		// The apply loop is sequential so daily-cap and ordering guarantees
		// hold; higher parallelism is accepted but clamped.
		slog.Warn("max parallel jobs clamped to 1", slog.Int("requested", cfg.MaxParallel))
		cfg.MaxParallel = 1
	}
	return &Engine{
		cfg:          cfg,
		bus:          bus,
		tracker:      tracker,
		portal:       portal,
		ranker:       ranker,
		personalizer: personalizer,
		submitter:    submitter,
		gate:         NewGate(tracker, cfg.DailyCapWindow),
		grounder:     Grounder{},
		sink:         sink,
		runs:         make(map[string]*runState),
	}
}

// Start launches a workflow run for the user. Returns ErrAlreadyRunning when
// one is still in flight.
func (e *Engine) Start(ctx domain.Context, userID string, profile domain.Profile, policy domain.Policy) (domain.Run, error) {
	if err := validateStart(userID, profile); err != nil {
		return domain.Run{}, err
	}

	rs := &runState{
		run: domain.Run{
			ID:        ulid.Make().String(),
			UserID:    userID,
			Status:    domain.RunRunning,
			StartedAt: time.Now().UTC(),
		},
		profile: profile,
		policy:  policy,
	}

	e.mu.Lock()
	if cur, ok := e.runs[userID]; ok {
		cur.mu.Lock()
		running := cur.run.Status == domain.RunRunning
		cur.mu.Unlock()
		if running {
			e.mu.Unlock()
			return domain.Run{}, fmt.Errorf("op=engine.Start user_id=%s: %w", userID, domain.ErrAlreadyRunning)
		}
	}
	e.runs[userID] = rs
	// Reset under the registry lock so a pending grace-close timer from the
	// previous run can never observe the new stream.
	e.bus.Reset(userID)
	e.mu.Unlock()

	e.bus.Publish(userID, domain.Event{Type: domain.EventWorkflowStarted, StageMessage: "workflow started"})
	observability.StartRun()
	slog.Info("workflow started", slog.String("user_id", userID), slog.String("run_id", rs.run.ID))

	go e.execute(context.Background(), rs, "")
	return e.snapshot(rs), nil
}

// Stop requests cancellation of the user's run. The kill switch is
// level-triggered: in-flight portal requests finish, no new submission starts.
func (e *Engine) Stop(userID string) error {
	e.mu.Lock()
	rs, ok := e.runs[userID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=engine.Stop user_id=%s: %w", userID, domain.ErrNotFound)
	}
	rs.kill.Store(true)
	rs.mu.Lock()
	rs.run.KillRequested = true
	rs.mu.Unlock()
	slog.Info("kill switch set", slog.String("user_id", userID))
	return nil
}

// Status returns a snapshot of the user's most recent run.
func (e *Engine) Status(userID string) (domain.Run, error) {
	e.mu.Lock()
	rs, ok := e.runs[userID]
	e.mu.Unlock()
	if !ok {
		return domain.Run{}, fmt.Errorf("op=engine.Status user_id=%s: %w", userID, domain.ErrNotFound)
	}
	return e.snapshot(rs), nil
}

// Subscribe attaches to the user's event stream (replay then live).
func (e *Engine) Subscribe(userID string) (<-chan domain.Event, func(), error) {
	e.mu.Lock()
	_, ok := e.runs[userID]
	e.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("op=engine.Subscribe user_id=%s: %w", userID, domain.ErrNotFound)
	}
	ch, cancel := e.bus.Subscribe(userID)
	return ch, cancel, nil
}

// RetryApplication re-runs the pipeline for a single previously failed job,
// reusing the profile and policy of the user's last run.
func (e *Engine) RetryApplication(ctx domain.Context, userID, jobID string) (domain.Run, error) {
	e.mu.Lock()
	prev, ok := e.runs[userID]
	e.mu.Unlock()
	if !ok {
		return domain.Run{}, fmt.Errorf("op=engine.Retry user_id=%s: no prior run: %w", userID, domain.ErrNotFound)
	}
	prev.mu.Lock()
	running := prev.run.Status == domain.RunRunning
	profile, policy := prev.profile, prev.policy
	prev.mu.Unlock()
	if running {
		return domain.Run{}, fmt.Errorf("op=engine.Retry user_id=%s: %w", userID, domain.ErrAlreadyRunning)
	}

	rec, err := e.tracker.Get(ctx, userID, jobID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=engine.Retry job_id=%s: %w", jobID, err)
	}
	if rec.Status != domain.AppFailed {
		return domain.Run{}, fmt.Errorf("op=engine.Retry job_id=%s status=%s: only failed applications can be retried: %w", jobID, rec.Status, domain.ErrConflict)
	}

	rs := &runState{
		run: domain.Run{
			ID:        ulid.Make().String(),
			UserID:    userID,
			Status:    domain.RunRunning,
			StartedAt: time.Now().UTC(),
		},
		profile: profile,
		policy:  policy,
	}
	e.mu.Lock()
	e.runs[userID] = rs
	e.bus.Reset(userID)
	e.mu.Unlock()

	e.bus.Publish(userID, domain.Event{Type: domain.EventWorkflowStarted, StageMessage: "retrying application for job " + jobID})
	observability.StartRun()
	slog.Info("application retry started", slog.String("user_id", userID), slog.String("job_id", jobID))

	go e.execute(context.Background(), rs, jobID)
	return e.snapshot(rs), nil
}

func validateStart(userID string, profile domain.Profile) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("op=engine.Start: user_id required: %w", domain.ErrInvalidArgument)
	case strings.TrimSpace(profile.Name) == "" || strings.TrimSpace(profile.Email) == "":
		return fmt.Errorf("op=engine.Start: profile name and email required: %w", domain.ErrInvalidArgument)
	case len(profile.Bullets) == 0:
		return fmt.Errorf("op=engine.Start: profile needs at least one evidence bullet: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// execute runs the apply loop. onlyJobID narrows the queue to a single job for
// the retry path, bypassing the prior-application dedup for that job.
func (e *Engine) execute(ctx domain.Context, rs *runState, onlyJobID string) {
	userID := rs.run.UserID
	defer func() {
		if r := recover(); r != nil {
			slog.Error("workflow panicked", slog.String("user_id", userID), slog.Any("panic", r))
			e.finalize(rs, domain.RunFailed, "", fmt.Sprintf("internal error: %v", r))
		}
	}()

	filters := domain.JobFilters{}
	if rs.policy.RequireRemote {
		remote := true
		filters.Remote = &remote
	}
	jobs, err := e.portal.ListJobs(ctx, filters)
	if err != nil {
		rs.appendError("job fetch failed: " + err.Error())
		e.finalize(rs, domain.RunFailed, "", "job fetch failed")
		return
	}

	jobs = e.dedupJobs(ctx, userID, jobs, onlyJobID)
	if onlyJobID != "" && len(jobs) == 0 {
		rs.appendError("job " + onlyJobID + " no longer listed by portal")
		e.finalize(rs, domain.RunFailed, "", "job no longer available")
		return
	}

	matches := e.ranker.Rank(ctx, rs.profile, jobs)
	jobsByID := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		jobsByID[j.ID] = j
	}

	rs.mu.Lock()
	rs.run.Total = len(matches)
	rs.mu.Unlock()
	e.bus.Publish(userID, domain.Event{Type: domain.EventJobsFetched, TotalJobs: len(matches)})
	rs.appendLog(fmt.Sprintf("ranked %d candidate jobs", len(matches)))

	for i, m := range matches {
		if rs.kill.Load() {
			e.finalize(rs, domain.RunStopped, domain.ReasonKillSwitch, "")
			return
		}
		job := jobsByID[m.JobID]

		rs.mu.Lock()
		rs.run.Cursor = i + 1
		rs.mu.Unlock()
		e.bus.Publish(userID, domain.Event{
			Type: domain.EventJobProcessing, Job: &job,
			CurrentIndex: i + 1, TotalJobs: len(matches),
		})

		// Tracker writes happen synchronously inside this loop, so the cap
		// check needs no in-flight adjustment.
		dec, gerr := e.gate.Pre(ctx, userID, rs.policy, job, m, 0)
		if gerr != nil {
			slog.Warn("policy gate degraded", slog.String("user_id", userID), slog.Any("error", gerr))
		}
		switch dec.Action {
		case GateStop:
			e.bus.Publish(userID, domain.Event{Type: domain.EventJobSkipped, Job: &job, Reason: dec.Reason})
			rs.appendLog("run stopped by policy: " + dec.Reason)
			if dec.Reason == domain.ReasonKillSwitch {
				e.finalize(rs, domain.RunStopped, dec.Reason, "")
			} else {
				e.finalize(rs, domain.RunCompleted, dec.Reason, "")
			}
			return
		case GateSkip:
			e.recordSkip(ctx, rs, job, m, dec.Reason)
			continue
		}

		p, ok := e.personalizeJob(ctx, rs, job, m)
		if !ok {
			if rs.kill.Load() {
				e.finalize(rs, domain.RunStopped, domain.ReasonKillSwitch, "")
				return
			}
			continue
		}

		if dec := e.gate.PostGround(p); dec.Action == GateSkip {
			e.recordSkip(ctx, rs, job, m, dec.Reason)
			continue
		}

		stopped := e.submitJob(ctx, rs, job, m, p)
		if stopped {
			e.finalize(rs, domain.RunStopped, domain.ReasonKillSwitch, "")
			return
		}
	}

	e.finalize(rs, domain.RunCompleted, "", "")
}

// dedupJobs removes jobs the user already applied to. For the retry path the
// queue narrows to exactly the requested job.
func (e *Engine) dedupJobs(ctx domain.Context, userID string, jobs []domain.Job, onlyJobID string) []domain.Job {
	if onlyJobID != "" {
		for _, j := range jobs {
			if j.ID == onlyJobID {
				return []domain.Job{j}
			}
		}
		return nil
	}
	prior, err := e.tracker.List(ctx, userID, "")
	if err != nil {
		slog.Warn("dedup lookup failed; applying without history", slog.String("user_id", userID), slog.Any("error", err))
		return jobs
	}
	applied := make(map[string]struct{})
	for _, rec := range prior {
		if rec.Status == domain.AppSubmitted || rec.Status == domain.AppRetried {
			applied[rec.JobID] = struct{}{}
		}
	}
	out := jobs[:0]
	for _, j := range jobs {
		if _, ok := applied[j.ID]; !ok {
			out = append(out, j)
		}
	}
	return out
}

// personalizeJob runs personalization and grounding under a kill-aware
// context. ok=false means the job produced no submission candidate: either a
// recorded personalization failure or a kill.
func (e *Engine) personalizeJob(ctx domain.Context, rs *runState, job domain.Job, m domain.Match) (domain.Personalization, bool) {
	userID := rs.run.UserID
	e.bus.Publish(userID, domain.Event{Type: domain.EventStageUpdate, StageMessage: "personalizing", Job: &job})

	kctx, cancel := e.killableContext(ctx, rs)
	p, err := e.personalizer.Personalize(kctx, rs.profile, job)
	cancel()
	if err != nil {
		if rs.kill.Load() {
			return domain.Personalization{}, false
		}
		rec := e.baseRecord(rs, job, m)
		rec.Status = domain.AppFailed
		rec.Error = "personalization_failed: " + err.Error()
		e.recordResult(ctx, rs, job, rec)
		return domain.Personalization{}, false
	}

	e.bus.Publish(userID, domain.Event{Type: domain.EventStageUpdate, StageMessage: "grounding", Job: &job})
	grounded, total := e.grounder.Ground(rs.profile, &p)
	e.bus.Publish(userID, domain.Event{
		Type: domain.EventStageUpdate, StageMessage: "grounded evidence claims",
		Job: &job, GroundedCount: grounded, TotalClaims: total,
	})
	return p, true
}

// submitJob drives the retry executor and records the outcome. Returns true
// when the run must stop because the kill switch fired.
func (e *Engine) submitJob(ctx domain.Context, rs *runState, job domain.Job, m domain.Match, p domain.Personalization) bool {
	userID := rs.run.UserID

	req := domain.SubmitRequest{
		UserID:         userID,
		JobID:          job.ID,
		ApplicantName:  rs.profile.Name,
		ApplicantEmail: rs.profile.Email,
		Resume:         buildResumeText(rs.profile, p),
		CoverLetter:    p.CoverLetter,
		IdempotencyKey: idempotencyKey(userID, job.ID),
	}
	res, err := e.submitter.Execute(ctx, req, rs.kill.Load, func(attempt int) {
		msg := "submitting"
		if attempt > 1 {
			msg = "retrying submission"
		}
		e.bus.Publish(userID, domain.Event{
			Type: domain.EventStageUpdate, StageMessage: msg,
			Job: &job, Attempt: attempt,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			return true
		}
		rs.appendError("submit aborted: " + err.Error())
		return true
	}

	rec := e.baseRecord(rs, job, m)
	rec.CoverLetter = p.CoverLetter
	if res.Attempts > 0 {
		rec.RetryCount = res.Attempts - 1
	}
	now := time.Now().UTC()
	switch res.Outcome.Kind {
	case domain.OutcomeSubmitted:
		rec.Status = domain.AppSubmitted
		rec.ConfirmationID = res.Outcome.ConfirmationID
		rec.SubmittedAt = &now
	case domain.OutcomeDuplicate:
		if res.Outcome.ConfirmationID != "" {
			// The portal already holds it; reconcile as submitted.
			rec.Status = domain.AppSubmitted
			rec.ConfirmationID = res.Outcome.ConfirmationID
			rec.SubmittedAt = &now
		} else {
			rec.Status = domain.AppSkipped
			rec.Error = domain.ReasonDuplicate
		}
	case domain.OutcomePermanentClient:
		rec.Status = domain.AppFailed
		rec.Error = "upstream_permanent: " + res.Outcome.Message
	default:
		rec.Status = domain.AppFailed
		rec.Error = "upstream_transient: " + string(res.Outcome.Kind)
	}
	e.recordResult(ctx, rs, job, rec)
	return false
}

func (e *Engine) baseRecord(rs *runState, job domain.Job, m domain.Match) domain.ApplicationRecord {
	return domain.ApplicationRecord{
		UserID:         rs.run.UserID,
		JobID:          job.ID,
		JobTitle:       job.Title,
		Company:        job.Company,
		MatchScore:     m.Score,
		MatchReasoning: strings.Join(m.Reasons, "; "),
		UpdatedAt:      time.Now().UTC(),
	}
}

func (e *Engine) recordSkip(ctx domain.Context, rs *runState, job domain.Job, m domain.Match, reason string) {
	rec := e.baseRecord(rs, job, m)
	rec.Status = domain.AppSkipped
	rec.Error = reason
	if err := e.tracker.UpsertAttempt(ctx, rec); err != nil {
		slog.Error("tracker write failed", slog.String("user_id", rec.UserID), slog.String("job_id", rec.JobID), slog.Any("error", err))
		rs.appendError("tracker write failed for job " + rec.JobID)
	}
	rs.mu.Lock()
	rs.run.SkippedCount++
	rs.mu.Unlock()
	observability.ObserveApplication(string(domain.AppSkipped))
	e.bus.Publish(rs.run.UserID, domain.Event{Type: domain.EventJobSkipped, Job: &job, Reason: reason, Application: &rec})
	rs.appendLog(fmt.Sprintf("skipped %s at %s: %s", job.Title, job.Company, reason))
}

func (e *Engine) recordResult(ctx domain.Context, rs *runState, job domain.Job, rec domain.ApplicationRecord) {
	if err := e.tracker.UpsertAttempt(ctx, rec); err != nil {
		slog.Error("tracker write failed", slog.String("user_id", rec.UserID), slog.String("job_id", rec.JobID), slog.Any("error", err))
		rs.appendError("tracker write failed for job " + rec.JobID)
	}
	rs.mu.Lock()
	switch rec.Status {
	case domain.AppSubmitted:
		rs.run.SubmittedCount++
	case domain.AppFailed:
		rs.run.FailedCount++
	case domain.AppSkipped:
		rs.run.SkippedCount++
	}
	submitted, failed := rs.run.SubmittedCount, rs.run.FailedCount
	rs.mu.Unlock()

	observability.ObserveApplication(string(rec.Status))
	e.bus.Publish(rs.run.UserID, domain.Event{
		Type: domain.EventApplicationResult, Job: &job, Application: &rec,
		TotalSubmitted: submitted, TotalFailed: failed,
	})
	rs.appendLog(fmt.Sprintf("%s %s at %s", rec.Status, job.Title, job.Company))
	e.publishToSink(rec)
}

// publishToSink forwards the record to the audit stream without ever blocking
// the apply loop.
func (e *Engine) publishToSink(rec domain.ApplicationRecord) {
	if e.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.sink.PublishResult(ctx, rec); err != nil {
			slog.Warn("audit sink publish failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
		}
	}()
}

func (e *Engine) finalize(rs *runState, status domain.RunStatus, reason, errMsg string) {
	userID := rs.run.UserID
	rs.mu.Lock()
	if rs.run.Status != domain.RunRunning {
		rs.mu.Unlock()
		return
	}
	rs.run.Status = status
	if errMsg != "" {
		rs.run.Errors = append(rs.run.Errors, errMsg)
	}
	submitted, failed := rs.run.SubmittedCount, rs.run.FailedCount
	rs.mu.Unlock()

	ev := domain.Event{
		Type:           domain.EventWorkflowCompleted,
		StageMessage:   "workflow " + string(status),
		Reason:         reason,
		TotalSubmitted: submitted,
		TotalFailed:    failed,
	}
	if status == domain.RunFailed {
		ev.Type = domain.EventWorkflowFailed
		ev.Error = errMsg
	}
	e.bus.Publish(userID, ev)
	observability.FinishRun(string(status))
	slog.Info("workflow finished",
		slog.String("user_id", userID),
		slog.String("run_id", rs.run.ID),
		slog.String("status", string(status)),
		slog.Int("submitted", submitted),
		slog.Int("failed", failed))

	// Keep the stream open briefly so attached subscribers drain the terminal
	// event before the channel closes. The close only happens while this run
	// is still the user's current one; a new run started inside the grace
	// window owns a fresh stream that must stay open.
	time.AfterFunc(e.cfg.PostTerminalGrace, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.runs[userID] == rs {
			e.bus.CloseRun(userID)
		}
	})
}

// killableContext cancels the child context once the kill switch is observed.
// The poll interval bounds reaction time.
func (e *Engine) killableContext(parent domain.Context, rs *runState) (domain.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		t := time.NewTicker(e.cfg.KillPollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if rs.kill.Load() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}

func (e *Engine) snapshot(rs *runState) domain.Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := rs.run
	out.Errors = append([]string(nil), rs.run.Errors...)
	out.Logs = append([]string(nil), rs.run.Logs...)
	return out
}

func (rs *runState) appendLog(msg string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.Logs = append(rs.run.Logs, time.Now().UTC().Format(time.RFC3339)+" "+msg)
	if len(rs.run.Logs) > maxRunLogs {
		rs.run.Logs = rs.run.Logs[len(rs.run.Logs)-maxRunLogs:]
	}
}

func (rs *runState) appendError(msg string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.Errors = append(rs.run.Errors, msg)
}

// buildResumeText renders a plain-text resume with the personalized bullet
// selection first.
func buildResumeText(profile domain.Profile, p domain.Personalization) string {
	var sb strings.Builder
	sb.WriteString(profile.Name + "\n" + profile.Email)
	if profile.Phone != "" {
		sb.WriteString(" | " + profile.Phone)
	}
	sb.WriteString("\n\n")
	if p.Summary != "" {
		sb.WriteString(p.Summary + "\n\n")
	} else if profile.Summary != "" {
		sb.WriteString(profile.Summary + "\n\n")
	}

	selected := make(map[string]struct{}, len(p.SelectedBullets))
	sb.WriteString("Highlights:\n")
	for _, id := range p.SelectedBullets {
		if ev, ok := profile.EvidenceByID(id); ok {
			if b, isBullet := ev.(domain.Bullet); isBullet {
				sb.WriteString("- " + b.Text + "\n")
				selected[id] = struct{}{}
			}
		}
	}
	for _, b := range profile.Bullets {
		if _, ok := selected[b.ID]; !ok {
			sb.WriteString("- " + b.Text + "\n")
		}
	}
	if len(profile.Skills) > 0 {
		sb.WriteString("\nSkills: " + strings.Join(profile.Skills, ", ") + "\n")
	}
	if len(profile.Proofs) > 0 {
		sb.WriteString("\nLinks:\n")
		for _, pr := range profile.Proofs {
			sb.WriteString("- " + pr.Title + ": " + pr.URL + "\n")
		}
	}
	return sb.String()
}

// idempotencyKey derives a stable token per (user, job) so portal retries and
// re-runs cannot double-submit.
func idempotencyKey(userID, jobID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("apply:"+userID+":"+jobID)).String()
}
