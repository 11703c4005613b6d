package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/eventbus"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
	"github.com/fairyhunter13/ai-apply-agent/internal/usecase"
)

// fakePortal serves a fixed job list and scripted submit outcomes per job id.
// Submit can be gated on a release channel to test the kill switch.
type fakePortal struct {
	mu       sync.Mutex
	jobs     []domain.Job
	outcomes map[string][]domain.SubmitOutcome
	submits  []domain.SubmitRequest

	submitStarted chan string
	releaseSubmit chan struct{}
}

func newFakePortal(jobs ...domain.Job) *fakePortal {
	return &fakePortal{jobs: jobs, outcomes: map[string][]domain.SubmitOutcome{}}
}

func (f *fakePortal) script(jobID string, outs ...domain.SubmitOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[jobID] = outs
}

func (f *fakePortal) ListJobs(_ domain.Context, _ domain.JobFilters) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Job(nil), f.jobs...), nil
}

func (f *fakePortal) Submit(_ domain.Context, req domain.SubmitRequest) (domain.SubmitOutcome, error) {
	if f.submitStarted != nil {
		f.submitStarted <- req.JobID
	}
	if f.releaseSubmit != nil {
		<-f.releaseSubmit
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if outs := f.outcomes[req.JobID]; len(outs) > 0 {
		out := outs[0]
		f.outcomes[req.JobID] = outs[1:]
		return out, nil
	}
	return domain.SubmitOutcome{Kind: domain.OutcomeSubmitted, ConfirmationID: "c-" + req.JobID}, nil
}

func (f *fakePortal) GetApplication(_ domain.Context, confirmationID string) (domain.PortalApplication, error) {
	return domain.PortalApplication{}, domain.ErrNotFound
}

func (f *fakePortal) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// scriptAI has no embedder (ranking degrades to coverage) and returns a fixed
// chat completion.
type scriptAI struct {
	chat    string
	chatErr error
}

func (s scriptAI) Embed(_ domain.Context, _ []string) ([][]float32, error) {
	return nil, domain.ErrInternal
}

func (s scriptAI) ChatJSON(_ domain.Context, _, _ string, _ int) (string, error) {
	return s.chat, s.chatErr
}

const groundedChat = `{
  "summary": "Backend engineer with production Go experience.",
  "selected_bullets": ["b1"],
  "cover_letter": "Dear team, I built Go microservices handling 10k rps.",
  "requirement_evidence_map": [
    {"requirement": "Go", "evidence_id": "b1", "evidence": "Built Go microservices handling 10k rps"}
  ]
}`

const ungroundedChat = `{
  "summary": "Seasoned Rust expert.",
  "selected_bullets": ["b1"],
  "cover_letter": "Dear team, I have a decade of Rust experience.",
  "requirement_evidence_map": [
    {"requirement": "Rust", "evidence_id": "zz-unknown", "evidence": "a decade of Rust experience at scale"}
  ]
}`

func newTestEngine(portal domain.PortalClient, ai domain.AIClient, tracker domain.Tracker) (*usecase.Engine, *eventbus.Bus) {
	bus := eventbus.New(256, 128)
	submitter := usecase.NewSubmitExecutor(portal, 3, 2*time.Second, 30*time.Second, time.Millisecond)
	submitter.Jitter = func() float64 { return 0 }
	submitter.Sleep = func(_ domain.Context, _ time.Duration, killed func() bool) error {
		if killed() {
			return domain.ErrCancelled
		}
		return nil
	}
	eng := usecase.NewEngine(
		usecase.EngineConfig{
			KillPollInterval:  5 * time.Millisecond,
			PostTerminalGrace: 10 * time.Millisecond,
		},
		bus, tracker, portal,
		usecase.NewRanker(nil),
		usecase.NewPersonalizer(ai, time.Second, 0),
		submitter,
		nil,
	)
	return eng, bus
}

func waitTerminal(t *testing.T, eng *usecase.Engine, userID string) domain.Run {
	t.Helper()
	var run domain.Run
	require.Eventually(t, func() bool {
		r, err := eng.Status(userID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return run
}

// drainEvents subscribes after the stream closed and returns the replay.
func drainEvents(t *testing.T, bus *eventbus.Bus, userID string) []domain.Event {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	ch, cancel := bus.Subscribe(userID)
	defer cancel()
	var out []domain.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func goJob(id, company string) domain.Job {
	return domain.Job{
		ID: id, Title: "Go Engineer", Company: company, Remote: true,
		Description: "Build Go services", Requirements: []string{"Go"},
	}
}

func applyPolicy() domain.Policy {
	return domain.Policy{Enabled: true, MaxApplicationsPerDay: 10, MinMatchThreshold: 0}
}

func TestEngine_HappyPathSubmitsAllJobs(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"), goJob("j2", "Beta"))
	tracker := memory.NewTrackerRepo()
	eng, bus := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	run, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)

	final := waitTerminal(t, eng, "u1")
	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Equal(t, 2, final.SubmittedCount)
	assert.Zero(t, final.FailedCount)

	for _, jobID := range []string{"j1", "j2"} {
		rec, err := tracker.Get(context.Background(), "u1", jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.AppSubmitted, rec.Status)
		assert.Equal(t, "c-"+jobID, rec.ConfirmationID)
		assert.NotNil(t, rec.SubmittedAt)
		assert.NotEmpty(t, rec.CoverLetter)
	}

	events := drainEvents(t, bus, "u1")
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, domain.EventWorkflowCompleted, events[len(events)-1].Type)
	assert.Equal(t, 2, events[len(events)-1].TotalSubmitted)
	var last uint64
	for _, ev := range events {
		require.Equal(t, last+1, ev.Seq)
		last = ev.Seq
	}
}

func TestEngine_BlockedCompanyNeverSubmitted(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"), goJob("j2", "EvilCorp"))
	tracker := memory.NewTrackerRepo()
	eng, bus := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	policy := applyPolicy()
	policy.BlockedCompanies = []string{"evilcorp"}
	_, err := eng.Start(context.Background(), "u1", testProfile(), policy)
	require.NoError(t, err)

	final := waitTerminal(t, eng, "u1")
	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Equal(t, 1, final.SubmittedCount)
	assert.Equal(t, 1, final.SkippedCount)

	rec, err := tracker.Get(context.Background(), "u1", "j2")
	require.NoError(t, err)
	assert.Equal(t, domain.AppSkipped, rec.Status)
	assert.Equal(t, domain.ReasonBlockedCompany, rec.Error)

	for _, req := range portal.submits {
		assert.NotEqual(t, "j2", req.JobID, "blocked company must never reach the portal")
	}
	skipped := false
	for _, ev := range drainEvents(t, bus, "u1") {
		if ev.Type == domain.EventJobSkipped && ev.Reason == domain.ReasonBlockedCompany {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestEngine_TransientFailuresRetriedThenSubmitted(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	portal.script("j1",
		domain.SubmitOutcome{Kind: domain.OutcomeTransient5xx},
		domain.SubmitOutcome{Kind: domain.OutcomeTransientNetwork},
		domain.SubmitOutcome{Kind: domain.OutcomeSubmitted, ConfirmationID: "c-j1"},
	)
	tracker := memory.NewTrackerRepo()
	eng, bus := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	final := waitTerminal(t, eng, "u1")
	assert.Equal(t, domain.RunCompleted, final.Status)

	rec, err := tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppSubmitted, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, 3, portal.submitCount())

	// Every attempt announces itself, the first included.
	var attempts []int
	for _, ev := range drainEvents(t, bus, "u1") {
		if ev.Type == domain.EventStageUpdate && ev.Attempt > 0 {
			attempts = append(attempts, ev.Attempt)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestEngine_TransientExhaustionRecordsFailure(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	portal.script("j1",
		domain.SubmitOutcome{Kind: domain.OutcomeTransient5xx},
		domain.SubmitOutcome{Kind: domain.OutcomeTransient5xx},
		domain.SubmitOutcome{Kind: domain.OutcomeTransient5xx},
	)
	tracker := memory.NewTrackerRepo()
	eng, _ := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	final := waitTerminal(t, eng, "u1")
	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Equal(t, 1, final.FailedCount)

	rec, err := tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppFailed, rec.Status)
	assert.Contains(t, rec.Error, "upstream_transient")
}

func TestEngine_DailyCapStopsRun(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"), goJob("j2", "Beta"), goJob("j3", "Gamma"))
	tracker := memory.NewTrackerRepo()
	eng, bus := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	policy := applyPolicy()
	policy.MaxApplicationsPerDay = 2
	_, err := eng.Start(context.Background(), "u1", testProfile(), policy)
	require.NoError(t, err)

	final := waitTerminal(t, eng, "u1")
	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Equal(t, 2, final.SubmittedCount)
	assert.Equal(t, 2, portal.submitCount())

	capped := false
	for _, ev := range drainEvents(t, bus, "u1") {
		if ev.Reason == domain.ReasonDailyCapReached {
			capped = true
		}
	}
	assert.True(t, capped)
}

func TestEngine_UngroundedClaimNeverSubmitted(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	tracker := memory.NewTrackerRepo()
	eng, _ := newTestEngine(portal, scriptAI{chat: ungroundedChat}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	final := waitTerminal(t, eng, "u1")

	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Zero(t, final.SubmittedCount)
	assert.Equal(t, 1, final.SkippedCount)
	assert.Zero(t, portal.submitCount(), "ungrounded personalization must never reach the portal")

	rec, err := tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppSkipped, rec.Status)
	assert.Equal(t, domain.ReasonUngroundedClaim, rec.Error)
}

func TestEngine_PersonalizationFailureRecordsFailed(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	tracker := memory.NewTrackerRepo()
	eng, _ := newTestEngine(portal, scriptAI{chatErr: domain.ErrInternal}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	final := waitTerminal(t, eng, "u1")

	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Equal(t, 1, final.FailedCount)
	rec, err := tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppFailed, rec.Status)
	assert.Contains(t, rec.Error, "personalization_failed")
	assert.Zero(t, portal.submitCount())
}

func TestEngine_KillSwitchStopsBetweenJobs(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"), goJob("j2", "Beta"))
	portal.submitStarted = make(chan string, 2)
	portal.releaseSubmit = make(chan struct{})
	tracker := memory.NewTrackerRepo()
	eng, _ := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)

	// Kill while the first submission is in flight; it must complete.
	<-portal.submitStarted
	require.NoError(t, eng.Stop("u1"))
	close(portal.releaseSubmit)

	final := waitTerminal(t, eng, "u1")
	assert.Equal(t, domain.RunStopped, final.Status)
	assert.True(t, final.KillRequested)
	assert.Equal(t, 1, final.SubmittedCount)
	assert.Equal(t, 1, portal.submitCount(), "no new submission after the kill switch")

	rec, err := tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppSubmitted, rec.Status)
	_, err = tracker.Get(context.Background(), "u1", "j2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_SecondStartWhileRunningConflicts(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	portal.submitStarted = make(chan string, 1)
	portal.releaseSubmit = make(chan struct{})
	tracker := memory.NewTrackerRepo()
	eng, _ := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	<-portal.submitStarted

	_, err = eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	// A different user is unaffected.
	_, err = eng.Start(context.Background(), "u2", testProfile(), applyPolicy())
	assert.NoError(t, err)

	close(portal.releaseSubmit)
	waitTerminal(t, eng, "u1")
	waitTerminal(t, eng, "u2")
}

func TestEngine_DedupSkipsPriorSubmissions(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"), goJob("j2", "Beta"))
	tracker := memory.NewTrackerRepo()
	now := time.Now().UTC()
	require.NoError(t, tracker.UpsertAttempt(context.Background(), domain.ApplicationRecord{
		UserID: "u1", JobID: "j1", JobTitle: "Go Engineer", Company: "Acme",
		Status: domain.AppSubmitted, SubmittedAt: &now, UpdatedAt: now,
	}))
	eng, _ := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	final := waitTerminal(t, eng, "u1")

	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Equal(t, 1, final.Total, "already-applied job leaves the queue")
	assert.Equal(t, 1, final.SubmittedCount)
	for _, req := range portal.submits {
		assert.NotEqual(t, "j1", req.JobID)
	}
}

func TestEngine_DuplicateWithConfirmationReconciled(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	portal.script("j1", domain.SubmitOutcome{Kind: domain.OutcomeDuplicate, ConfirmationID: "c-old"})
	tracker := memory.NewTrackerRepo()
	eng, _ := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	waitTerminal(t, eng, "u1")

	rec, err := tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppSubmitted, rec.Status)
	assert.Equal(t, "c-old", rec.ConfirmationID)
}

func TestEngine_PolicyDisabledSkipsEveryJob(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	tracker := memory.NewTrackerRepo()
	eng, bus := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	policy := applyPolicy()
	policy.Enabled = false
	_, err := eng.Start(context.Background(), "u1", testProfile(), policy)
	require.NoError(t, err)
	final := waitTerminal(t, eng, "u1")

	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Equal(t, 1, final.SkippedCount)
	assert.Zero(t, portal.submitCount())

	rec, err := tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppSkipped, rec.Status)
	assert.Equal(t, domain.ReasonPolicyDisabled, rec.Error)

	disabled := false
	for _, ev := range drainEvents(t, bus, "u1") {
		if ev.Type == domain.EventJobSkipped && ev.Reason == domain.ReasonPolicyDisabled {
			disabled = true
		}
	}
	assert.True(t, disabled)
}

func TestEngine_RetryApplicationReRunsFailedJob(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	portal.script("j1", domain.SubmitOutcome{Kind: domain.OutcomePermanentClient, Message: "422"})
	tracker := memory.NewTrackerRepo()
	eng, _ := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	waitTerminal(t, eng, "u1")

	rec, err := tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	require.Equal(t, domain.AppFailed, rec.Status)

	// Portal recovered; the retry succeeds and carries the retry count.
	_, err = eng.RetryApplication(context.Background(), "u1", "j1")
	require.NoError(t, err)
	final := waitTerminal(t, eng, "u1")
	assert.Equal(t, domain.RunCompleted, final.Status)

	rec, err = tracker.Get(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppSubmitted, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestEngine_RetryApplicationRequiresFailedRecord(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"))
	tracker := memory.NewTrackerRepo()
	eng, _ := newTestEngine(portal, scriptAI{chat: groundedChat}, tracker)

	_, err := eng.RetryApplication(context.Background(), "u1", "j1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	waitTerminal(t, eng, "u1")

	// j1 is submitted, not failed.
	_, err = eng.RetryApplication(context.Background(), "u1", "j1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestEngine_StartValidatesInput(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(newFakePortal(), scriptAI{chat: groundedChat}, memory.NewTrackerRepo())

	_, err := eng.Start(context.Background(), "", testProfile(), applyPolicy())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	p := testProfile()
	p.Email = ""
	_, err = eng.Start(context.Background(), "u1", p, applyPolicy())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	p = testProfile()
	p.Bullets = nil
	_, err = eng.Start(context.Background(), "u1", p, applyPolicy())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEngine_NewRunWithinGraceKeepsStreamOpen(t *testing.T) {
	t.Parallel()
	portal := newFakePortal(goJob("j1", "Acme"), goJob("j2", "Beta"))
	portal.script("j2", domain.SubmitOutcome{Kind: domain.OutcomePermanentClient, Message: "422"})
	tracker := memory.NewTrackerRepo()

	bus := eventbus.New(256, 128)
	submitter := usecase.NewSubmitExecutor(portal, 3, 2*time.Second, 30*time.Second, time.Millisecond)
	submitter.Jitter = func() float64 { return 0 }
	submitter.Sleep = func(_ domain.Context, _ time.Duration, killed func() bool) error {
		if killed() {
			return domain.ErrCancelled
		}
		return nil
	}
	eng := usecase.NewEngine(
		usecase.EngineConfig{
			KillPollInterval:  5 * time.Millisecond,
			PostTerminalGrace: 100 * time.Millisecond,
		},
		bus, tracker, portal,
		usecase.NewRanker(nil),
		usecase.NewPersonalizer(scriptAI{chat: groundedChat}, time.Second, 0),
		submitter,
		nil,
	)

	// First run: j1 submits, j2 fails permanently and stays retryable.
	_, err := eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	waitTerminal(t, eng, "u1")

	// Second run starts inside the first run's grace window and outlives it.
	portal.submitStarted = make(chan string, 1)
	portal.releaseSubmit = make(chan struct{})
	_, err = eng.Start(context.Background(), "u1", testProfile(), applyPolicy())
	require.NoError(t, err)
	<-portal.submitStarted
	time.Sleep(200 * time.Millisecond)
	close(portal.releaseSubmit)

	final := waitTerminal(t, eng, "u1")
	assert.Equal(t, domain.RunCompleted, final.Status)
	assert.Equal(t, 1, final.SubmittedCount)

	// The first run's deferred stream close must not swallow the second
	// run's events.
	events := drainEvents(t, bus, "u1")
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, domain.EventWorkflowCompleted, events[len(events)-1].Type)
	gotResult := false
	var last uint64
	for _, ev := range events {
		require.Equal(t, last+1, ev.Seq)
		last = ev.Seq
		if ev.Type == domain.EventApplicationResult {
			gotResult = true
		}
	}
	assert.True(t, gotResult)
}

func TestEngine_StatusUnknownUser(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(newFakePortal(), scriptAI{}, memory.NewTrackerRepo())
	_, err := eng.Status("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, eng.Stop("ghost"), domain.ErrNotFound)
}
