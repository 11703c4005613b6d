package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
	"github.com/fairyhunter13/ai-apply-agent/internal/usecase"
)

type mockPortal struct{ mock.Mock }

func (m *mockPortal) ListJobs(ctx domain.Context, f domain.JobFilters) ([]domain.Job, error) {
	args := m.Called(ctx, f)
	if v := args.Get(0); v != nil {
		return v.([]domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPortal) Submit(ctx domain.Context, req domain.SubmitRequest) (domain.SubmitOutcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.SubmitOutcome), args.Error(1)
}

func (m *mockPortal) GetApplication(ctx domain.Context, confirmationID string) (domain.PortalApplication, error) {
	args := m.Called(ctx, confirmationID)
	return args.Get(0).(domain.PortalApplication), args.Error(1)
}

// fastExecutor records sleeps instead of performing them.
func fastExecutor(p domain.PortalClient, sleeps *[]time.Duration) *usecase.SubmitExecutor {
	e := usecase.NewSubmitExecutor(p, 3, 2*time.Second, 30*time.Second, 10*time.Millisecond)
	e.Jitter = func() float64 { return 0 }
	e.Sleep = func(ctx domain.Context, d time.Duration, killed func() bool) error {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
		if killed() {
			return domain.ErrCancelled
		}
		return nil
	}
	return e
}

func submitReq() domain.SubmitRequest {
	return domain.SubmitRequest{UserID: "u1", JobID: "j1", ApplicantName: "Ada", ApplicantEmail: "ada@example.com"}
}

func TestNewSubmitExecutor_Defaults(t *testing.T) {
	t.Parallel()
	e := usecase.NewSubmitExecutor(&mockPortal{}, 0, 0, 0, 0)
	assert.Equal(t, 3, e.MaxAttempts)
	assert.Equal(t, time.Second, e.Base)
	assert.Equal(t, 30*time.Second, e.Cap)
	assert.Equal(t, 2*time.Second, e.PollInterval)
}

func TestSubmitExecutor_SuccessFirstAttempt(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeSubmitted, ConfirmationID: "c-1"}, nil).Once()

	res, err := fastExecutor(p, nil).Execute(context.Background(), submitReq(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSubmitted, res.Outcome.Kind)
	assert.Equal(t, 1, res.Attempts)
	p.AssertExpectations(t)
}

func TestSubmitExecutor_TransientThenSuccessBacksOffExponentially(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeTransient5xx}, nil).Twice()
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeSubmitted, ConfirmationID: "c-1"}, nil).Once()

	var sleeps []time.Duration
	var attempts []int
	res, err := fastExecutor(p, &sleeps).Execute(context.Background(), submitReq(), nil, func(n int) {
		attempts = append(attempts, n)
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSubmitted, res.Outcome.Kind)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	// Zero jitter: 2s then 4s.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps)
}

func TestSubmitExecutor_ExhaustsAttemptsOnTransient(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeTransientNetwork}, nil).Times(3)

	res, err := fastExecutor(p, nil).Execute(context.Background(), submitReq(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTransientNetwork, res.Outcome.Kind)
	assert.Equal(t, 3, res.Attempts)
	p.AssertExpectations(t)
}

func TestSubmitExecutor_PermanentClientNoRetry(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomePermanentClient, Message: "422 invalid payload"}, nil).Once()

	res, err := fastExecutor(p, nil).Execute(context.Background(), submitReq(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePermanentClient, res.Outcome.Kind)
	assert.Equal(t, 1, res.Attempts)
	p.AssertExpectations(t)
}

func TestSubmitExecutor_DuplicateIsTerminal(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeDuplicate, ConfirmationID: "c-prev"}, nil).Once()

	res, err := fastExecutor(p, nil).Execute(context.Background(), submitReq(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome.Kind)
	assert.Equal(t, 1, res.Attempts)
}

func TestSubmitExecutor_TimeoutRetriedExactlyOnce(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeTimeout}, nil).Twice()

	res, err := fastExecutor(p, nil).Execute(context.Background(), submitReq(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTimeout, res.Outcome.Kind)
	assert.Equal(t, 2, res.Attempts, "second timeout must stop retrying")
	p.AssertExpectations(t)
}

func TestSubmitExecutor_RetryAfterOverridesBackoff(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeRateLimited, RetryAfter: 10 * time.Second}, nil).Once()
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeSubmitted, ConfirmationID: "c-1"}, nil).Once()

	var sleeps []time.Duration
	res, err := fastExecutor(p, &sleeps).Execute(context.Background(), submitReq(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSubmitted, res.Outcome.Kind)
	require.Len(t, sleeps, 1)
	assert.Equal(t, 10*time.Second, sleeps[0], "Retry-After larger than computed backoff wins")
}

func TestSubmitExecutor_KillBeforeAttempt(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	res, err := fastExecutor(p, nil).Execute(context.Background(), submitReq(), func() bool { return true }, nil)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Zero(t, res.Attempts)
	p.AssertNotCalled(t, "Submit")
}

func TestSubmitExecutor_KillDuringBackoff(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeTransient5xx}, nil).Once()

	e := fastExecutor(p, nil)
	killed := false
	e.Sleep = func(ctx domain.Context, d time.Duration, k func() bool) error {
		killed = true
		return domain.ErrCancelled
	}
	res, err := e.Execute(context.Background(), submitReq(), func() bool { return killed }, nil)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, 1, res.Attempts)
	p.AssertExpectations(t)
}

func TestSubmitExecutor_BackoffCapped(t *testing.T) {
	t.Parallel()
	p := &mockPortal{}
	p.On("Submit", mock.Anything, mock.Anything).
		Return(domain.SubmitOutcome{Kind: domain.OutcomeTransient5xx}, nil).Times(5)

	e := usecase.NewSubmitExecutor(p, 5, 10*time.Second, 15*time.Second, time.Millisecond)
	e.Jitter = func() float64 { return 0.99 }
	var sleeps []time.Duration
	e.Sleep = func(ctx domain.Context, d time.Duration, killed func() bool) error {
		sleeps = append(sleeps, d)
		return nil
	}
	_, err := e.Execute(context.Background(), submitReq(), nil, nil)
	require.NoError(t, err)
	for _, d := range sleeps {
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}
