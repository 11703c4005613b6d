package usecase

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

const (
	defaultMaxAttempts  = 3
	defaultBackoffBase  = time.Second
	defaultBackoffCap   = 30 * time.Second
	defaultPollInterval = 2 * time.Second
)

// SubmitExecutor drives portal submission with bounded retries. Transient
// outcomes back off exponentially with jitter; a rate-limit hint stretches the
// delay; a timeout is retried exactly once because the first request may have
// landed. The kill switch is honored between attempts and while sleeping,
// never by aborting an in-flight request.
type SubmitExecutor struct {
	Portal       domain.PortalClient
	MaxAttempts  int
	Base         time.Duration
	Cap          time.Duration
	PollInterval time.Duration

	// Jitter and Sleep are injectable for tests. Nil means rand.Float64 and a
	// kill-aware timer sleep.
	Jitter func() float64
	Sleep  func(ctx domain.Context, d time.Duration, killed func() bool) error
}

// NewSubmitExecutor applies defaults for any zero field.
func NewSubmitExecutor(portal domain.PortalClient, maxAttempts int, base, cap, poll time.Duration) *SubmitExecutor {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &SubmitExecutor{Portal: portal, MaxAttempts: maxAttempts, Base: base, Cap: cap, PollInterval: poll}
}

// SubmitResult is the final outcome of an Execute call together with how many
// attempts were spent.
type SubmitResult struct {
	Outcome  domain.SubmitOutcome
	Attempts int
}

// Execute submits req until a terminal outcome or the attempt budget runs out.
// onAttempt, when non-nil, is invoked with the 1-based attempt number before
// each try. Returns domain.ErrCancelled when the kill switch fires between
// attempts; exhausting retries on a transient outcome returns the last outcome
// with a nil error and the caller classifies it.
func (e *SubmitExecutor) Execute(ctx domain.Context, req domain.SubmitRequest, killed func() bool, onAttempt func(int)) (SubmitResult, error) {
	if killed == nil {
		killed = func() bool { return false }
	}
	timeoutRetried := false
	var last domain.SubmitOutcome
	for attempt := 1; ; attempt++ {
		if killed() {
			return SubmitResult{Outcome: last, Attempts: attempt - 1}, domain.ErrCancelled
		}
		if onAttempt != nil {
			onAttempt(attempt)
		}

		start := time.Now()
		out, err := e.Portal.Submit(ctx, req)
		if err != nil {
			// Unclassified transport errors count as transient network.
			out = domain.SubmitOutcome{Kind: domain.OutcomeTransientNetwork, Message: err.Error()}
		}
		observability.ObserveSubmitAttempt(string(out.Kind), time.Since(start))
		last = out

		switch out.Kind {
		case domain.OutcomeSubmitted, domain.OutcomeDuplicate, domain.OutcomePermanentClient:
			return SubmitResult{Outcome: out, Attempts: attempt}, nil
		case domain.OutcomeTimeout:
			if timeoutRetried {
				return SubmitResult{Outcome: out, Attempts: attempt}, nil
			}
			timeoutRetried = true
		}

		if attempt >= e.MaxAttempts {
			return SubmitResult{Outcome: last, Attempts: attempt}, nil
		}

		delay := e.backoff(attempt)
		if out.Kind == domain.OutcomeRateLimited && out.RetryAfter > delay {
			delay = out.RetryAfter
		}
		if err := e.sleep(ctx, delay, killed); err != nil {
			return SubmitResult{Outcome: last, Attempts: attempt}, err
		}
	}
}

// backoff computes base*2^(attempt-1) plus uniform jitter in [0,base), capped.
func (e *SubmitExecutor) backoff(attempt int) time.Duration {
	jitter := rand.Float64
	if e.Jitter != nil {
		jitter = e.Jitter
	}
	d := e.Base << (attempt - 1)
	d += time.Duration(jitter() * float64(e.Base))
	if d > e.Cap {
		d = e.Cap
	}
	return d
}

// sleep waits for d, waking at the poll interval to honor the kill switch and
// context cancellation.
func (e *SubmitExecutor) sleep(ctx domain.Context, d time.Duration, killed func() bool) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d, killed)
	}
	deadline := time.Now().Add(d)
	for {
		if killed() {
			return domain.ErrCancelled
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := e.PollInterval
		if remaining < slice {
			slice = remaining
		}
		t := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("op=submit backoff: %w", ctx.Err())
		case <-t.C:
		}
	}
}
