// Package portal implements the HTTP client for the upstream job portal.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// Options configures the portal client.
type Options struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RatePerS  float64
	RateBurst int
}

// Client talks to the portal REST API. All outgoing requests pass a local
// rate limiter so a single run cannot hammer the portal.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
}

// New constructs a Client with sane defaults for any zero option.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RatePerS <= 0 {
		opts.RatePerS = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		httpc: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerS), opts.RateBurst),
	}
}

type jobsResponse struct {
	Jobs []wireJob `json:"jobs"`
}

type wireJob struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Company      string   `json:"company"`
	Location     string   `json:"location"`
	Remote       bool     `json:"remote"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements"`
}

// ListJobs fetches the portal's job listing. Transient failures are retried
// with exponential backoff; the context bounds the whole operation.
func (c *Client) ListJobs(ctx domain.Context, f domain.JobFilters) ([]domain.Job, error) {
	q := url.Values{}
	if f.Keywords != "" {
		q.Set("keywords", f.Keywords)
	}
	if f.Location != "" {
		q.Set("location", f.Location)
	}
	if f.Remote != nil {
		q.Set("remote", strconv.FormatBool(*f.Remote))
	}
	u := c.baseURL + "/jobs"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var out jobsResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.decorate(req)
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("op=portal.ListJobs: %w", err)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return backoff.Permanent(fmt.Errorf("op=portal.ListJobs decode: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("op=portal.ListJobs status=%d: %w", resp.StatusCode, domain.ErrUpstreamRateLimit)
		default:
			return backoff.Permanent(fmt.Errorf("op=portal.ListJobs status=%d: %w", resp.StatusCode, domain.ErrInternal))
		}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(out.Jobs))
	for _, j := range out.Jobs {
		jobs = append(jobs, domain.Job{
			ID: j.ID, Title: j.Title, Company: j.Company, Location: j.Location,
			Remote: j.Remote, Description: j.Description, Requirements: j.Requirements,
		})
	}
	return jobs, nil
}

type submitBody struct {
	JobID          string `json:"job_id"`
	ApplicantName  string `json:"applicant_name"`
	ApplicantEmail string `json:"applicant_email"`
	Resume         string `json:"resume_text"`
	CoverLetter    string `json:"cover_letter"`
	IdempotencyKey string `json:"idempotency_key"`
}

type submitResponse struct {
	Success        bool   `json:"success"`
	ConfirmationID string `json:"confirmation_id"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// Submit performs exactly one submission attempt and classifies the result.
// Retries belong to the caller; this method never retries on its own.
func (c *Client) Submit(ctx domain.Context, sr domain.SubmitRequest) (domain.SubmitOutcome, error) {
	body, err := json.Marshal(submitBody{
		JobID:          sr.JobID,
		ApplicantName:  sr.ApplicantName,
		ApplicantEmail: sr.ApplicantEmail,
		Resume:         sr.Resume,
		CoverLetter:    sr.CoverLetter,
		IdempotencyKey: sr.IdempotencyKey,
	})
	if err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=portal.Submit marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/applications", bytes.NewReader(body))
	if err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=portal.Submit: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sr.IdempotencyKey)
	c.decorate(req)

	if err := c.limiter.Wait(ctx); err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=portal.Submit rate wait: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return classifyTransportError(err), nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed submitResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		return domain.SubmitOutcome{Kind: domain.OutcomeSubmitted, ConfirmationID: parsed.ConfirmationID}, nil
	case resp.StatusCode == http.StatusConflict:
		return domain.SubmitOutcome{Kind: domain.OutcomeDuplicate, ConfirmationID: parsed.ConfirmationID, Message: parsed.Message}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.SubmitOutcome{
			Kind:       domain.OutcomeRateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    parsed.Message,
		}, nil
	case resp.StatusCode >= 500:
		return domain.SubmitOutcome{Kind: domain.OutcomeTransient5xx, Message: fmt.Sprintf("status=%d", resp.StatusCode)}, nil
	default:
		msg := parsed.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return domain.SubmitOutcome{Kind: domain.OutcomePermanentClient, Message: fmt.Sprintf("status=%d %s", resp.StatusCode, msg)}, nil
	}
}

// GetApplication fetches the portal's view of a submitted application.
func (c *Client) GetApplication(ctx domain.Context, confirmationID string) (domain.PortalApplication, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/applications/"+url.PathEscape(confirmationID), nil)
	if err != nil {
		return domain.PortalApplication{}, fmt.Errorf("op=portal.GetApplication: %w", err)
	}
	c.decorate(req)
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.PortalApplication{}, fmt.Errorf("op=portal.GetApplication rate wait: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.PortalApplication{}, fmt.Errorf("op=portal.GetApplication: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var out domain.PortalApplication
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return domain.PortalApplication{}, fmt.Errorf("op=portal.GetApplication decode: %w", err)
		}
		return out, nil
	case http.StatusNotFound:
		return domain.PortalApplication{}, fmt.Errorf("op=portal.GetApplication id=%s: %w", confirmationID, domain.ErrNotFound)
	default:
		return domain.PortalApplication{}, fmt.Errorf("op=portal.GetApplication status=%d: %w", resp.StatusCode, domain.ErrInternal)
	}
}

func (c *Client) decorate(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

// classifyTransportError maps connection failures into the outcome taxonomy.
// A timeout is distinct because the request may have reached the portal.
func classifyTransportError(err error) domain.SubmitOutcome {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return domain.SubmitOutcome{Kind: domain.OutcomeTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.SubmitOutcome{Kind: domain.OutcomeTimeout, Message: err.Error()}
	}
	return domain.SubmitOutcome{Kind: domain.OutcomeTransientNetwork, Message: err.Error()}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
