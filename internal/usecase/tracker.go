package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// TrackerSummary aggregates the records returned by a listing.
type TrackerSummary struct {
	Total       int     `json:"total"`
	Submitted   int     `json:"submitted"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
}

// TrackerService exposes read and maintenance operations over the application
// tracker for the HTTP surface.
type TrackerService struct {
	Repo domain.Tracker
}

// NewTrackerService constructs a TrackerService.
func NewTrackerService(repo domain.Tracker) *TrackerService {
	return &TrackerService{Repo: repo}
}

var validStatuses = map[domain.AppStatus]struct{}{
	domain.AppQueued:    {},
	domain.AppSubmitted: {},
	domain.AppFailed:    {},
	domain.AppSkipped:   {},
	domain.AppRetried:   {},
}

// List returns the user's records (optionally filtered by status) together
// with a summary over the returned set.
func (s *TrackerService) List(ctx domain.Context, userID string, status domain.AppStatus) (TrackerSummary, []domain.ApplicationRecord, error) {
	if status != "" {
		if _, ok := validStatuses[status]; !ok {
			return TrackerSummary{}, nil, fmt.Errorf("op=tracker.List status=%s: unknown status: %w", status, domain.ErrInvalidArgument)
		}
	}
	recs, err := s.Repo.List(ctx, userID, status)
	if err != nil {
		return TrackerSummary{}, nil, fmt.Errorf("op=tracker.List user_id=%s: %w", userID, err)
	}
	return summarize(recs), recs, nil
}

// Get returns one record.
func (s *TrackerService) Get(ctx domain.Context, userID, jobID string) (domain.ApplicationRecord, error) {
	rec, err := s.Repo.Get(ctx, userID, jobID)
	if err != nil {
		return domain.ApplicationRecord{}, fmt.Errorf("op=tracker.Get user_id=%s job_id=%s: %w", userID, jobID, err)
	}
	return rec, nil
}

// Clear deletes all of the user's records.
func (s *TrackerService) Clear(ctx domain.Context, userID string) error {
	if err := s.Repo.Clear(ctx, userID); err != nil {
		return fmt.Errorf("op=tracker.Clear user_id=%s: %w", userID, err)
	}
	return nil
}

func summarize(recs []domain.ApplicationRecord) TrackerSummary {
	sum := TrackerSummary{Total: len(recs)}
	for _, r := range recs {
		switch r.Status {
		case domain.AppSubmitted:
			sum.Submitted++
		case domain.AppFailed:
			sum.Failed++
		case domain.AppSkipped:
			sum.Skipped++
		}
	}
	if sum.Total > 0 {
		sum.SuccessRate = float64(sum.Submitted) / float64(sum.Total)
	}
	return sum
}
