// Package memory provides an in-process tracker repository, the default
// backend for development and tests.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// TrackerRepo stores application records keyed by (user_id, job_id).
type TrackerRepo struct {
	mu     sync.RWMutex
	byUser map[string]map[string]domain.ApplicationRecord
}

// NewTrackerRepo constructs an empty repository.
func NewTrackerRepo() *TrackerRepo {
	return &TrackerRepo{byUser: make(map[string]map[string]domain.ApplicationRecord)}
}

// UpsertAttempt inserts or replaces the record for (user_id, job_id). A new
// attempt over a previously failed record carries the retry count forward.
func (r *TrackerRepo) UpsertAttempt(_ domain.Context, rec domain.ApplicationRecord) error {
	if rec.UserID == "" || rec.JobID == "" {
		return fmt.Errorf("op=memory.UpsertAttempt: user_id and job_id required: %w", domain.ErrInvalidArgument)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	user := r.byUser[rec.UserID]
	if user == nil {
		user = make(map[string]domain.ApplicationRecord)
		r.byUser[rec.UserID] = user
	}
	if prev, ok := user[rec.JobID]; ok && prev.Status == domain.AppFailed {
		if rec.RetryCount < prev.RetryCount+1 {
			rec.RetryCount = prev.RetryCount + 1
		}
	}
	user[rec.JobID] = rec
	return nil
}

// Get returns the record for (user_id, job_id).
func (r *TrackerRepo) Get(_ domain.Context, userID, jobID string) (domain.ApplicationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.byUser[userID][jobID]; ok {
		return rec, nil
	}
	return domain.ApplicationRecord{}, fmt.Errorf("op=memory.Get user_id=%s job_id=%s: %w", userID, jobID, domain.ErrNotFound)
}

// List returns the user's records ordered by submission time descending with
// never-submitted records last, optionally filtered by status.
func (r *TrackerRepo) List(_ domain.Context, userID string, status domain.AppStatus) ([]domain.ApplicationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ApplicationRecord, 0, len(r.byUser[userID]))
	for _, rec := range r.byUser[userID] {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i], out[j]) })
	return out, nil
}

// newerFirst orders by submitted_at descending with unsubmitted records last,
// then updated_at descending, then job id.
func newerFirst(a, b domain.ApplicationRecord) bool {
	switch {
	case a.SubmittedAt != nil && b.SubmittedAt == nil:
		return true
	case a.SubmittedAt == nil && b.SubmittedAt != nil:
		return false
	case a.SubmittedAt != nil && !a.SubmittedAt.Equal(*b.SubmittedAt):
		return a.SubmittedAt.After(*b.SubmittedAt)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.JobID < b.JobID
}

// CountSubmittedWindow counts submissions whose submitted_at falls inside the
// rolling window ending now.
func (r *TrackerRepo) CountSubmittedWindow(_ domain.Context, userID string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.byUser[userID] {
		if rec.Status == domain.AppSubmitted && rec.SubmittedAt != nil && rec.SubmittedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// Clear removes all records for the user.
func (r *TrackerRepo) Clear(_ domain.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userID)
	return nil
}
