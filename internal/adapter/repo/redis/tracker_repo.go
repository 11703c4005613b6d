// Package redis implements the application tracker on Redis: a hash of
// records per user plus a sorted set of submission times for the rolling
// daily-cap query.
package redis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// TrackerRepo stores records under tracker:{user}:apps and submission times
// under tracker:{user}:submitted.
type TrackerRepo struct {
	rdb redis.UniversalClient
}

// NewTrackerRepo wraps an existing client.
func NewTrackerRepo(rdb redis.UniversalClient) *TrackerRepo {
	return &TrackerRepo{rdb: rdb}
}

// Connect dials Redis from a URL and verifies the connection.
func Connect(ctx domain.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redis.Connect parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=redis.Connect ping: %w", err)
	}
	return client, nil
}

func appsKey(userID string) string      { return "tracker:" + userID + ":apps" }
func submittedKey(userID string) string { return "tracker:" + userID + ":submitted" }

// UpsertAttempt writes the record, carrying the retry count forward over a
// previously failed record, and keeps the submission index in sync.
func (r *TrackerRepo) UpsertAttempt(ctx domain.Context, rec domain.ApplicationRecord) error {
	if rec.UserID == "" || rec.JobID == "" {
		return fmt.Errorf("op=redis.UpsertAttempt: user_id and job_id required: %w", domain.ErrInvalidArgument)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	prevRaw, err := r.rdb.HGet(ctx, appsKey(rec.UserID), rec.JobID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("op=redis.UpsertAttempt read prior: %w", err)
	}
	if err == nil {
		var prev domain.ApplicationRecord
		if uerr := json.Unmarshal([]byte(prevRaw), &prev); uerr == nil && prev.Status == domain.AppFailed {
			if rec.RetryCount < prev.RetryCount+1 {
				rec.RetryCount = prev.RetryCount + 1
			}
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=redis.UpsertAttempt marshal: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, appsKey(rec.UserID), rec.JobID, raw)
	if rec.Status == domain.AppSubmitted && rec.SubmittedAt != nil {
		pipe.ZAdd(ctx, submittedKey(rec.UserID), redis.Z{
			Score:  float64(rec.SubmittedAt.Unix()),
			Member: rec.JobID,
		})
	} else {
		pipe.ZRem(ctx, submittedKey(rec.UserID), rec.JobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redis.UpsertAttempt write: %w", err)
	}
	return nil
}

// Get returns the record for (user_id, job_id).
func (r *TrackerRepo) Get(ctx domain.Context, userID, jobID string) (domain.ApplicationRecord, error) {
	raw, err := r.rdb.HGet(ctx, appsKey(userID), jobID).Result()
	if err == redis.Nil {
		return domain.ApplicationRecord{}, fmt.Errorf("op=redis.Get user_id=%s job_id=%s: %w", userID, jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ApplicationRecord{}, fmt.Errorf("op=redis.Get: %w", err)
	}
	var rec domain.ApplicationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.ApplicationRecord{}, fmt.Errorf("op=redis.Get unmarshal: %w", err)
	}
	return rec, nil
}

// List returns the user's records ordered by submission time descending with
// never-submitted records last.
func (r *TrackerRepo) List(ctx domain.Context, userID string, status domain.AppStatus) ([]domain.ApplicationRecord, error) {
	all, err := r.rdb.HGetAll(ctx, appsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redis.List: %w", err)
	}
	out := make([]domain.ApplicationRecord, 0, len(all))
	for _, raw := range all {
		var rec domain.ApplicationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("op=redis.List unmarshal: %w", err)
		}
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

// CountSubmittedWindow counts submissions inside the rolling window using the
// sorted-set index.
func (r *TrackerRepo) CountSubmittedWindow(ctx domain.Context, userID string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window).Unix()
	n, err := r.rdb.ZCount(ctx, submittedKey(userID), strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("op=redis.CountSubmittedWindow: %w", err)
	}
	return int(n), nil
}

// Clear removes all tracker state for the user.
func (r *TrackerRepo) Clear(ctx domain.Context, userID string) error {
	if err := r.rdb.Del(ctx, appsKey(userID), submittedKey(userID)).Err(); err != nil {
		return fmt.Errorf("op=redis.Clear: %w", err)
	}
	return nil
}
