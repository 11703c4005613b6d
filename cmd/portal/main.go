// Command portal runs a sandbox job portal for local development. It serves a
// YAML-seeded job board, accepts applications with idempotency semantics, and
// can inject failures and rate limiting so retry handling can be exercised
// end to end without a real upstream.
package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

type seed struct {
	Jobs []seedJob `yaml:"jobs"`
	// RateLimit applies a fixed window to POST /applications.
	RateLimit struct {
		Max           int `yaml:"max"`
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"rate_limit"`
}

type seedJob struct {
	ID           string   `yaml:"id" json:"id"`
	Title        string   `yaml:"title" json:"title"`
	Company      string   `yaml:"company" json:"company"`
	Location     string   `yaml:"location" json:"location"`
	Remote       bool     `yaml:"remote" json:"remote"`
	Description  string   `yaml:"description" json:"description"`
	Requirements []string `yaml:"requirements" json:"requirements"`

	// FailTimes makes the first N submissions for this job return FailStatus
	// (default 503) before succeeding. Used to exercise retry paths.
	FailTimes  int `yaml:"fail_times" json:"-"`
	FailStatus int `yaml:"fail_status" json:"-"`
}

type application struct {
	ConfirmationID string    `json:"confirmation_id"`
	JobID          string    `json:"job_id"`
	ApplicantName  string    `json:"applicant_name"`
	ApplicantEmail string    `json:"applicant_email"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type server struct {
	mu       sync.Mutex
	jobs     []seedJob
	failures map[string]int // job id -> remaining injected failures
	byKey    map[string]*application
	byConfID map[string]*application

	limitMax    int
	limitWindow time.Duration
	windowStart time.Time
	windowCount int
}

func main() {
	var (
		addr     = flag.String("addr", envOr("PORTAL_ADDR", ":8100"), "listen address")
		seedPath = flag.String("seed", envOr("PORTAL_SEED", ""), "YAML seed file; empty uses built-in jobs")
	)
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	sd, err := loadSeed(*seedPath)
	if err != nil {
		slog.Error("seed load failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := &server{
		jobs:        sd.Jobs,
		failures:    map[string]int{},
		byKey:       map[string]*application{},
		byConfID:    map[string]*application{},
		limitMax:    sd.RateLimit.Max,
		limitWindow: time.Duration(sd.RateLimit.WindowSeconds) * time.Second,
	}
	for _, j := range sd.Jobs {
		if j.FailTimes > 0 {
			srv.failures[j.ID] = j.FailTimes
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/jobs", srv.listJobs)
	r.Post("/applications", srv.createApplication)
	r.Get("/applications/{confirmationID}", srv.getApplication)

	slog.Info("sandbox portal listening", slog.String("addr", *addr), slog.Int("jobs", len(sd.Jobs)))
	if err := http.ListenAndServe(*addr, r); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("portal exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadSeed(path string) (seed, error) {
	if path == "" {
		return defaultSeed(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed{}, fmt.Errorf("op=portal.loadSeed: %w", err)
	}
	var sd seed
	if err := yaml.Unmarshal(raw, &sd); err != nil {
		return seed{}, fmt.Errorf("op=portal.loadSeed parse: %w", err)
	}
	for i := range sd.Jobs {
		if sd.Jobs[i].ID == "" {
			return seed{}, fmt.Errorf("op=portal.loadSeed: job %d has no id", i)
		}
		if sd.Jobs[i].FailStatus == 0 {
			sd.Jobs[i].FailStatus = http.StatusServiceUnavailable
		}
	}
	return sd, nil
}

func defaultSeed() seed {
	return seed{Jobs: []seedJob{
		{
			ID: "job-001", Title: "Senior Backend Engineer", Company: "Streamline", Location: "Berlin", Remote: true,
			Description:  "Own the ingestion pipeline and its storage layer.",
			Requirements: []string{"Go", "PostgreSQL", "Kafka"},
		},
		{
			ID: "job-002", Title: "Platform Engineer", Company: "Northwind", Location: "Amsterdam", Remote: false,
			Description:  "Build internal deployment tooling.",
			Requirements: []string{"Kubernetes", "Go", "Terraform"},
		},
		{
			ID: "job-003", Title: "Site Reliability Engineer", Company: "Lumen Labs", Location: "Remote", Remote: true,
			Description:  "Keep the fleet healthy and observable.",
			Requirements: []string{"Prometheus", "Go", "Linux"},
			FailTimes:    2, FailStatus: http.StatusServiceUnavailable,
		},
	}}
}

func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keywords := strings.ToLower(q.Get("keywords"))
	location := strings.ToLower(q.Get("location"))
	var remote *bool
	if v := q.Get("remote"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "remote must be a boolean"})
			return
		}
		remote = &b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]seedJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if remote != nil && j.Remote != *remote {
			continue
		}
		if location != "" && !strings.Contains(strings.ToLower(j.Location), location) {
			continue
		}
		if keywords != "" && !jobMatches(j, keywords) {
			continue
		}
		out = append(out, j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func jobMatches(j seedJob, keywords string) bool {
	hay := strings.ToLower(j.Title + " " + j.Description + " " + strings.Join(j.Requirements, " "))
	for _, kw := range strings.Fields(keywords) {
		if strings.Contains(hay, kw) {
			return true
		}
	}
	return false
}

type applicationRequest struct {
	JobID          string `json:"job_id"`
	ApplicantName  string `json:"applicant_name"`
	ApplicantEmail string `json:"applicant_email"`
	Resume         string `json:"resume_text"`
	CoverLetter    string `json:"cover_letter"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *server) createApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON body"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if req.JobID == "" || req.ApplicantEmail == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "job_id and applicant_email are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if retryAfter, limited := s.overLimitLocked(); limited {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "rate limit exceeded"})
		return
	}

	if !s.jobExistsLocked(req.JobID) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "unknown job_id"})
		return
	}

	// Duplicate detection: same idempotency key, or same applicant on the
	// same job, replays the stored confirmation.
	dupKey := req.JobID + "|" + strings.ToLower(req.ApplicantEmail)
	if prior, ok := s.lookupLocked(req.IdempotencyKey, dupKey); ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success":         false,
			"confirmation_id": prior.ConfirmationID,
			"status":          prior.Status,
			"message":         "application already exists",
		})
		return
	}

	if left := s.failures[req.JobID]; left > 0 {
		s.failures[req.JobID] = left - 1
		status := s.failStatusLocked(req.JobID)
		slog.Info("injecting failure", slog.String("job_id", req.JobID), slog.Int("status", status), slog.Int("remaining", left-1))
		writeJSON(w, status, map[string]string{"message": "injected failure"})
		return
	}

	app := &application{
		ConfirmationID: "conf-" + ulid.MustNew(ulid.Now(), rand.Reader).String(),
		JobID:          req.JobID,
		ApplicantName:  req.ApplicantName,
		ApplicantEmail: req.ApplicantEmail,
		Status:         "received",
		SubmittedAt:    time.Now().UTC(),
	}
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = app
	}
	s.byKey[dupKey] = app
	s.byConfID[app.ConfirmationID] = app

	slog.Info("application received",
		slog.String("job_id", app.JobID),
		slog.String("confirmation_id", app.ConfirmationID))
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":         true,
		"confirmation_id": app.ConfirmationID,
		"status":          app.Status,
	})
}

func (s *server) getApplication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "confirmationID")
	s.mu.Lock()
	app, ok := s.byConfID[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "application not found"})
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *server) lookupLocked(idemKey, dupKey string) (*application, bool) {
	if idemKey != "" {
		if app, ok := s.byKey[idemKey]; ok {
			return app, true
		}
	}
	app, ok := s.byKey[dupKey]
	return app, ok
}

func (s *server) jobExistsLocked(id string) bool {
	for _, j := range s.jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}

func (s *server) failStatusLocked(jobID string) int {
	for _, j := range s.jobs {
		if j.ID == jobID && j.FailStatus != 0 {
			return j.FailStatus
		}
	}
	return http.StatusServiceUnavailable
}

// overLimitLocked applies a fixed-window counter to submissions.
func (s *server) overLimitLocked() (time.Duration, bool) {
	if s.limitMax <= 0 || s.limitWindow <= 0 {
		return 0, false
	}
	now := time.Now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= s.limitWindow {
		s.windowStart = now
		s.windowCount = 0
	}
	if s.windowCount >= s.limitMax {
		remaining := s.limitWindow - now.Sub(s.windowStart)
		if remaining < time.Second {
			remaining = time.Second
		}
		return remaining, true
	}
	s.windowCount++
	return 0, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
