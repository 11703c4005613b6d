package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
	"github.com/fairyhunter13/ai-apply-agent/internal/usecase"
)

// Server bundles the usecases behind the REST surface.
type Server struct {
	Engine   *usecase.Engine
	Tracker  *usecase.TrackerService
	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(engine *usecase.Engine, tracker *usecase.TrackerService) *Server {
	return &Server{
		Engine:   engine,
		Tracker:  tracker,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type startRequest struct {
	UserID  string         `json:"user_id" validate:"required"`
	Profile domain.Profile `json:"profile"`
	Policy  domain.Policy  `json:"policy"`
}

// StartWorkflow handles POST /workflow/start.
func (s *Server) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("invalid JSON body: %w", domain.ErrInvalidArgument))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, fmt.Errorf("%s: %w", err.Error(), domain.ErrInvalidArgument))
		return
	}
	if err := s.validate.Var(req.Profile.Email, "required,email"); err != nil {
		writeError(w, fmt.Errorf("profile.email must be a valid address: %w", domain.ErrInvalidArgument))
		return
	}

	run, err := s.Engine.Start(r.Context(), req.UserID, req.Profile, req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	LoggerFrom(r.Context()).Info("workflow start accepted", "user_id", req.UserID, "run_id", run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

// StopWorkflow handles POST /workflow/kill/{userID}.
func (s *Server) StopWorkflow(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.Engine.Stop(userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "stopped": true})
}

// WorkflowStatus handles GET /workflow/status/{userID}.
func (s *Server) WorkflowStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.Engine.Status(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RetryApplication handles POST /tracker/applications/{userID}/{jobID}/retry.
func (s *Server) RetryApplication(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	jobID := chi.URLParam(r, "jobID")
	run, err := s.Engine.RetryApplication(r.Context(), userID, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

type trackerResponse struct {
	UserID       string                     `json:"user_id"`
	Summary      usecase.TrackerSummary     `json:"summary"`
	Applications []domain.ApplicationRecord `json:"applications"`
}

// ListApplications handles GET /tracker/applications/{userID}.
func (s *Server) ListApplications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	status := domain.AppStatus(r.URL.Query().Get("status"))
	summary, recs, err := s.Tracker.List(r.Context(), userID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.ApplicationRecord{}
	}
	writeJSON(w, http.StatusOK, trackerResponse{UserID: userID, Summary: summary, Applications: recs})
}

// GetApplication handles GET /tracker/applications/{userID}/{jobID}.
func (s *Server) GetApplication(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Tracker.Get(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ClearApplications handles DELETE /tracker/applications/{userID}.
func (s *Server) ClearApplications(w http.ResponseWriter, r *http.Request) {
	if err := s.Tracker.Clear(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}
