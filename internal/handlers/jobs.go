package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mediafetch/backend/internal/download"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/models"
	"github.com/mediafetch/backend/internal/ratelimit"
)

// JobService is the part of the orchestrator the API exposes
type JobService interface {
	Progress(ctx context.Context, jobID string) (download.Snapshot, error)
	Cancel(ctx context.Context, jobID string) error
	UserJobs(ctx context.Context, userID string) ([]download.Snapshot, error)
}

// JobArchive looks up jobs that have left the live store
type JobArchive interface {
	Get(ctx context.Context, jobID string) (download.Snapshot, error)
}

type JobsHandler struct {
	jobs    JobService
	archive JobArchive
	limiter ratelimit.Limiter
	now     func() time.Time
}

// NewJobsHandler creates the job handlers. archive may be nil.
func NewJobsHandler(jobs JobService, archive JobArchive, limiter ratelimit.Limiter) *JobsHandler {
	return &JobsHandler{jobs: jobs, archive: archive, limiter: limiter, now: time.Now}
}

// List handles GET /api/v1/jobs
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) error {
	userID := apperrors.GetUserID(r.Context())
	snaps, err := h.jobs.UserJobs(r.Context(), userID)
	if err != nil {
		return err
	}

	out := models.JobList{Jobs: make([]models.Job, 0, len(snaps))}
	for _, s := range snaps {
		out.Jobs = append(out.Jobs, models.JobFromSnapshot(s))
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, out)
	return nil
}

// Get handles GET /api/v1/jobs/{id}
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) error {
	snap, err := h.owned(r)
	if err != nil {
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, models.JobFromSnapshot(snap))
	return nil
}

// Cancel handles DELETE /api/v1/jobs/{id}. Jobs that are uploading or
// finished answer INVALID_STATE.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) error {
	snap, err := h.owned(r)
	if err != nil {
		return err
	}
	if err := h.jobs.Cancel(r.Context(), snap.ID); err != nil {
		return err
	}

	if latest, err := h.jobs.Progress(r.Context(), snap.ID); err == nil {
		snap = latest
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusAccepted, models.JobFromSnapshot(snap))
	return nil
}

// Quota handles GET /api/v1/quota
func (h *JobsHandler) Quota(w http.ResponseWriter, r *http.Request) error {
	userID := apperrors.GetUserID(r.Context())
	now := h.now()
	remaining, err := h.limiter.Remaining(r.Context(), userID, now)
	if err != nil {
		return err
	}
	var retryAfter time.Duration
	if remaining == 0 {
		if retryAfter, err = h.limiter.RetryAfter(r.Context(), userID, now); err != nil {
			return err
		}
	}
	max, window := h.limiter.Limit()
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, models.Quota{
		Remaining:         remaining,
		Limit:             max,
		WindowSeconds:     int(window / time.Second),
		RetryAfterSeconds: int((retryAfter + time.Second - 1) / time.Second),
	})
	return nil
}

// owned loads the job named in the path. Another user's job is reported
// as not found.
func (h *JobsHandler) owned(r *http.Request) (download.Snapshot, error) {
	jobID := r.PathValue("id")
	if jobID == "" {
		return download.Snapshot{}, apperrors.BadRequest("job id is required")
	}

	snap, err := h.jobs.Progress(r.Context(), jobID)
	if apperrors.HasCode(err, apperrors.CodeJobNotFound) && h.archive != nil {
		snap, err = h.archive.Get(r.Context(), jobID)
	}
	if err != nil {
		return download.Snapshot{}, err
	}
	if snap.UserID != apperrors.GetUserID(r.Context()) {
		return download.Snapshot{}, apperrors.JobNotFound()
	}
	return snap, nil
}
