package models

import (
	"time"

	"github.com/mediafetch/backend/internal/download"
)

// Job is the API view of a download job
type Job struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	ContentType string     `json:"content_type"`
	Format      string     `json:"format"`
	State       string     `json:"state"`
	Title       string     `json:"title,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	Progress    int        `json:"progress"`
	BytesDone   int64      `json:"bytes_done,omitempty"`
	BytesTotal  int64      `json:"bytes_total,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	File        *JobFile   `json:"file,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type JobFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

func JobFromSnapshot(s download.Snapshot) Job {
	j := Job{
		ID:          s.ID,
		URL:         s.URL,
		ContentType: string(s.Spec.Kind),
		Format:      s.Spec.Choice(),
		State:       string(s.State),
		Title:       s.Title,
		Platform:    s.Platform,
		Progress:    s.Percent,
		BytesDone:   s.BytesDone,
		BytesTotal:  s.BytesTotal,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.ErrorCode != "" {
		j.Error = &JobError{Code: s.ErrorCode, Message: s.Error, Details: s.ErrorDetail}
	}
	if s.DeliveryURL != "" {
		j.File = &JobFile{Name: s.FileName, Size: s.FileSize, URL: s.DeliveryURL}
	}
	return j
}

type JobList struct {
	Jobs []Job `json:"jobs"`
}

// EventAccepted acknowledges an inbound chat event. Replies arrive over the
// WebSocket.
type EventAccepted struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

type Quota struct {
	Remaining     int `json:"remaining"`
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
	// RetryAfterSeconds is set once the quota is used up
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

type Platforms struct {
	Platforms     []string `json:"platforms"`
	MaxFileSizeMB int      `json:"max_file_size_mb"`
}
