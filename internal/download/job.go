// Package download runs submitted jobs through resolving, fetching and
// uploading under a global concurrency cap.
package download

import (
	"context"
	"sync"
	"time"

	"github.com/mediafetch/backend/internal/media"
)

// State is a job lifecycle state
type State string

const (
	StateQueued    State = "queued"
	StateResolving State = "resolving"
	StateFetching  State = "fetching"
	StateUploading State = "uploading"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal returns true if no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Cancellable returns true if an explicit cancel is still honoured
func (s State) Cancellable() bool {
	return s == StateQueued || s == StateResolving || s == StateFetching
}

// SubmitRequest is a finalized selection. Formats may carry the list the
// session already resolved so the job skips a second probe. Labels are
// copied onto every snapshot of the job.
type SubmitRequest struct {
	UserID  string
	URL     string
	Spec    media.FormatSpec
	Formats *media.FormatList
	Labels  map[string]string
}

// Snapshot is a point-in-time copy of a job
type Snapshot struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	URL         string            `json:"url"`
	Spec        media.FormatSpec  `json:"spec"`
	State       State             `json:"state"`
	Title       string            `json:"title,omitempty"`
	Platform    string            `json:"platform,omitempty"`
	Percent     int               `json:"percent"`
	BytesDone   int64             `json:"bytes_done"`
	BytesTotal  int64             `json:"bytes_total"`
	RateBps     float64           `json:"rate_bps,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorDetail map[string]any    `json:"error_details,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	FileSize    int64             `json:"file_size,omitempty"`
	DeliveryURL string            `json:"delivery_url,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (s Snapshot) IsTerminal() bool {
	return s.State.IsTerminal()
}

// job is the orchestrator's live record. Only the job goroutine writes
// snap; readers take a copy under mu.
type job struct {
	mu              sync.Mutex
	snap            Snapshot
	formats         *media.FormatList
	cancelRequested bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap
}

func (j *job) update(fn func(s *Snapshot)) Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.snap)
	return j.snap
}

// advance moves to a non-terminal state unless a cancel is pending. The
// check and the move share one critical section so a cancel can never slip
// between them.
func (j *job) advance(to State, now time.Time) (Snapshot, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelRequested {
		return j.snap, false
	}
	j.snap.State = to
	j.snap.UpdatedAt = now
	return j.snap, true
}

// requestCancel flags the job and cancels its context. It fails once the
// job has moved past fetching.
func (j *job) requestCancel() (State, bool) {
	j.mu.Lock()
	state := j.snap.State
	if !state.Cancellable() {
		j.mu.Unlock()
		return state, false
	}
	j.cancelRequested = true
	j.mu.Unlock()

	j.cancel()
	return state, true
}

func (j *job) cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

// progressMailbox hands the latest backend progress to the job goroutine.
// Reports that arrive faster than the job reads them are coalesced.
type progressMailbox struct {
	mu     sync.Mutex
	latest media.Progress
	notify chan struct{}
}

func newProgressMailbox() *progressMailbox {
	return &progressMailbox{notify: make(chan struct{}, 1)}
}

func (m *progressMailbox) put(p media.Progress) {
	m.mu.Lock()
	m.latest = p
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *progressMailbox) take() media.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}
