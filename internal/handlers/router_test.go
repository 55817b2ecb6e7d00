package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mediafetch/backend/internal/auth"
	"github.com/mediafetch/backend/internal/bot"
	"github.com/mediafetch/backend/internal/download"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/media"
	"github.com/mediafetch/backend/internal/metrics"
	"github.com/mediafetch/backend/internal/models"
	"github.com/mediafetch/backend/internal/ratelimit"
)

type fakeEvents struct {
	mu     sync.Mutex
	userID string
	event  bot.Event
	err    error
}

func (f *fakeEvents) Handle(_ context.Context, userID string, ev bot.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userID, f.event = userID, ev
	return f.err
}

type fakeJobs struct {
	snaps     map[string]download.Snapshot
	cancelled []string
}

func (f *fakeJobs) Progress(_ context.Context, jobID string) (download.Snapshot, error) {
	s, ok := f.snaps[jobID]
	if !ok {
		return download.Snapshot{}, apperrors.JobNotFound()
	}
	return s, nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID string) error {
	s := f.snaps[jobID]
	if !s.State.Cancellable() {
		return apperrors.InvalidState(string(s.State), "cancel")
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeJobs) UserJobs(_ context.Context, userID string) ([]download.Snapshot, error) {
	var out []download.Snapshot
	for _, s := range f.snaps {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeArchive map[string]download.Snapshot

func (f fakeArchive) Get(_ context.Context, jobID string) (download.Snapshot, error) {
	if s, ok := f[jobID]; ok {
		return s, nil
	}
	return download.Snapshot{}, apperrors.JobNotFound()
}

type testEnv struct {
	router  *Router
	auth    *auth.Service
	events  *fakeEvents
	jobs    *fakeJobs
	limiter *ratelimit.MemoryLimiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		auth:   auth.NewService("router-secret"),
		events: &fakeEvents{},
		jobs: &fakeJobs{snaps: map[string]download.Snapshot{
			"live": {ID: "live", UserID: "alice", State: download.StateFetching, Percent: 40, Spec: media.AudioSpec(media.AudioMP3)},
			"busy": {ID: "busy", UserID: "alice", State: download.StateUploading, Spec: media.AudioSpec(media.AudioMP3)},
			"bobs": {ID: "bobs", UserID: "bob", State: download.StateQueued},
		}},
		limiter: ratelimit.NewMemoryLimiter(5, time.Hour),
	}
	env.router = NewRouter(RouterConfig{
		Auth:          env.auth,
		Events:        env.events,
		Jobs:          env.jobs,
		Archive:       fakeArchive{"old": {ID: "old", UserID: "alice", State: download.StateSucceeded, DeliveryURL: "https://f/x"}},
		Limiter:       env.limiter,
		Platforms:     []string{"youtube", "soundcloud"},
		MaxFileSizeMB: 50,
		Metrics:       metrics.New(),
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		token, err := env.auth.IssueToken(user, time.Hour)
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp apperrors.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

func TestRouter_Health(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get(apperrors.RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestRouter_Platforms(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/platforms", "", "")

	var got models.Platforms
	json.NewDecoder(rec.Body).Decode(&got)
	if rec.Code != http.StatusOK || len(got.Platforms) != 2 || got.MaxFileSizeMB != 50 {
		t.Errorf("status %d, body %+v", rec.Code, got)
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/v1/jobs", "/api/v1/jobs/live", "/api/v1/quota"} {
		rec := env.do(t, http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, rec.Code)
		}
	}
}

func TestEvents_Post(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/events", "alice", `{"type":"text","text":"https://youtu.be/abc"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	cmd, ok := env.events.event.(bot.Command)
	if env.events.userID != "alice" || !ok || cmd.Name != bot.CmdDownload {
		t.Errorf("handled %q %+v", env.events.userID, env.events.event)
	}
}

func TestEvents_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		handlerErr error
		wantStatus int
		wantCode   string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, apperrors.CodeInvalidRequest},
		{"unknown type", `{"type":"photo"}`, nil, http.StatusBadRequest, apperrors.CodeInvalidInput},
		{"empty callback", `{"type":"callback"}`, nil, http.StatusBadRequest, apperrors.CodeMalformedCallback},
		{"too large", `{"type":"text","text":"` + strings.Repeat("a", maxEventBytes) + `"}`, nil, http.StatusBadRequest, apperrors.CodeInvalidRequest},
		{"rate limited", `{"type":"command","name":"download","args":["https://youtu.be/x"]}`, apperrors.RateLimited(3600), http.StatusTooManyRequests, apperrors.CodeRateLimited},
		{"stale session", `{"type":"callback","data":"fmt:audio:mp3:tok"}`, apperrors.MalformedCallback("x"), http.StatusBadRequest, apperrors.CodeMalformedCallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.events.err = tt.handlerErr

			rec := env.do(t, http.MethodPost, "/api/v1/events", "alice", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
			if tt.wantCode == apperrors.CodeRateLimited && rec.Header().Get("Retry-After") != "3600" {
				t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestJobs_ListOnlyOwn(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/jobs", "alice", "")

	var got models.JobList
	json.NewDecoder(rec.Body).Decode(&got)
	if len(got.Jobs) != 2 {
		t.Fatalf("jobs = %+v", got.Jobs)
	}
	for _, j := range got.Jobs {
		if j.ID == "bobs" {
			t.Error("listed another user's job")
		}
	}
}

func TestJobs_Get(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"live job", "live", http.StatusOK},
		{"archived job", "old", http.StatusOK},
		{"other user's job", "bobs", http.StatusNotFound},
		{"unknown job", "nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+tt.id, "alice", "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/old", "alice", "")
	var job models.Job
	json.NewDecoder(rec.Body).Decode(&job)
	if job.File == nil || job.File.URL != "https://f/x" {
		t.Errorf("archived job = %+v", job)
	}
}

func TestJobs_Cancel(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodDelete, "/api/v1/jobs/live", "alice", "")
	if rec.Code != http.StatusAccepted {
		t.Errorf("cancel live: status = %d", rec.Code)
	}
	if len(env.jobs.cancelled) != 1 || env.jobs.cancelled[0] != "live" {
		t.Errorf("cancelled = %v", env.jobs.cancelled)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/busy", "alice", "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != apperrors.CodeInvalidState {
		t.Errorf("cancel uploading: status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/bobs", "alice", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel other user's job: status = %d", rec.Code)
	}
	if len(env.jobs.cancelled) != 1 {
		t.Errorf("foreign job was cancelled: %v", env.jobs.cancelled)
	}
}

func TestJobs_Quota(t *testing.T) {
	env := newTestEnv(t)
	env.limiter.Admit(context.Background(), "alice", time.Now())

	rec := env.do(t, http.MethodGet, "/api/v1/quota", "alice", "")
	var q models.Quota
	json.NewDecoder(rec.Body).Decode(&q)
	if q.Remaining != 4 || q.Limit != 5 || q.WindowSeconds != 3600 || q.RetryAfterSeconds != 0 {
		t.Errorf("quota = %+v", q)
	}
}

func TestJobs_QuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	start := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 5; i++ {
		env.limiter.Admit(context.Background(), "alice", start)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/quota", "alice", "")
	var q models.Quota
	json.NewDecoder(rec.Body).Decode(&q)
	if q.Remaining != 0 {
		t.Errorf("remaining = %d", q.Remaining)
	}
	// roughly 50 minutes left in the window
	if q.RetryAfterSeconds < 49*60 || q.RetryAfterSeconds > 50*60 {
		t.Errorf("retry_after_seconds = %d", q.RetryAfterSeconds)
	}
}

func TestRouter_Mounts(t *testing.T) {
	files := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file:" + r.URL.Path))
	})
	r := NewRouter(RouterConfig{
		Auth:      auth.NewService("s"),
		Events:    &fakeEvents{},
		Jobs:      &fakeJobs{},
		Limiter:   ratelimit.NewMemoryLimiter(1, time.Hour),
		Files:     files,
		FilesPath: "/files/",
		Metrics:   metrics.New(),
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/u/j/a.mp3", nil))
	if rec.Body.String() != "file:/files/u/j/a.mp3" {
		t.Errorf("files mount body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
