package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/media"
	"github.com/mediafetch/backend/internal/resource"
)

const testURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

type fakeBackend struct {
	fetch     func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error)
	transcode func(ctx context.Context, src string, spec media.FormatSpec) (string, error)
}

func (f *fakeBackend) Probe(ctx context.Context, url string) (*media.ProbeResult, error) {
	return &media.ProbeResult{HasVideo: true, HasAudio: true}, nil
}

func (f *fakeBackend) Fetch(ctx context.Context, url string, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
	return f.fetch(ctx, spec, dir, onProgress)
}

func (f *fakeBackend) Transcode(ctx context.Context, src string, spec media.FormatSpec) (string, error) {
	if f.transcode == nil {
		out := filepath.Join(filepath.Dir(src), apperrors.GetJobID(ctx)+"."+spec.Extension())
		return out, os.WriteFile(out, []byte("converted"), 0644)
	}
	return f.transcode(ctx, src, spec)
}

type fakeResolver struct {
	calls atomic.Int32
	err   error
}

func (r *fakeResolver) Resolve(ctx context.Context, url string) (*media.FormatList, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return testFormats(), nil
}

func testFormats() *media.FormatList {
	return &media.FormatList{
		URL:      testURL,
		Platform: "youtube",
		Title:    "Daft Punk - One More Time",
		HasVideo: true,
		HasAudio: true,
		Video:    []media.FormatSpec{media.VideoSpec(media.Quality720p), media.VideoSpec(media.Quality1080p), media.VideoSpec(media.QualityBest)},
		Audio:    []media.FormatSpec{media.AudioSpec(media.AudioMP3), media.AudioSpec(media.AudioM4A), media.AudioSpec(media.AudioOGG)},
	}
}

type fakeDeliverer struct {
	mu        sync.Mutex
	artifacts []media.Artifact
	failures  int
}

func (d *fakeDeliverer) Deliver(ctx context.Context, a media.Artifact) (media.Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.artifacts = append(d.artifacts, a)
	if d.failures > 0 {
		d.failures--
		return media.Delivery{}, apperrors.DeliveryError("connection reset")
	}
	return media.Delivery{URL: "https://cdn.example.com/" + a.FileName, Key: a.JobID}, nil
}

func (d *fakeDeliverer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.artifacts)
}

// countingCleaner counts Release calls per job on top of a real tracker
type countingCleaner struct {
	*resource.Tracker
	mu       sync.Mutex
	releases map[string]int
}

func newCountingCleaner() *countingCleaner {
	return &countingCleaner{Tracker: resource.NewTracker(), releases: make(map[string]int)}
}

func (c *countingCleaner) Release(ctx context.Context, jobID string) int {
	c.mu.Lock()
	c.releases[jobID]++
	c.mu.Unlock()
	return c.Tracker.Release(ctx, jobID)
}

func (c *countingCleaner) count(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases[jobID]
}

type harness struct {
	orch      *Orchestrator
	cleaner   *countingCleaner
	resolver  *fakeResolver
	deliverer *fakeDeliverer
	dir       string
}

func newHarness(t *testing.T, backend *fakeBackend, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		cleaner:   newCountingCleaner(),
		resolver:  &fakeResolver{},
		deliverer: &fakeDeliverer{},
		dir:       t.TempDir(),
	}
	cfg := Config{
		TempDir:          h.dir,
		MaxFileSizeBytes: 50 * 1024 * 1024,
		DownloadTimeout:  5 * time.Second,
		UploadTimeout:    5 * time.Second,
		UploadRetry: &apperrors.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			BackoffFactor:  2,
		},
		MaxConcurrentJobs: 3,
		AbandonGrace:      time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.orch = New(cfg, Deps{
		Backend:   backend,
		Resolver:  h.resolver,
		Deliverer: h.deliverer,
		Cleaner:   h.cleaner,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, spec media.FormatSpec) string {
	t.Helper()
	id, err := h.orch.Submit(context.Background(), SubmitRequest{UserID: "user-1", URL: testURL, Spec: spec})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func (h *harness) wait(t *testing.T, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := h.orch.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return snap
}

// assertCleanedUp checks the slot and file invariants every terminal job
// must satisfy.
func (h *harness) assertCleanedUp(t *testing.T, id string) {
	t.Helper()
	if n := h.cleaner.count(id); n != 1 {
		t.Errorf("cleanup called %d times, want 1", n)
	}
	matches, _ := filepath.Glob(filepath.Join(h.dir, id+"*"))
	if len(matches) != 0 {
		t.Errorf("files left behind: %v", matches)
	}
	stats := h.orch.Slots().Stats()
	if stats.Active != 0 || stats.Acquired != stats.Released {
		t.Errorf("slot stats = %+v", stats)
	}
}

// writeArtifact creates a sparse file of the given size named after the job
func writeArtifact(ctx context.Context, dir, ext string, size int64) (string, error) {
	path := filepath.Join(dir, apperrors.GetJobID(ctx)+"."+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return path, f.Truncate(size)
}

func TestOrchestrator_AudioJobSucceeds(t *testing.T) {
	const total = 10 * 1024 * 1024
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			for done := int64(0); done <= total; done += total / 10 {
				onProgress(media.Progress{BytesDone: done, BytesTotal: total, RateBps: 1 << 20})
			}
			return writeArtifact(ctx, dir, "webm", total)
		},
	}
	h := newHarness(t, backend, nil)

	id := h.submit(t, media.AudioSpec(media.AudioMP3))
	snap := h.wait(t, id)

	if snap.State != StateSucceeded {
		t.Fatalf("state = %s (%s: %s)", snap.State, snap.ErrorCode, snap.Error)
	}
	if snap.Title != "Daft Punk - One More Time" || snap.Platform != "youtube" {
		t.Errorf("title/platform = %q/%q", snap.Title, snap.Platform)
	}
	if h.deliverer.calls() != 1 {
		t.Fatalf("deliveries = %d, want 1", h.deliverer.calls())
	}
	art := h.deliverer.artifacts[0]
	if art.FileName != "Daft_Punk_-_One_More_Time.mp3" || art.ContentType != "audio/mpeg" {
		t.Errorf("artifact = %+v", art)
	}
	if filepath.Ext(art.Path) != ".mp3" {
		t.Errorf("delivered %s, want transcoded mp3", art.Path)
	}
	if snap.DeliveryURL == "" || snap.Percent != 100 {
		t.Errorf("snapshot = %+v", snap)
	}
	h.assertCleanedUp(t, id)
}

func TestOrchestrator_SkipsResolveWithSessionFormats(t *testing.T) {
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			return writeArtifact(ctx, dir, "mp4", 1024)
		},
	}
	h := newHarness(t, backend, nil)

	id, err := h.orch.Submit(context.Background(), SubmitRequest{
		UserID:  "user-1",
		URL:     testURL,
		Spec:    media.VideoSpec(media.Quality1080p),
		Formats: testFormats(),
		Labels:  map[string]string{"message_id": "42"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := h.wait(t, id)

	if snap.State != StateSucceeded {
		t.Fatalf("state = %s (%s)", snap.State, snap.ErrorCode)
	}
	if h.resolver.calls.Load() != 0 {
		t.Error("resolver should not be called when formats are supplied")
	}
	if snap.Labels["message_id"] != "42" {
		t.Errorf("labels = %v", snap.Labels)
	}
}

func TestOrchestrator_DownloadTimeout(t *testing.T) {
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			if _, err := writeArtifact(ctx, dir, "mp4.part", 4096); err != nil {
				return "", err
			}
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	h := newHarness(t, backend, func(c *Config) { c.DownloadTimeout = 50 * time.Millisecond })

	id := h.submit(t, media.VideoSpec(media.Quality720p))
	snap := h.wait(t, id)

	if snap.State != StateFailed || snap.ErrorCode != apperrors.CodeTimeoutExceeded {
		t.Fatalf("state = %s code = %s", snap.State, snap.ErrorCode)
	}
	if h.deliverer.calls() != 0 {
		t.Error("nothing should be delivered")
	}
	h.assertCleanedUp(t, id)
}

func TestOrchestrator_SizeCapDuringFetch(t *testing.T) {
	stopped := make(chan struct{})
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			writeArtifact(ctx, dir, "mp4.part", 1024)
			onProgress(media.Progress{BytesDone: 1024, BytesTotal: 60 * 1024 * 1024})
			<-ctx.Done()
			close(stopped)
			return "", ctx.Err()
		},
	}
	h := newHarness(t, backend, nil)

	id := h.submit(t, media.VideoSpec(media.QualityBest))
	snap := h.wait(t, id)

	if snap.ErrorCode != apperrors.CodeSizeExceeded {
		t.Fatalf("state = %s code = %s", snap.State, snap.ErrorCode)
	}
	select {
	case <-stopped:
	default:
		t.Error("fetch should have been stopped")
	}
	h.assertCleanedUp(t, id)
}

func TestOrchestrator_SizeCapOnFinalArtifact(t *testing.T) {
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			return writeArtifact(ctx, dir, "mp4", 2*1024*1024)
		},
	}
	h := newHarness(t, backend, func(c *Config) { c.MaxFileSizeBytes = 1024 * 1024 })

	id := h.submit(t, media.VideoSpec(media.Quality720p))
	snap := h.wait(t, id)

	if snap.ErrorCode != apperrors.CodeSizeExceeded {
		t.Fatalf("state = %s code = %s", snap.State, snap.ErrorCode)
	}
	if snap.ErrorDetail["limit_mb"] != 1 {
		t.Errorf("details = %v", snap.ErrorDetail)
	}
	h.assertCleanedUp(t, id)
}

func TestOrchestrator_CancelDuringFetchDiscardsLateSuccess(t *testing.T) {
	started := make(chan struct{})
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			writeArtifact(ctx, dir, "mp4.part", 1024)
			onProgress(media.Progress{BytesDone: 1024, BytesTotal: 10 * 1024})
			close(started)
			<-ctx.Done()
			// Report success anyway
			return writeArtifact(ctx, dir, "mp4", 10*1024)
		},
	}
	h := newHarness(t, backend, nil)

	id := h.submit(t, media.VideoSpec(media.Quality720p))
	<-started
	if err := h.orch.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap := h.wait(t, id)

	if snap.State != StateCancelled {
		t.Fatalf("state = %s", snap.State)
	}
	if h.deliverer.calls() != 0 {
		t.Error("a cancelled job must not upload")
	}
	h.assertCleanedUp(t, id)

	err := h.orch.Cancel(context.Background(), id)
	if !apperrors.HasCode(err, apperrors.CodeInvalidState) {
		t.Errorf("second cancel err = %v", err)
	}
}

func TestOrchestrator_AbandonedFetchArtifactIsRemoved(t *testing.T) {
	started := make(chan struct{})
	late := make(chan struct{})
	wrote := make(chan string, 1)
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			close(started)
			// ignores cancellation entirely
			<-late
			path, err := writeArtifact(ctx, dir, "mp4", 2048)
			wrote <- path
			return path, err
		},
	}
	h := newHarness(t, backend, func(c *Config) { c.AbandonGrace = 20 * time.Millisecond })

	id := h.submit(t, media.VideoSpec(media.Quality720p))
	<-started
	if err := h.orch.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if snap := h.wait(t, id); snap.State != StateCancelled {
		t.Fatalf("state = %s", snap.State)
	}
	h.assertCleanedUp(t, id)

	close(late)
	path := <-wrote
	waitFor(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})
	if n := h.cleaner.count(id); n != 1 {
		t.Errorf("cleanup called %d times, want 1", n)
	}
}

func TestOrchestrator_CancelUnknownJob(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)
	err := h.orch.Cancel(context.Background(), "missing")
	if !apperrors.HasCode(err, apperrors.CodeJobNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestOrchestrator_CancelWhileWaitingForSlot(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return writeArtifact(ctx, dir, "mp4", 1024)
		},
	}
	h := newHarness(t, backend, func(c *Config) { c.MaxConcurrentJobs = 1 })

	first := h.submit(t, media.VideoSpec(media.Quality720p))
	waitFor(t, func() bool { return h.orch.Slots().Stats().Active == 1 })

	second := h.submit(t, media.VideoSpec(media.Quality720p))
	waitFor(t, func() bool { return h.orch.Slots().Stats().Waiting == 1 })

	if err := h.orch.Cancel(context.Background(), second); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if snap := h.wait(t, second); snap.State != StateCancelled {
		t.Errorf("second state = %s", snap.State)
	}
	if got := h.orch.Slots().Stats().Acquired; got != 1 {
		t.Errorf("acquired = %d, cancelled waiter must not take a slot", got)
	}

	close(release)
	if snap := h.wait(t, first); snap.State != StateSucceeded {
		t.Errorf("first state = %s", snap.State)
	}
	h.assertCleanedUp(t, second)
}

func TestOrchestrator_ConcurrencyNeverExceedsCap(t *testing.T) {
	var running, peak atomic.Int32
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return writeArtifact(ctx, dir, "mp4", 1024)
		},
	}
	h := newHarness(t, backend, func(c *Config) { c.MaxConcurrentJobs = 2 })

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, h.submit(t, media.VideoSpec(media.Quality720p)))
	}
	for _, id := range ids {
		if snap := h.wait(t, id); snap.State != StateSucceeded {
			t.Errorf("job %s state = %s", id, snap.State)
		}
	}
	for _, id := range ids {
		h.assertCleanedUp(t, id)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent fetches = %d, want <= 2", p)
	}
	if stats := h.orch.Slots().Stats(); stats.Acquired != 8 || stats.Released != 8 {
		t.Errorf("slot stats = %+v", stats)
	}
}

func TestOrchestrator_ResolveFailure(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)
	h.resolver.err = apperrors.ContentUnavailable("video is private")

	id := h.submit(t, media.VideoSpec(media.Quality720p))
	snap := h.wait(t, id)

	if snap.State != StateFailed || snap.ErrorCode != apperrors.CodeContentUnavailable {
		t.Fatalf("state = %s code = %s", snap.State, snap.ErrorCode)
	}
	if got := h.orch.Slots().Stats().Acquired; got != 0 {
		t.Errorf("resolving must not take a slot, acquired = %d", got)
	}
	h.assertCleanedUp(t, id)
}

func TestOrchestrator_UnofferedFormatFails(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)

	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		UserID:  "user-1",
		URL:     testURL,
		Spec:    media.VideoSpec(media.Quality720p),
		Formats: &media.FormatList{Audio: []media.FormatSpec{media.AudioSpec(media.AudioMP3)}},
	})
	if !apperrors.HasCode(err, apperrors.CodeInvalidInput) {
		t.Errorf("err = %v", err)
	}

	_, err = h.orch.Submit(context.Background(), SubmitRequest{UserID: "user-1", URL: "nope", Spec: media.VideoSpec(media.Quality720p)})
	if !apperrors.HasCode(err, apperrors.CodeMalformedURL) {
		t.Errorf("err = %v", err)
	}
}

func TestOrchestrator_UploadRetries(t *testing.T) {
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			return writeArtifact(ctx, dir, "mp4", 1024)
		},
	}

	t.Run("recovers", func(t *testing.T) {
		h := newHarness(t, backend, nil)
		h.deliverer.failures = 2

		snap := h.wait(t, h.submit(t, media.VideoSpec(media.Quality720p)))
		if snap.State != StateSucceeded {
			t.Fatalf("state = %s code = %s", snap.State, snap.ErrorCode)
		}
		if h.deliverer.calls() != 3 {
			t.Errorf("deliveries = %d, want 3", h.deliverer.calls())
		}
	})

	t.Run("gives up", func(t *testing.T) {
		h := newHarness(t, backend, nil)
		h.deliverer.failures = 10

		id := h.submit(t, media.VideoSpec(media.Quality720p))
		snap := h.wait(t, id)
		if snap.ErrorCode != apperrors.CodeDeliveryError {
			t.Fatalf("state = %s code = %s", snap.State, snap.ErrorCode)
		}
		if h.deliverer.calls() != 3 {
			t.Errorf("deliveries = %d, want 3", h.deliverer.calls())
		}
		h.assertCleanedUp(t, id)
	})
}

func TestOrchestrator_TranscodeFailure(t *testing.T) {
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			return writeArtifact(ctx, dir, "webm", 1024)
		},
		transcode: func(ctx context.Context, src string, spec media.FormatSpec) (string, error) {
			out := filepath.Join(filepath.Dir(src), apperrors.GetJobID(ctx)+".ogg")
			os.WriteFile(out, []byte("half"), 0644)
			return out, errors.New("ffmpeg exited with status 1")
		},
	}
	h := newHarness(t, backend, nil)

	id := h.submit(t, media.AudioSpec(media.AudioOGG))
	snap := h.wait(t, id)

	if snap.ErrorCode != apperrors.CodeTranscodeError {
		t.Fatalf("state = %s code = %s", snap.State, snap.ErrorCode)
	}
	h.assertCleanedUp(t, id)
}

func TestOrchestrator_ProgressIsThrottled(t *testing.T) {
	const total = 1000
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			for done := int64(0); done <= total; done += 10 {
				onProgress(media.Progress{BytesDone: done, BytesTotal: total})
				time.Sleep(100 * time.Microsecond)
			}
			return writeArtifact(ctx, dir, "mp4", total)
		},
	}
	h := newHarness(t, backend, nil)
	sub := h.orch.Subscribe("user-1")
	defer sub.Close()

	id := h.submit(t, media.VideoSpec(media.Quality720p))

	var progress []int
	terminal := 0
	for snap := range sub.C() {
		if snap.ID != id {
			continue
		}
		if snap.State == StateFetching && snap.BytesDone > 0 {
			progress = append(progress, snap.Percent)
		}
		if snap.IsTerminal() {
			terminal++
			break
		}
	}

	if terminal != 1 {
		t.Errorf("terminal snapshots = %d", terminal)
	}
	if len(progress) > 20 {
		t.Errorf("emitted %d progress updates for 100 ticks", len(progress))
	}
	prev := 0
	for _, p := range progress {
		if p-prev < 5 {
			t.Errorf("progress step %d -> %d is below the threshold", prev, p)
		}
		prev = p
	}
}

func TestOrchestrator_UserJobsAndShutdown(t *testing.T) {
	backend := &fakeBackend{
		fetch: func(ctx context.Context, spec media.FormatSpec, dir string, onProgress media.ProgressFunc) (string, error) {
			return writeArtifact(ctx, dir, "mp4", 1024)
		},
	}
	h := newHarness(t, backend, nil)

	first := h.submit(t, media.VideoSpec(media.Quality720p))
	h.wait(t, first)
	second := h.submit(t, media.VideoSpec(media.Quality1080p))
	h.wait(t, second)

	jobs, err := h.orch.UserJobs(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("UserJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if len(h.orch.ActiveJobs("user-1")) != 0 {
		t.Error("no job should be active")
	}

	if err := h.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := h.orch.Submit(context.Background(), SubmitRequest{UserID: "u", URL: testURL, Spec: media.VideoSpec(media.Quality720p)}); err == nil {
		t.Error("submit after shutdown should fail")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
