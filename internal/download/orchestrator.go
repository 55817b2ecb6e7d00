package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/media"
	"github.com/mediafetch/backend/internal/metrics"
	"github.com/mediafetch/backend/internal/resolver"
	"github.com/mediafetch/backend/internal/tagger"
)

const (
	// Default configuration values
	DefaultMaxConcurrentJobs = 3
	DefaultDownloadTimeout   = 300 * time.Second
	DefaultUploadTimeout     = 120 * time.Second
	DefaultMaxFileSizeBytes  = 50 * 1024 * 1024

	// DefaultAbandonGrace is how long a stopped fetch may take to return
	// before the job stops waiting for it.
	DefaultAbandonGrace = 10 * time.Second
)

// Resolver turns a URL into its format list
type Resolver interface {
	Resolve(ctx context.Context, url string) (*media.FormatList, error)
}

// Deliverer hands a finished artifact to the user-facing storage
type Deliverer interface {
	Deliver(ctx context.Context, artifact media.Artifact) (media.Delivery, error)
}

// Cleaner owns the files a job leaves behind. *resource.Tracker satisfies it.
type Cleaner interface {
	Track(jobID, path string)
	Release(ctx context.Context, jobID string) int
	Discard(ctx context.Context, path string) int
}

// History records finished jobs
type History interface {
	Record(ctx context.Context, snap Snapshot) error
}

// Tagger writes metadata into MP3 artifacts. *tagger.Tagger satisfies it.
type Tagger interface {
	Apply(path string, tags tagger.Tags) error
}

// Config holds configuration for the orchestrator
type Config struct {
	TempDir             string
	MaxFileSizeBytes    int64
	DownloadTimeout     time.Duration
	UploadTimeout       time.Duration
	UploadRetry         *apperrors.RetryConfig
	ProgressMinStep     int
	ProgressMinInterval time.Duration
	MaxConcurrentJobs   int
	AbandonGrace        time.Duration
}

// Deps are the collaborators of the orchestrator. Backend, Resolver,
// Deliverer and Cleaner are required; the rest are optional.
type Deps struct {
	Backend   media.Backend
	Resolver  Resolver
	Deliverer Deliverer
	Cleaner   Cleaner
	Store     SnapshotStore
	History   History
	Tagger    Tagger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Orchestrator owns every job from submission to its terminal state
type Orchestrator struct {
	cfg   Config
	deps  Deps
	slots *SlotPool
	subs  *broadcaster
	log   *logger.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.RWMutex
	jobs   map[string]*job
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator. Jobs start as soon as they are submitted.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = DefaultMaxFileSizeBytes
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	if cfg.UploadRetry == nil {
		cfg.UploadRetry = apperrors.UploadRetryConfig(2)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.AbandonGrace <= 0 {
		cfg.AbandonGrace = DefaultAbandonGrace
	}
	if deps.Store == nil {
		deps.Store = NewMemoryStore(DefaultRetainPerUser)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	var onSlots func(active, waiting int)
	if deps.Metrics != nil {
		onSlots = deps.Metrics.SetSlotUsage
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		slots:      NewSlotPool(cfg.MaxConcurrentJobs, onSlots),
		subs:       newBroadcaster(deps.Metrics),
		log:        logger.Default().WithComponent("download"),
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[string]*job),
	}
}

// Slots exposes the slot pool for stats and health reporting
func (o *Orchestrator) Slots() *SlotPool {
	return o.slots
}

// Submit validates the request, registers a queued job and starts it.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if _, err := resolver.ParseURL(req.URL); err != nil {
		return "", err
	}
	if err := req.Spec.Validate(); err != nil {
		return "", apperrors.InvalidInput(err.Error())
	}
	if req.Formats != nil && !req.Formats.Supports(req.Spec) {
		return "", apperrors.InvalidInput("format is not offered for this URL")
	}

	id := uuid.New().String()
	now := o.deps.Now()

	jobCtx, cancel := context.WithCancel(o.baseCtx)
	jobCtx = apperrors.WithRequestID(jobCtx, apperrors.GetRequestID(ctx))
	jobCtx = apperrors.WithUserID(jobCtx, req.UserID)
	jobCtx = apperrors.WithJobID(jobCtx, id)

	var labels map[string]string
	if len(req.Labels) > 0 {
		labels = make(map[string]string, len(req.Labels))
		for k, v := range req.Labels {
			labels[k] = v
		}
	}

	j := &job{
		snap: Snapshot{
			ID:        id,
			UserID:    req.UserID,
			URL:       strings.TrimSpace(req.URL),
			Spec:      req.Spec,
			State:     StateQueued,
			Labels:    labels,
			CreatedAt: now,
			UpdatedAt: now,
		},
		formats: req.Formats,
		ctx:     jobCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if req.Formats != nil {
		j.snap.Title = req.Formats.Title
		j.snap.Platform = req.Formats.Platform
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", apperrors.InternalError("orchestrator is shutting down")
	}
	o.jobs[id] = j
	o.wg.Add(1)
	o.mu.Unlock()

	if o.deps.Metrics != nil {
		o.deps.Metrics.JobAccepted()
	}
	o.log.Info(jobCtx, "job submitted", map[string]interface{}{
		"url":  j.snap.URL,
		"spec": req.Spec.String(),
	})

	o.emit(jobCtx, j.snapshot())
	go o.run(j)
	return id, nil
}

// Progress returns the latest snapshot of a job
func (o *Orchestrator) Progress(ctx context.Context, jobID string) (Snapshot, error) {
	if j := o.live(jobID); j != nil {
		return j.snapshot(), nil
	}
	return o.deps.Store.Get(ctx, jobID)
}

// Wait blocks until the job is terminal or ctx is done
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (Snapshot, error) {
	if j := o.live(jobID); j != nil {
		select {
		case <-j.done:
		case <-ctx.Done():
			return j.snapshot(), ctx.Err()
		}
	}
	return o.deps.Store.Get(ctx, jobID)
}

// Cancel asks a queued, resolving or fetching job to stop. The job ends in
// cancelled even if its fetch succeeds afterwards.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	j := o.live(jobID)
	if j == nil {
		snap, err := o.deps.Store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return apperrors.InvalidState(string(snap.State), "cancel")
	}

	state, ok := j.requestCancel()
	if !ok {
		return apperrors.InvalidState(string(state), "cancel")
	}
	o.log.Info(j.ctx, "job cancel requested", map[string]interface{}{"state": string(state)})
	return nil
}

// ActiveJobs returns the user's jobs that have not finished yet
func (o *Orchestrator) ActiveJobs(userID string) []Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []Snapshot
	for _, j := range o.jobs {
		if snap := j.snapshot(); snap.UserID == userID && !snap.IsTerminal() {
			out = append(out, snap)
		}
	}
	sortNewestFirst(out)
	return out
}

// UserJobs returns the user's live and recent jobs, newest first
func (o *Orchestrator) UserJobs(ctx context.Context, userID string) ([]Snapshot, error) {
	stored, err := o.deps.Store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	live := make(map[string]Snapshot)
	for _, s := range o.ActiveJobs(userID) {
		live[s.ID] = s
	}
	out := make([]Snapshot, 0, len(stored)+len(live))
	for _, s := range stored {
		if l, ok := live[s.ID]; ok {
			s = l
			delete(live, s.ID)
		}
		out = append(out, s)
	}
	for _, s := range live {
		out = append(out, s)
	}
	sortNewestFirst(out)
	return out, nil
}

// Subscribe delivers every emitted snapshot of userID's jobs, or of all
// jobs when userID is empty. Progress snapshots may be skipped for a slow
// subscriber; terminal snapshots are not.
func (o *Orchestrator) Subscribe(userID string) *Subscription {
	return o.subs.subscribe(userID)
}

// LiveJobs returns the number of jobs that have not finished
func (o *Orchestrator) LiveJobs() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.jobs)
}

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first the remaining jobs are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info(ctx, "orchestrator stopped gracefully")
		return nil
	case <-ctx.Done():
		o.log.Warn(ctx, "orchestrator shutdown timed out, cancelling jobs", map[string]interface{}{
			"live_jobs": o.LiveJobs(),
		})
		o.baseCancel()
		return ctx.Err()
	}
}

func (o *Orchestrator) live(jobID string) *job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.jobs[jobID]
}

// emit mirrors a snapshot to the store and to subscribers
func (o *Orchestrator) emit(ctx context.Context, snap Snapshot) {
	if err := o.deps.Store.Save(ctx, snap); err != nil {
		o.log.WarnErr(ctx, "failed to save job snapshot", err, map[string]interface{}{"state": string(snap.State)})
	}
	o.subs.publish(snap)
}

func (o *Orchestrator) transition(j *job, to State) bool {
	snap, ok := j.advance(to, o.deps.Now())
	if !ok {
		return false
	}
	o.log.Debug(j.ctx, "job state changed", map[string]interface{}{"state": string(to)})
	o.emit(j.ctx, snap)
	return true
}

// run is the job goroutine. It is the only writer of the job's snapshot.
func (o *Orchestrator) run(j *job) {
	defer o.wg.Done()
	defer close(j.done)
	defer j.cancel()

	id := j.snapshot().ID
	// Every temp file of the job starts with the job id
	o.deps.Cleaner.Track(id, filepath.Join(o.cfg.TempDir, id))

	err := o.execute(j)
	o.finish(j, err)
}

func (o *Orchestrator) execute(j *job) error {
	ctx := j.ctx

	if !o.transition(j, StateResolving) {
		return apperrors.Cancelled()
	}
	if err := o.resolve(ctx, j); err != nil {
		return err
	}

	// Resolving -> fetching is the admission point
	release, err := o.slots.Acquire(ctx)
	if err != nil {
		return stageError(ctx, ctx, j, err, "queue", apperrors.InternalError)
	}
	defer release()

	now := o.deps.Now()
	j.update(func(s *Snapshot) { s.StartedAt = &now })
	if !o.transition(j, StateFetching) {
		return apperrors.Cancelled()
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, o.cfg.DownloadTimeout)
	defer cancelFetch()

	path, err := o.fetch(ctx, fetchCtx, cancelFetch, j)
	if err != nil {
		return err
	}
	path, err = o.prepare(ctx, fetchCtx, j, path)
	if err != nil {
		return err
	}

	if !o.transition(j, StateUploading) {
		return apperrors.Cancelled()
	}
	return o.upload(ctx, j, path)
}

func (o *Orchestrator) resolve(ctx context.Context, j *job) error {
	snap := j.snapshot()
	if _, err := resolver.ParseURL(snap.URL); err != nil {
		return err
	}

	formats := j.formats
	if formats == nil {
		var err error
		formats, err = o.deps.Resolver.Resolve(ctx, snap.URL)
		if err != nil {
			return stageError(ctx, ctx, j, err, "resolve", apperrors.InternalError)
		}
		j.formats = formats
		j.update(func(s *Snapshot) {
			s.Title = formats.Title
			s.Platform = formats.Platform
		})
	}

	if !formats.Supports(snap.Spec) {
		return apperrors.UnsupportedPlatform(formats.Platform).
			WithDetails(map[string]any{"spec": snap.Spec.String()})
	}
	return nil
}

func (o *Orchestrator) overCap(n int64) bool {
	return n > o.cfg.MaxFileSizeBytes
}

func (o *Orchestrator) limitMB() int {
	return int(o.cfg.MaxFileSizeBytes / (1024 * 1024))
}

type fetchResult struct {
	path string
	err  error
}

// fetch runs the backend in its own goroutine and applies its progress
// reports here, so the snapshot has a single writer.
func (o *Orchestrator) fetch(ctx, fetchCtx context.Context, stop context.CancelFunc, j *job) (string, error) {
	snap := j.snapshot()
	box := newProgressMailbox()
	results := make(chan fetchResult, 1)

	go func() {
		path, err := o.deps.Backend.Fetch(fetchCtx, snap.URL, snap.Spec, o.cfg.TempDir, box.put)
		results <- fetchResult{path: path, err: err}
	}()

	th := newThrottle(o.cfg.ProgressMinStep, o.cfg.ProgressMinInterval)
	th.reset(0, o.deps.Now())

	var sizeErr error
	var grace <-chan time.Time
	stopped := fetchCtx.Done()

	for {
		select {
		case <-box.notify:
			if sizeErr != nil {
				continue
			}
			p := box.take()
			if o.overCap(max(p.BytesDone, p.BytesTotal)) {
				sizeErr = apperrors.SizeExceeded(o.limitMB())
				stop()
				continue
			}
			now := o.deps.Now()
			updated := j.update(func(s *Snapshot) {
				s.BytesDone = p.BytesDone
				s.BytesTotal = p.BytesTotal
				s.RateBps = p.RateBps
				s.Percent = max(s.Percent, p.Percent())
				s.UpdatedAt = now
			})
			if th.allow(updated.Percent, now) {
				o.emit(ctx, updated)
			}

		case <-stopped:
			stopped = nil
			grace = time.After(o.cfg.AbandonGrace)

		case <-grace:
			o.log.Warn(ctx, "backend did not stop in time, abandoning fetch")
			go o.discardLate(ctx, results)
			return "", o.fetchError(ctx, fetchCtx, j, sizeErr, context.Cause(fetchCtx))

		case res := <-results:
			o.deps.Cleaner.Track(snap.ID, res.path)
			if j.cancelled() {
				// A late success after cancel is discarded
				return "", apperrors.Cancelled()
			}
			if sizeErr != nil || res.err != nil {
				return "", o.fetchError(ctx, fetchCtx, j, sizeErr, res.err)
			}
			if res.path == "" {
				return "", apperrors.InternalError("backend returned no artifact")
			}
			return res.path, nil
		}
	}
}

// discardLate waits for an abandoned fetch and removes whatever it leaves
// behind. The job has been released by then.
func (o *Orchestrator) discardLate(ctx context.Context, results <-chan fetchResult) {
	res := <-results
	if n := o.deps.Cleaner.Discard(context.WithoutCancel(ctx), res.path); n > 0 {
		o.log.Info(ctx, "removed artifact of abandoned fetch", map[string]interface{}{"files": n})
	}
}

func (o *Orchestrator) fetchError(ctx, fetchCtx context.Context, j *job, sizeErr, err error) error {
	if sizeErr != nil && !j.cancelled() {
		return sizeErr
	}
	return stageError(ctx, fetchCtx, j, err, "download", apperrors.InternalError)
}

// prepare checks the artifact against the size cap, converts audio into
// the target container and tags MP3s.
func (o *Orchestrator) prepare(ctx, fetchCtx context.Context, j *job, path string) (string, error) {
	snap := j.snapshot()

	if err := o.checkSize(path); err != nil {
		return "", err
	}

	if snap.Spec.Kind == media.ContentAudio &&
		!strings.EqualFold(strings.TrimPrefix(filepath.Ext(path), "."), snap.Spec.Extension()) {
		out, err := o.deps.Backend.Transcode(fetchCtx, path, snap.Spec)
		o.deps.Cleaner.Track(snap.ID, out)
		if err != nil {
			return "", stageError(ctx, fetchCtx, j, err, "conversion", apperrors.TranscodeError)
		}
		if j.cancelled() {
			return "", apperrors.Cancelled()
		}
		path = out
		if err := o.checkSize(path); err != nil {
			return "", err
		}
	}

	if snap.Spec.Audio == media.AudioMP3 && o.deps.Tagger != nil {
		var uploader string
		if j.formats != nil {
			uploader = j.formats.Uploader
		}
		if err := o.deps.Tagger.Apply(path, tagger.FromTitle(snap.Title, uploader, snap.URL)); err != nil {
			o.log.WarnErr(ctx, "failed to tag artifact", err)
		}
	}
	return path, nil
}

func (o *Orchestrator) checkSize(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperrors.InternalError("artifact missing").WithCause(err)
	}
	if o.overCap(info.Size()) {
		return apperrors.SizeExceeded(o.limitMB()).
			WithDetails(map[string]any{"limit_mb": o.limitMB(), "size_bytes": info.Size()})
	}
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, j *job, path string) error {
	snap := j.snapshot()
	info, err := os.Stat(path)
	if err != nil {
		return apperrors.InternalError("artifact missing").WithCause(err)
	}

	artifact := media.Artifact{
		JobID:       snap.ID,
		UserID:      snap.UserID,
		Path:        path,
		FileName:    resolver.FileName(snap.Title, snap.Spec.Extension()),
		ContentType: snap.Spec.MIMEType(),
		Size:        info.Size(),
	}

	uploadCtx, cancel := context.WithTimeout(ctx, o.cfg.UploadTimeout)
	defer cancel()

	delivery, err := apperrors.RetryWithResult(uploadCtx, o.cfg.UploadRetry, func(ctx context.Context) (media.Delivery, error) {
		d, err := o.deps.Deliverer.Deliver(ctx, artifact)
		if err != nil {
			if _, ok := apperrors.AsAppError(err); !ok && ctx.Err() == nil {
				err = apperrors.DeliveryError("upload failed").WithCause(err)
			}
		}
		return d, err
	})
	if err != nil {
		return stageError(ctx, uploadCtx, j, err, "upload", apperrors.DeliveryError)
	}

	j.update(func(s *Snapshot) {
		s.FileName = artifact.FileName
		s.FileSize = artifact.Size
		s.DeliveryURL = delivery.URL
		s.Percent = 100
	})
	return nil
}

// stageError maps a stage failure onto the job outcome. Cancellation wins,
// then the stage deadline, then the error's own kind.
func stageError(ctx, stageCtx context.Context, j *job, err error, stage string, wrap func(string) *apperrors.AppError) error {
	switch {
	case j.cancelled() || ctx.Err() != nil:
		return apperrors.Cancelled().WithCause(err)
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		return apperrors.TimeoutExceeded(stage).WithCause(err)
	}
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	return wrap(stage + " failed").WithCause(err)
}

// finish releases the job's files, publishes the terminal snapshot and
// records the outcome. It runs once per job.
func (o *Orchestrator) finish(j *job, err error) {
	ctx := context.WithoutCancel(j.ctx)
	id := j.snapshot().ID

	removed := o.deps.Cleaner.Release(ctx, id)

	state := StateSucceeded
	var appErr *apperrors.AppError
	switch {
	case err == nil:
	case j.cancelled() || apperrors.HasCode(err, apperrors.CodeCancelled):
		state = StateCancelled
	default:
		state = StateFailed
		var ok bool
		if appErr, ok = apperrors.AsAppError(err); !ok {
			appErr = apperrors.InternalError("unexpected error").WithCause(err)
		}
	}

	now := o.deps.Now()
	snap := j.update(func(s *Snapshot) {
		s.State = state
		s.UpdatedAt = now
		s.CompletedAt = &now
		if appErr != nil {
			s.ErrorCode = appErr.Code
			s.Error = appErr.Message
			s.ErrorDetail = appErr.Details
		}
	})

	o.emit(ctx, snap)

	o.mu.Lock()
	delete(o.jobs, id)
	o.mu.Unlock()

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordJobOutcome(string(state), now.Sub(snap.CreatedAt))
	}
	if o.deps.History != nil {
		if err := o.deps.History.Record(ctx, snap); err != nil {
			o.log.WarnErr(ctx, "failed to record job history", err)
		}
	}

	fields := map[string]interface{}{
		"state":         string(state),
		"files_removed": removed,
		"duration_ms":   now.Sub(snap.CreatedAt).Milliseconds(),
	}
	switch state {
	case StateFailed:
		if apperrors.IsServerError(appErr) {
			o.log.Error(ctx, "job failed", err, fields)
		} else {
			fields["code"] = appErr.Code
			o.log.Warn(ctx, "job failed", fields)
		}
	default:
		o.log.Info(ctx, "job finished", fields)
	}
}
