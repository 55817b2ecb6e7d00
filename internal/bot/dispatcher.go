package bot

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mediafetch/backend/internal/download"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/media"
	"github.com/mediafetch/backend/internal/metrics"
	"github.com/mediafetch/backend/internal/ratelimit"
	"github.com/mediafetch/backend/internal/resolver"
	"github.com/mediafetch/backend/internal/session"
)

// Transport delivers messages to a user. Message ids are chosen by the
// transport and stay valid for Edit.
type Transport interface {
	Send(ctx context.Context, userID string, msg Message) (string, error)
	Edit(ctx context.Context, userID, messageID string, msg Message) error
	SendFile(ctx context.Context, userID string, f File) error
}

type Resolver interface {
	Resolve(ctx context.Context, url string) (*media.FormatList, error)
}

// Jobs is the part of the orchestrator the dispatcher drives
type Jobs interface {
	Submit(ctx context.Context, req download.SubmitRequest) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Progress(ctx context.Context, jobID string) (download.Snapshot, error)
	ActiveJobs(userID string) []download.Snapshot
	UserJobs(ctx context.Context, userID string) ([]download.Snapshot, error)
}

// History lists finished jobs from durable storage
type History interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]download.Snapshot, error)
}

// LabelMessageID is the job label holding the id of the message that shows
// the job's progress.
const LabelMessageID = "message_id"

type Config struct {
	Limits Limits
	// EditInterval and EditBurst bound progress edits per user, on top of
	// the orchestrator's per-job throttle.
	EditInterval time.Duration
	EditBurst    int
	RecentJobs   int
}

type Deps struct {
	Limiter   ratelimit.Limiter
	Sessions  *session.Store
	Resolver  Resolver
	Jobs      Jobs
	Transport Transport
	// History is optional
	History History
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Dispatcher struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	mu      sync.Mutex
	editors map[string]*rate.Limiter
}

func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = time.Second
	}
	if cfg.EditBurst <= 0 {
		cfg.EditBurst = 3
	}
	if cfg.RecentJobs <= 0 {
		cfg.RecentJobs = 5
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		log:     logger.Default().WithComponent("bot"),
		editors: make(map[string]*rate.Limiter),
	}
}

// Handle processes one inbound event for userID. The user is always told
// the outcome; the returned error is for the caller's status reporting.
func (d *Dispatcher) Handle(ctx context.Context, userID string, ev Event) error {
	ctx = apperrors.WithUserID(ctx, userID)

	switch ev := ev.(type) {
	case Command:
		d.log.Info(ctx, "command received", map[string]interface{}{"command": ev.Name})
		return d.handleCommand(ctx, userID, ev)
	case Callback:
		d.log.Debug(ctx, "callback received", map[string]interface{}{"data": ev.Data})
		return d.handleCallback(ctx, userID, ev)
	}
	return apperrors.InvalidInput("unknown event")
}

func (d *Dispatcher) handleCommand(ctx context.Context, userID string, cmd Command) error {
	switch cmd.Name {
	case CmdStart:
		return d.send(ctx, userID, welcomeMessage())
	case CmdHelp:
		return d.send(ctx, userID, helpMessage(d.cfg.Limits))
	case CmdDownload:
		return d.startDownload(ctx, userID, cmd.Args)
	case CmdCancel:
		d.cancelAll(ctx, userID)
		return d.send(ctx, userID, cancelledSelectionMessage())
	case CmdStats:
		return d.send(ctx, userID, d.stats(ctx, userID))
	default:
		d.send(ctx, userID, unknownCommandMessage(cmd.Name))
		return apperrors.InvalidInput("unknown command: " + cmd.Name)
	}
}

func (d *Dispatcher) startDownload(ctx context.Context, userID string, args []string) error {
	if len(args) == 0 {
		d.send(ctx, userID, invalidURLMessage())
		return apperrors.MalformedURL("")
	}
	rawURL := args[0]
	if _, err := resolver.ParseURL(rawURL); err != nil {
		d.send(ctx, userID, invalidURLMessage())
		return err
	}

	dec, err := d.deps.Limiter.Admit(ctx, userID, d.deps.Now())
	if err != nil {
		d.log.Error(ctx, "rate limiter unavailable", err)
		d.send(ctx, userID, failureMessage(apperrors.CodeInternalError, nil, d.cfg.Limits))
		return err
	}
	if !dec.Allowed {
		d.deps.Metrics.IncRateLimitRejections()
		minutes := dec.RetryAfterMinutes()
		d.log.Info(ctx, "download rate limited", map[string]interface{}{"retry_after_minutes": minutes})
		d.send(ctx, userID, rateLimitMessage(d.cfg.Limits, minutes))
		return apperrors.RateLimited(int(dec.RetryAfter.Seconds()))
	}

	msgID, err := d.deps.Transport.Send(ctx, userID, analyzingMessage())
	if err != nil {
		return d.transportError(ctx, err)
	}

	formats, err := d.deps.Resolver.Resolve(ctx, rawURL)
	if err != nil {
		d.log.WarnErr(ctx, "resolve failed", err, map[string]interface{}{"url": rawURL})
		// an earlier selection must not outlive a rejected link
		if d.deps.Sessions.Cancel(userID) {
			d.deps.Metrics.SetActiveSessions(d.deps.Sessions.Len())
		}
		d.edit(ctx, userID, msgID, failureMessage(apperrors.CodeOf(err), detailsOf(err), d.cfg.Limits))
		return err
	}

	sess := d.deps.Sessions.Begin(userID, formats.URL, formats, d.deps.Now())
	d.deps.Metrics.SetActiveSessions(d.deps.Sessions.Len())
	return d.edit(ctx, userID, msgID, contentTypeMessage(formats, sess.Token))
}

func (d *Dispatcher) handleCallback(ctx context.Context, userID string, cb Callback) error {
	action, err := ParseCallback(cb.Data)
	if err != nil {
		d.reply(ctx, userID, cb.MessageID, invalidSelectionMessage())
		return err
	}

	switch action.Kind {
	case ActionContentType:
		sess, err := d.deps.Sessions.Advance(userID, action.Token, session.ChooseContentType{Type: action.Content})
		if err != nil {
			return d.sessionError(ctx, userID, cb.MessageID, err)
		}
		return d.reply(ctx, userID, cb.MessageID, formatMessage(sess.ContentType, sess.Formats, sess.Token))

	case ActionFormat:
		spec, err := action.Spec()
		if err != nil {
			d.reply(ctx, userID, cb.MessageID, invalidSelectionMessage())
			return apperrors.MalformedCallback(cb.Data)
		}
		if _, err := d.deps.Sessions.Advance(userID, action.Token, session.ChooseFormat{Spec: spec}); err != nil {
			return d.sessionError(ctx, userID, cb.MessageID, err)
		}
		return d.submit(ctx, userID, cb.MessageID)

	case ActionBack:
		sess, err := d.deps.Sessions.Advance(userID, action.Token, session.Back{})
		if err != nil {
			return d.sessionError(ctx, userID, cb.MessageID, err)
		}
		return d.reply(ctx, userID, cb.MessageID, contentTypeMessage(sess.Formats, sess.Token))

	case ActionCancel:
		d.deps.Sessions.Cancel(userID)
		d.deps.Metrics.SetActiveSessions(d.deps.Sessions.Len())
		return d.reply(ctx, userID, cb.MessageID, cancelledSelectionMessage())

	case ActionJobCancel:
		return d.cancelJob(ctx, userID, action.JobID, cb.MessageID)

	case ActionMenu:
		switch action.Menu {
		case MenuHelp:
			return d.reply(ctx, userID, cb.MessageID, helpMessage(d.cfg.Limits))
		case MenuStats:
			return d.reply(ctx, userID, cb.MessageID, d.stats(ctx, userID))
		default:
			return d.reply(ctx, userID, cb.MessageID, mainMenuMessage())
		}
	}
	return apperrors.MalformedCallback(cb.Data)
}

// submit finalizes the ready session and hands it to the orchestrator. The
// selection message becomes the job's progress message; job snapshots take
// over editing it once the job exists.
func (d *Dispatcher) submit(ctx context.Context, userID, messageID string) error {
	sub, err := d.deps.Sessions.Finalize(userID)
	if err != nil {
		return d.sessionError(ctx, userID, messageID, err)
	}
	d.deps.Metrics.SetActiveSessions(d.deps.Sessions.Len())

	if messageID == "" {
		id, err := d.deps.Transport.Send(ctx, userID, startingMessage(sub.Spec))
		if err != nil {
			return d.transportError(ctx, err)
		}
		messageID = id
	} else {
		d.edit(ctx, userID, messageID, startingMessage(sub.Spec))
	}

	jobID, err := d.deps.Jobs.Submit(ctx, download.SubmitRequest{
		UserID:  userID,
		URL:     sub.URL,
		Spec:    sub.Spec,
		Formats: sub.Formats,
		Labels:  map[string]string{LabelMessageID: messageID},
	})
	if err != nil {
		d.log.WarnErr(ctx, "submit rejected", err)
		d.edit(ctx, userID, messageID, failureMessage(apperrors.CodeOf(err), detailsOf(err), d.cfg.Limits))
		return err
	}

	d.log.Info(ctx, "job submitted", map[string]interface{}{
		"job_id": jobID,
		"spec":   sub.Spec.String(),
	})
	return nil
}

func (d *Dispatcher) cancelJob(ctx context.Context, userID, jobID, messageID string) error {
	snap, err := d.deps.Jobs.Progress(ctx, jobID)
	if err != nil || snap.UserID != userID {
		d.reply(ctx, userID, messageID, invalidSelectionMessage())
		return apperrors.JobNotFound()
	}

	if err := d.deps.Jobs.Cancel(ctx, jobID); err != nil {
		if apperrors.HasCode(err, apperrors.CodeInvalidState) && snap.State == download.StateUploading {
			d.send(ctx, userID, cancelRefusedMessage())
		}
		return err
	}
	// The cancelled snapshot produces the outcome message
	return nil
}

// cancelAll drops the user's selection and cancels their running jobs
func (d *Dispatcher) cancelAll(ctx context.Context, userID string) {
	d.deps.Sessions.Cancel(userID)
	d.deps.Metrics.SetActiveSessions(d.deps.Sessions.Len())

	for _, snap := range d.deps.Jobs.ActiveJobs(userID) {
		if !snap.State.Cancellable() {
			continue
		}
		if err := d.deps.Jobs.Cancel(ctx, snap.ID); err != nil {
			d.log.Debug(ctx, "job not cancelled", map[string]interface{}{"job_id": snap.ID, "error": err.Error()})
		}
	}
}

func (d *Dispatcher) stats(ctx context.Context, userID string) Message {
	remaining, err := d.deps.Limiter.Remaining(ctx, userID, d.deps.Now())
	if err != nil {
		d.log.WarnErr(ctx, "failed to read remaining downloads", err)
	}

	var recent []download.Snapshot
	if d.deps.History != nil {
		recent, err = d.deps.History.ListByUser(ctx, userID, d.cfg.RecentJobs)
		if err != nil {
			d.log.WarnErr(ctx, "failed to load job history", err)
		}
	}
	if recent == nil {
		jobs, err := d.deps.Jobs.UserJobs(ctx, userID)
		if err != nil {
			d.log.WarnErr(ctx, "failed to load jobs", err)
		}
		for _, j := range jobs {
			if j.IsTerminal() {
				recent = append(recent, j)
			}
		}
	}
	if len(recent) > d.cfg.RecentJobs {
		recent = recent[:d.cfg.RecentJobs]
	}

	global, err := d.deps.Limiter.Stats(ctx, d.deps.Now())
	if err != nil {
		d.log.WarnErr(ctx, "failed to read limiter stats", err)
	}

	return statsMessage(d.cfg.Limits, remaining, d.deps.Jobs.ActiveJobs(userID), recent, global)
}

// sessionError tells the user why a selection step was refused
func (d *Dispatcher) sessionError(ctx context.Context, userID, messageID string, err error) error {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeSessionNotFound:
		d.reply(ctx, userID, messageID, sessionExpiredMessage())
	case apperrors.CodeMalformedCallback:
		d.reply(ctx, userID, messageID, invalidSessionMessage())
	default:
		d.reply(ctx, userID, messageID, invalidSelectionMessage())
	}
	return err
}

// ExpireSessions tells each user whose selection timed out
func (d *Dispatcher) ExpireSessions(ctx context.Context, expired []session.Session) {
	for _, s := range expired {
		uctx := apperrors.WithUserID(ctx, s.UserID)
		d.log.Info(uctx, "session expired", map[string]interface{}{"stage": string(s.Stage)})
		d.send(uctx, s.UserID, sessionExpiredMessage())
	}
	d.deps.Metrics.SetActiveSessions(d.deps.Sessions.Len())
}

func (d *Dispatcher) send(ctx context.Context, userID string, msg Message) error {
	if _, err := d.deps.Transport.Send(ctx, userID, msg); err != nil {
		return d.transportError(ctx, err)
	}
	return nil
}

func (d *Dispatcher) edit(ctx context.Context, userID, messageID string, msg Message) error {
	if err := d.deps.Transport.Edit(ctx, userID, messageID, msg); err != nil {
		return d.transportError(ctx, err)
	}
	return nil
}

// reply edits the message a callback came from, or sends a new one when
// the callback carried no message id.
func (d *Dispatcher) reply(ctx context.Context, userID, messageID string, msg Message) error {
	if messageID == "" {
		return d.send(ctx, userID, msg)
	}
	return d.edit(ctx, userID, messageID, msg)
}

func (d *Dispatcher) transportError(ctx context.Context, err error) error {
	d.log.WarnErr(ctx, "transport failed", err)
	return apperrors.DeliveryError("failed to reach the user").WithCause(err)
}

func detailsOf(err error) map[string]any {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr.Details
	}
	return nil
}
