package bot

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/mediafetch/backend/internal/download"
	apperrors "github.com/mediafetch/backend/internal/errors"
)

// Run renders job snapshots until ctx is done or snapshots is closed
func (d *Dispatcher) Run(ctx context.Context, snapshots <-chan download.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			d.HandleSnapshot(ctx, snap)
		}
	}
}

// HandleSnapshot turns one job snapshot into a message edit. Progress edits
// are dropped when the user's edit budget is spent; outcomes never are.
func (d *Dispatcher) HandleSnapshot(ctx context.Context, snap download.Snapshot) {
	ctx = apperrors.WithJobID(apperrors.WithUserID(ctx, snap.UserID), snap.ID)
	messageID := snap.Labels[LabelMessageID]

	if !snap.IsTerminal() {
		if messageID == "" || !d.allowEdit(snap.UserID) {
			return
		}
		if err := d.deps.Transport.Edit(ctx, snap.UserID, messageID, progressMessage(snap)); err != nil {
			d.log.WarnErr(ctx, "progress edit failed", err)
			return
		}
		d.deps.Metrics.IncProgressEdits()
		return
	}

	d.outcome(ctx, snap, messageID)
	d.forgetEditor(snap.UserID)
}

// outcome is the single user-visible result of a finished job
func (d *Dispatcher) outcome(ctx context.Context, snap download.Snapshot, messageID string) {
	var msg Message
	switch snap.State {
	case download.StateSucceeded:
		msg = completeMessage(snap)
		err := d.deps.Transport.SendFile(ctx, snap.UserID, File{
			JobID:       snap.ID,
			Name:        snap.FileName,
			URL:         snap.DeliveryURL,
			ContentType: snap.Spec.MIMEType(),
			Size:        snap.FileSize,
			Caption:     snap.Title,
		})
		if err != nil {
			d.log.WarnErr(ctx, "file send failed", err)
		}
	case download.StateCancelled:
		msg = cancelledJobMessage()
	default:
		msg = failureMessage(snap.ErrorCode, snap.ErrorDetail, d.cfg.Limits)
	}

	if messageID != "" {
		if err := d.deps.Transport.Edit(ctx, snap.UserID, messageID, msg); err == nil {
			return
		}
	}
	if _, err := d.deps.Transport.Send(ctx, snap.UserID, msg); err != nil {
		d.log.Error(ctx, "failed to deliver job outcome", err, map[string]interface{}{"state": string(snap.State)})
	}
}

func (d *Dispatcher) allowEdit(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lim, ok := d.editors[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.cfg.EditInterval), d.cfg.EditBurst)
		d.editors[userID] = lim
	}
	return lim.AllowN(d.deps.Now(), 1)
}

// forgetEditor drops the edit limiter once the user has nothing running
func (d *Dispatcher) forgetEditor(userID string) {
	if len(d.deps.Jobs.ActiveJobs(userID)) > 0 {
		return
	}
	d.mu.Lock()
	delete(d.editors, userID)
	d.mu.Unlock()
}
