package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/mediafetch/backend/internal/download"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/media"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// History persists terminal job snapshots. It implements download.History
// and the dispatcher's history lookup.
type History struct {
	db *DB
}

func NewHistory(db *DB) *History {
	return &History{db: db}
}

// Record upserts a finished job. Non-terminal snapshots are ignored.
func (h *History) Record(ctx context.Context, snap download.Snapshot) error {
	if !snap.IsTerminal() {
		return nil
	}

	query := `
		INSERT INTO download_jobs (id, user_id, url, content_type, format_choice, state, title, platform,
			error_code, error_message, file_name, file_size, delivery_url, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			title = EXCLUDED.title,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			file_name = EXCLUDED.file_name,
			file_size = EXCLUDED.file_size,
			delivery_url = EXCLUDED.delivery_url,
			completed_at = EXCLUDED.completed_at
	`

	_, err := h.db.ExecContext(ctx, query,
		snap.ID, snap.UserID, snap.URL, string(snap.Spec.Kind), snap.Spec.Choice(), string(snap.State),
		nullString(snap.Title), nullString(snap.Platform),
		nullString(snap.ErrorCode), nullString(snap.Error),
		nullString(snap.FileName), nullInt64(snap.FileSize), nullString(snap.DeliveryURL),
		snap.CreatedAt, nullTime(snap.CompletedAt),
	)
	if err != nil {
		return apperrors.DatabaseError("failed to record job").WithCause(err)
	}
	return nil
}

// ListByUser returns the user's finished jobs, newest first.
func (h *History) ListByUser(ctx context.Context, userID string, limit int) ([]download.Snapshot, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `
		SELECT id, user_id, url, content_type, format_choice, state, title, platform,
			error_code, error_message, file_name, file_size, delivery_url, created_at, completed_at
		FROM download_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := h.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list jobs").WithCause(err)
	}
	defer rows.Close()

	var snaps []download.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to read job").WithCause(err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError("failed to list jobs").WithCause(err)
	}
	return snaps, nil
}

// Get returns one recorded job.
func (h *History) Get(ctx context.Context, jobID string) (download.Snapshot, error) {
	query := `
		SELECT id, user_id, url, content_type, format_choice, state, title, platform,
			error_code, error_message, file_name, file_size, delivery_url, created_at, completed_at
		FROM download_jobs
		WHERE id = $1
	`
	snap, err := scanSnapshot(h.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return download.Snapshot{}, apperrors.JobNotFound()
	}
	if err != nil {
		return download.Snapshot{}, apperrors.DatabaseError("failed to get job").WithCause(err)
	}
	return snap, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (download.Snapshot, error) {
	var (
		snap                                      download.Snapshot
		kind, choice, state                       string
		title, platform, errCode, errMsg, fileURL sql.NullString
		fileName                                  sql.NullString
		fileSize                                  sql.NullInt64
		completedAt                               sql.NullTime
	)
	err := row.Scan(&snap.ID, &snap.UserID, &snap.URL, &kind, &choice, &state, &title, &platform,
		&errCode, &errMsg, &fileName, &fileSize, &fileURL, &snap.CreatedAt, &completedAt)
	if err != nil {
		return snap, err
	}

	if spec, err := media.ParseFormatSpec(media.ContentType(kind), choice); err == nil {
		snap.Spec = spec
	} else {
		snap.Spec = media.FormatSpec{Kind: media.ContentType(kind)}
	}
	snap.State = download.State(state)
	snap.Title = title.String
	snap.Platform = platform.String
	snap.ErrorCode = errCode.String
	snap.Error = errMsg.String
	snap.FileName = fileName.String
	snap.FileSize = fileSize.Int64
	snap.DeliveryURL = fileURL.String
	snap.UpdatedAt = snap.CreatedAt
	if completedAt.Valid {
		t := completedAt.Time
		snap.CompletedAt = &t
		snap.UpdatedAt = t
	}
	if snap.State == download.StateSucceeded {
		snap.Percent = 100
	}
	return snap, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n > 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
