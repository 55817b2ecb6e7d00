package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	apperrors "github.com/mediafetch/backend/internal/errors"
)

type DB struct {
	*sql.DB
}

func New(ctx context.Context, databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to open database").WithCause(err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.DatabaseError("failed to ping database").WithCause(err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS download_jobs (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		url TEXT NOT NULL,
		content_type VARCHAR(16) NOT NULL,
		format_choice VARCHAR(32) NOT NULL,
		state VARCHAR(16) NOT NULL,
		title TEXT,
		platform VARCHAR(32),
		error_code VARCHAR(32),
		error_message TEXT,
		file_name TEXT,
		file_size BIGINT,
		delivery_url TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		completed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_download_jobs_user_created ON download_jobs(user_id, created_at DESC);
	`

	if _, err := db.ExecContext(ctx, query); err != nil {
		return apperrors.DatabaseError("failed to run migrations").WithCause(err)
	}
	return nil
}
