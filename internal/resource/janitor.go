package resource

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/mediafetch/backend/internal/logger"
)

// Janitor periodically removes stray files from the temp directory that no
// live job owns, for example leftovers from a crash.
type Janitor struct {
	dir     string
	maxAge  time.Duration
	tracker *Tracker
	log     *logger.Logger
}

func NewJanitor(dir string, maxAge time.Duration, tracker *Tracker) *Janitor {
	return &Janitor{
		dir:     dir,
		maxAge:  maxAge,
		tracker: tracker,
		log:     logger.Default().WithComponent("janitor"),
	}
}

// Sweep deletes untracked regular files older than maxAge and returns how
// many were removed.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) int {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		j.log.WarnErr(ctx, "failed to read temp dir", err, map[string]interface{}{"dir": j.dir})
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < j.maxAge {
			continue
		}

		path := filepath.Join(j.dir, e.Name())
		if j.tracker != nil && j.tracker.IsTracked(path) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.log.WarnErr(ctx, "failed to remove stale file", err, map[string]interface{}{"path": path})
			continue
		}
		removed++
	}

	if removed > 0 {
		j.log.Info(ctx, "janitor removed stale files", map[string]interface{}{"files": removed})
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			j.Sweep(ctx, now)
		}
	}
}
