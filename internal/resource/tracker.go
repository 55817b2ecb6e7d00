// Package resource makes sure every file a job writes is removed once the
// job is over.
package resource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mediafetch/backend/internal/logger"
)

// Tracker records the files owned by each job.
type Tracker struct {
	mu    sync.Mutex
	paths map[string][]string
	log   *logger.Logger
}

func NewTracker() *Tracker {
	return &Tracker{
		paths: make(map[string][]string),
		log:   logger.Default().WithComponent("resource"),
	}
}

// Track records path as belonging to jobID. Tracking the same path twice is
// harmless.
func (t *Tracker) Track(jobID, path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.paths[jobID] {
		if p == path {
			return
		}
	}
	t.paths[jobID] = append(t.paths[jobID], path)
}

// Tracked returns the paths currently recorded for jobID.
func (t *Tracker) Tracked(jobID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.paths[jobID]...)
}

// IsTracked reports whether any job owns path.
func (t *Tracker) IsTracked(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, paths := range t.paths {
		for _, p := range paths {
			if p == path || sameBase(p, path) {
				return true
			}
		}
	}
	return false
}

// Release deletes every file recorded for jobID together with its siblings
// (same base name, any extension: .part, .ytdl, transcode outputs). It is
// safe to call more than once. Deletion errors are logged, not returned.
func (t *Tracker) Release(ctx context.Context, jobID string) int {
	t.mu.Lock()
	paths := t.paths[jobID]
	delete(t.paths, jobID)
	t.mu.Unlock()

	removed := 0
	for _, p := range paths {
		removed += t.Discard(ctx, p)
	}

	if removed > 0 {
		t.log.Debug(ctx, "artifacts released", map[string]interface{}{"files": removed})
	}
	return removed
}

// Discard deletes path and its siblings without recording anything. It
// covers files that show up after their job was released.
func (t *Tracker) Discard(ctx context.Context, path string) int {
	if path == "" {
		return 0
	}
	removed := 0
	for _, target := range withSiblings(path) {
		err := os.Remove(target)
		switch {
		case err == nil:
			removed++
		case os.IsNotExist(err):
		default:
			t.log.WarnErr(ctx, "failed to remove artifact", err, map[string]interface{}{
				"path": target,
			})
		}
	}
	return removed
}

// withSiblings returns path plus every file next to it whose name starts
// with path's base name followed by a dot.
func withSiblings(path string) []string {
	out := []string{path}

	dir := filepath.Dir(path)
	base := stem(filepath.Base(path))
	if base == "" {
		return out
	}

	matches, err := filepath.Glob(filepath.Join(dir, globEscape(base)+".*"))
	if err != nil {
		return out
	}
	for _, m := range matches {
		if m != path {
			out = append(out, m)
		}
	}
	return out
}

// stem strips everything after the first dot, so "job.f137.mp4.part" and
// "job.mp3" share the stem "job".
func stem(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

func sameBase(a, b string) bool {
	return filepath.Dir(a) == filepath.Dir(b) && stem(filepath.Base(a)) == stem(filepath.Base(b))
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}
