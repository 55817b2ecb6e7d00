// Package resolver turns a URL into the canonical list of formats the user
// can choose from.
package resolver

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/media"
)

// Cache stores resolved format lists. *cache.Cache satisfies it.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Config struct {
	Timeout  time.Duration
	Retry    *apperrors.RetryConfig
	Cache    Cache
	CacheTTL time.Duration
	Registry *Registry
}

type Resolver struct {
	backend  media.Backend
	registry *Registry
	timeout  time.Duration
	retry    *apperrors.RetryConfig
	cache    Cache
	cacheTTL time.Duration
	log      *logger.Logger
}

func New(backend media.Backend, cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = apperrors.ResolveRetryConfig()
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Resolver{
		backend:  backend,
		registry: cfg.Registry,
		timeout:  cfg.Timeout,
		retry:    cfg.Retry,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		log:      logger.Default().WithComponent("resolver"),
	}
}

// Registry exposes the platform registry used for detection.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Detect validates the URL syntax and identifies its platform without
// contacting the backend.
func (r *Resolver) Detect(rawURL string) (Detection, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return Detection{}, err
	}
	det, err := r.registry.Detect(u)
	if err != nil {
		return Detection{}, apperrors.MalformedURL(rawURL).WithCause(err)
	}
	return det, nil
}

// Resolve probes the URL and maps the result onto the fixed option sets.
// Transient probe failures are retried within the resolve timeout.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*media.FormatList, error) {
	rawURL = strings.TrimSpace(rawURL)
	det, err := r.Detect(rawURL)
	if err != nil {
		return nil, err
	}

	cacheKey := "resolve:" + rawURL
	if r.cache != nil {
		var cached media.FormatList
		if r.cache.GetJSON(ctx, cacheKey, &cached) {
			return &cached, nil
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	probe, err := apperrors.RetryWithResult(probeCtx, r.retry, func(ctx context.Context) (*media.ProbeResult, error) {
		res, err := r.backend.Probe(ctx, rawURL)
		if err != nil {
			return nil, ClassifyProbeError(err)
		}
		return res, nil
	})
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = apperrors.NetworkTimeout("resolve").WithCause(err)
		}
		r.log.Warn(ctx, "resolve failed", map[string]interface{}{
			"platform": string(det.Platform),
			"code":     apperrors.CodeOf(err),
		})
		return nil, err
	}

	list, err := buildFormatList(rawURL, det, probe)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.SetJSON(ctx, cacheKey, list, r.cacheTTL)
	}
	return list, nil
}

func buildFormatList(rawURL string, det Detection, probe *media.ProbeResult) (*media.FormatList, error) {
	if probe == nil || (!probe.HasVideo && !probe.HasAudio) {
		return nil, apperrors.UnsupportedPlatform(string(det.Platform))
	}

	platform := string(det.Platform)
	if det.Platform == PlatformGeneric && probe.Extractor != "" {
		platform = strings.ToLower(probe.Extractor)
	}

	list := &media.FormatList{
		URL:      rawURL,
		Platform: platform,
		Title:    CleanTitle(probe.Title),
		Uploader: probe.Uploader,
		Duration: probe.Duration,
		HasVideo: probe.HasVideo,
		HasAudio: probe.HasAudio,
	}
	if probe.HasVideo {
		for _, q := range media.VideoQualities {
			list.Video = append(list.Video, media.VideoSpec(q))
		}
	}
	if probe.HasAudio {
		for _, a := range media.AudioFormats {
			list.Audio = append(list.Audio, media.AudioSpec(a))
		}
	}
	return list, nil
}

// ClassifyProbeError maps backend failures that are not already typed onto
// the resolution error kinds.
func ClassifyProbeError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "private", "unavailable", "removed", "deleted", "sign in", "login required"):
		return apperrors.ContentUnavailable("content is private or unavailable").WithCause(err)
	case containsAny(msg, "unsupported url", "no video formats", "unsupported"):
		return apperrors.UnsupportedPlatform("unknown").WithCause(err)
	case containsAny(msg, "timed out", "timeout", "network", "connection", "temporary failure"):
		return apperrors.NetworkTimeout("resolve").WithCause(err)
	}
	return apperrors.InternalError("metadata probe failed").WithCause(err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
