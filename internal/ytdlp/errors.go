package ytdlp

import (
	"errors"
	"strings"

	apperrors "github.com/mediafetch/backend/internal/errors"
)

var (
	// ErrURLNotSupported indicates no extractor handles the URL
	ErrURLNotSupported = errors.New("url not supported")

	// ErrVideoUnavailable indicates the media is not available
	ErrVideoUnavailable = errors.New("video unavailable")

	// ErrVideoPrivate indicates the media is private
	ErrVideoPrivate = errors.New("video is private")

	// ErrAgeRestricted indicates the content is age-restricted
	ErrAgeRestricted = errors.New("content is age-restricted")

	// ErrFormatUnavailable indicates the selector matched no format
	ErrFormatUnavailable = errors.New("requested format not available")

	// ErrTooLarge indicates yt-dlp refused the file because of --max-filesize
	ErrTooLarge = errors.New("file larger than max-filesize")

	// ErrNetworkError indicates a network-related error
	ErrNetworkError = errors.New("network error")

	// ErrYtdlpNotFound indicates yt-dlp is not installed
	ErrYtdlpNotFound = errors.New("yt-dlp not found in PATH")

	// ErrFFmpegNotFound indicates ffmpeg is not installed
	ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")

	// ErrDownloadFailed indicates the download failed
	ErrDownloadFailed = errors.New("download failed")
)

// DownloadError wraps an error with additional context
type DownloadError struct {
	URL     string
	Message string
	Err     error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// categorizeError converts yt-dlp failures into application errors. The
// DownloadError stays in the chain so callers can still match the sentinels.
func categorizeError(sourceURL string, err error, stderr string, limitMB int) error {
	s := strings.ToLower(stderr)
	cause := func(msg string, sentinel error) *DownloadError {
		return &DownloadError{URL: sourceURL, Message: msg, Err: sentinel}
	}

	switch {
	case strings.Contains(s, "private video") || strings.Contains(s, "is private"):
		return apperrors.ContentUnavailable("video is private").WithCause(cause("video is private", ErrVideoPrivate))

	case strings.Contains(s, "age-restricted") || strings.Contains(s, "sign in to confirm your age"):
		return apperrors.ContentUnavailable("content is age-restricted").WithCause(cause("age restricted", ErrAgeRestricted))

	case strings.Contains(s, "video unavailable") || strings.Contains(s, "this video is unavailable") ||
		strings.Contains(s, "has been removed"):
		return apperrors.ContentUnavailable("video unavailable").WithCause(cause("video unavailable", ErrVideoUnavailable))

	case strings.Contains(s, "requested format is not available"):
		return apperrors.ContentUnavailable("requested format is not available").WithCause(cause("no matching format", ErrFormatUnavailable))

	case strings.Contains(s, "max-filesize"):
		return apperrors.SizeExceeded(limitMB).WithCause(cause("file too large", ErrTooLarge))

	case strings.Contains(s, "unsupported url") || strings.Contains(s, "no suitable extractor"):
		return apperrors.UnsupportedPlatform("unknown").WithCause(cause("url not supported", ErrURLNotSupported))

	case strings.Contains(s, "unable to download") || strings.Contains(s, "connection") ||
		strings.Contains(s, "network") || strings.Contains(s, "timed out"):
		return apperrors.NetworkTimeout("yt-dlp").WithCause(cause("network error", ErrNetworkError))
	}

	de := cause("download failed", ErrDownloadFailed)
	if err != nil {
		de.Err = errors.Join(ErrDownloadFailed, err)
	}
	return apperrors.InternalError("download failed").WithCause(de).
		WithDetails(map[string]any{"stderr": lastLine(stderr)})
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i != -1 {
		return s[i+1:]
	}
	return s
}
