// Package media holds the vocabulary shared by the resolver, the
// orchestrator and the fetch backend.
package media

import (
	"context"
	"fmt"
	"time"
)

// UserID identifies a requester. It is the only key for rate limiting and
// session state.
type UserID = string

type ContentType string

const (
	ContentVideo ContentType = "video"
	ContentAudio ContentType = "audio"
)

// ParseContentType accepts "video" or "audio".
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(s) {
	case ContentVideo, ContentAudio:
		return ContentType(s), nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

type VideoQuality string

const (
	Quality720p  VideoQuality = "720p"
	Quality1080p VideoQuality = "1080p"
	QualityBest  VideoQuality = "best"
)

type AudioFormat string

const (
	AudioMP3 AudioFormat = "mp3"
	AudioM4A AudioFormat = "m4a"
	AudioOGG AudioFormat = "ogg"
)

// AudioBitrateKbps is the fixed bitrate for every audio output.
const AudioBitrateKbps = 192

var (
	VideoQualities = []VideoQuality{Quality720p, Quality1080p, QualityBest}
	AudioFormats   = []AudioFormat{AudioMP3, AudioM4A, AudioOGG}
)

// FormatSpec is the chosen output encoding. It is a value type and is never
// mutated once built.
type FormatSpec struct {
	Kind        ContentType  `json:"kind"`
	Quality     VideoQuality `json:"quality,omitempty"`
	Audio       AudioFormat  `json:"audio,omitempty"`
	BitrateKbps int          `json:"bitrate_kbps,omitempty"`
}

func VideoSpec(q VideoQuality) FormatSpec {
	return FormatSpec{Kind: ContentVideo, Quality: q}
}

func AudioSpec(f AudioFormat) FormatSpec {
	return FormatSpec{Kind: ContentAudio, Audio: f, BitrateKbps: AudioBitrateKbps}
}

// ParseFormatSpec builds a spec from a content type and a choice such as
// "1080p" or "mp3".
func ParseFormatSpec(kind ContentType, choice string) (FormatSpec, error) {
	var spec FormatSpec
	switch kind {
	case ContentVideo:
		spec = VideoSpec(VideoQuality(choice))
	case ContentAudio:
		spec = AudioSpec(AudioFormat(choice))
	default:
		return FormatSpec{}, fmt.Errorf("unknown content type %q", kind)
	}
	if err := spec.Validate(); err != nil {
		return FormatSpec{}, err
	}
	return spec, nil
}

// Validate checks the spec is one of the canonical options.
func (f FormatSpec) Validate() error {
	switch f.Kind {
	case ContentVideo:
		if f.Audio != "" || f.BitrateKbps != 0 {
			return fmt.Errorf("video spec carries audio fields")
		}
		for _, q := range VideoQualities {
			if f.Quality == q {
				return nil
			}
		}
		return fmt.Errorf("unknown video quality %q", f.Quality)
	case ContentAudio:
		if f.Quality != "" {
			return fmt.Errorf("audio spec carries a video quality")
		}
		if f.BitrateKbps != AudioBitrateKbps {
			return fmt.Errorf("audio bitrate must be %d kbps", AudioBitrateKbps)
		}
		for _, a := range AudioFormats {
			if f.Audio == a {
				return nil
			}
		}
		return fmt.Errorf("unknown audio format %q", f.Audio)
	}
	return fmt.Errorf("unknown content type %q", f.Kind)
}

// Choice is the user-facing option name ("720p", "mp3").
func (f FormatSpec) Choice() string {
	if f.Kind == ContentAudio {
		return string(f.Audio)
	}
	return string(f.Quality)
}

// Extension is the container the delivered artifact must have.
func (f FormatSpec) Extension() string {
	if f.Kind == ContentAudio {
		return string(f.Audio)
	}
	return "mp4"
}

// Selector returns the yt-dlp format selector for the spec.
func (f FormatSpec) Selector() string {
	if f.Kind == ContentAudio {
		return "bestaudio/best"
	}
	switch f.Quality {
	case Quality720p:
		return "bestvideo[height<=720]+bestaudio/best[height<=720]"
	case Quality1080p:
		return "bestvideo[height<=1080]+bestaudio/best[height<=1080]"
	default:
		return "bestvideo+bestaudio/best"
	}
}

// MIMEType is the content type of the delivered artifact.
func (f FormatSpec) MIMEType() string {
	switch f.Audio {
	case AudioMP3:
		return "audio/mpeg"
	case AudioM4A:
		return "audio/mp4"
	case AudioOGG:
		return "audio/ogg"
	}
	return "video/mp4"
}

func (f FormatSpec) String() string {
	if f.Kind == ContentAudio {
		return fmt.Sprintf("audio/%s@%dkbps", f.Audio, f.BitrateKbps)
	}
	return fmt.Sprintf("video/%s", f.Quality)
}

// FormatList is the canonical set of options offered for one URL.
type FormatList struct {
	URL      string        `json:"url"`
	Platform string        `json:"platform"`
	Title    string        `json:"title"`
	Uploader string        `json:"uploader,omitempty"`
	Duration time.Duration `json:"duration"`
	HasVideo bool          `json:"has_video"`
	HasAudio bool          `json:"has_audio"`
	Video    []FormatSpec  `json:"video,omitempty"`
	Audio    []FormatSpec  `json:"audio,omitempty"`
}

// Supports reports whether spec is one of the offered options.
func (l *FormatList) Supports(spec FormatSpec) bool {
	options := l.Video
	if spec.Kind == ContentAudio {
		options = l.Audio
	}
	for _, o := range options {
		if o == spec {
			return true
		}
	}
	return false
}

// Offers reports whether any option of the given content type exists.
func (l *FormatList) Offers(kind ContentType) bool {
	if kind == ContentAudio {
		return len(l.Audio) > 0
	}
	return len(l.Video) > 0
}

// ProbeResult is raw metadata as reported by the backend.
type ProbeResult struct {
	Title         string
	Uploader      string
	Extractor     string
	Duration      time.Duration
	HasVideo      bool
	HasAudio      bool
	FilesizeBytes int64
}

// Progress is one report from an in-flight fetch. BytesTotal is zero when
// the backend does not know the final size.
type Progress struct {
	BytesDone  int64
	BytesTotal int64
	RateBps    float64
}

// Percent returns completion in [0,100], or 0 when the total is unknown.
func (p Progress) Percent() int {
	if p.BytesTotal <= 0 {
		return 0
	}
	pct := int(p.BytesDone * 100 / p.BytesTotal)
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// ProgressFunc receives fetch progress. It may be called from any goroutine.
type ProgressFunc func(Progress)

// Backend is the fetch/transcode capability. Implementations must honour
// ctx cancellation and leave partial files under destDir for cleanup.
type Backend interface {
	Probe(ctx context.Context, url string) (*ProbeResult, error)
	Fetch(ctx context.Context, url string, spec FormatSpec, destDir string, onProgress ProgressFunc) (string, error)
	Transcode(ctx context.Context, srcPath string, spec FormatSpec) (string, error)
}

// Artifact is a finished file ready for delivery.
type Artifact struct {
	JobID       string
	UserID      string
	Path        string
	FileName    string
	ContentType string
	Size        int64
}

// Delivery tells the user where the artifact can be fetched.
type Delivery struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
