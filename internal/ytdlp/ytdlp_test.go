package ytdlp

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/media"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		want media.Progress
	}{
		{"[progress] 1024 4096 NA 512.5", true, media.Progress{BytesDone: 1024, BytesTotal: 4096, RateBps: 512.5}},
		{"[progress] 2048 NA 10000.0 NA", true, media.Progress{BytesDone: 2048, BytesTotal: 10000}},
		{"  [progress] 10 NA NA NA", true, media.Progress{BytesDone: 10}},
		{"[progress] 10", false, media.Progress{}},
		{"[download]  45.2% of 5.00MiB at 1.00MiB/s ETA 00:03", false, media.Progress{}},
		{"[file] /tmp/x.mp4", false, media.Progress{}},
	}
	for _, tt := range tests {
		got, ok := parseProgress(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseProgress(%q) = %+v, %v; want %+v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseFilepath(t *testing.T) {
	if p, ok := parseFilepath("[file] /tmp/downloads/job 1.mp4"); !ok || p != "/tmp/downloads/job 1.mp4" {
		t.Errorf("got %q %v", p, ok)
	}
	if _, ok := parseFilepath("[file]   "); ok {
		t.Error("empty path should not parse")
	}
	if _, ok := parseFilepath("[Merger] Merging formats"); ok {
		t.Error("unrelated line should not parse")
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		stderr   string
		code     string
		sentinel error
	}{
		{"ERROR: [youtube] x: Private video. Sign in", apperrors.CodeContentUnavailable, ErrVideoPrivate},
		{"ERROR: Sign in to confirm your age", apperrors.CodeContentUnavailable, ErrAgeRestricted},
		{"ERROR: Video unavailable", apperrors.CodeContentUnavailable, ErrVideoUnavailable},
		{"ERROR: Requested format is not available", apperrors.CodeContentUnavailable, ErrFormatUnavailable},
		{"[download] File is larger than max-filesize (60000000 bytes > 52428800 bytes). Aborting.", apperrors.CodeSizeExceeded, ErrTooLarge},
		{"ERROR: Unsupported URL: https://example.com", apperrors.CodeUnsupportedPlatform, ErrURLNotSupported},
		{"ERROR: Unable to download webpage: <urlopen error>", apperrors.CodeNetworkTimeout, ErrNetworkError},
		{"ERROR: something else", apperrors.CodeInternalError, ErrDownloadFailed},
	}
	for _, tt := range tests {
		err := categorizeError("https://example.com/v", errors.New("exit status 1"), tt.stderr, 50)
		if got := apperrors.CodeOf(err); got != tt.code {
			t.Errorf("%q: code = %s, want %s", tt.stderr, got, tt.code)
		}
		if !errors.Is(err, tt.sentinel) {
			t.Errorf("%q: expected sentinel %v in chain", tt.stderr, tt.sentinel)
		}
	}

	if !apperrors.IsRetryable(categorizeError("u", nil, "connection reset", 50)) {
		t.Error("network failures should be retryable")
	}
}

func TestFetchArgs(t *testing.T) {
	video := fetchArgs(media.VideoSpec(media.Quality720p), "/tmp/j.%(ext)s", 50<<20, "https://v")
	if !slices.Contains(video, "--merge-output-format") {
		t.Error("video fetch should merge into mp4")
	}
	if !slices.Contains(video, "52428800") {
		t.Error("max filesize missing")
	}
	if video[len(video)-1] != "https://v" {
		t.Error("url must be the last argument")
	}

	audio := fetchArgs(media.AudioSpec(media.AudioMP3), "/tmp/j.%(ext)s", 0, "https://a")
	if slices.Contains(audio, "--merge-output-format") || slices.Contains(audio, "--max-filesize") {
		t.Errorf("unexpected audio args: %v", audio)
	}
	if audio[1] != "bestaudio/best" {
		t.Errorf("selector = %s", audio[1])
	}
}

func TestTranscodeTarget(t *testing.T) {
	tests := []struct {
		src  string
		spec media.FormatSpec
		want string
	}{
		{"/tmp/job1.webm", media.AudioSpec(media.AudioMP3), "/tmp/job1.mp3"},
		{"/tmp/job1.f251.webm", media.AudioSpec(media.AudioOGG), "/tmp/job1.ogg"},
		{"/tmp/job1.m4a", media.AudioSpec(media.AudioM4A), "/tmp/job1.192k.m4a"},
	}
	for _, tt := range tests {
		if got := transcodeTarget(tt.src, tt.spec); got != tt.want {
			t.Errorf("transcodeTarget(%s) = %s, want %s", tt.src, got, tt.want)
		}
	}

	args := transcodeArgs("/in.webm", "/out.mp3", media.AudioSpec(media.AudioMP3))
	if !slices.Contains(args, "libmp3lame") || !slices.Contains(args, "192k") {
		t.Errorf("args = %v", args)
	}
}

func TestToProbeResult(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		hasVideo  bool
		hasAudio  bool
		extractor string
	}{
		{
			name:      "muxed formats",
			json:      `{"title":"t","uploader":"u","extractor":"youtube","duration":212.5,"formats":[{"vcodec":"avc1","acodec":"none","height":720},{"vcodec":"none","acodec":"opus"}]}`,
			hasVideo:  true,
			hasAudio:  true,
			extractor: "youtube",
		},
		{
			name:      "audio only",
			json:      `{"title":"t","extractor_key":"Soundcloud","vcodec":"none","acodec":"mp3"}`,
			hasAudio:  true,
			extractor: "Soundcloud",
		},
		{
			name:      "no codec info",
			json:      `{"title":"t","extractor":"generic","width":1280,"height":720}`,
			hasVideo:  true,
			hasAudio:  true,
			extractor: "generic",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out YtdlpOutput
			if err := json.Unmarshal([]byte(tt.json), &out); err != nil {
				t.Fatal(err)
			}
			p := out.ToProbeResult()
			if p.HasVideo != tt.hasVideo || p.HasAudio != tt.hasAudio {
				t.Errorf("streams = %v/%v, want %v/%v", p.HasVideo, p.HasAudio, tt.hasVideo, tt.hasAudio)
			}
			if p.Extractor != tt.extractor {
				t.Errorf("extractor = %s", p.Extractor)
			}
		})
	}

	var out YtdlpOutput
	json.Unmarshal([]byte(`{"duration":1.5,"channel":"c","filesize_approx":1234.7}`), &out)
	p := out.ToProbeResult()
	if p.Duration != 1500*time.Millisecond || p.Uploader != "c" || p.FilesizeBytes != 1234 {
		t.Errorf("probe = %+v", p)
	}
}
