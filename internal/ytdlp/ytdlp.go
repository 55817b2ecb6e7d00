// Package ytdlp implements media.Backend on top of the yt-dlp and ffmpeg
// command line tools.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/media"
)

// Config holds configuration for the yt-dlp service
type Config struct {
	// YtdlpPath is the path to yt-dlp binary (default: "yt-dlp")
	YtdlpPath string
	// FFmpegPath is the path to ffmpeg binary (default: "ffmpeg")
	FFmpegPath string
	// MaxFilesizeBytes is passed to yt-dlp as --max-filesize when positive
	MaxFilesizeBytes int64
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		YtdlpPath:  "yt-dlp",
		FFmpegPath: "ffmpeg",
	}
}

// Service wraps yt-dlp and ffmpeg
type Service struct {
	cfg *Config
	log *logger.Logger
}

var _ media.Backend = (*Service)(nil)

// New creates a new yt-dlp service
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.YtdlpPath == "" {
		cfg.YtdlpPath = "yt-dlp"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}

	if _, err := exec.LookPath(cfg.YtdlpPath); err != nil {
		return nil, ErrYtdlpNotFound
	}
	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		return nil, ErrFFmpegNotFound
	}

	return &Service{cfg: cfg, log: logger.Default().WithComponent("ytdlp")}, nil
}

func (s *Service) limitMB() int {
	return int(s.cfg.MaxFilesizeBytes / (1024 * 1024))
}

// Probe retrieves metadata for a URL without downloading
func (s *Service) Probe(ctx context.Context, sourceURL string) (*media.ProbeResult, error) {
	args := []string{
		"--dump-json",
		"--no-download",
		"--no-playlist",
		"--no-warnings",
		sourceURL,
	}

	cmd := exec.CommandContext(ctx, s.cfg.YtdlpPath, args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, categorizeError(sourceURL, err, string(exitErr.Stderr), s.limitMB())
		}
		return nil, categorizeError(sourceURL, err, "", s.limitMB())
	}

	var out YtdlpOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, apperrors.InternalError("failed to parse metadata").
			WithCause(&DownloadError{URL: sourceURL, Message: "failed to parse metadata", Err: err})
	}
	return out.ToProbeResult(), nil
}

// Fetch downloads sourceURL into destDir. The file stem is the job id from
// ctx so every temp file of a job shares one base name.
func (s *Service) Fetch(ctx context.Context, sourceURL string, spec media.FormatSpec, destDir string, onProgress media.ProgressFunc) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", apperrors.StorageError("failed to create temp directory").WithCause(err)
	}

	stem := apperrors.GetJobID(ctx)
	if stem == "" {
		stem = uuid.New().String()
	}
	args := fetchArgs(spec, filepath.Join(destDir, stem+".%(ext)s"), s.cfg.MaxFilesizeBytes, sourceURL)

	cmd := exec.CommandContext(ctx, s.cfg.YtdlpPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", apperrors.InternalError("failed to create stdout pipe").WithCause(err)
	}
	if err := cmd.Start(); err != nil {
		return "", categorizeError(sourceURL, err, "", s.limitMB())
	}

	var finalPath string
	var tail strings.Builder
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if p, ok := parseProgress(line); ok {
			if onProgress != nil {
				onProgress(p)
			}
			continue
		}
		if path, ok := parseFilepath(line); ok {
			finalPath = path
			continue
		}
		tail.WriteString(line)
		tail.WriteString("\n")
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", categorizeError(sourceURL, err, stderr.String()+tail.String(), s.limitMB())
	}

	if finalPath == "" {
		// yt-dlp exits 0 when it skips a file over --max-filesize
		return "", categorizeError(sourceURL, nil, stderr.String()+tail.String(), s.limitMB())
	}
	if _, err := os.Stat(finalPath); err != nil {
		return "", apperrors.InternalError("output file not found").
			WithCause(&DownloadError{URL: sourceURL, Message: "output file not found", Err: ErrDownloadFailed})
	}

	s.log.Debug(ctx, "fetch complete", map[string]interface{}{
		"path": finalPath,
		"spec": spec.String(),
	})
	return finalPath, nil
}

// Transcode re-encodes an audio artifact into the spec's container at the
// fixed bitrate. Video specs are returned unchanged.
func (s *Service) Transcode(ctx context.Context, srcPath string, spec media.FormatSpec) (string, error) {
	if spec.Kind != media.ContentAudio {
		return srcPath, nil
	}

	dst := transcodeTarget(srcPath, spec)
	cmd := exec.CommandContext(ctx, s.cfg.FFmpegPath, transcodeArgs(srcPath, dst, spec)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.TranscodeError("audio conversion failed").
			WithCause(fmt.Errorf("ffmpeg: %w", err)).
			WithDetails(map[string]any{"stderr": lastLine(stderr.String())})
	}
	return dst, nil
}

// progressPrefix marks lines produced by the --progress-template below
const progressPrefix = "[progress]"

// filePrefix marks the line printed once the final file is in place
const filePrefix = "[file]"

func fetchArgs(spec media.FormatSpec, outputTemplate string, maxFilesize int64, sourceURL string) []string {
	args := []string{
		"-f", spec.Selector(),
		"--no-playlist",
		"--no-warnings",
		"--newline",
		"--progress",
		"--progress-template", "download:" + progressPrefix +
			" %(progress.downloaded_bytes)s %(progress.total_bytes)s %(progress.total_bytes_estimate)s %(progress.speed)s",
		"--print", "after_move:" + filePrefix + " %(filepath)s",
		"--output", outputTemplate,
	}
	if spec.Kind == media.ContentVideo {
		args = append(args, "--merge-output-format", "mp4")
	}
	if maxFilesize > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(maxFilesize, 10))
	}
	return append(args, sourceURL)
}

var audioCodecs = map[media.AudioFormat]string{
	media.AudioMP3: "libmp3lame",
	media.AudioM4A: "aac",
	media.AudioOGG: "libvorbis",
}

func transcodeArgs(src, dst string, spec media.FormatSpec) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", src,
		"-vn",
		"-map_metadata", "0",
		"-c:a", audioCodecs[spec.Audio],
		"-b:a", fmt.Sprintf("%dk", spec.BitrateKbps),
		dst,
	}
}

// transcodeTarget keeps the source's stem so cleanup by base name also
// catches the output.
func transcodeTarget(src string, spec media.FormatSpec) string {
	dir, base := filepath.Split(src)
	stem := base
	if i := strings.IndexByte(base, '.'); i != -1 {
		stem = base[:i]
	}
	dst := filepath.Join(dir, stem+"."+spec.Extension())
	if dst == src {
		dst = filepath.Join(dir, fmt.Sprintf("%s.%dk.%s", stem, spec.BitrateKbps, spec.Extension()))
	}
	return dst
}

// parseProgress reads a --progress-template line:
// "[progress] <downloaded> <total> <estimate> <speed>", with NA for unknowns.
func parseProgress(line string) (media.Progress, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, progressPrefix) {
		return media.Progress{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, progressPrefix))
	if len(fields) < 4 {
		return media.Progress{}, false
	}

	num := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}

	p := media.Progress{
		BytesDone:  int64(num(fields[0])),
		BytesTotal: int64(num(fields[1])),
		RateBps:    num(fields[3]),
	}
	if p.BytesTotal == 0 {
		p.BytesTotal = int64(num(fields[2]))
	}
	return p, true
}

func parseFilepath(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, filePrefix) {
		return "", false
	}
	path := strings.TrimSpace(strings.TrimPrefix(line, filePrefix))
	return path, path != ""
}
