package ytdlp

import (
	"time"

	"github.com/mediafetch/backend/internal/media"
)

// YtdlpOutput is the subset of `yt-dlp --dump-json` we read
type YtdlpOutput struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Uploader       string   `json:"uploader"`
	Channel        string   `json:"channel"`
	Duration       float64  `json:"duration"`
	WebpageURL     string   `json:"webpage_url"`
	Extractor      string   `json:"extractor"`
	ExtractorKey   string   `json:"extractor_key"`
	VCodec         string   `json:"vcodec"`
	ACodec         string   `json:"acodec"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Filesize       int64    `json:"filesize"`
	FilesizeApprox float64  `json:"filesize_approx"`
	Formats        []Format `json:"formats"`
}

// Format represents a media format option
type Format struct {
	FormatID string  `json:"format_id"`
	Ext      string  `json:"ext"`
	VCodec   string  `json:"vcodec"`
	ACodec   string  `json:"acodec"`
	Height   int     `json:"height"`
	Filesize int64   `json:"filesize"`
	Abr      float64 `json:"abr"`
	Vbr      float64 `json:"vbr"`
}

func codecPresent(c string) bool {
	return c != "" && c != "none"
}

// ToProbeResult reduces the yt-dlp output to the fields the resolver needs.
// When no codec is reported anywhere the streams are inferred from
// dimensions and audio is assumed.
func (o *YtdlpOutput) ToProbeResult() *media.ProbeResult {
	p := &media.ProbeResult{
		Title:     o.Title,
		Uploader:  o.Uploader,
		Extractor: o.Extractor,
		Duration:  time.Duration(o.Duration * float64(time.Second)),
	}
	if p.Uploader == "" {
		p.Uploader = o.Channel
	}
	if p.Extractor == "" {
		p.Extractor = o.ExtractorKey
	}

	known := o.VCodec != "" || o.ACodec != ""
	p.HasVideo = codecPresent(o.VCodec)
	p.HasAudio = codecPresent(o.ACodec)
	for _, f := range o.Formats {
		if f.VCodec != "" || f.ACodec != "" {
			known = true
		}
		p.HasVideo = p.HasVideo || codecPresent(f.VCodec)
		p.HasAudio = p.HasAudio || codecPresent(f.ACodec)
	}
	if !known {
		p.HasVideo = o.Height > 0 || o.Width > 0
		for _, f := range o.Formats {
			p.HasVideo = p.HasVideo || f.Height > 0
		}
		p.HasAudio = true
	}

	p.FilesizeBytes = o.Filesize
	if p.FilesizeBytes == 0 {
		p.FilesizeBytes = int64(o.FilesizeApprox)
	}
	return p
}
