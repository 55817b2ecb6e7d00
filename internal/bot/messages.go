package bot

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mediafetch/backend/internal/download"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/media"
	"github.com/mediafetch/backend/internal/ratelimit"
)

// Message is an outbound chat message. Text is HTML.
type Message struct {
	Text     string     `json:"text"`
	Keyboard [][]Button `json:"keyboard,omitempty"`
}

type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// File is a delivered artifact sent to the user as a document
type File struct {
	JobID       string    `json:"job_id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Caption     string    `json:"caption,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Limits are shown in help and stats texts
type Limits struct {
	MaxFileSizeMB  int
	MaxDownloads   int
	Window         time.Duration
	SessionTimeout time.Duration
}

const titlePreviewRunes = 50

func formatDuration(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	if secs <= 0 {
		return "Unknown"
	}
	h, m, s := secs/3600, secs%3600/60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func formatFileSize(n int64) string {
	if n <= 0 {
		return "Unknown"
	}
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f TB", size)
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		if d == time.Hour {
			return "hour"
		}
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return fmt.Sprintf("%d minutes", int(d/time.Minute))
}

func preview(title string) string {
	r := []rune(strings.TrimSpace(title))
	if len(r) > titlePreviewRunes {
		return html.EscapeString(string(r[:titlePreviewRunes])) + "..."
	}
	return html.EscapeString(string(r))
}

func platformEmoji(platform string) string {
	switch strings.ToLower(platform) {
	case "youtube":
		return "📺"
	case "tiktok", "soundcloud":
		return "🎵"
	case "instagram":
		return "📸"
	case "twitter":
		return "🐦"
	default:
		return "🎬"
	}
}

func welcomeMessage() Message {
	return Message{
		Text: "🎬 <b>Media Fetch Bot</b>\n\n" +
			"Send me a link from YouTube, SoundCloud, TikTok, Instagram, Twitter and many other sites " +
			"and I will fetch it as video or audio.\n\n" +
			"📝 <b>Usage:</b> /download &lt;url&gt;\n" +
			"❓ <b>Help:</b> /help",
		Keyboard: mainMenuKeyboard(),
	}
}

func helpMessage(l Limits) Message {
	var b strings.Builder
	b.WriteString("🆘 <b>Help</b>\n\n")
	b.WriteString("📋 <b>Commands:</b>\n")
	b.WriteString("• /download &lt;url&gt; - fetch a video or extract its audio\n")
	b.WriteString("• /cancel - drop the current selection and stop running downloads\n")
	b.WriteString("• /stats - your remaining downloads and recent jobs\n")
	b.WriteString("• /help - this message\n\n")
	b.WriteString("🎬 <b>Video:</b> 720p, 1080p or the best available quality\n")
	fmt.Fprintf(&b, "🎵 <b>Audio:</b> MP3, M4A or OGG at %d kbps\n\n", media.AudioBitrateKbps)
	b.WriteString("⚠️ <b>Limits:</b>\n")
	fmt.Fprintf(&b, "• Maximum file size: %d MB\n", l.MaxFileSizeMB)
	fmt.Fprintf(&b, "• %d downloads per %s\n", l.MaxDownloads, formatWindow(l.Window))
	b.WriteString("• Private content is not supported\n\n")
	b.WriteString("💡 Audio files are much smaller than videos.")
	return Message{Text: b.String(), Keyboard: [][]Button{{{Text: "⬅️ Menu", Data: menuData(MenuMain)}}}}
}

func mainMenuMessage() Message {
	return Message{
		Text:     "🏠 <b>Main menu</b>\n\nSend a link or use /download &lt;url&gt; to start.",
		Keyboard: mainMenuKeyboard(),
	}
}

func analyzingMessage() Message {
	return Message{Text: "🔍 <b>Analyzing link...</b>\nPlease wait..."}
}

func contentTypeMessage(formats *media.FormatList, token string) Message {
	return Message{
		Text: fmt.Sprintf("🎯 <b>Choose what to download:</b>\n%s <b>%s</b> - %s\n\n%s\nWhat would you like?",
			platformEmoji(formats.Platform), html.EscapeString(formats.Platform), preview(formats.Title), infoLines(formats)),
		Keyboard: contentTypeKeyboard(formats, token),
	}
}

func formatMessage(kind media.ContentType, formats *media.FormatList, token string) Message {
	what := "video quality"
	if kind == media.ContentAudio {
		what = "audio format"
	}
	return Message{
		Text: fmt.Sprintf("🎯 <b>Choose the %s for:</b>\n%s <b>%s</b> - %s\n\n%s",
			what, platformEmoji(formats.Platform), html.EscapeString(formats.Platform), preview(formats.Title), infoLines(formats)),
		Keyboard: formatKeyboard(kind, formats, token),
	}
}

func infoLines(formats *media.FormatList) string {
	uploader := formats.Uploader
	if uploader == "" {
		uploader = "Unknown"
	}
	return fmt.Sprintf("👤 <b>Uploader:</b> %s\n⏱️ <b>Duration:</b> %s\n",
		html.EscapeString(uploader), formatDuration(formats.Duration))
}

func startingMessage(spec media.FormatSpec) Message {
	emoji, action := "🎬", "Downloading"
	if spec.Kind == media.ContentAudio {
		emoji, action = "🎵", "Extracting audio"
	}
	return Message{Text: fmt.Sprintf("%s <b>%s...</b>\n📊 Preparing download...", emoji, action)}
}

func queuedMessage(spec media.FormatSpec, jobID string) Message {
	msg := startingMessage(spec)
	msg.Keyboard = jobKeyboard(jobID)
	return msg
}

func progressBar(percent int) string {
	filled := percent / 10
	if filled > 10 {
		filled = 10
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}

func formatRate(bps float64) string {
	if bps <= 0 {
		return "N/A"
	}
	return formatFileSize(int64(bps)) + "/s"
}

func progressMessage(snap download.Snapshot) Message {
	switch snap.State {
	case download.StateQueued, download.StateResolving:
		return queuedMessage(snap.Spec, snap.ID)
	case download.StateUploading:
		return Message{Text: "📤 <b>Uploading...</b>\nPlease wait..."}
	}

	progress := fmt.Sprintf("[%s] %d%%", progressBar(snap.Percent), snap.Percent)
	if snap.BytesTotal <= 0 {
		progress = formatFileSize(snap.BytesDone) + " so far"
	}
	return Message{
		Text: fmt.Sprintf("⬇️ <b>Downloading...</b>\n📊 Progress: %s\n🚀 Speed: %s",
			progress, formatRate(snap.RateBps)),
		Keyboard: jobKeyboard(snap.ID),
	}
}

func completeMessage(snap download.Snapshot) Message {
	emoji, what := "🎬", "Video"
	if snap.Spec.Kind == media.ContentAudio {
		emoji, what = "🎵", "Audio"
	}
	return Message{
		Text: fmt.Sprintf("✅ <b>%s ready!</b>\n\n📁 <b>File:</b> %s\n📊 <b>Size:</b> %s\n\n%s <a href=\"%s\">Download</a>",
			what, html.EscapeString(snap.FileName), formatFileSize(snap.FileSize), emoji, html.EscapeString(snap.DeliveryURL)),
		Keyboard: mainMenuKeyboard(),
	}
}

func cancelledJobMessage() Message {
	return Message{Text: "❌ <b>Download cancelled.</b>\n\nStart a new one with /download"}
}

func cancelledSelectionMessage() Message {
	return Message{Text: "❌ <b>Operation cancelled.</b>\n\nStart a new download with /download"}
}

func sessionExpiredMessage() Message {
	return Message{Text: "⌛ <b>Session expired.</b>\n\nPlease use /download again."}
}

func invalidSessionMessage() Message {
	return Message{Text: "❌ This selection no longer applies. Please use /download again."}
}

func invalidSelectionMessage() Message {
	return Message{Text: "❌ Invalid selection."}
}

func cancelRefusedMessage() Message {
	return Message{Text: "⏳ The file is already being delivered and can no longer be cancelled."}
}

func rateLimitMessage(l Limits, minutes int) Message {
	return Message{
		Text: fmt.Sprintf("⏰ <b>Rate limit exceeded</b>\n\nYou can download %d files per %s.\n⏳ Try again in %d minutes.",
			l.MaxDownloads, formatWindow(l.Window), minutes),
	}
}

func invalidURLMessage() Message {
	return Message{
		Text: "❌ <b>Invalid URL</b>\n\nPlease provide a valid link.\n\n" +
			"📝 <b>Usage:</b> /download &lt;url&gt;\n" +
			"💡 <b>Example:</b> /download https://youtube.com/watch?v=...",
	}
}

func unknownCommandMessage(name string) Message {
	return Message{Text: fmt.Sprintf("🤷 Unknown command /%s. See /help.", html.EscapeString(name))}
}

// failureMessage renders a job or resolution error for the user. Internal
// details never reach the text.
func failureMessage(code string, details map[string]any, l Limits) Message {
	var text string
	switch code {
	case apperrors.CodeSizeExceeded:
		limit := l.MaxFileSizeMB
		if v, ok := details["limit_mb"]; ok {
			limit = toInt(v, limit)
		}
		text = fmt.Sprintf("📦 The file is larger than the %d MB limit.\nTry audio or a lower quality.", limit)
	case apperrors.CodeTimeoutExceeded:
		text = "⏱️ The download took too long and was stopped."
	case apperrors.CodeContentUnavailable:
		text = "🔒 This content is private or unavailable."
	case apperrors.CodeUnsupportedPlatform:
		text = "🚫 This link is not supported."
	case apperrors.CodeNetworkTimeout:
		text = "🌐 The source did not respond in time. Please try again later."
	case apperrors.CodeTranscodeError:
		text = "🎛️ Could not convert the file to the requested format."
	case apperrors.CodeDeliveryError:
		text = "📤 Could not deliver the file. Please try again."
	case apperrors.CodeMalformedURL:
		return invalidURLMessage()
	case apperrors.CodeCancelled:
		return cancelledJobMessage()
	default:
		text = "❌ Something went wrong. Please try again later."
	}
	return Message{Text: "❌ <b>Download failed</b>\n\n" + text}
}

func toInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

func statsMessage(l Limits, remaining int, active []download.Snapshot, recent []download.Snapshot, global ratelimit.Stats) Message {
	var b strings.Builder
	b.WriteString("📊 <b>Your statistics</b>\n\n")
	fmt.Fprintf(&b, "📥 Downloads left: %d of %d per %s\n", remaining, l.MaxDownloads, formatWindow(l.Window))
	fmt.Fprintf(&b, "📦 Max file size: %d MB\n", l.MaxFileSizeMB)
	fmt.Fprintf(&b, "⚙️ Running now: %d\n", len(active))

	if global.MaxPerUser > 0 {
		b.WriteString("\n🌐 <b>Service</b>\n")
		fmt.Fprintf(&b, "👥 Active users: %d\n", global.ActiveUsers)
		fmt.Fprintf(&b, "📥 Requests in the last %s: %d\n", formatWindow(global.Window), global.TotalRequests)
	}

	if len(recent) > 0 {
		b.WriteString("\n🕘 <b>Recent:</b>\n")
		for _, s := range recent {
			name := s.FileName
			if name == "" {
				name = s.Title
			}
			if name == "" {
				name = s.URL
			}
			fmt.Fprintf(&b, "%s %s (%s)\n", stateEmoji(s.State), preview(name), s.Spec.Choice())
		}
	}
	return Message{Text: b.String(), Keyboard: [][]Button{{{Text: "⬅️ Menu", Data: menuData(MenuMain)}}}}
}

func stateEmoji(s download.State) string {
	switch s {
	case download.StateSucceeded:
		return "✅"
	case download.StateFailed:
		return "❌"
	case download.StateCancelled:
		return "🚫"
	default:
		return "⏳"
	}
}
