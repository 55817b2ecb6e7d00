package bot

import (
	"fmt"

	"github.com/mediafetch/backend/internal/media"
)

var choiceLabels = map[string]string{
	"720p":  "📱 720p - fast, smaller file",
	"1080p": "🖥️ 1080p - balanced",
	"best":  "⭐ Best available quality",
	"mp3":   fmt.Sprintf("🎵 MP3 - plays everywhere (%d kbps)", media.AudioBitrateKbps),
	"m4a":   fmt.Sprintf("🎶 M4A - smaller file (%d kbps)", media.AudioBitrateKbps),
	"ogg":   fmt.Sprintf("🔊 OGG - open format (%d kbps)", media.AudioBitrateKbps),
}

// contentTypeKeyboard only offers the content types the link has
func contentTypeKeyboard(formats *media.FormatList, token string) [][]Button {
	var rows [][]Button
	if formats.Offers(media.ContentVideo) {
		rows = append(rows, []Button{{Text: "🎬 Video", Data: typeData(media.ContentVideo, token)}})
	}
	if formats.Offers(media.ContentAudio) {
		rows = append(rows, []Button{{Text: "🎵 Audio only", Data: typeData(media.ContentAudio, token)}})
	}
	return append(rows, []Button{{Text: "❌ Cancel", Data: cancelData()}})
}

func formatKeyboard(kind media.ContentType, formats *media.FormatList, token string) [][]Button {
	options := formats.Video
	if kind == media.ContentAudio {
		options = formats.Audio
	}

	rows := make([][]Button, 0, len(options)+1)
	for _, spec := range options {
		label, ok := choiceLabels[spec.Choice()]
		if !ok {
			label = spec.Choice()
		}
		rows = append(rows, []Button{{Text: label, Data: formatData(spec, token)}})
	}
	return append(rows, []Button{
		{Text: "⬅️ Back", Data: backData(token)},
		{Text: "❌ Cancel", Data: cancelData()},
	})
}

func jobKeyboard(jobID string) [][]Button {
	return [][]Button{{{Text: "❌ Cancel download", Data: jobCancelData(jobID)}}}
}

func mainMenuKeyboard() [][]Button {
	return [][]Button{{
		{Text: "❓ Help", Data: menuData(MenuHelp)},
		{Text: "📊 Stats", Data: menuData(MenuStats)},
	}}
}
