// Package tagger writes ID3 tags to delivered MP3 artifacts.
package tagger

import (
	"os"
	"regexp"
	"strings"

	"github.com/bogem/id3v2"
)

// Tags are the frames written to an MP3
type Tags struct {
	Title     string
	Artist    string
	SourceURL string
}

// FromTitle derives artist and track from a media title of the form
// "Artist - Track". Without a separator the uploader is used as artist.
func FromTitle(title, uploader, sourceURL string) Tags {
	artist, track := parseArtistTrack(title, uploader)
	return Tags{Title: track, Artist: artist, SourceURL: sourceURL}
}

// Tagger writes ID3v2 tags in place.
type Tagger struct{}

func New() *Tagger {
	return &Tagger{}
}

// Apply opens path, replaces title/artist/comment frames and saves. Files
// without an existing tag get a fresh one.
func (t *Tagger) Apply(path string, tags Tags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		tag = id3v2.NewEmptyTag()
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	if tags.Title != "" {
		tag.SetTitle(tags.Title)
	}
	if tags.Artist != "" {
		tag.SetArtist(tags.Artist)
	}

	tag.DeleteFrames(tag.CommonID("Comments"))
	if tags.SourceURL != "" {
		tag.AddCommentFrame(id3v2.CommentFrame{
			Encoding:    id3v2.EncodingUTF8,
			Language:    "eng",
			Description: "source",
			Text:        tags.SourceURL,
		})
	}

	return tag.Save()
}

var titleSeparators = []string{" - ", " — ", " – ", " | "}

func parseArtistTrack(title, uploader string) (artist, track string) {
	for _, sep := range titleSeparators {
		if idx := strings.Index(title, sep); idx > 0 {
			artist = strings.TrimSpace(title[:idx])
			track = cleanTrackName(title[idx+len(sep):])
			return artist, track
		}
	}
	return strings.TrimSpace(uploader), cleanTrackName(title)
}

// suffixes like "(Official Video)" or "[HD]" that are not part of the name
var trackNoise = regexp.MustCompile(`(?i)\s*(\((official|lyric|audio|music video|visualizer)[^)]*\)|\[(official[^\]]*|hd|hq|4k|lyrics)\])`)

func cleanTrackName(track string) string {
	return strings.TrimSpace(trackNoise.ReplaceAllString(track, ""))
}
