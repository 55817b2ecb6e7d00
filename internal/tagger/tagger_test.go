package tagger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2"
)

func TestFromTitle(t *testing.T) {
	tests := []struct {
		title, uploader string
		artist, track   string
	}{
		{"Daft Punk - One More Time (Official Video)", "DaftPunkVEVO", "Daft Punk", "One More Time"},
		{"Artist | Song [HD]", "", "Artist", "Song"},
		{"Just A Song (Lyric Video)", "Uploader", "Uploader", "Just A Song"},
		{"Song [Lyrics] extra", "", "", "Song extra"},
	}
	for _, tt := range tests {
		got := FromTitle(tt.title, tt.uploader, "")
		if got.Artist != tt.artist || got.Title != tt.track {
			t.Errorf("FromTitle(%q) = %q/%q, want %q/%q", tt.title, got.Artist, got.Title, tt.artist, tt.track)
		}
	}
}

func TestApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.mp3")
	if err := os.WriteFile(path, []byte{0xFF, 0xFB, 0x90, 0x00, 0x00, 0x00}, 0644); err != nil {
		t.Fatal(err)
	}

	err := New().Apply(path, Tags{Title: "One More Time", Artist: "Daft Punk", SourceURL: "https://youtu.be/x"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tag.Close()

	if tag.Title() != "One More Time" {
		t.Errorf("title = %q", tag.Title())
	}
	if tag.Artist() != "Daft Punk" {
		t.Errorf("artist = %q", tag.Artist())
	}
	if n := len(tag.GetFrames(tag.CommonID("Comments"))); n != 1 {
		t.Errorf("comment frames = %d, want 1", n)
	}
}

func TestApply_MissingFile(t *testing.T) {
	if err := New().Apply(filepath.Join(t.TempDir(), "nope.mp3"), Tags{Title: "x"}); err == nil {
		t.Error("expected error for missing file")
	}
}
