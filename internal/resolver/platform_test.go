package resolver

import (
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := ParseURL(raw)
	if err != nil {
		t.Fatalf("ParseURL(%q): %v", raw, err)
	}
	return u
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw   string
		valid bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"http://vimeo.com/123", true},
		{"https://localhost:8080/video", true},
		{"https://192.168.0.1/clip", true},
		{"  https://x.com/user/status/1  ", true},
		{"youtube.com/watch?v=dQw4w9WgXcQ", false},
		{"ftp://example.com/file", false},
		{"https://", false},
		{"https://exa mple.com/", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidURL(tt.raw); got != tt.valid {
			t.Errorf("ValidURL(%q) = %v, want %v", tt.raw, got, tt.valid)
		}
	}
}

func TestRegistry_Detect(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name      string
		url       string
		platform  Platform
		mediaID   string
		mediaType string
		wantErr   bool
	}{
		{"youtube watch", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=10", PlatformYouTube, "dQw4w9WgXcQ", "video", false},
		{"youtu.be", "https://youtu.be/dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ", "video", false},
		{"youtube shorts", "https://youtube.com/shorts/dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ", "short", false},
		{"youtube music", "https://music.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ", "video", false},
		{"youtube mobile live", "https://m.youtube.com/live/dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ", "live", false},
		{"youtube bad id", "https://www.youtube.com/watch?v=abc", PlatformYouTube, "", "", true},
		{"youtube channel", "https://www.youtube.com/@someone", PlatformYouTube, "", "", true},
		{"soundcloud track", "https://soundcloud.com/artist-name/track-name", PlatformSoundCloud, "artist-name/track-name", "track", false},
		{"soundcloud set", "https://soundcloud.com/artist/sets/my-set", PlatformSoundCloud, "artist/sets/my-set", "playlist", false},
		{"soundcloud short", "https://on.soundcloud.com/AbC123", PlatformSoundCloud, "AbC123", "track", false},
		{"soundcloud reserved", "https://soundcloud.com/discover/sets", PlatformSoundCloud, "", "", true},
		{"soundcloud profile only", "https://soundcloud.com/artist", PlatformSoundCloud, "", "", true},
		{"tiktok", "https://www.tiktok.com/@u/video/123", PlatformTikTok, "", "", false},
		{"x.com", "https://x.com/user/status/123", PlatformTwitter, "", "", false},
		{"fb.watch", "https://fb.watch/abc/", PlatformFacebook, "", "", false},
		{"reddit video", "https://v.redd.it/xyz", PlatformReddit, "", "", false},
		{"dailymotion short", "https://dai.ly/x7", PlatformDailymotion, "", "", false},
		{"instagram root", "https://instagram.com/", PlatformInstagram, "", "", true},
		{"unknown host", "https://example.org/media/1", PlatformGeneric, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, err := r.Detect(mustParse(t, tt.url))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if det.Platform != tt.platform {
				t.Errorf("platform = %s, want %s", det.Platform, tt.platform)
			}
			if det.MediaID != tt.mediaID {
				t.Errorf("media id = %q, want %q", det.MediaID, tt.mediaID)
			}
			if det.MediaType != tt.mediaType {
				t.Errorf("media type = %q, want %q", det.MediaType, tt.mediaType)
			}
		})
	}
}

func TestRegistry_Platforms(t *testing.T) {
	if got := len(DefaultRegistry().Platforms()); got != 9 {
		t.Errorf("platforms = %d, want 9", got)
	}
	if got := len(NewRegistry().Platforms()); got != 0 {
		t.Errorf("empty registry has %d platforms", got)
	}
}

func TestYouTubeCanonical(t *testing.T) {
	det, err := NewYouTubeValidator().Validate(mustParse(t, "https://youtu.be/dQw4w9WgXcQ?si=share"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if det.Canonical != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("canonical = %s", det.Canonical)
	}
}
