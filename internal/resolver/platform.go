package resolver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Platform identifies the site a URL belongs to
type Platform string

const (
	PlatformYouTube     Platform = "youtube"
	PlatformSoundCloud  Platform = "soundcloud"
	PlatformTikTok      Platform = "tiktok"
	PlatformInstagram   Platform = "instagram"
	PlatformTwitter     Platform = "twitter"
	PlatformFacebook    Platform = "facebook"
	PlatformVimeo       Platform = "vimeo"
	PlatformDailymotion Platform = "dailymotion"
	PlatformReddit      Platform = "reddit"
	// PlatformGeneric is any other host; the backend decides whether it can
	// handle it.
	PlatformGeneric Platform = "generic"
)

// Detection is what a validator learned from the URL alone
type Detection struct {
	Platform  Platform `json:"platform"`
	MediaID   string   `json:"media_id,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
	Canonical string   `json:"canonical_url,omitempty"`
}

// Validator recognises the URLs of one platform
type Validator interface {
	Platform() Platform
	CanHandle(u *url.URL) bool
	Validate(u *url.URL) (Detection, error)
}

// normalizedHost lowercases the host and drops www./m. prefixes and any port.
func normalizedHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	return host
}

func pathSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// youtubeValidator accepts watch, short, embed, shorts and live links
type youtubeValidator struct {
	videoID *regexp.Regexp
}

func NewYouTubeValidator() Validator {
	return &youtubeValidator{videoID: regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)}
}

func (v *youtubeValidator) Platform() Platform { return PlatformYouTube }

func (v *youtubeValidator) CanHandle(u *url.URL) bool {
	switch normalizedHost(u) {
	case "youtube.com", "youtu.be", "music.youtube.com":
		return true
	}
	return false
}

var youtubePathKinds = []struct {
	prefix    string
	mediaType string
}{
	{"/shorts/", "short"},
	{"/embed/", "video"},
	{"/v/", "video"},
	{"/live/", "live"},
}

func (v *youtubeValidator) Validate(u *url.URL) (Detection, error) {
	var id, kind string

	if normalizedHost(u) == "youtu.be" {
		id, kind = strings.TrimPrefix(u.Path, "/"), "video"
	} else if strings.HasPrefix(u.Path, "/watch") {
		id, kind = u.Query().Get("v"), "video"
	} else {
		for _, pk := range youtubePathKinds {
			if strings.HasPrefix(u.Path, pk.prefix) {
				id, kind = strings.TrimPrefix(u.Path, pk.prefix), pk.mediaType
				break
			}
		}
	}

	if i := strings.IndexAny(id, "/?"); i != -1 {
		id = id[:i]
	}
	if id == "" {
		return Detection{}, fmt.Errorf("could not extract video ID from URL")
	}
	if !v.videoID.MatchString(id) {
		return Detection{}, fmt.Errorf("invalid video ID format")
	}

	return Detection{
		Platform:  PlatformYouTube,
		MediaID:   id,
		MediaType: kind,
		Canonical: "https://www.youtube.com/watch?v=" + id,
	}, nil
}

// soundcloudValidator accepts track, playlist and short links
type soundcloudValidator struct {
	username *regexp.Regexp
	slug     *regexp.Regexp
}

func NewSoundCloudValidator() Validator {
	return &soundcloudValidator{
		username: regexp.MustCompile(`^[a-zA-Z0-9_-]{3,25}$`),
		slug:     regexp.MustCompile(`^[a-zA-Z0-9_-]+$`),
	}
}

func (v *soundcloudValidator) Platform() Platform { return PlatformSoundCloud }

func (v *soundcloudValidator) CanHandle(u *url.URL) bool {
	switch normalizedHost(u) {
	case "soundcloud.com", "on.soundcloud.com":
		return true
	}
	return false
}

// pages on soundcloud.com that are not user profiles
var soundcloudReserved = map[string]bool{
	"discover": true, "stream": true, "you": true, "search": true,
	"upload": true, "people": true, "groups": true, "tags": true,
	"popular": true, "charts": true, "terms-of-use": true, "privacy": true,
}

func (v *soundcloudValidator) Validate(u *url.URL) (Detection, error) {
	segs := pathSegments(u.Path)

	if normalizedHost(u) == "on.soundcloud.com" {
		if len(segs) != 1 || !v.slug.MatchString(segs[0]) {
			return Detection{}, fmt.Errorf("invalid SoundCloud short link")
		}
		return Detection{Platform: PlatformSoundCloud, MediaID: segs[0], MediaType: "track"}, nil
	}

	if len(segs) < 2 {
		return Detection{}, fmt.Errorf("URL does not point to a SoundCloud track")
	}
	user := segs[0]
	if soundcloudReserved[user] {
		return Detection{}, fmt.Errorf("URL points to a reserved SoundCloud page")
	}
	if !v.username.MatchString(user) {
		return Detection{}, fmt.Errorf("invalid SoundCloud username format")
	}

	if segs[1] == "sets" {
		if len(segs) < 3 || !v.slug.MatchString(segs[2]) {
			return Detection{}, fmt.Errorf("invalid playlist slug format")
		}
		id := user + "/sets/" + segs[2]
		return Detection{Platform: PlatformSoundCloud, MediaID: id, MediaType: "playlist", Canonical: "https://soundcloud.com/" + id}, nil
	}

	if !v.slug.MatchString(segs[1]) {
		return Detection{}, fmt.Errorf("invalid track slug format")
	}
	id := user + "/" + segs[1]
	return Detection{Platform: PlatformSoundCloud, MediaID: id, MediaType: "track", Canonical: "https://soundcloud.com/" + id}, nil
}

// hostValidator recognises a platform by host only and leaves the path to
// the backend.
type hostValidator struct {
	platform Platform
	hosts    map[string]bool
}

func NewHostValidator(p Platform, hosts ...string) Validator {
	set := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		set[h] = true
	}
	return &hostValidator{platform: p, hosts: set}
}

func (v *hostValidator) Platform() Platform { return v.platform }

func (v *hostValidator) CanHandle(u *url.URL) bool {
	return v.hosts[normalizedHost(u)]
}

func (v *hostValidator) Validate(u *url.URL) (Detection, error) {
	if len(pathSegments(u.Path)) == 0 {
		return Detection{}, fmt.Errorf("URL has no media path")
	}
	return Detection{Platform: v.platform}, nil
}

// Registry picks the validator for a URL
type Registry struct {
	mu         sync.RWMutex
	validators []Validator
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = append(r.validators, v)
}

// Detect runs the first validator that claims u. Hosts no validator claims
// are reported as PlatformGeneric.
func (r *Registry) Detect(u *url.URL) (Detection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.validators {
		if v.CanHandle(u) {
			return v.Validate(u)
		}
	}
	return Detection{Platform: PlatformGeneric}, nil
}

// Platforms lists the registered platforms
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Platform, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, v.Platform())
	}
	return out
}

// DefaultRegistry knows every platform the bot advertises
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewYouTubeValidator())
	r.Register(NewSoundCloudValidator())
	r.Register(NewHostValidator(PlatformTikTok, "tiktok.com", "vm.tiktok.com", "vt.tiktok.com"))
	r.Register(NewHostValidator(PlatformInstagram, "instagram.com"))
	r.Register(NewHostValidator(PlatformTwitter, "twitter.com", "x.com", "mobile.twitter.com"))
	r.Register(NewHostValidator(PlatformFacebook, "facebook.com", "fb.watch"))
	r.Register(NewHostValidator(PlatformVimeo, "vimeo.com", "player.vimeo.com"))
	r.Register(NewHostValidator(PlatformDailymotion, "dailymotion.com", "dai.ly"))
	r.Register(NewHostValidator(PlatformReddit, "reddit.com", "old.reddit.com", "v.redd.it"))
	return r
}
