package resolver

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/mediafetch/backend/internal/errors"
)

// urlPattern accepts http(s) URLs with a domain, localhost or IPv4 host.
var urlPattern = regexp.MustCompile(`(?i)^https?://` +
	`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+[A-Z]{2,6}\.?|localhost|\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
	`(?::\d+)?` +
	`(?:/?|[/?]\S+)$`)

// ParseURL checks raw is a syntactically valid http(s) URL.
func ParseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.MalformedURL(raw)
	}
	if !urlPattern.MatchString(raw) {
		return nil, apperrors.MalformedURL(raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, apperrors.MalformedURL(raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperrors.MalformedURL(raw)
	}
	return u, nil
}

// ValidURL reports whether raw passes ParseURL.
func ValidURL(raw string) bool {
	_, err := ParseURL(raw)
	return err == nil
}

const maxTitleRunes = 100

var titleReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
	`\`, "_", "|", "_", "?", "_", "*", "_",
)

// CleanTitle replaces characters that are unsafe in file names and caps the
// length at 100 characters.
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "Unknown"
	}
	title = titleReplacer.Replace(title)

	r := []rune(title)
	if len(r) > maxTitleRunes {
		title = string(r[:maxTitleRunes-3]) + "..."
	}
	return strings.TrimSpace(title)
}

// FileName turns a title into an ASCII-friendly file name, dropping
// diacritics so storage keys and Content-Disposition headers stay portable.
func FileName(title, ext string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, CleanTitle(title))
	if err != nil {
		folded = CleanTitle(title)
	}

	var b strings.Builder
	for _, r := range folded {
		switch {
		case r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		name = "media"
	}
	return name + "." + ext
}
