package processor

import (
	"net/url"
	"regexp"
	"strings"
)

var youtubeID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ExternalVideoID extracts the YouTube video id from the common URL shapes
// without a network call. ok is false for anything it does not recognize.
func ExternalVideoID(raw string) (id string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		if u.Path == "/watch" {
			id = u.Query().Get("v")
			break
		}
		for _, prefix := range []string{"/shorts/", "/embed/", "/live/", "/v/"} {
			if rest, found := strings.CutPrefix(u.Path, prefix); found {
				id, _, _ = strings.Cut(rest, "/")
				break
			}
		}
	}
	if !youtubeID.MatchString(id) {
		return "", false
	}
	return id, true
}
