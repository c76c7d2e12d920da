// internal/task/target.go
package task

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/valpere/MediaHarvester/internal/utils"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var watchHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
}

// ParseTarget extracts the video id from a watch, short, shorts, embed
// or live URL, or accepts a bare 11 character id.
func ParseTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if videoIDPattern.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", invalidTarget(raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", invalidTarget(raw)
	}

	host := strings.ToLower(u.Hostname())
	var id string
	switch {
	case host == "youtu.be":
		id = strings.Trim(u.Path, "/")
	case watchHosts[host]:
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		switch {
		case len(parts) == 1 && parts[0] == "watch":
			id = u.Query().Get("v")
		case len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live" || parts[0] == "v"):
			id = parts[1]
		}
	}

	if !videoIDPattern.MatchString(id) {
		return "", invalidTarget(raw)
	}
	return id, nil
}

func invalidTarget(raw string) error {
	return utils.NewError(utils.ErrCodeInvalidTarget, "unsupported target").
		WithContext("target", raw).
		Build()
}
