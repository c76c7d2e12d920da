// internal/executor/page.go
package executor

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/valpere/MediaHarvester/internal/strategy"
)

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?T?(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// blockMarkers are page texts shown instead of the player when the
// request was flagged. They are returned verbatim so detection
// signatures can classify them.
var blockMarkers = []string{
	"confirm you're not a bot",
	"unusual traffic",
	"our systems have detected",
	"before you continue",
}

// ParseWatchPage reads title, author, duration and thumbnail from a
// rendered watch page.
func ParseWatchPage(html, target string) (*strategy.Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	text := strings.ToLower(doc.Find("body").Text())
	for _, marker := range blockMarkers {
		if strings.Contains(text, marker) {
			return nil, fmt.Errorf("page blocked: %s", marker)
		}
	}

	meta := func(selector string) string {
		v, _ := doc.Find(selector).First().Attr("content")
		return strings.TrimSpace(v)
	}

	res := &strategy.Result{
		VideoID:     meta(`meta[itemprop="videoId"]`),
		Title:       meta(`meta[property="og:title"]`),
		Description: meta(`meta[property="og:description"]`),
		Thumbnail:   meta(`meta[property="og:image"]`),
		Method:      strategy.MethodBrowserPage,
	}
	if res.Title == "" {
		res.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if author, ok := doc.Find(`[itemprop="author"] link[itemprop="name"]`).First().Attr("content"); ok {
		res.Author = strings.TrimSpace(author)
	}
	if d, err := parseISODuration(meta(`meta[itemprop="duration"]`)); err == nil {
		res.Duration = d
	}
	if res.VideoID == "" {
		res.VideoID = target
	}
	if res.Title == "" || (res.VideoID != target && target != "") {
		return nil, errors.New("unable to extract video metadata from page")
	}
	return res, nil
}

func parseISODuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, u := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * u
	}
	return d, nil
}
