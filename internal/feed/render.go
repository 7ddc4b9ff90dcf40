package feed

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/feeds"
)

const (
	cacheControl = "public, max-age=300"
	contentType  = "application/rss+xml; charset=utf-8"

	// hardItemLimit caps the limit query parameter.
	hardItemLimit = 1000
)

var (
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	styleAttrRe = regexp.MustCompile(`(?i)\s+style\s*=\s*["'][^"']*["']`)
	spaceRe     = regexp.MustCompile(`\s+`)
	interTagRe  = regexp.MustCompile(`>\s+<`)
)

// stripStyles removes inline styling so readers apply their own.
func stripStyles(s string) string {
	s = styleTagRe.ReplaceAllString(s, "")
	s = styleAttrRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	s = interTagRe.ReplaceAllString(s, "><")

	return strings.TrimSpace(s)
}

func description(it Item) string {
	var b strings.Builder

	if it.Department != "" {
		fmt.Fprintf(&b, "<p><strong>发布单位:</strong> %s</p>", html.EscapeString(it.Department))
	}

	if it.Category != "" {
		fmt.Fprintf(&b, "<p><strong>分类:</strong> %s</p>", html.EscapeString(it.Category))
	}

	if it.Summary != "" {
		b.WriteString(stripStyles(it.Summary))
	}

	if b.Len() == 0 {
		return html.EscapeString(it.Title)
	}

	return b.String()
}

// Render produces an RSS 2.0 document for items.
func Render(id Identity, items []Item, now time.Time) (string, error) {
	f := &feeds.Feed{
		Title:       id.Title,
		Link:        &feeds.Link{Href: id.Link},
		Description: id.Description,
		Updated:     now,
	}

	for _, it := range items {
		guid := it.ID
		if guid == "" {
			guid = it.Link
		}

		f.Items = append(f.Items, &feeds.Item{
			Id:          guid,
			Title:       it.Title,
			Link:        &feeds.Link{Href: it.Link},
			Description: description(it),
			Created:     it.Published,
		})
	}

	rss := (&feeds.Rss{Feed: f}).RssFeed()
	rss.Language = id.Language

	return feeds.ToXML(rss)
}

// Handler serves the feed. A limit query parameter overrides defaultLimit,
// capped at 1000 items.
func Handler(source Source, id Identity, defaultLimit int, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultLimit

		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}

			limit = min(n, hardItemLimit)
		}

		items, err := source.Items(r.Context(), limit)
		if err != nil {
			logger.Error("loading feed items failed", slog.String("error", err.Error()))
			sentry.CaptureException(err)
			http.Error(w, "feed unavailable", http.StatusServiceUnavailable)

			return
		}

		body, err := Render(id, items, time.Now().UTC())
		if err != nil {
			logger.Error("rendering feed failed", slog.String("error", err.Error()))
			sentry.CaptureException(err)
			http.Error(w, "feed unavailable", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", cacheControl)

		if id.SelfLink != "" {
			w.Header().Set("Content-Location", id.SelfLink)
		}

		_, _ = w.Write([]byte(body))
	}
}
