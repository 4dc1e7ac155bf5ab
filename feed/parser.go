// Package feed parses RSS/Atom/JSON feed documents into plain-text items
// ready for chat delivery. Parsing is pure: no I/O, no shared state.
package feed

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ErrUnparseable is returned when a document yields no items and the
// underlying parser flagged an error.
var ErrUnparseable = errors.New("unparseable feed")

// summaryMaxLen is where item summaries are truncated, at a word boundary.
const summaryMaxLen = 300

// titleMaxLen bounds titles synthesized from the summary when the document
// carries none.
const titleMaxLen = 80

// An Item is one feed entry, HTML-stripped and truncated. Published carries
// the document-provided string unchanged; PublishedAt is its parsed form
// when the underlying parser recognised it.
type Item struct {
	Title       string
	Link        string
	GUID        string
	Summary     string
	Author      string
	Published   string
	PublishedAt *time.Time
	ImageURL    string
}

// Metadata is the feed-level header. TTL is the publisher-advertised
// refresh hint in minutes, 0 when absent.
type Metadata struct {
	Title       string
	Link        string
	Description string
	TTL         int
	ImageURL    string
}

// Parse turns a feed document into its metadata and items, in document
// order (by convention reverse-chronological). It fails with ErrUnparseable
// when the document is not a recognisable feed.
func Parse(body []byte) (*Metadata, []*Item, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	meta := &Metadata{
		Title:       parsed.Title,
		Link:        parsed.Link,
		Description: parsed.Description,
		TTL:         extractTTL(body),
	}
	if parsed.Image != nil {
		meta.ImageURL = parsed.Image.URL
	}

	// First pass: strip HTML from every summary but hold off truncating, so
	// the boilerplate pass sees full text.
	summaries := make([]string, len(parsed.Items))
	for i, entry := range parsed.Items {
		summaries[i] = stripHTML(rawSummary(entry))
	}
	summaries = trimBoilerplate(summaries)

	items := make([]*Item, 0, len(parsed.Items))
	for i, entry := range parsed.Items {
		summary := truncate(summaries[i], summaryMaxLen)
		title := entry.Title
		if title == "" {
			title = truncate(summary, titleMaxLen)
		}
		guid := entry.GUID
		if guid == "" {
			guid = entry.Link
		}
		item := &Item{
			Title:       title,
			Link:        entry.Link,
			GUID:        guid,
			Summary:     summary,
			Published:   entry.Published,
			PublishedAt: entry.PublishedParsed,
			ImageURL:    extractImage(entry),
		}
		if entry.Author != nil {
			item.Author = entry.Author.Name
		}
		items = append(items, item)
	}
	return meta, items, nil
}

// rawSummary picks the first non-empty of summary/description and content.
// gofeed maps RSS <description> and Atom <summary> onto Description.
func rawSummary(entry *gofeed.Item) string {
	if entry.Description != "" {
		return entry.Description
	}
	return entry.Content
}

var (
	anchorRe = regexp.MustCompile(`(?is)<a\b[^>]*href=["']([^"']*)["'][^>]*>(.*?)</a>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	spacesRe = regexp.MustCompile(`  +`)
)

// stripHTML flattens an HTML fragment to plain text. Anchors whose visible
// text is the same bare URL as their href ("read more" spam) vanish
// entirely; other tags just drop their markup.
func stripHTML(raw string) string {
	s := anchorRe.ReplaceAllStringFunc(raw, func(anchor string) string {
		parts := anchorRe.FindStringSubmatch(anchor)
		href := parts[1]
		text := strings.TrimSpace(tagRe.ReplaceAllString(parts[2], ""))
		if text == href {
			return ""
		}
		return anchor
	})
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = spacesRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// truncate cuts text at the last word boundary within max runes, appending
// an ellipsis when shortened.
func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	lastSpace := -1
	for i, r := range cut {
		if r == ' ' {
			lastSpace = i
		}
	}
	if lastSpace > 0 {
		cut = cut[:lastSpace]
	}
	return string(cut) + "…"
}

var imgRe = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// extractImage finds an image URL for an item: media:content marked as an
// image, then media:thumbnail, then image-typed enclosures, then the first
// <img> embedded in the raw summary/content HTML.
func extractImage(entry *gofeed.Item) string {
	if media, ok := entry.Extensions["media"]; ok {
		for _, content := range media["content"] {
			u := content.Attrs["url"]
			if u == "" {
				continue
			}
			if content.Attrs["medium"] == "image" || hasImageExtension(u) {
				return u
			}
		}
		for _, thumb := range media["thumbnail"] {
			if u := thumb.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	for _, enc := range entry.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	for _, raw := range []string{entry.Description, entry.Content} {
		if raw == "" {
			continue
		}
		if m := imgRe.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
	}
	return ""
}

func hasImageExtension(rawURL string) bool {
	u := strings.ToLower(rawURL)
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(u, ext) {
			return true
		}
	}
	return false
}

// gofeed does not surface the RSS <ttl> hint, so pull it straight from the
// document.
var ttlRe = regexp.MustCompile(`(?i)<ttl>\s*(\d+)\s*</ttl>`)

func extractTTL(body []byte) int {
	m := ttlRe.FindSubmatch(body)
	if m == nil {
		return 0
	}
	ttl, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0
	}
	return ttl
}
