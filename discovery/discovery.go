// Package discovery locates a site's advertised feed document starting from
// any page URL: direct probe, HTML autodiscovery, then well-known paths.
package discovery

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/cordfeeder/cordfeeder/feed"
	"github.com/cordfeeder/cordfeeder/fetcher"
)

// probeTimeout bounds each individual autodiscovery/well-known probe
// request; the caller's context bounds the discovery as a whole.
const probeTimeout = 10 * time.Second

// feedTypes are the <link type="..."> substrings that mark a feed.
var feedTypes = []string{"rss+xml", "atom+xml", "feed+json"}

// wellKnownPaths are probed at the origin, in order, as a last resort.
var wellKnownPaths = []string{
	"/feed",
	"/feed.xml",
	"/rss.xml",
	"/atom.xml",
	"/rss",
	"/index.xml",
	"/feed.json",
	"/blog/feed",
}

// NotFoundError is returned when every discovery strategy fails.
type NotFoundError struct {
	URL string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("no feed found at %s", e.URL)
}

// Discover finds the feed URL advertised by pageURL. The page may itself be
// the feed, may link one via <link rel="alternate">, or may expose one at a
// well-known path. The given client is used for every request.
func Discover(ctx context.Context, client *http.Client, pageURL string) (string, error) {
	logger := log.WithField("url", pageURL)
	logger.Info("Starting feed discovery")

	contentType, body, err := get(ctx, client, pageURL, 0)
	if err != nil {
		logger.WithError(err).Warn("Failed to fetch page")
		return "", NotFoundError{URL: pageURL}
	}

	if isValidFeed(body) {
		logger.Info("URL is a feed itself")
		return pageURL, nil
	}

	if looksLikeHTML(contentType, body) {
		for _, link := range findFeedLinks(body, pageURL) {
			_, probeBody, err := get(ctx, client, link, probeTimeout)
			if err != nil {
				logger.WithError(err).WithField("feed_url", link).Debug("Autodiscovered link failed")
				continue
			}
			if isValidFeed(probeBody) {
				logger.WithField("feed_url", link).Info("Discovered feed via link tag")
				return link, nil
			}
		}
	}

	if feedURL := probeWellKnown(ctx, client, pageURL); feedURL != "" {
		logger.WithField("feed_url", feedURL).Info("Discovered feed via well-known path")
		return feedURL, nil
	}

	logger.Warn("No feed found")
	return "", NotFoundError{URL: pageURL}
}

func probeWellKnown(ctx context.Context, client *http.Client, pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	origin := parsed.Scheme + "://" + parsed.Host

	for _, path := range wellKnownPaths {
		probeURL := origin + path
		// HEAD first: cheap filter before pulling the body down.
		ct, ok := head(ctx, client, probeURL)
		if !ok || !contentTypeLooksFeedish(ct) {
			continue
		}
		_, body, err := get(ctx, client, probeURL, probeTimeout)
		if err != nil {
			continue
		}
		if isValidFeed(body) {
			return probeURL
		}
	}
	return ""
}

// isValidFeed reports whether a body parses as a feed with at least one
// item or a non-empty title.
func isValidFeed(body []byte) bool {
	meta, items, err := feed.Parse(body)
	if err != nil {
		return false
	}
	return len(items) > 0 || meta.Title != ""
}

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	lead := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 100)])))
	return strings.HasPrefix(lead, "<!doctype") || strings.HasPrefix(lead, "<html")
}

func contentTypeLooksFeedish(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, kw := range []string{"xml", "rss", "atom", "json"} {
		if strings.Contains(ct, kw) {
			return true
		}
	}
	return false
}

// findFeedLinks extracts feed URLs from <link rel="alternate"> tags in
// document order, resolved against the page URL.
func findFeedLinks(body []byte, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []string
	tokenizer := html.NewTokenizer(strings.NewReader(string(body)))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return links
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		token := tokenizer.Token()
		if token.Data != "link" {
			continue
		}
		var rel, linkType, href string
		for _, attr := range token.Attr {
			switch strings.ToLower(attr.Key) {
			case "rel":
				rel = strings.ToLower(attr.Val)
			case "type":
				linkType = strings.ToLower(attr.Val)
			case "href":
				href = attr.Val
			}
		}
		if rel != "alternate" || href == "" || !isFeedType(linkType) {
			continue
		}
		resolved, err := base.Parse(href)
		if err != nil {
			continue
		}
		links = append(links, resolved.String())
	}
}

func isFeedType(linkType string) bool {
	for _, ft := range feedTypes {
		if strings.Contains(linkType, ft) {
			return true
		}
	}
	return false
}

func get(ctx context.Context, client *http.Client, rawURL string, timeout time.Duration) (contentType string, body []byte, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	body, err = ioutil.ReadAll(io.LimitReader(resp.Body, fetcher.MaxFeedBytes+1))
	if err != nil {
		return "", nil, err
	}
	if len(body) > fetcher.MaxFeedBytes {
		return "", nil, fetcher.TooLargeError{URL: rawURL}
	}
	return resp.Header.Get("Content-Type"), body, nil
}

func head(ctx context.Context, client *http.Client, rawURL string) (contentType string, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequest("HEAD", rawURL, nil)
	if err != nil {
		return "", false
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return "", false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	return resp.Header.Get("Content-Type"), true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
