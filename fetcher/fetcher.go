// Package fetcher performs polite conditional HTTP fetches of feed
// documents: validator headers, body size caps, per-host concurrency
// limits and typed failure classification.
package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cordfeeder/cordfeeder/types"
)

// MaxFeedBytes is the hard cap on response bodies. Reading even one byte
// past it fails the fetch.
const MaxFeedBytes = 10 << 20

// FetchTimeout bounds a whole poll-path fetch including the body read.
const FetchTimeout = 30 * time.Second

// perHostLimit caps in-flight requests per remote host.
const perHostLimit = 2

// otherHostBucket is the semaphore bucket for URLs without a recognizable
// hostname.
const otherHostBucket = "\x00other"

// A Result is a successful fetch: either a 304 (NotModified) or a fresh
// body with the validators the server returned alongside it.
type Result struct {
	NotModified  bool
	Body         []byte
	ETag         string
	LastModified string
}

// GoneError reports HTTP 410: the feed is permanently gone.
type GoneError struct {
	URL string
}

func (e GoneError) Error() string { return fmt.Sprintf("feed %s is gone (410)", e.URL) }

// RateLimitError reports HTTP 403 or 429. RetryAfter is the server-supplied
// delay in seconds when it sent a numeric Retry-After header.
type RateLimitError struct {
	URL           string
	RetryAfter    int
	HasRetryAfter bool
}

func (e RateLimitError) Error() string { return fmt.Sprintf("feed %s rate limited", e.URL) }

// ServerError reports a 5xx status.
type ServerError struct {
	URL    string
	Status int
}

func (e ServerError) Error() string {
	return fmt.Sprintf("feed %s server error %d", e.URL, e.Status)
}

// HTTPError reports any other unexpected status.
type HTTPError struct {
	URL    string
	Status int
}

func (e HTTPError) Error() string { return fmt.Sprintf("feed %s HTTP %d", e.URL, e.Status) }

// TooLargeError reports a body exceeding MaxFeedBytes.
type TooLargeError struct {
	URL string
}

func (e TooLargeError) Error() string {
	return fmt.Sprintf("feed %s body exceeds %d bytes", e.URL, MaxFeedBytes)
}

// NetworkError wraps connection, DNS and timeout failures.
type NetworkError struct {
	URL string
	Err error
}

func (e NetworkError) Error() string { return fmt.Sprintf("feed %s: %v", e.URL, e.Err) }

// Unwrap exposes the underlying transport error.
func (e NetworkError) Unwrap() error { return e.Err }

// A Fetcher issues feed requests over a shared HTTP client. Safe for
// concurrent use; host semaphores are created lazily and live for the
// process lifetime.
type Fetcher struct {
	client    *http.Client
	userAgent string

	mu       sync.Mutex
	hostSems map[string]*semaphore.Weighted
}

// New creates a Fetcher around the given client. The client must be safe
// for concurrent use.
func New(client *http.Client, userAgent string) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		hostSems:  make(map[string]*semaphore.Weighted),
	}
}

// Fetch performs one conditional fetch for a subscription, sending its
// saved validators. A 304 yields Result.NotModified; a 200 yields the body
// plus whatever validators the server returned (empty strings when the
// server sent none, which must clear the stored values).
func (f *Fetcher) Fetch(ctx context.Context, sub *types.Subscription) (*Result, error) {
	headers := make(http.Header)
	if sub.State.ETag != "" {
		headers.Set("If-None-Match", sub.State.ETag)
	}
	if sub.State.LastModified != "" {
		headers.Set("If-Modified-Since", sub.State.LastModified)
	}
	return f.do(ctx, sub.FeedURL, headers)
}

// FetchURL performs an unconditional fetch, used by the command path for
// previews and subscription bootstraps.
func (f *Fetcher) FetchURL(ctx context.Context, feedURL string) ([]byte, error) {
	res, err := f.do(ctx, feedURL, nil)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

func (f *Fetcher) do(ctx context.Context, feedURL string, headers http.Header) (*Result, error) {
	sem := f.hostSemaphore(feedURL)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, NetworkError{URL: feedURL, Err: err}
	}
	defer sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequest("GET", feedURL, nil)
	if err != nil {
		return nil, NetworkError{URL: feedURL, Err: err}
	}
	req = req.WithContext(ctx)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, NetworkError{URL: feedURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Result{NotModified: true}, nil
	case resp.StatusCode == http.StatusGone:
		return nil, GoneError{URL: feedURL}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, rateLimitError(feedURL, resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		return nil, ServerError{URL: feedURL, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, HTTPError{URL: feedURL, Status: resp.StatusCode}
	}

	body, err := f.readBody(feedURL, resp)
	if err != nil {
		return nil, err
	}
	return &Result{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// readBody reads the response body under the size cap, transparently
// inflating gzip (we ask for it explicitly, so net/http won't).
func (f *Fetcher) readBody(feedURL string, resp *http.Response) ([]byte, error) {
	body, err := readCapped(feedURL, resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return body, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, NetworkError{URL: feedURL, Err: err}
	}
	defer gz.Close()
	return readCapped(feedURL, gz)
}

func readCapped(feedURL string, r io.Reader) ([]byte, error) {
	data, err := ioutil.ReadAll(io.LimitReader(r, MaxFeedBytes+1))
	if err != nil {
		return nil, NetworkError{URL: feedURL, Err: err}
	}
	if len(data) > MaxFeedBytes {
		return nil, TooLargeError{URL: feedURL}
	}
	return data, nil
}

// Retry-After is honoured only in its integer-seconds form; HTTP-dates are
// treated as absent.
func rateLimitError(feedURL, retryAfter string) RateLimitError {
	e := RateLimitError{URL: feedURL}
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			e.RetryAfter = secs
			e.HasRetryAfter = true
		}
	}
	return e
}

func (f *Fetcher) hostSemaphore(feedURL string) *semaphore.Weighted {
	host := otherHostBucket
	if u, err := url.Parse(feedURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sem, ok := f.hostSems[host]
	if !ok {
		sem = semaphore.NewWeighted(perHostLimit)
		f.hostSems[host] = sem
	}
	return sem
}
