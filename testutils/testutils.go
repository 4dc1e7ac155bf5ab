// Package testutils provides HTTP and publisher test doubles shared by the
// package tests.
package testutils

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
)

// MockTransport implements RoundTripper
type MockTransport struct {
	// RT is the RoundTrip function. Replace this function with your test function.
	// For example:
	//   t := MockTransport{}
	//   t.RT = func(req *http.Request) (*http.Response, error) {
	//       // assert req args, return res or error
	//   }
	RT func(*http.Request) (*http.Response, error)
}

// RoundTrip is a RoundTripper
func (t MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.RT(req)
}

// NewRoundTripper returns a new RoundTripper which will call the provided function.
func NewRoundTripper(roundTrip func(*http.Request) (*http.Response, error)) http.RoundTripper {
	rt := MockTransport{}
	rt.RT = roundTrip
	return rt
}

// NewResponse builds an *http.Response with the given status, headers and
// body, ready to return from a MockTransport.
func NewResponse(status int, headers map[string]string, body string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       ioutil.NopCloser(bytes.NewBufferString(body)),
	}
}

// FeedResponse builds a 200 response carrying an RSS document.
func FeedResponse(body string) *http.Response {
	return NewResponse(200, map[string]string{"Content-Type": "application/rss+xml"}, body)
}

// A Post records one publisher call.
type Post struct {
	ChannelID string
	Message   string
}

// MockPublisher records posts instead of sending them. Set FailPosts to
// make every Post return an error, and DeadChannels to make specific
// channels unresolvable.
type MockPublisher struct {
	FailPosts    bool
	DeadChannels map[string]bool

	mu       sync.Mutex
	attempts int
	posts    []Post
	notices  []Post
}

// Post records the message and returns a synthetic message id.
func (p *MockPublisher) Post(ctx context.Context, channelID, message string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.FailPosts {
		return "", fmt.Errorf("post to %s failed", channelID)
	}
	p.posts = append(p.posts, Post{ChannelID: channelID, Message: message})
	return fmt.Sprintf("msg-%d", len(p.posts)), nil
}

// NotifyRemoved records the notice.
func (p *MockPublisher) NotifyRemoved(ctx context.Context, channelID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, Post{ChannelID: channelID, Message: text})
}

// ResolveChannel consults DeadChannels.
func (p *MockPublisher) ResolveChannel(channelID string) bool {
	return !p.DeadChannels[channelID]
}

// Posts returns a copy of the recorded posts.
func (p *MockPublisher) Posts() []Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Post(nil), p.posts...)
}

// Attempts returns how many times Post was invoked, including failures.
func (p *MockPublisher) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Notices returns a copy of the recorded removal notices.
func (p *MockPublisher) Notices() []Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Post(nil), p.notices...)
}
