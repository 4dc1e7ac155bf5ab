// Package types holds the data types shared between the store, the poller
// and the command layer.
package types

import (
	"context"
	"time"
)

// A Subscription is a registered intent to deliver new items from one feed
// URL into one chat channel. Channel, server and user identifiers are opaque
// strings owned by the chat platform.
type Subscription struct {
	ID          int64
	FeedURL     string
	DisplayName string
	ChannelID   string
	ServerID    string
	AddedBy     string
	CreatedAt   time.Time
	State       PollState
}

// PollState is the per-subscription polling state. It is mutated by the
// poller only; commands never touch it apart from resetting on URL changes.
type PollState struct {
	ETag              string
	LastModified      string
	LastPollAt        *time.Time
	NextPollAt        *time.Time
	PollInterval      int // nominal interval, seconds
	ConsecutiveErrors int
	LastError         string
}

// Publisher turns rendered feed items into chat messages. Implementations
// must be safe for concurrent use; the poller calls Post from many
// goroutines.
type Publisher interface {
	// Post sends a rendered message to a channel and returns the platform
	// message ID when one is available.
	Post(ctx context.Context, channelID, message string) (messageID string, err error)
	// NotifyRemoved sends a best-effort one-shot notice to a channel before
	// its subscription is auto-removed.
	NotifyRemoved(ctx context.Context, channelID, text string)
	// ResolveChannel reports whether a channel still exists. When it returns
	// false the poller skips sending but still journals the item.
	ResolveChannel(channelID string) bool
}
