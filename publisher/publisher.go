// Package publisher contains Publisher implementations. The chat-platform
// adapter lives behind types.Publisher; LogPublisher stands in when no
// adapter is configured, so the poller can run against real feeds without
// sending anything.
package publisher

import (
	"context"
	"strconv"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// LogPublisher logs every message instead of delivering it. Channels always
// resolve and every post "succeeds" with a synthetic message id.
type LogPublisher struct {
	nextID int64
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

// Post logs the message and returns a synthetic message id.
func (p *LogPublisher) Post(ctx context.Context, channelID, message string) (string, error) {
	id := atomic.AddInt64(&p.nextID, 1)
	log.WithFields(log.Fields{
		"channel_id": channelID,
		"message_id": id,
	}).Info("Would post message:\n" + message)
	return strconv.FormatInt(id, 10), nil
}

// NotifyRemoved logs the removal notice.
func (p *LogPublisher) NotifyRemoved(ctx context.Context, channelID, text string) {
	log.WithField("channel_id", channelID).Info("Would notify: " + text)
}

// ResolveChannel always succeeds.
func (p *LogPublisher) ResolveChannel(channelID string) bool {
	return true
}
