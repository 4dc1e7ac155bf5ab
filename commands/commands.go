// Package commands implements the administrator command facade: subscribe,
// unsubscribe, list, preview, status and feed-URL repair. It owns its own
// caching HTTP client so repeated previews of the same feed don't hammer
// the upstream.
package commands

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/lrucache"
	"github.com/gregjones/httpcache"
	log "github.com/sirupsen/logrus"

	"github.com/cordfeeder/cordfeeder/config"
	"github.com/cordfeeder/cordfeeder/database"
	"github.com/cordfeeder/cordfeeder/discovery"
	"github.com/cordfeeder/cordfeeder/feed"
	"github.com/cordfeeder/cordfeeder/fetcher"
	"github.com/cordfeeder/cordfeeder/format"
	"github.com/cordfeeder/cordfeeder/metrics"
	"github.com/cordfeeder/cordfeeder/types"
)

// commandTimeout bounds a whole command-path fetch, shorter than the poll
// path because an admin is waiting on the reply.
const commandTimeout = 15 * time.Second

var cachingClient *http.Client

func init() {
	lruCache := lrucache.New(1024*1024*20, 0) // 20 MB cache, doesn't expire
	cachingClient = &http.Client{Transport: httpcache.NewTransport(lruCache)}
}

// Outcome classifies what a subscribe call did.
type Outcome int

const (
	// Created: a new subscription was added and bootstrapped.
	Created Outcome = iota
	// Moved: the feed was already subscribed on this server and has been
	// repointed at the requested channel.
	Moved
	// AlreadyHere: the feed already delivers to the requested channel.
	AlreadyHere
	// NotFound: no feed was discovered at the URL, or no subscription
	// matched the given id on this server.
	NotFound
)

// SubscribeResult reports the outcome of a subscribe call.
type SubscribeResult struct {
	Outcome     Outcome
	ID          int64
	DisplayName string
	FeedURL     string
}

// Commands is the facade the chat frontend calls into. Safe for concurrent
// use.
type Commands struct {
	cfg   *config.Config
	db    database.Storer
	pub   types.Publisher
	fetch *fetcher.Fetcher
}

// New creates the command facade. Command-path fetches go through the
// package's caching client, not the poller's.
func New(cfg *config.Config, db database.Storer, pub types.Publisher) *Commands {
	return &Commands{
		cfg:   cfg,
		db:    db,
		pub:   pub,
		fetch: fetcher.New(cachingClient, cfg.UserAgent),
	}
}

// Subscribe registers a feed for a channel. A numeric urlOrID moves an
// existing subscription on this server to the given channel; anything else
// goes through feed discovery. On Created, every item in the initial
// document is journalled before any is delivered, then the most recent few
// are posted oldest-first.
func (c *Commands) Subscribe(ctx context.Context, urlOrID, channelID, serverID, userID string) (res *SubscribeResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	defer func() { metrics.IncrementCommand("subscribe", cmdStatus(err)) }()

	if id, numErr := strconv.ParseInt(strings.TrimSpace(urlOrID), 10, 64); numErr == nil {
		return c.moveSubscription(id, channelID, serverID)
	}

	feedURL, err := discovery.Discover(ctx, cachingClient, urlOrID)
	if err != nil {
		if _, ok := err.(discovery.NotFoundError); ok {
			return &SubscribeResult{Outcome: NotFound}, nil
		}
		return nil, err
	}

	body, err := c.fetch.FetchURL(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	meta, items, err := feed.Parse(body)
	if err != nil {
		return nil, err
	}
	displayName := meta.Title
	if displayName == "" {
		displayName = feedURL
	}

	if existing, selErr := c.db.GetSubscriptionByURL(feedURL, serverID); selErr == nil {
		return c.moveSubscription(existing.ID, channelID, serverID)
	} else if selErr != sql.ErrNoRows {
		return nil, selErr
	}

	id, err := c.db.AddSubscription(feedURL, displayName, channelID, serverID, userID)
	if err == database.ErrDuplicateSubscription {
		// Lost a race with a concurrent subscribe for the same feed.
		existing, selErr := c.db.GetSubscriptionByURL(feedURL, serverID)
		if selErr != nil {
			return nil, selErr
		}
		return c.moveSubscription(existing.ID, channelID, serverID)
	} else if err != nil {
		return nil, err
	}

	c.bootstrap(ctx, id, displayName, channelID, items)

	return &SubscribeResult{
		Outcome:     Created,
		ID:          id,
		DisplayName: displayName,
		FeedURL:     feedURL,
	}, nil
}

func (c *Commands) moveSubscription(id int64, channelID, serverID string) (*SubscribeResult, error) {
	sub, err := c.db.GetSubscription(id)
	if err == sql.ErrNoRows {
		return &SubscribeResult{Outcome: NotFound}, nil
	} else if err != nil {
		return nil, err
	}
	if sub.ServerID != serverID {
		return &SubscribeResult{Outcome: NotFound}, nil
	}

	res := &SubscribeResult{
		ID:          sub.ID,
		DisplayName: sub.DisplayName,
		FeedURL:     sub.FeedURL,
	}
	if sub.ChannelID == channelID {
		res.Outcome = AlreadyHere
		return res, nil
	}
	if err := c.db.UpdateChannel(sub.ID, channelID); err != nil {
		return nil, err
	}
	res.Outcome = Moved
	return res, nil
}

// bootstrap journals the whole initial document, then delivers the most
// recent items oldest-first. Journalling first means a crash mid-delivery
// cannot make the scheduler republish the backlog.
func (c *Commands) bootstrap(ctx context.Context, id int64, displayName, channelID string, items []*feed.Item) {
	logger := log.WithFields(log.Fields{
		"subscription_id": id,
		"channel_id":      channelID,
	})
	for _, item := range items {
		if err := c.db.RecordPosted(id, item.GUID, ""); err != nil {
			logger.WithError(err).WithField("guid", item.GUID).Error("Failed to journal item")
		}
	}

	initial := items
	if len(initial) > c.cfg.InitialItemsCount {
		initial = initial[:c.cfg.InitialItemsCount]
	}
	for i := len(initial) - 1; i >= 0; i-- {
		item := initial[i]
		msg := format.ItemMessage(&format.Item{
			Title:       item.Title,
			Link:        item.Link,
			Summary:     item.Summary,
			Author:      item.Author,
			PublishedAt: item.PublishedAt,
			ImageURL:    item.ImageURL,
		}, displayName, time.Now())
		if _, err := c.pub.Post(ctx, channelID, msg); err != nil {
			logger.WithError(err).WithField("guid", item.GUID).Error("Failed to post initial item")
		} else {
			metrics.IncrementItemsPosted(1)
		}
	}
}

// Unsubscribe removes a subscription by id, scoped to the calling server.
// Returns false when no such subscription exists there.
func (c *Commands) Unsubscribe(id int64, serverID string) (found bool, err error) {
	defer func() { metrics.IncrementCommand("unsubscribe", cmdStatus(err)) }()

	sub, err := c.db.GetSubscription(id)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if sub.ServerID != serverID {
		return false, nil
	}
	return true, c.db.RemoveSubscription(id)
}

// List renders one line per subscription on the server, ordered by display
// name.
func (c *Commands) List(serverID string) (lines []string, err error) {
	defer func() { metrics.IncrementCommand("list", cmdStatus(err)) }()

	subs, err := c.db.ListSubscriptions(serverID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		lines = append(lines, format.ListEntry(
			sub.ID, sub.DisplayName, sub.ChannelID,
			sub.State.PollInterval, sub.State.ConsecutiveErrors,
		))
	}
	return lines, nil
}

// Preview renders the newest item of a feed without subscribing. A numeric
// urlOrID previews an existing subscription's feed.
func (c *Commands) Preview(ctx context.Context, urlOrID, serverID string) (msg string, err error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	defer func() { metrics.IncrementCommand("preview", cmdStatus(err)) }()

	feedURL := urlOrID
	displayName := ""
	subscribed := false

	if id, numErr := strconv.ParseInt(strings.TrimSpace(urlOrID), 10, 64); numErr == nil {
		sub, selErr := c.db.GetSubscription(id)
		if selErr == sql.ErrNoRows || (selErr == nil && sub.ServerID != serverID) {
			return "", discovery.NotFoundError{URL: urlOrID}
		} else if selErr != nil {
			return "", selErr
		}
		feedURL = sub.FeedURL
		displayName = sub.DisplayName
		subscribed = true
	} else {
		feedURL, err = discovery.Discover(ctx, cachingClient, urlOrID)
		if err != nil {
			return "", err
		}
		_, selErr := c.db.GetSubscriptionByURL(feedURL, serverID)
		if selErr == nil {
			subscribed = true
		} else if selErr != sql.ErrNoRows {
			return "", selErr
		}
	}

	body, err := c.fetch.FetchURL(ctx, feedURL)
	if err != nil {
		return "", err
	}
	meta, items, err := feed.Parse(body)
	if err != nil {
		return "", err
	}
	if displayName == "" {
		displayName = meta.Title
	}
	if displayName == "" {
		displayName = feedURL
	}

	var newest *format.Item
	if len(items) > 0 {
		item := items[0]
		newest = &format.Item{
			Title:       item.Title,
			Link:        item.Link,
			Summary:     item.Summary,
			Author:      item.Author,
			PublishedAt: item.PublishedAt,
			ImageURL:    item.ImageURL,
		}
	}
	return format.PreviewMessage(newest, displayName, subscribed, time.Now()), nil
}

// Status summarises the server's subscriptions: totals, how many are
// currently failing, and the default interval.
func (c *Commands) Status(serverID string) (msg string, err error) {
	defer func() { metrics.IncrementCommand("status", cmdStatus(err)) }()

	subs, err := c.db.ListSubscriptions(serverID)
	if err != nil {
		return "", err
	}
	errored := 0
	for _, sub := range subs {
		if sub.State.ConsecutiveErrors > 0 {
			errored++
		}
	}
	return format.StatusMessage(len(subs), errored, c.cfg.DefaultPollInterval), nil
}

// UpdateFeedURL repoints a subscription at a new feed URL after a feed
// moves, clearing the saved validators so the next poll fetches fresh.
func (c *Commands) UpdateFeedURL(ctx context.Context, id int64, serverID, newURL string) (found bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	defer func() { metrics.IncrementCommand("update_url", cmdStatus(err)) }()

	sub, err := c.db.GetSubscription(id)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if sub.ServerID != serverID {
		return false, nil
	}

	feedURL, err := discovery.Discover(ctx, cachingClient, newURL)
	if err != nil {
		return true, err
	}
	if err := c.db.UpdateURL(id, feedURL); err != nil {
		return true, err
	}
	err = c.db.UpdateState(id, map[string]interface{}{
		"etag":          "",
		"last_modified": "",
		"next_poll_at":  time.Now(),
	})
	return true, err
}

func cmdStatus(err error) string {
	if err != nil {
		return metrics.StatusFailure
	}
	return metrics.StatusSuccess
}
