// Package polling contains the scheduler loop and the per-subscription
// worker which together keep every feed fresh: conditional fetches,
// journal-based duplicate suppression, adaptive intervals and tiered
// backoff on failure.
package polling

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cordfeeder/cordfeeder/config"
	"github.com/cordfeeder/cordfeeder/database"
	"github.com/cordfeeder/cordfeeder/feed"
	"github.com/cordfeeder/cordfeeder/fetcher"
	"github.com/cordfeeder/cordfeeder/format"
	"github.com/cordfeeder/cordfeeder/metrics"
	"github.com/cordfeeder/cordfeeder/types"
)

const (
	// tickInterval is how long the scheduler sleeps between due-set sweeps.
	tickInterval = 30 * time.Second

	// pruneEvery and journalRetentionDays govern the daily journal prune.
	pruneEvery           = 24 * time.Hour
	journalRetentionDays = 90

	// rateLimitMinDelay is the floor, in seconds, on the pause after a 403
	// or 429, regardless of any smaller Retry-After.
	rateLimitMinDelay = 14400

	// maxBackoffSecs caps the exponential error backoff.
	maxBackoffSecs = 86400

	// scheduleJitterFrac and backoffJitterFrac are the upper bounds of the
	// uniform jitter added to healthy schedules and error backoffs.
	scheduleJitterFrac = 0.25
	backoffJitterFrac  = 0.10

	// warmupMultiple: a subscription younger than this many default
	// intervals polls at the default rate before adaptive kicks in.
	warmupMultiple = 3
)

// A Poller drives the whole polling side: it owns the scheduler loop and
// dispatches one worker per due subscription.
type Poller struct {
	cfg     *config.Config
	db      database.Storer
	fetcher *fetcher.Fetcher
	pub     types.Publisher
}

// New creates a Poller. Run must be called to start it.
func New(cfg *config.Config, db database.Storer, f *fetcher.Fetcher, pub types.Publisher) *Poller {
	return &Poller{cfg: cfg, db: db, fetcher: f, pub: pub}
}

// Run executes the scheduler loop until ctx is cancelled. Each sweep polls
// every due subscription concurrently and waits for all workers before
// sleeping, so a subscription is never polled by two workers at once.
func (p *Poller) Run(ctx context.Context) {
	log.WithField("tick", tickInterval).Info("Starting poll loop")
	lastPrune := time.Now()
	for {
		p.pollDue(ctx)

		if time.Since(lastPrune) >= pruneEvery {
			if _, err := p.db.PruneJournal(journalRetentionDays); err != nil {
				log.WithError(err).Error("Failed to prune posted-item journal")
			}
			lastPrune = time.Now()
		}

		select {
		case <-ctx.Done():
			log.Info("Poll loop stopping")
			return
		case <-time.After(tickInterval):
		}
	}
}

func (p *Poller) pollDue(ctx context.Context) {
	due, err := p.db.DueSubscriptions(time.Now())
	if err != nil {
		log.WithError(err).Error("Failed to query due subscriptions")
		return
	}
	if len(due) == 0 {
		return
	}
	log.WithField("due", len(due)).Debug("Dispatching poll workers")

	var wg sync.WaitGroup
	for i := range due {
		sub := due[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.poll(ctx, &sub)
		}()
	}
	wg.Wait()
}

func (p *Poller) poll(ctx context.Context, sub *types.Subscription) {
	logger := log.WithFields(log.Fields{
		"subscription_id": sub.ID,
		"feed_url":        sub.FeedURL,
	})
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Panic whilst polling subscription")
		}
	}()
	if err := p.pollSubscription(ctx, sub, logger); err != nil {
		logger.WithError(err).Warn("Poll failed")
	}
}

// pollSubscription runs one complete poll cycle for one subscription.
func (p *Poller) pollSubscription(ctx context.Context, sub *types.Subscription, logger *log.Entry) error {
	now := time.Now()

	res, err := p.fetcher.Fetch(ctx, sub)
	if err != nil {
		return p.handleFetchError(ctx, sub, now, err, logger)
	}

	if res.NotModified {
		metrics.IncrementPoll(sub.FeedURL, "304")
		interval := clamp(sub.State.PollInterval, p.cfg.MinPollInterval, p.cfg.MaxPollInterval)
		return p.db.UpdateState(sub.ID, map[string]interface{}{
			"consecutive_errors": 0,
			"last_error":         "",
			"last_poll_at":       now,
			"next_poll_at":       now.Add(withJitter(interval, scheduleJitterFrac)),
		})
	}

	_, items, err := feed.Parse(res.Body)
	if err != nil {
		metrics.IncrementPoll(sub.FeedURL, "unparseable")
		return p.backoff(sub, now, err, logger)
	}
	metrics.IncrementPoll(sub.FeedURL, "200")

	if err := p.deliverNew(ctx, sub, items, logger); err != nil {
		return err
	}

	interval := p.nextInterval(sub, items, now)
	return p.db.UpdateState(sub.ID, map[string]interface{}{
		"consecutive_errors": 0,
		"last_error":         "",
		"poll_interval":      interval,
		"last_poll_at":       now,
		"next_poll_at":       now.Add(withJitter(interval, scheduleJitterFrac)),
		"etag":               res.ETag,
		"last_modified":      res.LastModified,
	})
}

func (p *Poller) handleFetchError(ctx context.Context, sub *types.Subscription, now time.Time, err error, logger *log.Entry) error {
	switch e := err.(type) {
	case fetcher.GoneError:
		metrics.IncrementPoll(sub.FeedURL, "410")
		logger.Info("Feed permanently gone, removing subscription")
		p.pub.NotifyRemoved(ctx, sub.ChannelID, format.RemovedNotice(sub.DisplayName, sub.FeedURL))
		return p.db.RemoveSubscription(sub.ID)

	case fetcher.RateLimitError:
		metrics.IncrementPoll(sub.FeedURL, "429")
		delay := rateLimitMinDelay
		if e.HasRetryAfter && e.RetryAfter > delay {
			delay = e.RetryAfter
		}
		logger.WithField("delay", delay).Warn("Feed rate limited, pausing polls")
		return p.db.UpdateState(sub.ID, map[string]interface{}{
			"last_error":   err.Error(),
			"last_poll_at": now,
			"next_poll_at": now.Add(time.Duration(delay) * time.Second),
		})

	default:
		metrics.IncrementPoll(sub.FeedURL, fetchOutcome(err))
		return p.backoff(sub, now, err, logger)
	}
}

// backoff schedules the next poll exponentially further out. The nominal
// poll_interval is left untouched so a recovering feed resumes its normal
// cadence immediately.
func (p *Poller) backoff(sub *types.Subscription, now time.Time, cause error, logger *log.Entry) error {
	errs := sub.State.ConsecutiveErrors + 1
	delay := float64(sub.State.PollInterval) * math.Pow(2, float64(errs))
	if delay > maxBackoffSecs {
		delay = maxBackoffSecs
	}
	delay *= 1 + backoffJitterFrac*rand.Float64()

	logger.WithFields(log.Fields{
		"consecutive_errors": errs,
		"backoff_secs":       int(delay),
	}).WithError(cause).Warn("Poll errored, backing off")

	return p.db.UpdateState(sub.ID, map[string]interface{}{
		"consecutive_errors": errs,
		"last_error":         cause.Error(),
		"last_poll_at":       now,
		"next_poll_at":       now.Add(time.Duration(delay * float64(time.Second))),
	})
}

// deliverNew diffs the document against the journal and posts what is new,
// oldest first. Every new item is journalled whether or not its post
// succeeds, so a flaky sink cannot cause duplicates on the next cycle.
func (p *Poller) deliverNew(ctx context.Context, sub *types.Subscription, items []*feed.Item, logger *log.Entry) error {
	if len(items) == 0 {
		return nil
	}
	guids := make([]string, len(items))
	for i, item := range items {
		guids[i] = item.GUID
	}
	posted, err := p.db.PostedSubset(sub.ID, guids)
	if err != nil {
		return err
	}

	// Document order is latest-first; cap keeps the most recent.
	var fresh []*feed.Item
	for _, item := range items {
		if !posted[item.GUID] {
			fresh = append(fresh, item)
		}
	}
	if len(fresh) > p.cfg.MaxItemsPerPoll {
		fresh = fresh[:p.cfg.MaxItemsPerPoll]
	}

	for i := len(fresh) - 1; i >= 0; i-- {
		p.deliverItem(ctx, sub, fresh[i], logger)
	}
	return nil
}

func (p *Poller) deliverItem(ctx context.Context, sub *types.Subscription, item *feed.Item, logger *log.Entry) {
	messageID := ""
	if p.pub.ResolveChannel(sub.ChannelID) {
		msg := format.ItemMessage(renderItem(item), sub.DisplayName, time.Now())
		id, err := p.pub.Post(ctx, sub.ChannelID, msg)
		if err != nil {
			logger.WithError(err).WithField("guid", item.GUID).Error("Failed to post item")
		} else {
			messageID = id
			metrics.IncrementItemsPosted(1)
		}
	} else {
		logger.WithField("channel_id", sub.ChannelID).Warn("Channel no longer resolves, skipping delivery")
	}
	if err := p.db.RecordPosted(sub.ID, item.GUID, messageID); err != nil {
		logger.WithError(err).WithField("guid", item.GUID).Error("Failed to journal item")
	}
}

// nextInterval picks the nominal interval for the next schedule: the
// default during the warmup window, then the document's adaptive estimate
// when available, then whatever the subscription already had.
func (p *Poller) nextInterval(sub *types.Subscription, items []*feed.Item, now time.Time) int {
	warmup := time.Duration(warmupMultiple*p.cfg.DefaultPollInterval) * time.Second
	interval := sub.State.PollInterval
	if now.Sub(sub.CreatedAt) < warmup {
		interval = p.cfg.DefaultPollInterval
	} else if candidate, ok := adaptiveInterval(items); ok {
		interval = candidate
	}
	return clamp(interval, p.cfg.MinPollInterval, p.cfg.MaxPollInterval)
}

func renderItem(item *feed.Item) *format.Item {
	return &format.Item{
		Title:       item.Title,
		Link:        item.Link,
		Summary:     item.Summary,
		Author:      item.Author,
		PublishedAt: item.PublishedAt,
		ImageURL:    item.ImageURL,
	}
}

func fetchOutcome(err error) string {
	switch e := err.(type) {
	case fetcher.ServerError:
		return strconv.Itoa(e.Status)
	case fetcher.HTTPError:
		return strconv.Itoa(e.Status)
	case fetcher.TooLargeError:
		return "toolarge"
	default:
		return "network"
	}
}

func withJitter(secs int, frac float64) time.Duration {
	jittered := float64(secs) * (1 + frac*rand.Float64())
	return time.Duration(jittered * float64(time.Second))
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
