package polling

import (
	"sort"
	"time"

	"github.com/cordfeeder/cordfeeder/feed"
)

// adaptiveInterval estimates a poll interval from a document's publication
// cadence: half the mean gap between consecutive item timestamps. Returns
// false when fewer than two items carry a parseable timestamp. The caller
// clamps the result.
func adaptiveInterval(items []*feed.Item) (int, bool) {
	var stamps []time.Time
	for _, item := range items {
		if item.PublishedAt != nil {
			stamps = append(stamps, *item.PublishedAt)
		}
	}
	if len(stamps) < 2 {
		return 0, false
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].After(stamps[j]) })

	var total time.Duration
	for i := 0; i < len(stamps)-1; i++ {
		total += stamps[i].Sub(stamps[i+1])
	}
	mean := total / time.Duration(len(stamps)-1)
	return int(mean/time.Second) / 2, true
}
