// Package metrics contains the Prometheus instrumentation shared by the
// poller and the command layer.
package metrics

import (
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
)

// Status enums for command metrics.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var pollCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "cordfeeder_polls_total",
	Help: "Number of feed polls, partitioned by host and outcome.",
}, []string{"host", "http_status"})

var itemsPostedCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "cordfeeder_items_posted_total",
	Help: "Number of feed items delivered to channels.",
})

var cmdCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "cordfeeder_commands_total",
	Help: "Number of commands executed, partitioned by command and status.",
}, []string{"cmd", "status"})

// IncrementPoll increments the poll counter for a feed URL. The outcome is
// the HTTP status as a string, or a short error class such as "network" or
// "unparseable".
func IncrementPoll(feedURL, outcome string) {
	host := "unknown"
	if u, err := url.Parse(feedURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	pollCounter.With(prometheus.Labels{"host": host, "http_status": outcome}).Inc()
}

// IncrementItemsPosted adds delivered items to the posted counter.
func IncrementItemsPosted(n int) {
	itemsPostedCounter.Add(float64(n))
}

// IncrementCommand increments the command counter. Use the Status enums.
func IncrementCommand(cmd, status string) {
	cmdCounter.With(prometheus.Labels{"cmd": cmd, "status": status}).Inc()
}

func init() {
	prometheus.MustRegister(pollCounter)
	prometheus.MustRegister(itemsPostedCounter)
	prometheus.MustRegister(cmdCounter)
}
