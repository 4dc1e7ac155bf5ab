// Package format renders feed items, previews and status summaries into
// chat markdown. All user-controlled text passes through SanitiseMentions
// so a feed can never ping a room.
package format

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
)

// mentionReplacer defuses the broadcast keywords by injecting a zero-width
// space after the @.
var mentionReplacer = strings.NewReplacer(
	"@everyone", "@\u200beveryone",
	"@here", "@\u200bhere",
)

// mentionTagRe matches raw user, role and channel mention tags.
var mentionTagRe = regexp.MustCompile(`<(@[!&]?\d+|#\d+)>`)

// SanitiseMentions neutralises every construct in text that the chat
// platform would expand into a ping or channel reference.
func SanitiseMentions(text string) string {
	text = mentionReplacer.Replace(text)
	return mentionTagRe.ReplaceAllString(text, "<\u200b$1>")
}

// RelativeDate renders a timestamp the way humans read feed ages: "just
// now" under a minute, then minutes, hours and days, and an absolute date
// once it is over a week old or in the future.
func RelativeDate(t *time.Time, now time.Time) string {
	if t == nil {
		return ""
	}
	age := now.Sub(*t)
	switch {
	case age < 0 || age > 7*24*time.Hour:
		return t.Format("2 Jan 2006")
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}

// An Item is the subset of a parsed feed entry the renderer needs.
type Item struct {
	Title       string
	Link        string
	Summary     string
	Author      string
	PublishedAt *time.Time
	ImageURL    string
}

// ItemMessage renders one feed item as a chat message:
//
//	**Feed Name** · [Item Title](<link>) · 2h ago
//	> First line of the summary
//
// When the item carries an image, the image URL replaces the quoted summary
// so the platform unfurls it.
func ItemMessage(item *Item, displayName string, now time.Time) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(SanitiseMentions(displayName))
	b.WriteString("**")

	title := SanitiseMentions(item.Title)
	if item.Link != "" {
		// Angle brackets suppress the platform's automatic link embed.
		b.WriteString(fmt.Sprintf(" · [%s](<%s>)", title, item.Link))
	} else if title != "" {
		b.WriteString(" · " + title)
	}

	if rel := RelativeDate(item.PublishedAt, now); rel != "" {
		b.WriteString(" · " + rel)
	}

	switch {
	case item.ImageURL != "":
		b.WriteString("\n" + item.ImageURL)
	case item.Summary != "":
		b.WriteString("\n" + blockquote(SanitiseMentions(item.Summary)))
	}
	return b.String()
}

// PreviewMessage renders the newest item of a feed for the preview command,
// with a footer marking it as a preview. A nil item means the feed parsed
// but was empty.
func PreviewMessage(item *Item, displayName string, subscribed bool, now time.Time) string {
	footer := "Preview"
	if !subscribed {
		footer = "Preview · not subscribed"
	}
	if item == nil {
		return fmt.Sprintf("**%s** has no items yet.\n_%s_", SanitiseMentions(displayName), footer)
	}
	return ItemMessage(item, displayName, now) + "\n_" + footer + "_"
}

// FeedDescription flattens a feed-level description, which publishers often
// ship as HTML, into a single plain-text line.
func FeedDescription(description string) string {
	text, err := html2text.FromString(description, html2text.Options{OmitLinks: true})
	if err != nil {
		text = description
	}
	return SanitiseMentions(strings.Join(strings.Fields(text), " "))
}

// ListEntry renders one subscription line for the list command.
func ListEntry(id int64, displayName, channelID string, pollInterval, consecutiveErrors int) string {
	entry := fmt.Sprintf(
		"`%d` **%s** → <#%s> · every %dm",
		id, SanitiseMentions(displayName), channelID, pollInterval/60,
	)
	if consecutiveErrors > 0 {
		entry += fmt.Sprintf(" · ⚠ %d consecutive errors", consecutiveErrors)
	}
	return entry
}

// StatusMessage summarises a server's subscriptions for the status command.
func StatusMessage(total, errored, defaultPollInterval int) string {
	if total == 0 {
		return "No feed subscriptions on this server."
	}
	msg := fmt.Sprintf("%d feed subscription%s", total, plural(total))
	if errored > 0 {
		msg += fmt.Sprintf(", %d currently failing", errored)
	}
	msg += fmt.Sprintf(". Default poll interval %dm.", defaultPollInterval/60)
	return msg
}

// RemovedNotice renders the one-shot notice sent before a feed which the
// server reports as permanently gone is dropped.
func RemovedNotice(displayName, feedURL string) string {
	return fmt.Sprintf(
		"**%s** (<%s>) returned HTTP 410 Gone. Removing it automatically.",
		SanitiseMentions(displayName), feedURL,
	)
}

func blockquote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
