package feed

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const rssFeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:media="http://search.yahoo.com/mrss/">
<channel>
	<title>Mask Shop</title>
	<link>https://thehappymaskshop.hyrule</link>
	<description>Masks for all occasions</description>
	<ttl>60</ttl>
	<item>
		<title>New Item: Majora&#8217;s Mask</title>
		<link>https://thehappymaskshop.hyrule/majoras-mask</link>
		<guid>mask-001</guid>
		<author>skullkid@hyrule.example (The Skullkid)</author>
		<pubDate>Mon, 02 Jan 2023 15:04:05 GMT</pubDate>
		<description>A &lt;b&gt;terrible&lt;/b&gt; fate awaits.</description>
	</item>
	<item>
		<title>New Item: Bunny Hood</title>
		<link>https://thehappymaskshop.hyrule/bunny-hood</link>
		<guid>mask-002</guid>
		<pubDate>Sun, 01 Jan 2023 15:04:05 GMT</pubDate>
		<description>Run &lt;i&gt;faster&lt;/i&gt;.</description>
	</item>
</channel>
</rss>`

const atomFeedXML = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
	<title>Hyrule Gazette</title>
	<link href="https://gazette.hyrule/"/>
	<updated>2023-01-02T12:00:00Z</updated>
	<entry>
		<title>Castle Town reopens</title>
		<link href="https://gazette.hyrule/castle-town"/>
		<id>urn:gazette:1</id>
		<author><name>Anju</name></author>
		<published>2023-01-02T09:00:00Z</published>
		<summary>The gates are open again.</summary>
	</entry>
</feed>`

func TestParseRSS(t *testing.T) {
	meta, items, err := Parse([]byte(rssFeedXML))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Title != "Mask Shop" {
		t.Errorf("title: got %q", meta.Title)
	}
	if meta.Link != "https://thehappymaskshop.hyrule" {
		t.Errorf("link: got %q", meta.Link)
	}
	if meta.TTL != 60 {
		t.Errorf("ttl: got %d", meta.TTL)
	}
	if len(items) != 2 {
		t.Fatalf("want 2 items, got %d", len(items))
	}

	first := items[0]
	if first.Title != "New Item: Majora’s Mask" {
		t.Errorf("item title: got %q", first.Title)
	}
	if first.Link != "https://thehappymaskshop.hyrule/majoras-mask" {
		t.Errorf("item link: got %q", first.Link)
	}
	if first.GUID != "mask-001" {
		t.Errorf("item guid: got %q", first.GUID)
	}
	if first.Summary != "A terrible fate awaits." {
		t.Errorf("item summary: got %q", first.Summary)
	}
	if first.PublishedAt == nil {
		t.Fatal("item should carry a parsed timestamp")
	}
	want := time.Date(2023, 1, 2, 15, 4, 5, 0, time.UTC)
	if !first.PublishedAt.Equal(want) {
		t.Errorf("published: got %v, want %v", first.PublishedAt, want)
	}
}

func TestParseAtom(t *testing.T) {
	meta, items, err := Parse([]byte(atomFeedXML))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Title != "Hyrule Gazette" {
		t.Errorf("title: got %q", meta.Title)
	}
	if len(items) != 1 {
		t.Fatalf("want 1 item, got %d", len(items))
	}
	item := items[0]
	if item.Title != "Castle Town reopens" {
		t.Errorf("title: got %q", item.Title)
	}
	if item.Link != "https://gazette.hyrule/castle-town" {
		t.Errorf("link: got %q", item.Link)
	}
	if item.GUID != "urn:gazette:1" {
		t.Errorf("guid: got %q", item.GUID)
	}
	if item.Author != "Anju" {
		t.Errorf("author: got %q", item.Author)
	}
}

func TestParseNotAFeed(t *testing.T) {
	_, _, err := Parse([]byte("certainly not a feed document"))
	if !errors.Is(err, ErrUnparseable) {
		t.Fatalf("want ErrUnparseable, got %v", err)
	}
}

func TestGUIDFallsBackToLink(t *testing.T) {
	doc := `<?xml version="1.0"?><rss version="2.0"><channel><title>T</title>
	<item><title>No guid</title><link>https://example.com/post-1</link></item>
	</channel></rss>`
	_, items, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if items[0].GUID != "https://example.com/post-1" {
		t.Errorf("guid: got %q", items[0].GUID)
	}
}

func TestTitleSynthesisedFromSummary(t *testing.T) {
	doc := `<?xml version="1.0"?><rss version="2.0"><channel><title>T</title>
	<item><link>https://example.com/post-1</link>
	<description>` + strings.Repeat("word ", 30) + `end</description></item>
	</channel></rss>`
	_, items, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	title := items[0].Title
	if title == "" {
		t.Fatal("title should be synthesised from the summary")
	}
	if got := len([]rune(title)); got > 81 {
		t.Errorf("synthesised title too long: %d runes", got)
	}
	if !strings.HasSuffix(title, "…") {
		t.Errorf("synthesised title should be truncated, got %q", title)
	}
}

func TestTruncationBoundary(t *testing.T) {
	exactly := strings.Repeat("abcd ", 59) + "abcde" // 300 runes
	if got := truncate(exactly, summaryMaxLen); got != exactly {
		t.Errorf("300 runes should be untouched, got %d runes", len([]rune(got)))
	}

	over := exactly + "!" // 301 runes
	got := truncate(over, summaryMaxLen)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("301 runes should be truncated with ellipsis, got %q", got)
	}
	if strings.Contains(strings.TrimSuffix(got, "…"), "abcde") {
		t.Error("cut should land on the last space before the limit")
	}
	if len([]rune(got)) > summaryMaxLen+1 {
		t.Errorf("truncated text too long: %d runes", len([]rune(got)))
	}
}

func TestStripHTMLRemovesBareURLAnchors(t *testing.T) {
	in := `Read this <a href="https://example.com/x">https://example.com/x</a> now. ` +
		`Also <a href="https://example.com/y">a real label</a>.`
	got := stripHTML(in)
	if strings.Contains(got, "https://example.com/x") {
		t.Errorf("bare-URL anchor should vanish, got %q", got)
	}
	if !strings.Contains(got, "a real label") {
		t.Errorf("labelled anchor text should survive, got %q", got)
	}
}

func TestStripHTMLUnescapesEntities(t *testing.T) {
	got := stripHTML("Fish &amp; chips &#8217; <p>sold  here</p>")
	if got != "Fish & chips ’ sold here" {
		t.Errorf("got %q", got)
	}
}

func TestExtractImage(t *testing.T) {
	doc := `<?xml version="1.0"?>
<rss version="2.0" xmlns:media="http://search.yahoo.com/mrss/"><channel><title>T</title>
	<item><title>media image</title><guid>1</guid>
		<media:content url="https://img.example/a.jpg" medium="image"/></item>
	<item><title>enclosure</title><guid>2</guid>
		<enclosure url="https://img.example/b.png" type="image/png" length="1"/></item>
	<item><title>inline</title><guid>3</guid>
		<description>&lt;img src="https://img.example/c.gif"&gt; text</description></item>
	<item><title>none</title><guid>4</guid><description>plain</description></item>
</channel></rss>`
	_, items, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	wants := []string{
		"https://img.example/a.jpg",
		"https://img.example/b.png",
		"https://img.example/c.gif",
		"",
	}
	for i, want := range wants {
		if items[i].ImageURL != want {
			t.Errorf("item %d image: got %q, want %q", i, items[i].ImageURL, want)
		}
	}
}
