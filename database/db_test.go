package database

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func mustOpenDB(t *testing.T) *FeedDB {
	t.Helper()
	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Initialise(); err != nil {
		t.Fatal(err)
	}
	return db
}

func mustAdd(t *testing.T, db *FeedDB, feedURL, serverID string) int64 {
	t.Helper()
	id, err := db.AddSubscription(feedURL, "Test Feed", "chan-1", serverID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestAddSubscriptionDuplicate(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	mustAdd(t, db, "https://example.com/feed", "srv-1")

	_, err := db.AddSubscription("https://example.com/feed", "Other Name", "chan-2", "srv-1", "user-2")
	if err != ErrDuplicateSubscription {
		t.Fatalf("want ErrDuplicateSubscription, got %v", err)
	}

	// The same feed on a different server is a different subscription.
	if _, err := db.AddSubscription("https://example.com/feed", "Test Feed", "chan-1", "srv-2", "user-1"); err != nil {
		t.Fatalf("same URL on another server should be allowed, got %v", err)
	}
}

func TestNewSubscriptionIsDue(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	id := mustAdd(t, db, "https://example.com/feed", "srv-1")

	due, err := db.DueSubscriptions(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("new subscription should be due immediately, got %v", due)
	}
	if due[0].State.NextPollAt != nil {
		t.Fatal("fresh subscription should have no next_poll_at")
	}
	if due[0].State.PollInterval != 900 {
		t.Fatalf("want default poll_interval 900, got %d", due[0].State.PollInterval)
	}
}

func TestDueSelection(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	now := time.Now()
	never := mustAdd(t, db, "https://a.example/feed", "srv-1")
	past := mustAdd(t, db, "https://b.example/feed", "srv-1")
	future := mustAdd(t, db, "https://c.example/feed", "srv-1")

	if err := db.UpdateState(past, map[string]interface{}{"next_poll_at": now.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateState(future, map[string]interface{}{"next_poll_at": now.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	due, err := db.DueSubscriptions(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("want 2 due subscriptions, got %d", len(due))
	}
	// Never-polled rows sort ahead of the backlog.
	if due[0].ID != never || due[1].ID != past {
		t.Fatalf("want order [%d %d], got [%d %d]", never, past, due[0].ID, due[1].ID)
	}
	// Every selected row was genuinely due.
	for _, sub := range due {
		if sub.State.NextPollAt != nil && sub.State.NextPollAt.After(now) {
			t.Fatalf("subscription %d selected as due with next_poll_at in the future", sub.ID)
		}
	}
}

func TestUpdateStateRoundTrip(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	id := mustAdd(t, db, "https://example.com/feed", "srv-1")

	lastPoll := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	nextPoll := lastPoll.Add(time.Hour)
	err := db.UpdateState(id, map[string]interface{}{
		"etag":               `"abc123"`,
		"last_modified":      "Sat, 01 Apr 2023 12:00:00 GMT",
		"last_poll_at":       lastPoll,
		"next_poll_at":       nextPoll,
		"poll_interval":      3600,
		"consecutive_errors": 2,
		"last_error":         "server error 503",
	})
	if err != nil {
		t.Fatal(err)
	}

	state, err := db.GetState(id)
	if err != nil {
		t.Fatal(err)
	}
	if state.ETag != `"abc123"` {
		t.Errorf("etag: got %q", state.ETag)
	}
	if state.LastModified != "Sat, 01 Apr 2023 12:00:00 GMT" {
		t.Errorf("last_modified: got %q", state.LastModified)
	}
	if state.LastPollAt == nil || !state.LastPollAt.Equal(lastPoll) {
		t.Errorf("last_poll_at: got %v, want %v", state.LastPollAt, lastPoll)
	}
	if state.NextPollAt == nil || !state.NextPollAt.Equal(nextPoll) {
		t.Errorf("next_poll_at: got %v, want %v", state.NextPollAt, nextPoll)
	}
	if state.PollInterval != 3600 || state.ConsecutiveErrors != 2 {
		t.Errorf("interval/errors: got %d/%d", state.PollInterval, state.ConsecutiveErrors)
	}
	if state.LastError != "server error 503" {
		t.Errorf("last_error: got %q", state.LastError)
	}

	// nil clears a nullable column.
	if err := db.UpdateState(id, map[string]interface{}{"next_poll_at": nil}); err != nil {
		t.Fatal(err)
	}
	state, err = db.GetState(id)
	if err != nil {
		t.Fatal(err)
	}
	if state.NextPollAt != nil {
		t.Errorf("next_poll_at should be cleared, got %v", state.NextPollAt)
	}
}

func TestUpdateStateUnknownField(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	id := mustAdd(t, db, "https://example.com/feed", "srv-1")

	err := db.UpdateState(id, map[string]interface{}{"feed_url": "https://evil.example"})
	if _, ok := err.(UnknownStateFieldError); !ok {
		t.Fatalf("want UnknownStateFieldError, got %v", err)
	}
}

func TestRecordPostedIdempotent(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	id := mustAdd(t, db, "https://example.com/feed", "srv-1")

	if err := db.RecordPosted(id, "guid-1", "msg-1"); err != nil {
		t.Fatal(err)
	}
	// Recording the same guid again, even with a different message id, is a
	// no-op.
	if err := db.RecordPosted(id, "guid-1", "msg-2"); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := db.db.QueryRow(
		"SELECT COUNT(*) FROM posted_items WHERE subscription_id = $1", id,
	).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("want 1 journal row, got %d", count)
	}
}

func TestPostedSubset(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	id := mustAdd(t, db, "https://example.com/feed", "srv-1")
	for _, guid := range []string{"a", "b", "c"} {
		if err := db.RecordPosted(id, guid, ""); err != nil {
			t.Fatal(err)
		}
	}

	posted, err := db.PostedSubset(id, []string{"b", "c", "d", "e"})
	if err != nil {
		t.Fatal(err)
	}
	if len(posted) != 2 || !posted["b"] || !posted["c"] {
		t.Fatalf("want {b c}, got %v", posted)
	}

	empty, err := db.PostedSubset(id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("want empty subset for no guids, got %v", empty)
	}
}

func TestRemoveSubscriptionDeletesJournal(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	id := mustAdd(t, db, "https://example.com/feed", "srv-1")
	if err := db.RecordPosted(id, "guid-1", "msg-1"); err != nil {
		t.Fatal(err)
	}

	if err := db.RemoveSubscription(id); err != nil {
		t.Fatal(err)
	}

	if _, err := db.GetSubscription(id); err != sql.ErrNoRows {
		t.Fatalf("want sql.ErrNoRows, got %v", err)
	}
	var count int
	if err := db.db.QueryRow(
		"SELECT COUNT(*) FROM posted_items WHERE subscription_id = $1", id,
	).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("journal rows survived removal: %d", count)
	}

	// Removing an unknown id is not an error.
	if err := db.RemoveSubscription(9999); err != nil {
		t.Fatal(err)
	}
}

func TestPruneJournal(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	id := mustAdd(t, db, "https://example.com/feed", "srv-1")
	if err := db.RecordPosted(id, "old", ""); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordPosted(id, "new", ""); err != nil {
		t.Fatal(err)
	}
	// Backdate one row past the retention window.
	backdated := timeToMs(time.Now().AddDate(0, 0, -120))
	if _, err := db.db.Exec(
		"UPDATE posted_items SET posted_at_ms = $1 WHERE item_guid = $2", backdated, "old",
	); err != nil {
		t.Fatal(err)
	}

	deleted, err := db.PruneJournal(90)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("want 1 pruned row, got %d", deleted)
	}
	posted, err := db.IsPosted(id, "new")
	if err != nil || !posted {
		t.Fatalf("recent row should survive prune: %v %v", posted, err)
	}
}

// Builds a database in the legacy two-table layout, then checks Initialise
// folds the sidecar in and is a no-op on a second run.
func TestLegacyMigration(t *testing.T) {
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	raw.SetMaxOpenConns(1)

	legacyDDL := []string{
		`CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			feed_url TEXT NOT NULL,
			display_name TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			added_by TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			UNIQUE(feed_url, server_id)
		)`,
		`CREATE TABLE subscription_state (
			subscription_id BIGINT PRIMARY KEY,
			etag TEXT,
			last_modified TEXT,
			last_poll_at_ms BIGINT,
			next_poll_at_ms BIGINT,
			poll_interval INTEGER NOT NULL DEFAULT 900,
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`INSERT INTO subscriptions(feed_url, display_name, channel_id, server_id, added_by, created_at_ms)
			VALUES ('https://example.com/feed', 'Old Feed', 'chan-1', 'srv-1', 'user-1', 1600000000000)`,
		`INSERT INTO subscription_state(subscription_id, etag, poll_interval, consecutive_errors, last_error)
			VALUES (1, '"legacy-etag"', 1800, 3, 'boom')`,
	}
	for _, stmt := range legacyDDL {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}

	db := &FeedDB{db: raw, dialect: dialectSqlite, defaultPollInterval: 900}
	if err := db.Initialise(); err != nil {
		t.Fatal(err)
	}

	sub, err := db.GetSubscription(1)
	if err != nil {
		t.Fatal(err)
	}
	if sub.State.ETag != `"legacy-etag"` || sub.State.PollInterval != 1800 ||
		sub.State.ConsecutiveErrors != 3 || sub.State.LastError != "boom" {
		t.Fatalf("legacy state not migrated: %+v", sub.State)
	}

	var name string
	err = raw.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1", legacyStateTable,
	).Scan(&name)
	if err != sql.ErrNoRows {
		t.Fatalf("sidecar table should be dropped after migration, got %v", err)
	}

	// Second Initialise must be a no-op.
	if err := db.Initialise(); err != nil {
		t.Fatal(err)
	}
	again, err := db.GetSubscription(1)
	if err != nil {
		t.Fatal(err)
	}
	if again.State != sub.State {
		t.Fatalf("second Initialise changed state: %+v vs %+v", again.State, sub.State)
	}
}

func TestListSubscriptionsOrder(t *testing.T) {
	db := mustOpenDB(t)
	defer db.Close()

	if _, err := db.AddSubscription("https://b.example/feed", "Zebra News", "chan-1", "srv-1", "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AddSubscription("https://a.example/feed", "Aardvark Daily", "chan-1", "srv-1", "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AddSubscription("https://c.example/feed", "Other Server", "chan-1", "srv-2", "u"); err != nil {
		t.Fatal(err)
	}

	subs, err := db.ListSubscriptions("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Fatalf("want 2 subscriptions, got %d", len(subs))
	}
	if subs[0].DisplayName != "Aardvark Daily" || subs[1].DisplayName != "Zebra News" {
		t.Fatalf("wrong order: %q, %q", subs[0].DisplayName, subs[1].DisplayName)
	}
}
