package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cordfeeder/cordfeeder/types"
)

const schemaSQLSqlite = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_url TEXT NOT NULL,
	display_name TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	server_id TEXT NOT NULL,
	added_by TEXT NOT NULL,
	created_at_ms BIGINT NOT NULL,
	etag TEXT,
	last_modified TEXT,
	last_poll_at_ms BIGINT,
	next_poll_at_ms BIGINT,
	poll_interval INTEGER NOT NULL DEFAULT 900,
	consecutive_errors INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	UNIQUE(feed_url, server_id)
);

CREATE TABLE IF NOT EXISTS posted_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
	item_guid TEXT NOT NULL,
	posted_at_ms BIGINT NOT NULL,
	message_id TEXT,
	UNIQUE(subscription_id, item_guid)
);
`

const schemaSQLPostgres = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id BIGSERIAL PRIMARY KEY,
	feed_url TEXT NOT NULL,
	display_name TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	server_id TEXT NOT NULL,
	added_by TEXT NOT NULL,
	created_at_ms BIGINT NOT NULL,
	etag TEXT,
	last_modified TEXT,
	last_poll_at_ms BIGINT,
	next_poll_at_ms BIGINT,
	poll_interval INTEGER NOT NULL DEFAULT 900,
	consecutive_errors INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	UNIQUE(feed_url, server_id)
);

CREATE TABLE IF NOT EXISTS posted_items (
	id BIGSERIAL PRIMARY KEY,
	subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
	item_guid TEXT NOT NULL,
	posted_at_ms BIGINT NOT NULL,
	message_id TEXT,
	UNIQUE(subscription_id, item_guid)
);
`

// subscriptionCols is the column list used by every subscription SELECT so
// that scanSubscription stays in sync.
const subscriptionCols = `
id, feed_url, display_name, channel_id, server_id, added_by, created_at_ms,
etag, last_modified, last_poll_at_ms, next_poll_at_ms, poll_interval,
consecutive_errors, last_error
`

func scanSubscription(row interface {
	Scan(dest ...interface{}) error
}) (*types.Subscription, error) {
	var (
		sub          types.Subscription
		createdMs    int64
		etag         sql.NullString
		lastModified sql.NullString
		lastPollMs   sql.NullInt64
		nextPollMs   sql.NullInt64
		lastError    sql.NullString
	)
	err := row.Scan(
		&sub.ID, &sub.FeedURL, &sub.DisplayName, &sub.ChannelID, &sub.ServerID,
		&sub.AddedBy, &createdMs, &etag, &lastModified, &lastPollMs, &nextPollMs,
		&sub.State.PollInterval, &sub.State.ConsecutiveErrors, &lastError,
	)
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = msToTime(createdMs)
	sub.State.ETag = etag.String
	sub.State.LastModified = lastModified.String
	sub.State.LastError = lastError.String
	if lastPollMs.Valid {
		t := msToTime(lastPollMs.Int64)
		sub.State.LastPollAt = &t
	}
	if nextPollMs.Valid {
		t := msToTime(nextPollMs.Int64)
		sub.State.NextPollAt = &t
	}
	return &sub, nil
}

func timeToMs(t time.Time) int64 { return t.UnixNano() / 1000000 }

func msToTime(ms int64) time.Time { return time.Unix(ms/1000, (ms%1000)*1000000).UTC() }

const selectSubscriptionSQL = `
SELECT ` + subscriptionCols + ` FROM subscriptions WHERE id = $1
`

func selectSubscriptionTxn(txn *sql.Tx, id int64) (*types.Subscription, error) {
	return scanSubscription(txn.QueryRow(selectSubscriptionSQL, id))
}

const selectSubscriptionByURLSQL = `
SELECT ` + subscriptionCols + ` FROM subscriptions WHERE feed_url = $1 AND server_id = $2
`

func selectSubscriptionByURLTxn(txn *sql.Tx, feedURL, serverID string) (*types.Subscription, error) {
	return scanSubscription(txn.QueryRow(selectSubscriptionByURLSQL, feedURL, serverID))
}

const selectSubscriptionsSQL = `
SELECT ` + subscriptionCols + ` FROM subscriptions WHERE server_id = $1 ORDER BY display_name
`

func selectSubscriptionsTxn(txn *sql.Tx, serverID string) (subs []types.Subscription, err error) {
	rows, err := txn.Query(selectSubscriptionsSQL, serverID)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var sub *types.Subscription
		if sub, err = scanSubscription(rows); err != nil {
			return
		}
		subs = append(subs, *sub)
	}
	err = rows.Err()
	return
}

// Absent next_poll_at means "never polled"; those rows sort first so new
// subscriptions are picked up ahead of the backlog.
const selectDueSubscriptionsSQL = `
SELECT ` + subscriptionCols + ` FROM subscriptions
	WHERE next_poll_at_ms IS NULL OR next_poll_at_ms <= $1
	ORDER BY (next_poll_at_ms IS NULL) DESC, next_poll_at_ms ASC
`

func selectDueSubscriptionsTxn(txn *sql.Tx, now time.Time) (subs []types.Subscription, err error) {
	rows, err := txn.Query(selectDueSubscriptionsSQL, timeToMs(now))
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var sub *types.Subscription
		if sub, err = scanSubscription(rows); err != nil {
			return
		}
		subs = append(subs, *sub)
	}
	err = rows.Err()
	return
}

const insertSubscriptionSQL = `
INSERT INTO subscriptions(
	feed_url, display_name, channel_id, server_id, added_by, created_at_ms, poll_interval
) VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func insertSubscriptionTxn(txn *sql.Tx, dialect string, now time.Time, feedURL, displayName, channelID, serverID, addedBy string, pollInterval int) (int64, error) {
	if dialect == dialectPostgres {
		var id int64
		err := txn.QueryRow(
			insertSubscriptionSQL+" RETURNING id",
			feedURL, displayName, channelID, serverID, addedBy, timeToMs(now), pollInterval,
		).Scan(&id)
		return id, err
	}
	res, err := txn.Exec(
		insertSubscriptionSQL,
		feedURL, displayName, channelID, serverID, addedBy, timeToMs(now), pollInterval,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const deleteSubscriptionSQL = `
DELETE FROM subscriptions WHERE id = $1
`

// Journal rows are deleted explicitly rather than relying on the cascade so
// removal behaves the same on connections without foreign keys enabled.
const deleteJournalForSubscriptionSQL = `
DELETE FROM posted_items WHERE subscription_id = $1
`

func deleteSubscriptionTxn(txn *sql.Tx, id int64) error {
	if _, err := txn.Exec(deleteJournalForSubscriptionSQL, id); err != nil {
		return err
	}
	_, err := txn.Exec(deleteSubscriptionSQL, id)
	return err
}

const updateChannelSQL = `
UPDATE subscriptions SET channel_id = $1 WHERE id = $2
`

func updateChannelTxn(txn *sql.Tx, id int64, channelID string) error {
	_, err := txn.Exec(updateChannelSQL, channelID, id)
	return err
}

const updateURLSQL = `
UPDATE subscriptions SET feed_url = $1 WHERE id = $2
`

func updateURLTxn(txn *sql.Tx, id int64, feedURL string) error {
	_, err := txn.Exec(updateURLSQL, feedURL, id)
	return err
}

// stateColumns maps the public state field names onto their columns.
var stateColumns = map[string]string{
	"etag":               "etag",
	"last_modified":      "last_modified",
	"last_poll_at":       "last_poll_at_ms",
	"next_poll_at":       "next_poll_at_ms",
	"poll_interval":      "poll_interval",
	"consecutive_errors": "consecutive_errors",
	"last_error":         "last_error",
}

func updateStateTxn(txn *sql.Tx, id int64, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	var (
		assigns []string
		args    []interface{}
	)
	for name, value := range fields {
		col, ok := stateColumns[name]
		if !ok {
			return UnknownStateFieldError{Field: name}
		}
		args = append(args, stateValue(name, value))
		assigns = append(assigns, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, id)
	stmt := fmt.Sprintf(
		"UPDATE subscriptions SET %s WHERE id = $%d",
		strings.Join(assigns, ", "), len(args),
	)
	_, err := txn.Exec(stmt, args...)
	return err
}

// stateValue converts field values to their column representation: times
// become UTC milliseconds and nils become NULLs.
func stateValue(name string, value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return timeToMs(v)
	case *time.Time:
		if v == nil {
			return nil
		}
		return timeToMs(*v)
	default:
		return value
	}
}

const selectPostedSQL = `
SELECT 1 FROM posted_items WHERE subscription_id = $1 AND item_guid = $2
`

func isPostedTxn(txn *sql.Tx, subscriptionID int64, itemGUID string) (bool, error) {
	var one int
	err := txn.QueryRow(selectPostedSQL, subscriptionID, itemGUID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

const insertPostedSQL = `
INSERT INTO posted_items(subscription_id, item_guid, posted_at_ms, message_id)
	VALUES ($1, $2, $3, $4)
`

func insertPostedTxn(txn *sql.Tx, now time.Time, subscriptionID int64, itemGUID, messageID string) error {
	var msgID interface{}
	if messageID != "" {
		msgID = messageID
	}
	_, err := txn.Exec(insertPostedSQL, subscriptionID, itemGUID, timeToMs(now), msgID)
	return err
}

func selectPostedSubsetTxn(txn *sql.Tx, subscriptionID int64, itemGUIDs []string) (map[string]bool, error) {
	posted := make(map[string]bool)
	if len(itemGUIDs) == 0 {
		return posted, nil
	}
	placeholders := make([]string, len(itemGUIDs))
	args := make([]interface{}, 0, len(itemGUIDs)+1)
	args = append(args, subscriptionID)
	for i, guid := range itemGUIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, guid)
	}
	stmt := fmt.Sprintf(
		"SELECT item_guid FROM posted_items WHERE subscription_id = $1 AND item_guid IN (%s)",
		strings.Join(placeholders, ","),
	)
	rows, err := txn.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, err
		}
		posted[guid] = true
	}
	return posted, rows.Err()
}

const pruneJournalSQL = `
DELETE FROM posted_items WHERE posted_at_ms < $1
`

func pruneJournalTxn(txn *sql.Tx, cutoff time.Time) (int64, error) {
	res, err := txn.Exec(pruneJournalSQL, timeToMs(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
