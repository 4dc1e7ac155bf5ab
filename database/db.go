// Package database persists subscriptions and the posted-item journal in a
// SQL database.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cordfeeder/cordfeeder/types"
)

const (
	dialectSqlite   = "sqlite3"
	dialectPostgres = "postgres"
)

// ErrDuplicateSubscription is returned by AddSubscription when the
// (feed_url, server_id) pair already exists.
var ErrDuplicateSubscription = errors.New("subscription already exists for this feed URL and server")

// UnknownStateFieldError is returned by UpdateState when asked to write a
// field outside the polling-state column set. It indicates a programming
// error in the caller.
type UnknownStateFieldError struct {
	Field string
}

func (e UnknownStateFieldError) Error() string {
	return fmt.Sprintf("unknown polling-state field %q", e.Field)
}

// legacyStateTable is the sidecar table used by old deployments which kept
// polling state out of the subscriptions table. Initialise folds it in.
const legacyStateTable = "subscription_state"

// A FeedDB stores subscriptions and their posted-item journal.
type FeedDB struct {
	db                  *sql.DB
	dialect             string
	defaultPollInterval int
}

// Open a SQL database to use as a FeedDB. Call Initialise before first use.
func Open(databaseType, databaseURL string) (*FeedDB, error) {
	db, err := sql.Open(databaseType, databaseURL)
	if err != nil {
		return nil, err
	}
	if databaseType == dialectSqlite {
		// Fix for "database is locked" errors
		// https://github.com/mattn/go-sqlite3/issues/274
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, err
		}
	}
	return &FeedDB{
		db:                  db,
		dialect:             databaseType,
		defaultPollInterval: 900,
	}, nil
}

// SetDefaultPollInterval sets the nominal interval given to newly added
// subscriptions, in seconds.
func (d *FeedDB) SetDefaultPollInterval(secs int) {
	d.defaultPollInterval = secs
}

// Initialise creates the tables if they aren't already present and migrates
// databases created by the legacy two-table layout, where polling state
// lived in a sidecar table. It is a no-op on an already-migrated store.
func (d *FeedDB) Initialise() error {
	schema := schemaSQLSqlite
	if d.dialect == dialectPostgres {
		schema = schemaSQLPostgres
	}
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	return runTransaction(d.db, func(txn *sql.Tx) error {
		return d.migrateLegacyStateTxn(txn)
	})
}

// Close closes the underlying database.
func (d *FeedDB) Close() error {
	return d.db.Close()
}

// AddSubscription inserts a new subscription row with its scheduling state
// initialised so it is immediately due. Returns ErrDuplicateSubscription if
// the (feedURL, serverID) pair is already present.
func (d *FeedDB) AddSubscription(feedURL, displayName, channelID, serverID, addedBy string) (id int64, err error) {
	err = runTransaction(d.db, func(txn *sql.Tx) error {
		_, selErr := selectSubscriptionByURLTxn(txn, feedURL, serverID)
		if selErr == nil {
			return ErrDuplicateSubscription
		} else if selErr != sql.ErrNoRows {
			return selErr
		}
		id, selErr = insertSubscriptionTxn(
			txn, d.dialect, time.Now(), feedURL, displayName, channelID, serverID,
			addedBy, d.defaultPollInterval,
		)
		return selErr
	})
	if err == nil {
		log.WithFields(log.Fields{
			"subscription_id": id,
			"feed_url":        feedURL,
			"server_id":       serverID,
		}).Info("Subscription added")
	}
	return
}

// RemoveSubscription deletes the given subscription and its journal entries.
// Removing an unknown id is not an error.
func (d *FeedDB) RemoveSubscription(id int64) error {
	err := runTransaction(d.db, func(txn *sql.Tx) error {
		return deleteSubscriptionTxn(txn, id)
	})
	if err == nil {
		log.WithField("subscription_id", id).Info("Subscription removed")
	}
	return err
}

// GetSubscription loads a subscription by id.
// Returns sql.ErrNoRows if the subscription isn't in the database.
func (d *FeedDB) GetSubscription(id int64) (sub *types.Subscription, err error) {
	err = runTransaction(d.db, func(txn *sql.Tx) error {
		sub, err = selectSubscriptionTxn(txn, id)
		return err
	})
	return
}

// GetSubscriptionByURL loads a subscription by its canonical feed URL within
// a server. Returns sql.ErrNoRows if there is no such subscription.
func (d *FeedDB) GetSubscriptionByURL(feedURL, serverID string) (sub *types.Subscription, err error) {
	err = runTransaction(d.db, func(txn *sql.Tx) error {
		sub, err = selectSubscriptionByURLTxn(txn, feedURL, serverID)
		return err
	})
	return
}

// ListSubscriptions returns all subscriptions for a server, ordered by
// display name.
func (d *FeedDB) ListSubscriptions(serverID string) (subs []types.Subscription, err error) {
	err = runTransaction(d.db, func(txn *sql.Tx) error {
		subs, err = selectSubscriptionsTxn(txn, serverID)
		return err
	})
	return
}

// UpdateChannel moves a subscription to a different channel.
func (d *FeedDB) UpdateChannel(id int64, channelID string) error {
	return runTransaction(d.db, func(txn *sql.Tx) error {
		return updateChannelTxn(txn, id, channelID)
	})
}

// UpdateURL repoints a subscription at a new feed URL.
func (d *FeedDB) UpdateURL(id int64, feedURL string) error {
	return runTransaction(d.db, func(txn *sql.Tx) error {
		return updateURLTxn(txn, id, feedURL)
	})
}

// GetState returns the polling-state snapshot for a subscription.
// Returns sql.ErrNoRows if the subscription isn't in the database.
func (d *FeedDB) GetState(id int64) (*types.PollState, error) {
	sub, err := d.GetSubscription(id)
	if err != nil {
		return nil, err
	}
	state := sub.State
	return &state, nil
}

// UpdateState writes a subset of the polling-state fields, leaving the rest
// untouched. Recognised fields: etag, last_modified, last_poll_at,
// next_poll_at, poll_interval, consecutive_errors, last_error. Time values
// may be time.Time or *time.Time; nil clears a nullable column.
func (d *FeedDB) UpdateState(id int64, fields map[string]interface{}) error {
	return runTransaction(d.db, func(txn *sql.Tx) error {
		return updateStateTxn(txn, id, fields)
	})
}

// RecordPosted journals that an item has been delivered for a subscription.
// It is idempotent on the (subscription, guid) key: recording an already
// journalled guid is a no-op even with a different message id.
func (d *FeedDB) RecordPosted(subscriptionID int64, itemGUID, messageID string) error {
	return runTransaction(d.db, func(txn *sql.Tx) error {
		posted, err := isPostedTxn(txn, subscriptionID, itemGUID)
		if err != nil || posted {
			return err
		}
		return insertPostedTxn(txn, time.Now(), subscriptionID, itemGUID, messageID)
	})
}

// IsPosted reports whether an item guid has already been journalled for a
// subscription.
func (d *FeedDB) IsPosted(subscriptionID int64, itemGUID string) (posted bool, err error) {
	err = runTransaction(d.db, func(txn *sql.Tx) error {
		posted, err = isPostedTxn(txn, subscriptionID, itemGUID)
		return err
	})
	return
}

// PostedSubset returns the subset of the given guids which are already
// journalled for a subscription, so a poll cycle can diff a whole document
// in one query.
func (d *FeedDB) PostedSubset(subscriptionID int64, itemGUIDs []string) (posted map[string]bool, err error) {
	err = runTransaction(d.db, func(txn *sql.Tx) error {
		posted, err = selectPostedSubsetTxn(txn, subscriptionID, itemGUIDs)
		return err
	})
	return
}

// DueSubscriptions returns the subscriptions whose next poll time is absent
// or has passed, soonest first (absent first).
func (d *FeedDB) DueSubscriptions(now time.Time) (subs []types.Subscription, err error) {
	err = runTransaction(d.db, func(txn *sql.Tx) error {
		subs, err = selectDueSubscriptionsTxn(txn, now)
		return err
	})
	return
}

// PruneJournal deletes journal entries older than the given number of days
// and returns how many were deleted.
func (d *FeedDB) PruneJournal(olderThanDays int) (deleted int64, err error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	err = runTransaction(d.db, func(txn *sql.Tx) error {
		deleted, err = pruneJournalTxn(txn, cutoff)
		return err
	})
	if err == nil && deleted > 0 {
		log.WithFields(log.Fields{
			"deleted": deleted,
			"days":    olderThanDays,
		}).Info("Pruned posted-item journal")
	}
	return
}

// migrateLegacyStateTxn folds the legacy subscription_state sidecar into the
// subscriptions table and drops it. Runs at most once per database: once the
// sidecar is gone this returns immediately.
func (d *FeedDB) migrateLegacyStateTxn(txn *sql.Tx) error {
	exists, err := d.tableExistsTxn(txn, legacyStateTable)
	if err != nil || !exists {
		return err
	}
	log.WithField("table", legacyStateTable).Info("Migrating legacy polling-state table")

	alterations := []struct{ col, def string }{
		{"etag", "TEXT"},
		{"last_modified", "TEXT"},
		{"last_poll_at_ms", "BIGINT"},
		{"next_poll_at_ms", "BIGINT"},
		{"poll_interval", "INTEGER NOT NULL DEFAULT 900"},
		{"consecutive_errors", "INTEGER NOT NULL DEFAULT 0"},
		{"last_error", "TEXT"},
	}
	for _, a := range alterations {
		has, err := d.hasColumnTxn(txn, "subscriptions", a.col)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE subscriptions ADD COLUMN %s %s", a.col, a.def)
		if _, err := txn.Exec(stmt); err != nil {
			return err
		}
	}

	copySQL := `
	SELECT subscription_id, etag, last_modified, last_poll_at_ms, next_poll_at_ms,
		poll_interval, consecutive_errors, last_error FROM ` + legacyStateTable
	rows, err := txn.Query(copySQL)
	if err != nil {
		return err
	}
	type legacyRow struct {
		id                             int64
		etag, lastModified, lastError  sql.NullString
		lastPollMs, nextPollMs         sql.NullInt64
		pollInterval, consecutiveErrors int
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(
			&r.id, &r.etag, &r.lastModified, &r.lastPollMs, &r.nextPollMs,
			&r.pollInterval, &r.consecutiveErrors, &r.lastError,
		); err != nil {
			rows.Close()
			return err
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	updateSQL := `
	UPDATE subscriptions SET etag = $1, last_modified = $2, last_poll_at_ms = $3,
		next_poll_at_ms = $4, poll_interval = $5, consecutive_errors = $6,
		last_error = $7 WHERE id = $8`
	for _, r := range legacy {
		if _, err := txn.Exec(
			updateSQL, r.etag, r.lastModified, r.lastPollMs, r.nextPollMs,
			r.pollInterval, r.consecutiveErrors, r.lastError, r.id,
		); err != nil {
			return err
		}
	}

	if _, err := txn.Exec("DROP TABLE " + legacyStateTable); err != nil {
		return err
	}
	log.WithField("rows", len(legacy)).Info("Legacy polling-state migration complete")
	return nil
}

func (d *FeedDB) tableExistsTxn(txn *sql.Tx, name string) (bool, error) {
	var stmt string
	if d.dialect == dialectPostgres {
		stmt = "SELECT table_name FROM information_schema.tables WHERE table_name = $1"
	} else {
		stmt = "SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1"
	}
	var found string
	err := txn.QueryRow(stmt, name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (d *FeedDB) hasColumnTxn(txn *sql.Tx, table, column string) (bool, error) {
	var stmt string
	if d.dialect == dialectPostgres {
		stmt = "SELECT column_name FROM information_schema.columns WHERE table_name = $1 AND column_name = $2"
	} else {
		stmt = "SELECT name FROM pragma_table_info($1) WHERE name = $2"
	}
	var found string
	err := txn.QueryRow(stmt, table, column).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func runTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback()
			panic(r)
		} else if err != nil {
			txn.Rollback()
		} else {
			err = txn.Commit()
		}
	}()
	err = fn(txn)
	return
}
