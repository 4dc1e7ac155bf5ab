package database

import (
	"time"

	"github.com/cordfeeder/cordfeeder/types"
)

// Storer is the interface which needs to be conformed to in order to persist
// subscriptions and the posted-item journal.
type Storer interface {
	AddSubscription(feedURL, displayName, channelID, serverID, addedBy string) (int64, error)
	RemoveSubscription(id int64) error
	GetSubscription(id int64) (*types.Subscription, error)
	GetSubscriptionByURL(feedURL, serverID string) (*types.Subscription, error)
	ListSubscriptions(serverID string) ([]types.Subscription, error)
	UpdateChannel(id int64, channelID string) error
	UpdateURL(id int64, feedURL string) error
	GetState(id int64) (*types.PollState, error)
	UpdateState(id int64, fields map[string]interface{}) error
	RecordPosted(subscriptionID int64, itemGUID, messageID string) error
	IsPosted(subscriptionID int64, itemGUID string) (bool, error)
	PostedSubset(subscriptionID int64, itemGUIDs []string) (map[string]bool, error)
	DueSubscriptions(now time.Time) ([]types.Subscription, error)
	PruneJournal(olderThanDays int) (int64, error)
}

// NopStorage implements Storer by doing nothing. Useful for tests which
// exercise components that require a Storer but never touch it.
type NopStorage struct{}

// AddSubscription does nothing.
func (s *NopStorage) AddSubscription(feedURL, displayName, channelID, serverID, addedBy string) (int64, error) {
	return 0, nil
}

// RemoveSubscription does nothing.
func (s *NopStorage) RemoveSubscription(id int64) error { return nil }

// GetSubscription does nothing.
func (s *NopStorage) GetSubscription(id int64) (*types.Subscription, error) { return nil, nil }

// GetSubscriptionByURL does nothing.
func (s *NopStorage) GetSubscriptionByURL(feedURL, serverID string) (*types.Subscription, error) {
	return nil, nil
}

// ListSubscriptions does nothing.
func (s *NopStorage) ListSubscriptions(serverID string) ([]types.Subscription, error) {
	return nil, nil
}

// UpdateChannel does nothing.
func (s *NopStorage) UpdateChannel(id int64, channelID string) error { return nil }

// UpdateURL does nothing.
func (s *NopStorage) UpdateURL(id int64, feedURL string) error { return nil }

// GetState does nothing.
func (s *NopStorage) GetState(id int64) (*types.PollState, error) { return nil, nil }

// UpdateState does nothing.
func (s *NopStorage) UpdateState(id int64, fields map[string]interface{}) error { return nil }

// RecordPosted does nothing.
func (s *NopStorage) RecordPosted(subscriptionID int64, itemGUID, messageID string) error {
	return nil
}

// IsPosted does nothing.
func (s *NopStorage) IsPosted(subscriptionID int64, itemGUID string) (bool, error) {
	return false, nil
}

// PostedSubset does nothing.
func (s *NopStorage) PostedSubset(subscriptionID int64, itemGUIDs []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

// DueSubscriptions does nothing.
func (s *NopStorage) DueSubscriptions(now time.Time) ([]types.Subscription, error) {
	return nil, nil
}

// PruneJournal does nothing.
func (s *NopStorage) PruneJournal(olderThanDays int) (int64, error) { return 0, nil }
