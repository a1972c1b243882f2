package usage

import (
	"errors"
)

// ErrLimitReached is returned by Consume when the daily budget is spent.
var ErrLimitReached = errors.New("usage: daily limit reached")

// DefaultSentinel is the limit at or above which a feature is unlimited.
const DefaultSentinel = 99999

// keyPrefix namespaces daily records in the profile store.
const keyPrefix = "daily_limit_"

// Limit is the per-day budget of one feature.
type Limit struct {
	Free    int `json:"free"`
	Premium int `json:"premium"`
}

// Record is the persisted form of a day's usage.
type Record struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// State is what callers see for one feature.
type State struct {
	Feature       string `json:"feature"`
	CanUse        bool   `json:"can_use"`
	UsedToday     int    `json:"used_today"`
	LimitToday    int    `json:"limit_today"`
	RemainingUses int    `json:"remaining_uses"`
	IsUnlimited   bool   `json:"is_unlimited"`
	Loading       bool   `json:"loading"`
}

// StorageKey returns the store key holding feature's record.
func StorageKey(feature string) string {
	return keyPrefix + feature
}
