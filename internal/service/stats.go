package service

import (
	"context"
	"time"

	"github.com/faucetdb/keyhub/internal/config"
	"github.com/faucetdb/keyhub/internal/model"
)

// KeyLister lists live auth keys.
type KeyLister interface {
	ListAuthKeys(ctx context.Context, f config.AuthKeyFilter) ([]model.AuthKey, error)
}

// Scope selects which keys a count covers.
type Scope struct {
	// OwnerID restricts the count to one owner. Nil counts every owner.
	OwnerID *int64
	// IncludeUnlimited counts keys with no validity bound. Such keys are
	// excluded from the total and from every bucket otherwise.
	IncludeUnlimited bool
}

// StatsAggregator computes per-status key counts.
type StatsAggregator struct {
	keys KeyLister
}

func NewStatsAggregator(keys KeyLister) *StatsAggregator {
	return &StatsAggregator{keys: keys}
}

// CountByState counts the live keys in scope by their status at now.
func (a *StatsAggregator) CountByState(ctx context.Context, now time.Time, scope Scope) (model.KeyCounts, error) {
	keys, err := a.keys.ListAuthKeys(ctx, config.AuthKeyFilter{OwnerID: scope.OwnerID})
	if err != nil {
		return model.KeyCounts{}, storeError("count keys", err)
	}
	return CountKeys(keys, now, scope.IncludeUnlimited), nil
}

// CountKeys buckets keys by status at now. Revoked keys are skipped.
func CountKeys(keys []model.AuthKey, now time.Time, includeUnlimited bool) model.KeyCounts {
	var c model.KeyCounts
	for i := range keys {
		k := &keys[i]
		if k.Deleted || (!includeUnlimited && k.Unlimited()) {
			continue
		}
		c.Total++
		switch model.StatusAt(k, now) {
		case model.StatusActive:
			c.Active++
		case model.StatusExpired:
			c.Expired++
		default:
			c.Pending++
		}
	}
	return c
}
