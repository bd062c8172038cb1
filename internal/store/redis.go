package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) CreateAuction(ctx context.Context, c Commit) error {
	if err := s.primary.CreateAuction(ctx, c); err != nil {
		return err
	}
	s.cacheAuction(ctx, c.Auction)
	return nil
}

func (s *CachedStore) SaveAuction(ctx context.Context, c Commit) error {
	if err := s.primary.SaveAuction(ctx, c); err != nil {
		// Drop the entry; the primary may or may not have applied the commit.
		s.rdb.Del(ctx, auctionCacheKey(c.Auction.ID))
		return err
	}
	s.cacheAuction(ctx, c.Auction)
	for _, p := range c.Payouts {
		s.rdb.Del(ctx, payoutsCacheKey(p.Recipient))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, auctionCacheKey(id)).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheAuction(ctx, a)
	return a, nil
}

func (s *CachedStore) GetPayoutsByRecipient(ctx context.Context, recipient string) ([]model.Payout, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, payoutsCacheKey(recipient)).Bytes()
	if err == nil {
		var payouts []model.Payout
		if json.Unmarshal(data, &payouts) == nil {
			return payouts, nil
		}
	}

	// Cache miss.
	payouts, err := s.primary.GetPayoutsByRecipient(ctx, recipient)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(payouts); err == nil {
		s.rdb.Set(ctx, payoutsCacheKey(recipient), data, s.ttl)
	}
	return payouts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	return s.primary.ListAuctions(ctx)
}

func (s *CachedStore) GetEvents(ctx context.Context, auctionID string) ([]model.Event, error) {
	return s.primary.GetEvents(ctx, auctionID)
}

func (s *CachedStore) GetPayouts(ctx context.Context, auctionID string) ([]model.Payout, error) {
	return s.primary.GetPayouts(ctx, auctionID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAuction(ctx context.Context, a *model.Auction) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, auctionCacheKey(a.ID), data, s.ttl)
	}
}

func auctionCacheKey(id string) string { return fmt.Sprintf("auction:%s", id) }
func payoutsCacheKey(uid string) string { return fmt.Sprintf("payouts:%s", uid) }
