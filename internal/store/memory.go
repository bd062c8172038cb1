package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[string]*model.Auction
	events   map[string][]model.Event
	payouts  []model.Payout
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[string]*model.Auction),
		events:   make(map[string][]model.Event),
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[c.Auction.ID]; ok {
		return fmt.Errorf("%w: auction %s", ErrConflict, c.Auction.ID)
	}
	s.apply(c)
	return nil
}

func (s *MemoryStore) SaveAuction(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[c.Auction.ID]; !ok {
		return fmt.Errorf("%w: auction %s", ErrNotFound, c.Auction.ID)
	}
	s.apply(c)
	return nil
}

// apply stores a copy of the commit. Caller holds the write lock.
func (s *MemoryStore) apply(c Commit) {
	s.auctions[c.Auction.ID] = cloneAuction(c.Auction)
	s.events[c.Auction.ID] = append(s.events[c.Auction.ID], c.Events...)
	s.payouts = append(s.payouts, c.Payouts...)
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	return cloneAuction(a), nil
}

func (s *MemoryStore) ListAuctions(_ context.Context) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auctions := make([]model.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		auctions = append(auctions, *cloneAuction(a))
	}
	sort.Slice(auctions, func(i, j int) bool {
		return auctions[i].CreatedAt.After(auctions[j].CreatedAt)
	})
	return auctions, nil
}

func (s *MemoryStore) GetEvents(_ context.Context, auctionID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Event(nil), s.events[auctionID]...), nil
}

func (s *MemoryStore) GetPayouts(_ context.Context, auctionID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.AuctionID == auctionID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPayoutsByRecipient(_ context.Context, recipient string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.Recipient == recipient {
			result = append(result, p)
		}
	}
	return result, nil
}
