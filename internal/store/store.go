// Package store defines the persistence interface for the auction engine.
// Implementations include PostgreSQL (source of truth), Pebble (embedded,
// single node), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/auction-engine/internal/model"
)

var (
	// ErrNotFound is returned when an auction does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when creating an auction whose ID is taken.
	ErrConflict = errors.New("store: already exists")
)

// Commit is everything one engine operation produced: the auction state after
// the operation, plus the events and payouts to append. A commit is applied
// atomically or not at all.
type Commit struct {
	Auction *model.Auction
	Events  []model.Event
	Payouts []model.Payout
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Auction state ---

	// CreateAuction persists a new auction with its opening events.
	CreateAuction(ctx context.Context, c Commit) error

	// SaveAuction replaces an existing auction's state and appends the
	// commit's events and payouts.
	SaveAuction(ctx context.Context, c Commit) error

	// GetAuction retrieves an auction snapshot by ID.
	GetAuction(ctx context.Context, id string) (*model.Auction, error)

	// ListAuctions returns all auctions, newest first.
	ListAuctions(ctx context.Context) ([]model.Auction, error)

	// --- Immutable journals ---

	// GetEvents returns an auction's events in emission order.
	GetEvents(ctx context.Context, auctionID string) ([]model.Event, error)

	// GetPayouts returns an auction's payouts in the order they were made.
	GetPayouts(ctx context.Context, auctionID string) ([]model.Payout, error)

	// GetPayoutsByRecipient returns every payout made to one identity.
	GetPayoutsByRecipient(ctx context.Context, recipient string) ([]model.Payout, error)
}

// cloneAuction deep-copies a snapshot so callers cannot mutate stored state.
func cloneAuction(a *model.Auction) *model.Auction {
	c := *a
	c.Bidders = append([]model.Bidder(nil), a.Bidders...)
	return &c
}
