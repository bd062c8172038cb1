// Package model defines the core domain types shared across the auction engine.
// All monetary values use shopspring/decimal holding whole minor units, never
// float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Auction phases as reported to API clients. The engine itself only stores the
// ended flag; "closing" means the deadline has passed but nothing has ended it yet.
const (
	PhaseActive  = "active"
	PhaseClosing = "closing"
	PhaseEnded   = "ended"
)

// Auction is the persisted snapshot of one English auction: the state machine
// fields plus its ledger. Bidders are kept in registry (first bid) order.
type Auction struct {
	ID              string          `json:"id" db:"id"`
	Beneficiary     string          `json:"beneficiary" db:"beneficiary"`
	StartTime       time.Time       `json:"start_time" db:"start_time"`
	EndTime         time.Time       `json:"end_time" db:"end_time"`
	HighestBidder   string          `json:"highest_bidder,omitempty" db:"highest_bidder"`
	HighestBid      decimal.Decimal `json:"highest_bid" db:"highest_bid"`
	Ended           bool            `json:"ended" db:"ended"`
	WinningBid      decimal.Decimal `json:"winning_bid" db:"winning_bid"`
	AccumulatedFees decimal.Decimal `json:"accumulated_fees" db:"accumulated_fees"`
	SettleCursor    int             `json:"settle_cursor" db:"settle_cursor"`   // next registry index to refund
	EventSeq        int64           `json:"event_seq" db:"event_seq"`           // last emitted event sequence
	Bidders         []Bidder        `json:"bidders"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Phase reports the auction phase as seen at now.
func (a *Auction) Phase(now time.Time) string {
	switch {
	case a.Ended:
		return PhaseEnded
	case now.Before(a.EndTime):
		return PhaseActive
	default:
		return PhaseClosing
	}
}

// Bidder is one registry row of the auction ledger.
type Bidder struct {
	Identity      string          `json:"identity" db:"identity"`
	PendingReturn decimal.Decimal `json:"pending_return" db:"pending_return"`
	LatestBid     decimal.Decimal `json:"latest_bid" db:"latest_bid"`
}

// EventType names a notification emitted by the engine.
type EventType string

const (
	EventAuctionStarted   EventType = "auction_started"
	EventNewBid           EventType = "new_bid"
	EventAuctionExtension EventType = "auction_extension"
	EventAuctionEnded     EventType = "auction_ended"
	EventNoOffers         EventType = "no_offers"
	EventFundsWithdrawn   EventType = "funds_withdrawn"
	EventOwnerWithdrawn   EventType = "owner_withdrawn"
	EventFundsDistributed EventType = "funds_distributed"
)

// Event is an immutable notification. Which fields are meaningful depends on Type:
//
//	auction_started    Party=owner, Start, End
//	new_bid            Party=bidder, Amount=bid, At
//	auction_extension  Party=bidder, At, End=new deadline
//	auction_ended      Party=winner (empty when no bids), Amount=winning bid
//	no_offers          Party=owner, Start, End
//	funds_withdrawn    Party=bidder, Amount=net paid
//	owner_withdrawn    Party=owner, Amount
//	funds_distributed  Party=owner, Amount=to owner, ToBidders, Fees
type Event struct {
	ID        string          `json:"id" db:"id"`
	AuctionID string          `json:"auction_id" db:"auction_id"`
	Seq       int64           `json:"seq" db:"seq"`
	Type      EventType       `json:"type" db:"type"`
	Party     string          `json:"party,omitempty" db:"party"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	ToBidders decimal.Decimal `json:"to_bidders" db:"to_bidders"`
	Fees      decimal.Decimal `json:"fees" db:"fees"`
	Start     time.Time       `json:"start" db:"start_time"`
	End       time.Time       `json:"end" db:"end_time"`
	At        time.Time       `json:"at" db:"at"`
}

// Payout kinds.
const (
	PayoutPartial     = "partial_withdrawal"
	PayoutWithdrawal  = "withdrawal"
	PayoutRefund      = "refund"
	PayoutBeneficiary = "beneficiary"
)

// Payout is an immutable record of one outbound transfer. Once created,
// these are never modified or deleted.
type Payout struct {
	ID        string          `json:"id" db:"id"`
	AuctionID string          `json:"auction_id" db:"auction_id"`
	Recipient string          `json:"recipient" db:"recipient"`
	Kind      string          `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // net amount moved
	Fee       decimal.Decimal `json:"fee" db:"fee"`       // fee retained, zero for fee-free kinds
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
