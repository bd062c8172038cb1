// Package auction implements a single-asset English auction: bid validation
// with a minimum increment, deadline extension for late bids, termination,
// and settlement of pending balances between bidders, a beneficiary, and a
// fee pool.
//
// An Auction is not safe for concurrent use. The host must serialize calls;
// the only suspend points are outbound transfers, and every state mutation
// that reduces a liability is committed before the transfer is attempted, so
// a transfer that calls back into the same Auction observes drained balances.
// Each operation is all-or-nothing: on any error the state is restored to what
// it was on entry and no events are delivered.
package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/ledger"
	"github.com/atmx/auction-engine/internal/model"
)

const (
	// ExtensionWindow is the trailing interval within which a qualifying bid
	// pushes the deadline back by the same amount.
	ExtensionWindow = 10 * time.Minute

	// MinIncrementBps is the minimum raise over the current highest bid.
	MinIncrementBps = 500

	// SettlementFeeBps is charged on refunds paid to losing bidders at settlement.
	SettlementFeeBps = 200

	bpsDenominator = 10000
)

var (
	ErrInvalidDuration     = errors.New("auction: duration must be positive")
	ErrInvalidIdentity     = errors.New("auction: identity must not be empty")
	ErrNotInitialized      = errors.New("auction: not initialized")
	ErrAuctionInactive     = errors.New("auction: bidding period is over")
	ErrAuctionAlreadyEnded = errors.New("auction: auction already ended")
	ErrSelfBidding         = errors.New("auction: beneficiary may not bid")
	ErrZeroAmount          = errors.New("auction: amount must be positive")
	ErrInvalidAmount       = errors.New("auction: amount must be a whole number within range")
	ErrIncrementTooSmall   = errors.New("auction: bid does not exceed minimum increment")
	ErrNotAuthorized       = errors.New("auction: caller is not the beneficiary")
	ErrAlreadyEnded        = errors.New("auction: already ended")
	ErrTooEarly            = errors.New("auction: deadline has not passed")
	ErrNoExcessFunds       = errors.New("auction: no funds to withdraw")
	ErrNothingToSettle     = errors.New("auction: nothing to settle")
	ErrTransferFailed      = errors.New("auction: transfer failed")

	// ErrInvariant marks a broken internal invariant (overflow, desynced
	// highest bid). It is a programming or integration error, not user input.
	ErrInvariant = errors.New("auction: invariant violation")
)

// Clock supplies the current time. Readings must never go backwards.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Transferer moves value out of the auction. It either moves the whole
// amount or returns an error; it never transfers partially.
type Transferer interface {
	Transfer(ctx context.Context, payout model.Payout) error
}

// Notifier receives events after the operation that produced them commits.
// Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, event model.Event)
}

// Deps are the external collaborators of an Auction. A nil Clock falls back
// to SystemClock; a nil Notifier drops events; a nil Transferer fails every
// transfer.
type Deps struct {
	Clock    Clock
	Transfer Transferer
	Notify   Notifier
}

// Auction is one English auction with its ledger.
type Auction struct {
	id            string
	beneficiary   string
	start         time.Time
	end           time.Time
	highestBidder string
	highestBid    decimal.Decimal
	ended         bool
	winningBid    decimal.Decimal
	ledger        *ledger.Ledger
	cursor        int
	seq           int64
	createdAt     time.Time

	deps Deps

	// events buffered by the running operation, flushed when depth returns to 0
	outbox []model.Event
	depth  int
}

// New starts an auction for beneficiary that runs for duration from now and
// emits auction_started.
func New(ctx context.Context, id, beneficiary string, duration time.Duration, deps Deps) (*Auction, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDuration, duration)
	}
	if beneficiary == "" {
		return nil, fmt.Errorf("%w: beneficiary", ErrInvalidIdentity)
	}
	if id == "" {
		id = uuid.New().String()
	}

	a := &Auction{
		id:          id,
		beneficiary: beneficiary,
		ledger:      ledger.New(),
		deps:        deps,
	}
	now := a.now()
	a.start = now
	a.end = now.Add(duration)
	a.createdAt = now

	err := a.atomically(ctx, func() error {
		a.emit(model.Event{
			Type:  model.EventAuctionStarted,
			Party: a.beneficiary,
			Start: a.start,
			End:   a.end,
			At:    now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Restore rebuilds an auction from a persisted snapshot.
func Restore(snap *model.Auction, deps Deps) (*Auction, error) {
	if snap == nil || snap.EndTime.IsZero() {
		return nil, ErrNotInitialized
	}
	l, err := ledger.FromRows(snap.Bidders, snap.AccumulatedFees)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	if snap.SettleCursor < 0 || snap.SettleCursor > l.Len() {
		return nil, fmt.Errorf("%w: settle cursor %d outside [0, %d]", ErrInvariant, snap.SettleCursor, l.Len())
	}
	a := &Auction{
		id:            snap.ID,
		beneficiary:   snap.Beneficiary,
		start:         snap.StartTime,
		end:           snap.EndTime,
		highestBidder: snap.HighestBidder,
		highestBid:    snap.HighestBid,
		ended:         snap.Ended,
		winningBid:    snap.WinningBid,
		ledger:        l,
		cursor:        snap.SettleCursor,
		seq:           snap.EventSeq,
		createdAt:     snap.CreatedAt,
		deps:          deps,
	}
	if err := a.checkInvariants(); err != nil {
		return nil, err
	}
	return a, nil
}

// Snapshot returns the persistable state of the auction.
func (a *Auction) Snapshot() *model.Auction {
	snap := &model.Auction{
		ID:            a.id,
		Beneficiary:   a.beneficiary,
		StartTime:     a.start,
		EndTime:       a.end,
		HighestBidder: a.highestBidder,
		HighestBid:    a.highestBid,
		Ended:         a.ended,
		WinningBid:    a.winningBid,
		SettleCursor:  a.cursor,
		EventSeq:      a.seq,
		CreatedAt:     a.createdAt,
		UpdatedAt:     a.now(),
	}
	if a.ledger != nil {
		snap.AccumulatedFees = a.ledger.Fees()
		snap.Bidders = a.ledger.Rows()
	}
	return snap
}

// --- Bidding ---

// PlaceBid records amount as the new highest bid from bidder. The previous
// highest bid, if any, becomes withdrawable by its bidder. A bid arriving
// within ExtensionWindow of the deadline pushes the deadline back by
// ExtensionWindow.
func (a *Auction) PlaceBid(ctx context.Context, bidder string, amount decimal.Decimal) error {
	return a.atomically(ctx, func() error {
		now := a.now()
		switch {
		case a.end.IsZero():
			return ErrNotInitialized
		case !now.Before(a.end):
			return ErrAuctionInactive
		case a.ended:
			return ErrAuctionAlreadyEnded
		case bidder == "":
			return fmt.Errorf("%w: bidder", ErrInvalidIdentity)
		case bidder == a.beneficiary:
			return ErrSelfBidding
		case !amount.IsPositive():
			return ErrZeroAmount
		case !ledger.ValidAmount(amount):
			return ErrInvalidAmount
		}

		threshold := a.incrementThreshold()
		if !amount.GreaterThan(threshold) {
			return fmt.Errorf("%w: %s must exceed %s", ErrIncrementTooSmall, amount, threshold)
		}

		if a.highestBidder != "" {
			if err := a.ledger.Credit(a.highestBidder, a.highestBid); err != nil {
				return fmt.Errorf("%w: %w", ErrInvariant, err)
			}
		}
		a.highestBidder = bidder
		a.highestBid = amount
		if err := a.ledger.RecordBid(bidder, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrInvariant, err)
		}

		a.emit(model.Event{
			Type:   model.EventNewBid,
			Party:  bidder,
			Amount: amount,
			At:     now,
		})

		if a.end.Sub(now) < ExtensionWindow {
			a.end = a.end.Add(ExtensionWindow)
			a.emit(model.Event{
				Type:  model.EventAuctionExtension,
				Party: bidder,
				End:   a.end,
				At:    now,
			})
		}
		return a.checkInvariants()
	})
}

// incrementThreshold is the value a new bid must strictly exceed:
// highestBid + floor(highestBid * MinIncrementBps / 10000).
func (a *Auction) incrementThreshold() decimal.Decimal {
	return a.highestBid.Add(bps(a.highestBid, MinIncrementBps))
}

// MinimumNextBid returns the smallest bid PlaceBid would currently accept.
func (a *Auction) MinimumNextBid() decimal.Decimal {
	return a.incrementThreshold().Add(decimal.NewFromInt(1))
}

// --- Termination ---

// GetWinner returns the winner and winning amount once the deadline has
// passed. With no bids the auction ends here (once) and the winner is empty.
func (a *Auction) GetWinner(ctx context.Context) (string, decimal.Decimal, error) {
	var (
		winner string
		amount decimal.Decimal
	)
	err := a.atomically(ctx, func() error {
		if a.end.IsZero() {
			return ErrNotInitialized
		}
		if a.now().Before(a.end) {
			return ErrTooEarly
		}
		if a.highestBidder == "" {
			if !a.ended {
				a.markEnded()
				a.emitNoOffers()
			}
			return nil
		}
		if !a.ended {
			a.winningBid = a.highestBid
		}
		winner, amount = a.highestBidder, a.winningBid
		return nil
	})
	return winner, amount, err
}

// EndAuction lets the beneficiary end the auction after the deadline,
// freezing the winning bid.
func (a *Auction) EndAuction(ctx context.Context, caller string) error {
	return a.atomically(ctx, func() error {
		switch {
		case a.end.IsZero():
			return ErrNotInitialized
		case caller != a.beneficiary:
			return ErrNotAuthorized
		case a.ended:
			return ErrAlreadyEnded
		case a.now().Before(a.end):
			return ErrTooEarly
		}

		a.ended = true
		a.winningBid = a.highestBid
		if a.highestBidder == "" {
			a.emitNoOffers()
		} else {
			a.emitEnded()
		}
		return nil
	})
}

// markEnded ends the auction, freezes the winning bid and emits auction_ended.
func (a *Auction) markEnded() {
	a.ended = true
	a.winningBid = a.highestBid
	a.emitEnded()
}

func (a *Auction) emitEnded() {
	a.emit(model.Event{
		Type:   model.EventAuctionEnded,
		Party:  a.highestBidder,
		Amount: a.winningBid,
		At:     a.now(),
	})
}

func (a *Auction) emitNoOffers() {
	a.emit(model.Event{
		Type:  model.EventNoOffers,
		Party: a.beneficiary,
		Start: a.start,
		End:   a.end,
		At:    a.now(),
	})
}

// --- Views ---

func (a *Auction) ID() string                       { return a.id }
func (a *Auction) Beneficiary() string              { return a.beneficiary }
func (a *Auction) StartTime() time.Time             { return a.start }
func (a *Auction) EndTime() time.Time               { return a.end }
func (a *Auction) HighestBidder() string            { return a.highestBidder }
func (a *Auction) HighestBid() decimal.Decimal      { return a.highestBid }
func (a *Auction) Ended() bool                      { return a.ended }
func (a *Auction) WinningBid() decimal.Decimal      { return a.winningBid }
func (a *Auction) AccumulatedFees() decimal.Decimal { return a.ledger.Fees() }

// PendingReturn returns what identity could currently withdraw.
func (a *Auction) PendingReturn(identity string) decimal.Decimal {
	return a.ledger.Pending(identity)
}

// LatestBid returns identity's most recent accepted bid.
func (a *Auction) LatestBid(identity string) decimal.Decimal {
	return a.ledger.LatestBid(identity)
}

// Bidders returns every identity that has bid, in first-bid order.
func (a *Auction) Bidders() []string {
	return a.ledger.Registry()
}

// --- Transaction plumbing ---

type savepoint struct {
	end           time.Time
	highestBidder string
	highestBid    decimal.Decimal
	ended         bool
	winningBid    decimal.Decimal
	ledger        *ledger.Ledger
	cursor        int
	seq           int64
}

func (a *Auction) save() savepoint {
	return savepoint{
		end:           a.end,
		highestBidder: a.highestBidder,
		highestBid:    a.highestBid,
		ended:         a.ended,
		winningBid:    a.winningBid,
		ledger:        a.ledger.Clone(),
		cursor:        a.cursor,
		seq:           a.seq,
	}
}

func (a *Auction) load(sp savepoint) {
	a.end = sp.end
	a.highestBidder = sp.highestBidder
	a.highestBid = sp.highestBid
	a.ended = sp.ended
	a.winningBid = sp.winningBid
	a.ledger = sp.ledger
	a.cursor = sp.cursor
	a.seq = sp.seq
}

// atomically runs fn as one operation. Nested calls (from a transfer that
// re-enters the auction) join the outer operation: their events are delivered
// when the outermost call commits, and an outer failure undoes them too.
func (a *Auction) atomically(ctx context.Context, fn func() error) error {
	sp := a.save()
	mark := len(a.outbox)

	a.depth++
	err := fn()
	a.depth--

	if err != nil {
		a.load(sp)
		a.outbox = a.outbox[:mark]
		return err
	}
	if a.depth > 0 {
		return nil
	}

	events := a.outbox
	a.outbox = nil
	if a.deps.Notify != nil {
		for _, e := range events {
			a.deps.Notify.Notify(ctx, e)
		}
	}
	return nil
}

func (a *Auction) emit(e model.Event) {
	a.seq++
	e.ID = uuid.New().String()
	e.AuctionID = a.id
	e.Seq = a.seq
	a.outbox = append(a.outbox, e)
}

func (a *Auction) now() time.Time {
	if a.deps.Clock == nil {
		return SystemClock{}.Now()
	}
	return a.deps.Clock.Now()
}

func (a *Auction) transfer(ctx context.Context, recipient, kind string, amount, fee decimal.Decimal) error {
	p := model.Payout{
		ID:        uuid.New().String(),
		AuctionID: a.id,
		Recipient: recipient,
		Kind:      kind,
		Amount:    amount,
		Fee:       fee,
		Timestamp: a.now(),
	}
	if a.deps.Transfer == nil {
		return fmt.Errorf("%w: %s: no transfer capability", ErrTransferFailed, recipient)
	}
	if err := a.deps.Transfer.Transfer(ctx, p); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransferFailed, recipient, err)
	}
	return nil
}

// checkInvariants validates the highest bid pairing. After the beneficiary
// has been paid the highest bid is zeroed while the winner stays recorded.
func (a *Auction) checkInvariants() error {
	if !ledger.ValidAmount(a.highestBid) || !ledger.ValidAmount(a.winningBid) {
		return fmt.Errorf("%w: amounts out of range", ErrInvariant)
	}
	if a.highestBidder == "" && !a.highestBid.IsZero() {
		return fmt.Errorf("%w: highest bid %s without bidder", ErrInvariant, a.highestBid)
	}
	if !a.ended && a.highestBidder != "" && a.highestBid.IsZero() {
		return fmt.Errorf("%w: bidder %s with zero bid", ErrInvariant, a.highestBidder)
	}
	if a.highestBidder != "" && !a.ledger.Registered(a.highestBidder) {
		return fmt.Errorf("%w: bidder %s not registered", ErrInvariant, a.highestBidder)
	}
	return nil
}

// bps returns floor(v * rate / 10000).
func bps(v decimal.Decimal, rate int64) decimal.Decimal {
	return v.Mul(decimal.NewFromInt(rate)).Div(decimal.NewFromInt(bpsDenominator)).Floor()
}
