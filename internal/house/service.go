// Package house hosts auctions behind an HTTP API. It loads an auction from
// the store, runs one engine operation against it, and commits the resulting
// state together with the events and payouts that operation produced.
//
// All amounts use shopspring/decimal and are whole minor units.
package house

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/notify"
	"github.com/atmx/auction-engine/internal/payout"
	"github.com/atmx/auction-engine/internal/store"
)

// Options tune a Service. The zero value is usable.
type Options struct {
	// Clock defaults to auction.SystemClock.
	Clock auction.Clock

	// FrozenRecipients refuse every transfer.
	FrozenRecipients []string

	// SettleBatchSize is the settle limit used when a request names none.
	// Zero settles everything in one call.
	SettleBatchSize int
}

// Service runs auction operations. A mutex serializes operations
// (single-instance); for horizontal scaling, replace with database-level
// optimistic concurrency on the auction row.
type Service struct {
	store     store.Store
	sink      notify.Sink
	clock     auction.Clock
	frozen    []string
	batchSize int
	mu        sync.Mutex
}

// NewService creates a new auction service. Pass nil for sink if committed
// events need no delivery beyond the store.
func NewService(st store.Store, sink notify.Sink, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = auction.SystemClock{}
	}
	return &Service{
		store:     st,
		sink:      sink,
		clock:     clock,
		frozen:    opts.FrozenRecipients,
		batchSize: opts.SettleBatchSize,
	}
}

// View is an auction snapshot annotated for clients.
type View struct {
	*model.Auction
	Phase          string          `json:"phase"`
	MinimumNextBid decimal.Decimal `json:"minimum_next_bid"`
}

// CreateAuction starts a new auction for beneficiary.
func (s *Service) CreateAuction(ctx context.Context, beneficiary string, duration time.Duration) (*View, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	events := &notify.Buffer{}
	a, err := auction.New(ctx, "", beneficiary, duration, auction.Deps{Clock: s.clock, Notify: events})
	if err != nil {
		s.observe("create", start, err)
		return nil, err
	}

	c := store.Commit{Auction: a.Snapshot(), Events: events.Take()}
	if err := s.store.CreateAuction(ctx, c); err != nil {
		s.observe("create", start, err)
		return nil, fmt.Errorf("persist auction %s: %w", c.Auction.ID, err)
	}
	s.observe("create", start, nil)
	metrics.AuctionsCreated.Inc()
	s.publish(ctx, c)

	slog.Info("auction created",
		"id", c.Auction.ID,
		"beneficiary", beneficiary,
		"end", c.Auction.EndTime,
	)
	return s.view(c.Auction), nil
}

// GetAuction returns the current state of an auction.
func (s *Service) GetAuction(ctx context.Context, id string) (*View, error) {
	snap, err := s.store.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(snap), nil
}

// ListAuctions returns every auction, newest first.
func (s *Service) ListAuctions(ctx context.Context) ([]View, error) {
	auctions, err := s.store.ListAuctions(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(auctions))
	for i := range auctions {
		views = append(views, *s.view(&auctions[i]))
	}
	return views, nil
}

// Events returns the committed event log of an auction.
func (s *Service) Events(ctx context.Context, id string) ([]model.Event, error) {
	if _, err := s.store.GetAuction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, id)
}

// Payouts returns every transfer made by an auction.
func (s *Service) Payouts(ctx context.Context, id string) ([]model.Payout, error) {
	if _, err := s.store.GetAuction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetPayouts(ctx, id)
}

// PayoutsTo returns every transfer received by recipient across auctions.
func (s *Service) PayoutsTo(ctx context.Context, recipient string) ([]model.Payout, error) {
	return s.store.GetPayoutsByRecipient(ctx, recipient)
}

// PlaceBid places a bid on behalf of bidder.
func (s *Service) PlaceBid(ctx context.Context, id, bidder string, amount decimal.Decimal) (*View, error) {
	snap, err := s.run(ctx, "bid", id, func(a *auction.Auction) error {
		return a.PlaceBid(ctx, bidder, amount)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("bid placed",
		"auction", id,
		"bidder", bidder,
		"amount", amount.String(),
		"end", snap.EndTime,
	)
	return s.view(snap), nil
}

// Winner reports the winner once the deadline has passed. With no bids this
// ends the auction and the winner is empty.
func (s *Service) Winner(ctx context.Context, id string) (string, decimal.Decimal, error) {
	var (
		winner string
		amount decimal.Decimal
	)
	_, err := s.run(ctx, "winner", id, func(a *auction.Auction) error {
		var err error
		winner, amount, err = a.GetWinner(ctx)
		return err
	})
	return winner, amount, err
}

// EndAuction ends an auction on behalf of its beneficiary.
func (s *Service) EndAuction(ctx context.Context, id, caller string) (*View, error) {
	snap, err := s.run(ctx, "end", id, func(a *auction.Auction) error {
		return a.EndAuction(ctx, caller)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("auction ended", "auction", id, "winner", snap.HighestBidder, "winning_bid", snap.WinningBid.String())
	return s.view(snap), nil
}

// PartialWithdraw pays caller their pending balance while bidding is open.
func (s *Service) PartialWithdraw(ctx context.Context, id, caller string) (decimal.Decimal, error) {
	var paid decimal.Decimal
	_, err := s.run(ctx, "partial_withdraw", id, func(a *auction.Auction) error {
		var err error
		paid, err = a.PartialWithdraw(ctx, caller)
		return err
	})
	return paid, err
}

// Withdraw pays caller their pending balance after the deadline.
func (s *Service) Withdraw(ctx context.Context, id, caller string) (decimal.Decimal, error) {
	var paid decimal.Decimal
	_, err := s.run(ctx, "withdraw", id, func(a *auction.Auction) error {
		var err error
		paid, err = a.Withdraw(ctx, caller)
		return err
	})
	return paid, err
}

// Settle refunds losing bidders and, once all are refunded, pays the
// beneficiary. A negative limit uses the configured batch size; zero settles
// everything in one call.
func (s *Service) Settle(ctx context.Context, id, caller string, limit int) (*auction.Settlement, error) {
	if limit < 0 {
		limit = s.batchSize
	}
	var report *auction.Settlement
	_, err := s.run(ctx, "settle", id, func(a *auction.Auction) error {
		var err error
		report, err = a.SettleBatch(ctx, caller, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("settlement batch",
		"auction", id,
		"processed", report.Processed,
		"remaining", report.Remaining,
		"refunded", report.Refunded.String(),
		"fees", report.Fees.String(),
		"done", report.Done,
	)
	return report, nil
}

// BeneficiaryWithdraw pays the beneficiary the winning bid and fees.
func (s *Service) BeneficiaryWithdraw(ctx context.Context, id, caller string) (decimal.Decimal, error) {
	var paid decimal.Decimal
	_, err := s.run(ctx, "beneficiary_withdraw", id, func(a *auction.Auction) error {
		var err error
		paid, err = a.BeneficiaryWithdraw(ctx, caller)
		return err
	})
	return paid, err
}

// run loads auction id, applies fn and commits the outcome. Nothing is
// persisted or published when fn fails.
func (s *Service) run(ctx context.Context, op, id string, fn func(a *auction.Auction) error) (snap *model.Auction, err error) {
	start := time.Now()
	defer func() { s.observe(op, start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}

	events := &notify.Buffer{}
	journal := payout.NewJournal(s.frozen)
	a, err := auction.Restore(current, auction.Deps{
		Clock:    s.clock,
		Transfer: journal,
		Notify:   events,
	})
	if err != nil {
		slog.Error("restore auction failed", "auction", id, "err", err)
		return nil, err
	}

	if err := fn(a); err != nil {
		return nil, err
	}

	c := store.Commit{
		Auction: a.Snapshot(),
		Events:  events.Take(),
		Payouts: journal.Take(),
	}
	if err := s.store.SaveAuction(ctx, c); err != nil {
		slog.Error("persist auction failed", "auction", id, "op", op, "err", err)
		return nil, fmt.Errorf("persist auction %s: %w", id, err)
	}
	s.publish(ctx, c)
	return c.Auction, nil
}

// publish records metrics for a committed operation and hands its events
// to the sink.
func (s *Service) publish(ctx context.Context, c store.Commit) {
	for _, e := range c.Events {
		switch e.Type {
		case model.EventNewBid:
			metrics.BidsTotal.Inc()
		case model.EventAuctionExtension:
			metrics.Extensions.Inc()
		}
		if s.sink != nil {
			s.sink.Notify(ctx, e)
		}
	}
	for _, p := range c.Payouts {
		metrics.PayoutVolume.WithLabelValues(p.Kind).Add(p.Amount.InexactFloat64())
		if p.Fee.IsPositive() {
			metrics.FeesCollected.Add(p.Fee.InexactFloat64())
		}
	}
}

func (s *Service) observe(op string, start time.Time, err error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Rejections.WithLabelValues(op, reasonFor(err)).Inc()
	}
}

func (s *Service) view(snap *model.Auction) *View {
	v := &View{Auction: snap, Phase: snap.Phase(s.clock.Now())}
	if a, err := auction.Restore(snap, auction.Deps{Clock: s.clock}); err == nil {
		v.MinimumNextBid = a.MinimumNextBid()
	}
	return v
}

var reasons = []struct {
	err  error
	name string
}{
	{store.ErrNotFound, "not_found"},
	{store.ErrConflict, "conflict"},
	{auction.ErrInvariant, "invariant"},
	{auction.ErrTransferFailed, "transfer_failed"},
	{auction.ErrInvalidDuration, "invalid_duration"},
	{auction.ErrInvalidIdentity, "invalid_identity"},
	{auction.ErrNotInitialized, "not_initialized"},
	{auction.ErrAuctionInactive, "inactive"},
	{auction.ErrAuctionAlreadyEnded, "already_ended"},
	{auction.ErrAlreadyEnded, "already_ended"},
	{auction.ErrSelfBidding, "self_bidding"},
	{auction.ErrZeroAmount, "zero_amount"},
	{auction.ErrInvalidAmount, "invalid_amount"},
	{auction.ErrIncrementTooSmall, "increment_too_small"},
	{auction.ErrNotAuthorized, "not_authorized"},
	{auction.ErrTooEarly, "too_early"},
	{auction.ErrNoExcessFunds, "no_funds"},
	{auction.ErrNothingToSettle, "nothing_to_settle"},
}

func reasonFor(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "internal"
}
