package auction_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/model"
)

// seedThreeBidders leaves alice winning at 300 with 100 of her own pending,
// bob owed 106 and carol owed 200.
func seedThreeBidders(t *testing.T, e *env) {
	t.Helper()
	e.bid(t, alice, 100)
	e.bid(t, bob, 106)
	e.bid(t, carol, 200)
	e.bid(t, alice, 300)
}

func TestPartialWithdraw_NoFundsMutatesNothing(t *testing.T) {
	e := newEnv(t)
	e.bid(t, alice, 100)
	before := e.a.Snapshot()
	e.events.reset()

	_, err := e.a.PartialWithdraw(context.Background(), alice)
	check.True(t, errors.Is(err, auction.ErrNoExcessFunds))

	_, err = e.a.PartialWithdraw(context.Background(), "stranger")
	check.True(t, errors.Is(err, auction.ErrNoExcessFunds))

	after := e.a.Snapshot()
	check.Equal(t, before.EventSeq, after.EventSeq)
	check.Equal(t, before.HighestBidder, after.HighestBidder)
	check.Equal(t, 0, len(e.events.events))
	check.Equal(t, 0, len(e.wallet.payouts))
}

func TestPartialWithdraw_AfterDeadline(t *testing.T) {
	e := newEnv(t)
	e.bid(t, alice, 100)
	e.bid(t, bob, 200)
	e.expire()

	_, err := e.a.PartialWithdraw(context.Background(), alice)
	check.True(t, errors.Is(err, auction.ErrAuctionInactive))
	check.Equal(t, "100", e.a.PendingReturn(alice).String())
}

func TestPartialWithdraw_TransferFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.bid(t, alice, 100)
	e.bid(t, bob, 200)
	e.wallet.refuse[alice] = true
	e.events.reset()

	_, err := e.a.PartialWithdraw(context.Background(), alice)
	check.True(t, errors.Is(err, auction.ErrTransferFailed))
	check.True(t, errors.Is(err, errRefused))
	check.Equal(t, "100", e.a.PendingReturn(alice).String())
	check.Equal(t, 0, len(e.events.events))

	// Retry succeeds once the recipient accepts.
	delete(e.wallet.refuse, alice)
	paid, err := e.a.PartialWithdraw(context.Background(), alice)
	check.NoError(t, err)
	check.Equal(t, "100", paid.String())
	check.Equal(t, []model.EventType{model.EventFundsWithdrawn}, e.events.types())
}

func TestPartialWithdraw_ReentrantCallSeesDrainedBalance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.bid(t, alice, 100)
	e.bid(t, bob, 200)

	var nestedErr error
	e.wallet.onPay = func(p model.Payout) {
		if p.Recipient == alice {
			e.wallet.onPay = nil
			_, nestedErr = e.a.PartialWithdraw(ctx, alice)
		}
	}

	paid, err := e.a.PartialWithdraw(ctx, alice)
	check.NoError(t, err)
	check.Equal(t, "100", paid.String())
	check.True(t, errors.Is(nestedErr, auction.ErrNoExcessFunds))
	check.Equal(t, 1, len(e.wallet.payouts))
	check.Equal(t, "100", e.wallet.paidTo(alice).String())
}

func TestSettleAll_RefundsLosersAndPaysBeneficiary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedThreeBidders(t, e)
	received := amt(100 + 106 + 200 + 300)

	e.expire()
	e.events.reset()
	report, err := e.a.SettleAll(ctx, owner)
	check.NoError(t, err)

	// bob: fee floor(106*2%)=2, carol: fee 4.
	check.Equal(t, "104", e.wallet.paidTo(bob).String())
	check.Equal(t, "196", e.wallet.paidTo(carol).String())
	check.Equal(t, "306", e.wallet.paidTo(owner).String())
	check.Equal(t, "300", report.Refunded.String())
	check.Equal(t, "6", report.Fees.String())
	check.Equal(t, "306", report.ToBeneficiary.String())
	check.Equal(t, 3, report.Processed)
	check.Equal(t, 0, report.Remaining)
	check.True(t, report.Done)

	check.True(t, e.a.Ended())
	check.True(t, e.a.HighestBid().IsZero())
	check.True(t, e.a.AccumulatedFees().IsZero())
	check.Equal(t, "300", e.a.WinningBid().String())
	check.True(t, e.a.PendingReturn(bob).IsZero())
	check.True(t, e.a.PendingReturn(carol).IsZero())

	check.Equal(t, []model.EventType{
		model.EventAuctionEnded,
		model.EventFundsWithdrawn,
		model.EventFundsWithdrawn,
		model.EventOwnerWithdrawn,
		model.EventFundsDistributed,
	}, e.events.types())
	// Refunds follow registry order.
	check.Equal(t, bob, e.events.events[1].Party)
	check.Equal(t, carol, e.events.events[2].Party)
	summary := e.events.events[4]
	check.Equal(t, "306", summary.Amount.String())
	check.Equal(t, "300", summary.ToBidders.String())
	check.Equal(t, "6", summary.Fees.String())

	// The winner's own superseded bid is left for her to claim, fee free.
	check.Equal(t, "100", e.a.PendingReturn(alice).String())
	paid, err := e.a.Withdraw(ctx, alice)
	check.NoError(t, err)
	check.Equal(t, "100", paid.String())

	// Every unit received has been paid out.
	check.True(t, e.wallet.total().Equal(received))
}

func TestSettleAll_SecondCallHasNothingToSettle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedThreeBidders(t, e)
	e.expire()

	_, err := e.a.SettleAll(ctx, owner)
	check.NoError(t, err)
	payouts := len(e.wallet.payouts)
	e.events.reset()

	_, err = e.a.SettleAll(ctx, owner)
	check.True(t, errors.Is(err, auction.ErrNothingToSettle))
	check.Equal(t, payouts, len(e.wallet.payouts))
	check.Equal(t, 0, len(e.events.events))
}

func TestSettleAll_Preconditions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.bid(t, alice, 100)

	_, err := e.a.SettleAll(ctx, alice)
	check.True(t, errors.Is(err, auction.ErrNotAuthorized))

	_, err = e.a.SettleAll(ctx, owner)
	check.True(t, errors.Is(err, auction.ErrTooEarly))
	check.False(t, e.a.Ended())
}

func TestSettleAll_NoBids(t *testing.T) {
	e := newEnv(t)
	e.expire()

	_, err := e.a.SettleAll(context.Background(), owner)
	check.True(t, errors.Is(err, auction.ErrNothingToSettle))
	// The failed call leaves the auction as it was.
	check.False(t, e.a.Ended())
}

func TestSettleAll_TransferFailureRollsBackEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedThreeBidders(t, e)
	e.expire()
	e.wallet.refuse[carol] = true
	e.events.reset()

	_, err := e.a.SettleAll(ctx, owner)
	check.True(t, errors.Is(err, auction.ErrTransferFailed))

	check.False(t, e.a.Ended())
	check.Equal(t, "106", e.a.PendingReturn(bob).String())
	check.Equal(t, "200", e.a.PendingReturn(carol).String())
	check.Equal(t, "300", e.a.HighestBid().String())
	check.True(t, e.a.AccumulatedFees().IsZero())
	check.Equal(t, 0, len(e.events.events))
	check.Equal(t, 0, e.a.Snapshot().SettleCursor)

	delete(e.wallet.refuse, carol)
	report, err := e.a.SettleAll(ctx, owner)
	check.NoError(t, err)
	check.True(t, report.Done)
}

func TestSettleBatch_ResumesFromCursor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedThreeBidders(t, e)
	e.expire()

	// alice (winner) is skipped, so the first batch pays nobody.
	r1, err := e.a.SettleBatch(ctx, owner, 1)
	check.NoError(t, err)
	check.Equal(t, 1, r1.Processed)
	check.Equal(t, 2, r1.Remaining)
	check.False(t, r1.Done)
	check.True(t, r1.Refunded.IsZero())
	check.True(t, e.a.Ended())

	r2, err := e.a.SettleBatch(ctx, owner, 1)
	check.NoError(t, err)
	check.Equal(t, "104", r2.Refunded.String())
	check.Equal(t, 1, r2.Remaining)
	check.False(t, r2.Done)
	check.Equal(t, "2", e.a.AccumulatedFees().String())

	r3, err := e.a.SettleBatch(ctx, owner, 5)
	check.NoError(t, err)
	check.Equal(t, 1, r3.Processed)
	check.Equal(t, "196", r3.Refunded.String())
	check.True(t, r3.Done)
	check.Equal(t, "306", r3.ToBeneficiary.String())

	_, err = e.a.SettleBatch(ctx, owner, 1)
	check.True(t, errors.Is(err, auction.ErrNothingToSettle))
}

func TestSettleBatch_HugeLimitFinishesRemainder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedThreeBidders(t, e)
	e.expire()

	_, err := e.a.SettleBatch(ctx, owner, 1)
	check.NoError(t, err)

	report, err := e.a.SettleBatch(ctx, owner, math.MaxInt)
	check.NoError(t, err)
	check.Equal(t, 2, report.Processed)
	check.Equal(t, 0, report.Remaining)
	check.True(t, report.Done)
	check.Equal(t, "300", report.Refunded.String())
	check.Equal(t, 3, e.a.Snapshot().SettleCursor)
	check.True(t, e.a.PendingReturn(bob).IsZero())
	check.True(t, e.a.PendingReturn(carol).IsZero())

	// The persisted state stays restorable and further calls fail cleanly.
	restored, err := auction.Restore(e.a.Snapshot(), e.deps())
	check.NoError(t, err)
	_, err = restored.SettleAll(ctx, owner)
	check.True(t, errors.Is(err, auction.ErrNothingToSettle))
}

func TestSettleAll_ReentrantCallsSeeDrainedBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedThreeBidders(t, e)
	e.expire()

	var (
		nestedPending  decimal.Decimal
		nestedWithdraw error
		nestedSettle   error
	)
	e.wallet.onPay = func(p model.Payout) {
		if p.Recipient != bob {
			return
		}
		e.wallet.onPay = nil
		// carol comes later in the same batch and has not been paid yet.
		nestedPending = e.a.PendingReturn(carol)
		_, nestedWithdraw = e.a.Withdraw(ctx, carol)
		_, nestedSettle = e.a.SettleAll(ctx, owner)
	}

	report, err := e.a.SettleAll(ctx, owner)
	check.NoError(t, err)
	check.True(t, report.Done)

	check.True(t, nestedPending.IsZero())
	check.True(t, errors.Is(nestedWithdraw, auction.ErrNoExcessFunds))
	check.Error(t, nestedSettle)

	// Nothing was paid twice.
	var toCarol, toOwner int
	for _, p := range e.wallet.payouts {
		switch p.Recipient {
		case carol:
			toCarol++
		case owner:
			toOwner++
		}
	}
	check.Equal(t, 1, toCarol)
	check.Equal(t, 1, toOwner)
	check.Equal(t, "196", e.wallet.paidTo(carol).String())
	check.Equal(t, "306", e.wallet.paidTo(owner).String())
	check.Equal(t, "104", e.wallet.paidTo(bob).String())
	check.Equal(t, "6", report.Fees.String())
}

func TestBeneficiaryWithdraw(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedThreeBidders(t, e)

	_, err := e.a.BeneficiaryWithdraw(ctx, owner)
	check.True(t, errors.Is(err, auction.ErrTooEarly))

	e.expire()
	_, err = e.a.BeneficiaryWithdraw(ctx, bob)
	check.True(t, errors.Is(err, auction.ErrNotAuthorized))

	e.events.reset()
	paid, err := e.a.BeneficiaryWithdraw(ctx, owner)
	check.NoError(t, err)
	check.Equal(t, "300", paid.String())
	check.True(t, e.a.Ended())
	check.Equal(t, []model.EventType{model.EventAuctionEnded, model.EventOwnerWithdrawn}, e.events.types())

	// Losing bidders keep their balances and claim them with the fee.
	check.Equal(t, "106", e.a.PendingReturn(bob).String())
	net, err := e.a.Withdraw(ctx, bob)
	check.NoError(t, err)
	check.Equal(t, "104", net.String())
	check.Equal(t, "2", e.a.AccumulatedFees().String())

	// The next call collects the fee and re-announces the end.
	e.events.reset()
	paid, err = e.a.BeneficiaryWithdraw(ctx, owner)
	check.NoError(t, err)
	check.Equal(t, "2", paid.String())
	check.Equal(t, []model.EventType{model.EventAuctionEnded, model.EventOwnerWithdrawn}, e.events.types())
	check.Equal(t, "300", e.events.events[0].Amount.String())

	e.events.reset()
	_, err = e.a.BeneficiaryWithdraw(ctx, owner)
	check.True(t, errors.Is(err, auction.ErrNothingToSettle))
	check.Equal(t, 0, len(e.events.events))
}

func TestWithdraw(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.bid(t, alice, 1000)
	e.bid(t, bob, 2000)

	_, err := e.a.Withdraw(ctx, alice)
	check.True(t, errors.Is(err, auction.ErrTooEarly))

	e.expire()
	_, err = e.a.Withdraw(ctx, bob)
	check.True(t, errors.Is(err, auction.ErrNoExcessFunds))
	check.False(t, e.a.Ended())

	e.events.reset()
	net, err := e.a.Withdraw(ctx, alice)
	check.NoError(t, err)
	check.Equal(t, "980", net.String())
	check.True(t, e.a.Ended())
	check.Equal(t, []model.EventType{model.EventAuctionEnded, model.EventFundsWithdrawn}, e.events.types())
	check.Equal(t, model.PayoutWithdrawal, e.wallet.payouts[0].Kind)
	check.Equal(t, "20", e.wallet.payouts[0].Fee.String())

	// Settlement afterwards pays the bid plus the fee already retained.
	report, err := e.a.SettleAll(ctx, owner)
	check.NoError(t, err)
	check.Equal(t, "2020", report.ToBeneficiary.String())
	check.True(t, report.Fees.IsZero())
}

func TestSettlementConservesValue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bidders := []string{alice, bob, carol, "dave", "erin"}

	received := decimal.Zero
	for round := 0; round < 6; round++ {
		for _, who := range bidders {
			next := e.a.MinimumNextBid().Add(amt(int64(round * 37)))
			check.NoError(t, e.a.PlaceBid(ctx, who, next))
			received = received.Add(next)
		}
	}
	_, err := e.a.PartialWithdraw(ctx, bob)
	check.NoError(t, err)

	e.expire()
	_, err = e.a.SettleBatch(ctx, owner, 2)
	check.NoError(t, err)
	for {
		r, err := e.a.SettleBatch(ctx, owner, 2)
		check.NoError(t, err)
		if r.Done {
			break
		}
	}

	for _, who := range bidders {
		if who == e.a.HighestBidder() {
			continue
		}
		check.True(t, e.a.PendingReturn(who).IsZero())
	}
	// Whatever is left is the winner's own superseded bids.
	left := e.a.PendingReturn(e.a.HighestBidder())
	check.True(t, e.wallet.total().Add(left).Equal(received))
}
