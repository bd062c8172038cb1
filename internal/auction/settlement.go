package auction

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

// Settlement reports what one SettleBatch call did.
type Settlement struct {
	Processed     int             `json:"processed"`      // registry entries visited this call
	Remaining     int             `json:"remaining"`      // registry entries still to visit
	Refunded      decimal.Decimal `json:"refunded"`       // net paid to bidders this call
	Fees          decimal.Decimal `json:"fees"`           // fees retained this call
	ToBeneficiary decimal.Decimal `json:"to_beneficiary"` // paid to the beneficiary this call
	Done          bool            `json:"done"`
}

type refund struct {
	identity string
	net      decimal.Decimal
	fee      decimal.Decimal
}

// PartialWithdraw pays caller their whole pending balance, fee free, while
// bidding is still open.
func (a *Auction) PartialWithdraw(ctx context.Context, caller string) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := a.atomically(ctx, func() error {
		switch {
		case a.end.IsZero():
			return ErrNotInitialized
		case !a.now().Before(a.end):
			return ErrAuctionInactive
		case a.ended:
			return ErrAuctionAlreadyEnded
		}
		if !a.ledger.Pending(caller).IsPositive() {
			return ErrNoExcessFunds
		}

		amount := a.ledger.Drain(caller)
		if err := a.transfer(ctx, caller, model.PayoutPartial, amount, decimal.Zero); err != nil {
			return err
		}
		a.emit(model.Event{
			Type:   model.EventFundsWithdrawn,
			Party:  caller,
			Amount: amount,
			At:     a.now(),
		})
		paid = amount
		return nil
	})
	return paid, err
}

// Withdraw lets a bidder claim their pending balance after the deadline. A
// losing bidder pays the settlement fee; the winner's own excess is returned
// in full. The first such call ends the auction.
func (a *Auction) Withdraw(ctx context.Context, caller string) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := a.atomically(ctx, func() error {
		if a.end.IsZero() {
			return ErrNotInitialized
		}
		if a.now().Before(a.end) {
			return ErrTooEarly
		}
		if !a.ended {
			a.markEnded()
		}
		if !a.ledger.Pending(caller).IsPositive() {
			return ErrNoExcessFunds
		}

		balance := a.ledger.Drain(caller)
		fee := decimal.Zero
		if caller != a.highestBidder {
			fee = bps(balance, SettlementFeeBps)
		}
		net := balance.Sub(fee)
		if err := a.ledger.AddFee(fee); err != nil {
			return fmt.Errorf("%w: %w", ErrInvariant, err)
		}
		if err := a.transfer(ctx, caller, model.PayoutWithdrawal, net, fee); err != nil {
			return err
		}
		a.emit(model.Event{
			Type:   model.EventFundsWithdrawn,
			Party:  caller,
			Amount: net,
			At:     a.now(),
		})
		paid = net
		return nil
	})
	return paid, err
}

// SettleAll refunds every losing bidder (less the settlement fee) and pays
// the beneficiary the winning bid plus all fees, in one call.
func (a *Auction) SettleAll(ctx context.Context, caller string) (*Settlement, error) {
	return a.SettleBatch(ctx, caller, 0)
}

// SettleBatch is the resumable form of SettleAll. It visits at most limit
// registry entries (all of them when limit <= 0) starting at the saved
// cursor. Every balance in the batch is drained before any transfer is
// issued, and so is the beneficiary's share when the batch reaches the end of
// the registry. A final call with nothing to pay fails with ErrNothingToSettle.
func (a *Auction) SettleBatch(ctx context.Context, caller string, limit int) (*Settlement, error) {
	var report *Settlement
	err := a.atomically(ctx, func() error {
		switch {
		case a.end.IsZero():
			return ErrNotInitialized
		case caller != a.beneficiary:
			return ErrNotAuthorized
		case a.now().Before(a.end):
			return ErrTooEarly
		}
		if !a.ended {
			a.markEnded()
		}

		stop := a.ledger.Len()
		if limit > 0 && limit < stop-a.cursor {
			stop = a.cursor + limit
		}

		// Drain the whole batch first.
		var batch []refund
		for i := a.cursor; i < stop; i++ {
			id := a.ledger.At(i)
			if id == a.highestBidder {
				continue
			}
			balance := a.ledger.Drain(id)
			if !balance.IsPositive() {
				continue
			}
			fee := bps(balance, SettlementFeeBps)
			if err := a.ledger.AddFee(fee); err != nil {
				return fmt.Errorf("%w: %w", ErrInvariant, err)
			}
			batch = append(batch, refund{identity: id, net: balance.Sub(fee), fee: fee})
		}
		r := &Settlement{Processed: stop - a.cursor}
		a.cursor = stop
		r.Remaining = a.ledger.Len() - a.cursor

		// On the final batch the beneficiary's share is drained up front too.
		payout := decimal.Zero
		if r.Remaining == 0 {
			payout = a.drainBeneficiaryPayout()
			if !payout.IsPositive() {
				return ErrNothingToSettle
			}
		}

		for _, rf := range batch {
			if err := a.transfer(ctx, rf.identity, model.PayoutRefund, rf.net, rf.fee); err != nil {
				return err
			}
			a.emit(model.Event{
				Type:   model.EventFundsWithdrawn,
				Party:  rf.identity,
				Amount: rf.net,
				At:     a.now(),
			})
			r.Refunded = r.Refunded.Add(rf.net)
			r.Fees = r.Fees.Add(rf.fee)
		}

		if r.Remaining > 0 {
			report = r
			return nil
		}

		if err := a.transfer(ctx, a.beneficiary, model.PayoutBeneficiary, payout, decimal.Zero); err != nil {
			return err
		}
		now := a.now()
		a.emit(model.Event{
			Type:   model.EventOwnerWithdrawn,
			Party:  a.beneficiary,
			Amount: payout,
			At:     now,
		})
		a.emit(model.Event{
			Type:      model.EventFundsDistributed,
			Party:     a.beneficiary,
			Amount:    payout,
			ToBidders: r.Refunded,
			Fees:      r.Fees,
			At:        now,
		})
		r.ToBeneficiary = payout
		r.Done = true
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// BeneficiaryWithdraw pays the beneficiary the winning bid and accumulated
// fees without touching bidder balances. Every call (re)marks the auction
// ended and emits auction_ended.
func (a *Auction) BeneficiaryWithdraw(ctx context.Context, caller string) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := a.atomically(ctx, func() error {
		switch {
		case a.end.IsZero():
			return ErrNotInitialized
		case caller != a.beneficiary:
			return ErrNotAuthorized
		case a.now().Before(a.end):
			return ErrTooEarly
		}
		if a.ended {
			a.emitEnded()
		} else {
			a.markEnded()
		}

		payout := a.drainBeneficiaryPayout()
		if !payout.IsPositive() {
			return ErrNothingToSettle
		}
		if err := a.transfer(ctx, a.beneficiary, model.PayoutBeneficiary, payout, decimal.Zero); err != nil {
			return err
		}
		a.emit(model.Event{
			Type:   model.EventOwnerWithdrawn,
			Party:  a.beneficiary,
			Amount: payout,
			At:     a.now(),
		})
		paid = payout
		return nil
	})
	return paid, err
}

// drainBeneficiaryPayout zeroes the highest bid and accumulated fees and
// returns their sum.
func (a *Auction) drainBeneficiaryPayout() decimal.Decimal {
	payout := decimal.Zero
	if a.highestBidder != "" && a.highestBid.IsPositive() {
		payout = payout.Add(a.highestBid)
		a.highestBid = decimal.Zero
	}
	return payout.Add(a.ledger.DrainFees())
}
