package auction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/model"
)

const (
	owner = "owner"
	alice = "alice"
	bob   = "bob"
	carol = "carol"
)

var errRefused = errors.New("recipient refused")

func amt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// fakeClock is a manually advanced clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// wallet records every transfer and can refuse chosen recipients.
type wallet struct {
	payouts []model.Payout
	refuse  map[string]bool
	onPay   func(p model.Payout)
}

func (w *wallet) Transfer(_ context.Context, p model.Payout) error {
	if w.refuse[p.Recipient] {
		return errRefused
	}
	w.payouts = append(w.payouts, p)
	if w.onPay != nil {
		w.onPay(p)
	}
	return nil
}

func (w *wallet) paidTo(who string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range w.payouts {
		if p.Recipient == who {
			total = total.Add(p.Amount)
		}
	}
	return total
}

func (w *wallet) total() decimal.Decimal {
	total := decimal.Zero
	for _, p := range w.payouts {
		total = total.Add(p.Amount)
	}
	return total
}

// recorder collects delivered events.
type recorder struct{ events []model.Event }

func (r *recorder) Notify(_ context.Context, e model.Event) {
	r.events = append(r.events, e)
}

func (r *recorder) types() []model.EventType {
	out := make([]model.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) reset() { r.events = nil }

type env struct {
	clock  *fakeClock
	wallet *wallet
	events *recorder
	a      *auction.Auction
}

func (e *env) deps() auction.Deps {
	return auction.Deps{Clock: e.clock, Transfer: e.wallet, Notify: e.events}
}

// newEnv starts a one hour auction owned by owner.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		clock:  &fakeClock{now: time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)},
		wallet: &wallet{refuse: map[string]bool{}},
		events: &recorder{},
	}
	a, err := auction.New(context.Background(), "auction-1", owner, time.Hour, e.deps())
	if err != nil {
		t.Fatalf("new auction: %v", err)
	}
	e.a = a
	return e
}

func (e *env) bid(t *testing.T, who string, v int64) {
	t.Helper()
	if err := e.a.PlaceBid(context.Background(), who, amt(v)); err != nil {
		t.Fatalf("bid %s %d: %v", who, v, err)
	}
}

// expire moves the clock past the deadline.
func (e *env) expire() {
	e.clock.now = e.a.EndTime().Add(time.Second)
}
