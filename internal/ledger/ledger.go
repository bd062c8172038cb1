// Package ledger keeps the pending-balance bookkeeping of a single auction:
// refunds owed to bidders, each bidder's latest accepted bid, the ordered
// registry of everyone who has bid, and fees collected at settlement.
//
// It holds no time or transfer logic. Amounts are whole minor units bounded
// by MaxAmount; anything that would leave that range is reported as an error
// the caller must treat as an invariant violation.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

var (
	// ErrOverflow is returned when a balance would exceed MaxAmount.
	ErrOverflow = errors.New("ledger: amount exceeds maximum")

	// ErrNegativeAmount is returned for negative or non-integral amounts.
	ErrNegativeAmount = errors.New("ledger: amount must be a non-negative whole number")

	// ErrCorrupt is returned when restoring rows that break ledger invariants.
	ErrCorrupt = errors.New("ledger: corrupt snapshot")

	// MaxAmount is the largest balance the ledger accepts (2^256 - 1).
	MaxAmount = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)), 0)
)

// maxDigits is the number of decimal digits in MaxAmount.
const maxDigits = 78

// Ledger maps identities to pending refunds and latest bids. The zero value
// is not usable; create one with New or FromRows.
type Ledger struct {
	pending  map[string]decimal.Decimal
	latest   map[string]decimal.Decimal
	registry []string
	seen     map[string]struct{}
	fees     decimal.Decimal
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		pending: make(map[string]decimal.Decimal),
		latest:  make(map[string]decimal.Decimal),
		seen:    make(map[string]struct{}),
	}
}

// ValidAmount reports whether v is a whole number in [0, MaxAmount].
// Magnitude is bounded from the coefficient and exponent first, so inputs such
// as 1e30000000 are rejected without being expanded.
func ValidAmount(v decimal.Decimal) bool {
	if v.IsNegative() {
		return false
	}
	if v.IsZero() {
		return true
	}
	exp, digits := int(v.Exponent()), v.NumDigits()
	if exp > 0 && digits+exp > maxDigits {
		return false
	}
	if exp < 0 && -exp >= digits {
		return false // 0 < v < 1
	}
	return v.IsInteger() && v.LessThanOrEqual(MaxAmount)
}

// Credit adds amount to the identity's pending balance.
func (l *Ledger) Credit(identity string, amount decimal.Decimal) error {
	if !amount.IsInteger() || amount.IsNegative() {
		return fmt.Errorf("%w: credit %s to %s", ErrNegativeAmount, amount, identity)
	}
	next := l.pending[identity].Add(amount)
	if next.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: credit %s to %s", ErrOverflow, amount, identity)
	}
	l.pending[identity] = next
	return nil
}

// Drain zeroes the identity's pending balance and returns what it was.
func (l *Ledger) Drain(identity string) decimal.Decimal {
	amount := l.pending[identity]
	delete(l.pending, identity)
	return amount
}

// Pending returns the identity's pending balance.
func (l *Ledger) Pending(identity string) decimal.Decimal {
	return l.pending[identity]
}

// RecordBid stores amount as the identity's latest bid and registers the
// identity on its first bid.
func (l *Ledger) RecordBid(identity string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !ValidAmount(amount) {
		return fmt.Errorf("%w: bid %s by %s", ErrNegativeAmount, amount, identity)
	}
	l.latest[identity] = amount
	if _, ok := l.seen[identity]; !ok {
		l.seen[identity] = struct{}{}
		l.registry = append(l.registry, identity)
	}
	return nil
}

// LatestBid returns the identity's most recent accepted bid, zero if none.
func (l *Ledger) LatestBid(identity string) decimal.Decimal {
	return l.latest[identity]
}

// Registered reports whether the identity has ever bid.
func (l *Ledger) Registered(identity string) bool {
	_, ok := l.seen[identity]
	return ok
}

// Len returns the number of registered bidders.
func (l *Ledger) Len() int { return len(l.registry) }

// At returns the i-th registered bidder in insertion order.
func (l *Ledger) At(i int) string { return l.registry[i] }

// Registry returns a copy of the registered bidders in insertion order.
func (l *Ledger) Registry() []string {
	out := make([]string, len(l.registry))
	copy(out, l.registry)
	return out
}

// AddFee accumulates a settlement fee.
func (l *Ledger) AddFee(amount decimal.Decimal) error {
	if !amount.IsInteger() || amount.IsNegative() {
		return fmt.Errorf("%w: fee %s", ErrNegativeAmount, amount)
	}
	next := l.fees.Add(amount)
	if next.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: fee %s", ErrOverflow, amount)
	}
	l.fees = next
	return nil
}

// Fees returns the accumulated fees.
func (l *Ledger) Fees() decimal.Decimal { return l.fees }

// DrainFees zeroes the accumulated fees and returns what they were.
func (l *Ledger) DrainFees() decimal.Decimal {
	fees := l.fees
	l.fees = decimal.Zero
	return fees
}

// Total returns the sum of all pending balances plus accumulated fees.
func (l *Ledger) Total() decimal.Decimal {
	total := l.fees
	for _, v := range l.pending {
		total = total.Add(v)
	}
	return total
}

// Clone returns a deep copy. A nil ledger clones to nil.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	c := &Ledger{
		pending:  make(map[string]decimal.Decimal, len(l.pending)),
		latest:   make(map[string]decimal.Decimal, len(l.latest)),
		registry: make([]string, len(l.registry)),
		seen:     make(map[string]struct{}, len(l.seen)),
		fees:     l.fees,
	}
	for k, v := range l.pending {
		c.pending[k] = v
	}
	for k, v := range l.latest {
		c.latest[k] = v
	}
	for k := range l.seen {
		c.seen[k] = struct{}{}
	}
	copy(c.registry, l.registry)
	return c
}

// Rows returns one row per registered bidder in registry order.
func (l *Ledger) Rows() []model.Bidder {
	rows := make([]model.Bidder, 0, len(l.registry))
	for _, id := range l.registry {
		rows = append(rows, model.Bidder{
			Identity:      id,
			PendingReturn: l.pending[id],
			LatestBid:     l.latest[id],
		})
	}
	return rows
}

// FromRows rebuilds a ledger from persisted rows, checking that every
// registered bidder has a positive latest bid and appears once.
func FromRows(rows []model.Bidder, fees decimal.Decimal) (*Ledger, error) {
	if !ValidAmount(fees) {
		return nil, fmt.Errorf("%w: fees %s", ErrCorrupt, fees)
	}
	l := New()
	l.fees = fees
	for _, r := range rows {
		if _, dup := l.seen[r.Identity]; dup {
			return nil, fmt.Errorf("%w: duplicate bidder %s", ErrCorrupt, r.Identity)
		}
		if !r.LatestBid.IsPositive() || !ValidAmount(r.LatestBid) {
			return nil, fmt.Errorf("%w: bidder %s latest bid %s", ErrCorrupt, r.Identity, r.LatestBid)
		}
		if !ValidAmount(r.PendingReturn) {
			return nil, fmt.Errorf("%w: bidder %s pending %s", ErrCorrupt, r.Identity, r.PendingReturn)
		}
		l.seen[r.Identity] = struct{}{}
		l.registry = append(l.registry, r.Identity)
		l.latest[r.Identity] = r.LatestBid
		if r.PendingReturn.IsPositive() {
			l.pending[r.Identity] = r.PendingReturn
		}
	}
	return l, nil
}
