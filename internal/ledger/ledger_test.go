package ledger

import (
	"errors"
	"testing"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

func amt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestCreditAndDrain(t *testing.T) {
	l := New()

	check.NoError(t, l.Credit("alice", amt(100)))
	check.NoError(t, l.Credit("alice", amt(50)))
	check.Equal(t, "150", l.Pending("alice").String())

	drained := l.Drain("alice")
	check.Equal(t, "150", drained.String())
	check.True(t, l.Pending("alice").IsZero())

	// Second drain finds nothing.
	check.True(t, l.Drain("alice").IsZero())
}

func TestCredit_RejectsNegativeAndFractional(t *testing.T) {
	l := New()

	err := l.Credit("alice", amt(-1))
	check.True(t, errors.Is(err, ErrNegativeAmount))

	err = l.Credit("alice", decimal.RequireFromString("1.5"))
	check.True(t, errors.Is(err, ErrNegativeAmount))
	check.True(t, l.Pending("alice").IsZero())
}

func TestCredit_Overflow(t *testing.T) {
	l := New()
	check.NoError(t, l.Credit("alice", MaxAmount))

	err := l.Credit("alice", amt(1))
	check.True(t, errors.Is(err, ErrOverflow))
	check.True(t, l.Pending("alice").Equal(MaxAmount))
}

func TestRecordBid_RegistryKeepsInsertionOrder(t *testing.T) {
	l := New()

	check.NoError(t, l.RecordBid("carol", amt(10)))
	check.NoError(t, l.RecordBid("alice", amt(20)))
	check.NoError(t, l.RecordBid("carol", amt(30)))
	check.NoError(t, l.RecordBid("bob", amt(40)))

	check.Equal(t, []string{"carol", "alice", "bob"}, l.Registry())
	check.Equal(t, 3, l.Len())
	check.Equal(t, "alice", l.At(1))
	check.Equal(t, "30", l.LatestBid("carol").String())
	check.True(t, l.Registered("bob"))
	check.False(t, l.Registered("dave"))
}

func TestRecordBid_RejectsZero(t *testing.T) {
	l := New()
	err := l.RecordBid("alice", decimal.Zero)
	check.True(t, errors.Is(err, ErrNegativeAmount))
	check.Equal(t, 0, l.Len())
}

func TestFees(t *testing.T) {
	l := New()
	check.NoError(t, l.AddFee(amt(2)))
	check.NoError(t, l.AddFee(amt(3)))
	check.Equal(t, "5", l.Fees().String())

	check.Equal(t, "5", l.DrainFees().String())
	check.True(t, l.Fees().IsZero())

	err := l.AddFee(MaxAmount.Add(amt(1)))
	check.True(t, errors.Is(err, ErrOverflow))
}

func TestClone_IsIndependent(t *testing.T) {
	l := New()
	check.NoError(t, l.RecordBid("alice", amt(10)))
	check.NoError(t, l.Credit("alice", amt(10)))
	check.NoError(t, l.AddFee(amt(1)))

	c := l.Clone()
	c.Drain("alice")
	check.NoError(t, c.RecordBid("bob", amt(20)))
	c.DrainFees()

	check.Equal(t, "10", l.Pending("alice").String())
	check.Equal(t, "1", l.Fees().String())
	check.Equal(t, []string{"alice"}, l.Registry())
	check.Equal(t, []string{"alice", "bob"}, c.Registry())

	var nilLedger *Ledger
	check.Nil(t, nilLedger.Clone())
}

func TestTotal(t *testing.T) {
	l := New()
	check.NoError(t, l.Credit("alice", amt(100)))
	check.NoError(t, l.Credit("bob", amt(20)))
	check.NoError(t, l.AddFee(amt(3)))
	check.Equal(t, "123", l.Total().String())
}

func TestRowsRoundTrip(t *testing.T) {
	l := New()
	check.NoError(t, l.RecordBid("alice", amt(100)))
	check.NoError(t, l.RecordBid("bob", amt(106)))
	check.NoError(t, l.Credit("alice", amt(100)))
	check.NoError(t, l.AddFee(amt(4)))

	rows := l.Rows()
	check.Equal(t, 2, len(rows))
	check.Equal(t, "alice", rows[0].Identity)
	check.Equal(t, "100", rows[0].PendingReturn.String())
	check.True(t, rows[1].PendingReturn.IsZero())

	restored, err := FromRows(rows, l.Fees())
	check.NoError(t, err)
	check.Equal(t, l.Registry(), restored.Registry())
	check.Equal(t, "100", restored.Pending("alice").String())
	check.Equal(t, "106", restored.LatestBid("bob").String())
	check.Equal(t, "4", restored.Fees().String())
}

func TestFromRows_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		rows []model.Bidder
		fees decimal.Decimal
	}{
		{
			name: "duplicate bidder",
			rows: []model.Bidder{
				{Identity: "alice", LatestBid: amt(1)},
				{Identity: "alice", LatestBid: amt(2)},
			},
		},
		{
			name: "registered without bid",
			rows: []model.Bidder{{Identity: "alice"}},
		},
		{
			name: "negative pending",
			rows: []model.Bidder{{Identity: "alice", LatestBid: amt(1), PendingReturn: amt(-1)}},
		},
		{
			name: "negative fees",
			fees: amt(-5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromRows(tt.rows, tt.fees)
			check.True(t, errors.Is(err, ErrCorrupt))
		})
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		name string
		v    decimal.Decimal
		want bool
	}{
		{"zero", decimal.Zero, true},
		{"zero with exponent", decimal.New(0, -30000000), true},
		{"whole", amt(100), true},
		{"whole with trailing zeros", decimal.RequireFromString("100.00"), true},
		{"scaled whole", decimal.New(1, 77), true},
		{"max", MaxAmount, true},
		{"above max", MaxAmount.Add(amt(1)), false},
		{"79 digits", decimal.New(1, 78), false},
		{"78 digits above max", decimal.New(12, 76), false},
		{"huge exponent", decimal.New(1, 30000000), false},
		{"tiny exponent", decimal.New(1, -30000000), false},
		{"fraction", decimal.RequireFromString("10.5"), false},
		{"below one", decimal.RequireFromString("0.5"), false},
		{"negative", amt(-1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check.Equal(t, tt.want, ValidAmount(tt.v))
		})
	}
}
