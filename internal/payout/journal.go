// Package payout provides the transfer capability used by the auction engine.
//
// Transfers are staged in a Journal for the duration of one engine operation
// and persisted together with the auction state, so a transfer is recorded
// exactly when the operation that made it commits.
package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/auction-engine/internal/model"
)

var (
	// ErrFrozen is returned when the recipient's account refuses receipt.
	ErrFrozen = errors.New("payout: recipient account is frozen")

	// ErrInvalidAmount is returned for non-positive transfers.
	ErrInvalidAmount = errors.New("payout: amount must be positive")
)

// Journal stages payouts for one operation. Not safe for concurrent use.
type Journal struct {
	frozen map[string]bool
	staged []model.Payout
}

// NewJournal creates a journal that refuses transfers to frozen recipients.
func NewJournal(frozen []string) *Journal {
	j := &Journal{frozen: make(map[string]bool, len(frozen))}
	for _, id := range frozen {
		j.frozen[id] = true
	}
	return j
}

// Transfer stages p. It fails without staging anything if the recipient is
// frozen or the amount is not positive.
func (j *Journal) Transfer(_ context.Context, p model.Payout) error {
	if j.frozen[p.Recipient] {
		return fmt.Errorf("%w: %s", ErrFrozen, p.Recipient)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}
	j.staged = append(j.staged, p)
	return nil
}

// Take returns the staged payouts and clears the journal.
func (j *Journal) Take() []model.Payout {
	out := j.staged
	j.staged = nil
	return out
}
