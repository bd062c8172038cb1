// Package notify delivers committed auction events to observers.
package notify

import (
	"context"
	"log/slog"

	"github.com/atmx/auction-engine/internal/model"
)

// Sink receives auction events. Implementations must not block for long;
// they run on the request path after the operation has committed.
type Sink interface {
	Notify(ctx context.Context, e model.Event)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, e model.Event) {
	for _, s := range f {
		s.Notify(ctx, e)
	}
}

// Buffer collects events emitted during one operation so they can be
// persisted with the auction state before publication.
type Buffer struct {
	events []model.Event
}

func (b *Buffer) Notify(_ context.Context, e model.Event) {
	b.events = append(b.events, e)
}

// Take returns the buffered events and empties the buffer.
func (b *Buffer) Take() []model.Event {
	out := b.events
	b.events = nil
	return out
}

// Logger writes every event to the default structured logger.
type Logger struct{}

func (Logger) Notify(ctx context.Context, e model.Event) {
	attrs := []any{
		"auction", e.AuctionID,
		"seq", e.Seq,
		"type", string(e.Type),
	}
	if e.Party != "" {
		attrs = append(attrs, "party", e.Party)
	}
	if !e.Amount.IsZero() {
		attrs = append(attrs, "amount", e.Amount.String())
	}
	if !e.ToBidders.IsZero() || !e.Fees.IsZero() {
		attrs = append(attrs, "to_bidders", e.ToBidders.String(), "fees", e.Fees.String())
	}
	if !e.End.IsZero() {
		attrs = append(attrs, "end", e.End)
	}
	slog.InfoContext(ctx, "auction event", attrs...)
}
