package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

// Schema creates the tables used by PostgresStore. Amounts are NUMERIC(78,0),
// wide enough for any value up to 2^256-1.
const Schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id               TEXT PRIMARY KEY,
	beneficiary      TEXT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	end_time         TIMESTAMPTZ NOT NULL,
	highest_bidder   TEXT NOT NULL DEFAULT '',
	highest_bid      NUMERIC(78,0) NOT NULL DEFAULT 0,
	ended            BOOLEAN NOT NULL DEFAULT FALSE,
	winning_bid      NUMERIC(78,0) NOT NULL DEFAULT 0,
	accumulated_fees NUMERIC(78,0) NOT NULL DEFAULT 0,
	settle_cursor    INTEGER NOT NULL DEFAULT 0,
	event_seq        BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auction_bidders (
	auction_id     TEXT NOT NULL REFERENCES auctions(id),
	position       INTEGER NOT NULL,
	identity       TEXT NOT NULL,
	pending_return NUMERIC(78,0) NOT NULL,
	latest_bid     NUMERIC(78,0) NOT NULL,
	PRIMARY KEY (auction_id, position),
	UNIQUE (auction_id, identity)
);

CREATE TABLE IF NOT EXISTS auction_events (
	id         TEXT PRIMARY KEY,
	auction_id TEXT NOT NULL REFERENCES auctions(id),
	seq        BIGINT NOT NULL,
	type       TEXT NOT NULL,
	party      TEXT NOT NULL DEFAULT '',
	amount     NUMERIC(78,0) NOT NULL DEFAULT 0,
	to_bidders NUMERIC(78,0) NOT NULL DEFAULT 0,
	fees       NUMERIC(78,0) NOT NULL DEFAULT 0,
	start_time TIMESTAMPTZ,
	end_time   TIMESTAMPTZ,
	at         TIMESTAMPTZ NOT NULL,
	UNIQUE (auction_id, seq)
);

CREATE TABLE IF NOT EXISTS payouts (
	id         TEXT PRIMARY KEY,
	auction_id TEXT NOT NULL REFERENCES auctions(id),
	recipient  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	amount     NUMERIC(78,0) NOT NULL,
	fee        NUMERIC(78,0) NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payouts_recipient_idx ON payouts (recipient);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreateAuction(ctx context.Context, c Commit) error {
	return s.commit(ctx, c, true)
}

func (s *PostgresStore) SaveAuction(ctx context.Context, c Commit) error {
	return s.commit(ctx, c, false)
}

func (s *PostgresStore) commit(ctx context.Context, c Commit, create bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	a := c.Auction
	if create {
		_, err = tx.Exec(ctx,
			`INSERT INTO auctions (id, beneficiary, start_time, end_time, highest_bidder, highest_bid,
			                       ended, winning_bid, accumulated_fees, settle_cursor, event_seq,
			                       created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
			a.ID, a.Beneficiary, a.StartTime, a.EndTime, a.HighestBidder, a.HighestBid.String(),
			a.Ended, a.WinningBid.String(), a.AccumulatedFees.String(), a.SettleCursor, a.EventSeq,
			a.CreatedAt, a.UpdatedAt,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: auction %s", ErrConflict, a.ID)
		}
		if err != nil {
			return err
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE auctions
			 SET end_time = $2, highest_bidder = $3, highest_bid = $4::NUMERIC, ended = $5,
			     winning_bid = $6::NUMERIC, accumulated_fees = $7::NUMERIC,
			     settle_cursor = $8, event_seq = $9, updated_at = $10
			 WHERE id = $1`,
			a.ID, a.EndTime, a.HighestBidder, a.HighestBid.String(), a.Ended,
			a.WinningBid.String(), a.AccumulatedFees.String(),
			a.SettleCursor, a.EventSeq, a.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: auction %s", ErrNotFound, a.ID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM auction_bidders WHERE auction_id = $1`, a.ID); err != nil {
			return err
		}
	}

	for i, b := range a.Bidders {
		if _, err := tx.Exec(ctx,
			`INSERT INTO auction_bidders (auction_id, position, identity, pending_return, latest_bid)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)`,
			a.ID, i, b.Identity, b.PendingReturn.String(), b.LatestBid.String(),
		); err != nil {
			return err
		}
	}

	for _, e := range c.Events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO auction_events (id, auction_id, seq, type, party, amount, to_bidders, fees,
			                             start_time, end_time, at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
			e.ID, e.AuctionID, e.Seq, string(e.Type), e.Party,
			e.Amount.String(), e.ToBidders.String(), e.Fees.String(),
			nullTime(e.Start), nullTime(e.End), e.At,
		); err != nil {
			return err
		}
	}

	for _, p := range c.Payouts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payouts (id, auction_id, recipient, kind, amount, fee, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			p.ID, p.AuctionID, p.Recipient, p.Kind, p.Amount.String(), p.Fee.String(), p.Timestamp,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	var a model.Auction
	var highestBid, winningBid, fees string

	err := s.pool.QueryRow(ctx,
		`SELECT id, beneficiary, start_time, end_time, highest_bidder, highest_bid::TEXT,
		        ended, winning_bid::TEXT, accumulated_fees::TEXT, settle_cursor, event_seq,
		        created_at, updated_at
		 FROM auctions WHERE id = $1`, id).
		Scan(&a.ID, &a.Beneficiary, &a.StartTime, &a.EndTime, &a.HighestBidder, &highestBid,
			&a.Ended, &winningBid, &fees, &a.SettleCursor, &a.EventSeq,
			&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}

	a.HighestBid, _ = decimal.NewFromString(highestBid)
	a.WinningBid, _ = decimal.NewFromString(winningBid)
	a.AccumulatedFees, _ = decimal.NewFromString(fees)

	rows, err := s.pool.Query(ctx,
		`SELECT identity, pending_return::TEXT, latest_bid::TEXT
		 FROM auction_bidders WHERE auction_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var b model.Bidder
		var pendingS, latestS string
		if err := rows.Scan(&b.Identity, &pendingS, &latestS); err != nil {
			return nil, err
		}
		b.PendingReturn, _ = decimal.NewFromString(pendingS)
		b.LatestBid, _ = decimal.NewFromString(latestS)
		a.Bidders = append(a.Bidders, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &a, nil
}

// ListAuctions returns auction headers without bidder rows.
func (s *PostgresStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, beneficiary, start_time, end_time, highest_bidder, highest_bid::TEXT,
		        ended, winning_bid::TEXT, accumulated_fees::TEXT, settle_cursor, event_seq,
		        created_at, updated_at
		 FROM auctions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		var a model.Auction
		var highestBid, winningBid, fees string
		if err := rows.Scan(&a.ID, &a.Beneficiary, &a.StartTime, &a.EndTime, &a.HighestBidder, &highestBid,
			&a.Ended, &winningBid, &fees, &a.SettleCursor, &a.EventSeq,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.HighestBid, _ = decimal.NewFromString(highestBid)
		a.WinningBid, _ = decimal.NewFromString(winningBid)
		a.AccumulatedFees, _ = decimal.NewFromString(fees)
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) GetEvents(ctx context.Context, auctionID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, seq, type, party, amount::TEXT, to_bidders::TEXT, fees::TEXT,
		        start_time, end_time, at
		 FROM auction_events WHERE auction_id = $1 ORDER BY seq`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var typ, amountS, toBiddersS, feesS string
		var start, end *time.Time
		if err := rows.Scan(&e.ID, &e.AuctionID, &e.Seq, &typ, &e.Party,
			&amountS, &toBiddersS, &feesS, &start, &end, &e.At); err != nil {
			return nil, err
		}
		e.Type = model.EventType(typ)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.ToBidders, _ = decimal.NewFromString(toBiddersS)
		e.Fees, _ = decimal.NewFromString(feesS)
		if start != nil {
			e.Start = *start
		}
		if end != nil {
			e.End = *end
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetPayouts(ctx context.Context, auctionID string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, recipient, kind, amount::TEXT, fee::TEXT, timestamp
		 FROM payouts WHERE auction_id = $1 ORDER BY timestamp, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayouts(rows)
}

func (s *PostgresStore) GetPayoutsByRecipient(ctx context.Context, recipient string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, recipient, kind, amount::TEXT, fee::TEXT, timestamp
		 FROM payouts WHERE recipient = $1 ORDER BY timestamp, id`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayouts(rows)
}

// scanPayouts reads pgx rows into Payout slices.
func scanPayouts(rows pgx.Rows) ([]model.Payout, error) {
	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		var amountS, feeS string

		if err := rows.Scan(&p.ID, &p.AuctionID, &p.Recipient, &p.Kind,
			&amountS, &feeS, &p.Timestamp); err != nil {
			return nil, err
		}

		p.Amount, _ = decimal.NewFromString(amountS)
		p.Fee, _ = decimal.NewFromString(feeS)

		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
