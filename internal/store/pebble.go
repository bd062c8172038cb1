package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/atmx/auction-engine/internal/model"
)

// PebbleStore implements Store on an embedded Pebble database. Suited to a
// single-node deployment that still needs durability.
//
// Key layout:
//
//	auction/{id}                              snapshot JSON
//	event/{auctionID}/{seq}                   event JSON
//	payout/{auctionID}/{unixnano}/{n}/{id}    payout JSON
//	recipient/{recipient}/{unixnano}/{n}/{id} payout JSON (index)
type PebbleStore struct {
	mu sync.Mutex // serializes create-if-absent
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a Pebble database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) CreateAuction(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.has(auctionKey(c.Auction.ID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: auction %s", ErrConflict, c.Auction.ID)
	}
	return s.write(c)
}

func (s *PebbleStore) SaveAuction(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.has(auctionKey(c.Auction.ID))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: auction %s", ErrNotFound, c.Auction.ID)
	}
	return s.write(c)
}

// write applies the commit as one synced batch.
func (s *PebbleStore) write(c Commit) error {
	b := s.db.NewBatch()
	defer b.Close()

	data, err := json.Marshal(c.Auction)
	if err != nil {
		return err
	}
	if err := b.Set(auctionKey(c.Auction.ID), data, nil); err != nil {
		return err
	}

	for _, e := range c.Events {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Set(eventKey(e.AuctionID, e.Seq), data, nil); err != nil {
			return err
		}
	}

	for i, p := range c.Payouts {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := b.Set(payoutKey(p, i), data, nil); err != nil {
			return err
		}
		if err := b.Set(recipientKey(p, i), data, nil); err != nil {
			return err
		}
	}

	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	val, closer, err := s.db.Get(auctionKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: auction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var a model.Auction
	if err := json.Unmarshal(val, &a); err != nil {
		return nil, fmt.Errorf("decode auction %s: %w", id, err)
	}
	return &a, nil
}

func (s *PebbleStore) ListAuctions(_ context.Context) ([]model.Auction, error) {
	var auctions []model.Auction
	err := s.scan("auction/", func(val []byte) error {
		var a model.Auction
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		auctions = append(auctions, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(auctions, func(i, j int) bool {
		return auctions[i].CreatedAt.After(auctions[j].CreatedAt)
	})
	return auctions, nil
}

func (s *PebbleStore) GetEvents(_ context.Context, auctionID string) ([]model.Event, error) {
	var events []model.Event
	err := s.scan("event/"+auctionID+"/", func(val []byte) error {
		var e model.Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		events = append(events, e)
		return nil
	})
	return events, err
}

func (s *PebbleStore) GetPayouts(_ context.Context, auctionID string) ([]model.Payout, error) {
	return s.scanPayouts("payout/" + auctionID + "/")
}

func (s *PebbleStore) GetPayoutsByRecipient(_ context.Context, recipient string) ([]model.Payout, error) {
	return s.scanPayouts("recipient/" + recipient + "/")
}

func (s *PebbleStore) scanPayouts(prefix string) ([]model.Payout, error) {
	var payouts []model.Payout
	err := s.scan(prefix, func(val []byte) error {
		var p model.Payout
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		payouts = append(payouts, p)
		return nil
	})
	return payouts, err
}

// scan calls fn for every value whose key starts with prefix, in key order.
func (s *PebbleStore) scan(prefix string, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: append([]byte(prefix), 0xff),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func auctionKey(id string) []byte {
	return []byte("auction/" + id)
}

func eventKey(auctionID string, seq int64) []byte {
	return []byte(fmt.Sprintf("event/%s/%020d", auctionID, seq))
}

// Payout keys sort by time, then by position within the commit.
func payoutKey(p model.Payout, i int) []byte {
	return []byte(fmt.Sprintf("payout/%s/%020d/%06d/%s", p.AuctionID, p.Timestamp.UnixNano(), i, p.ID))
}

func recipientKey(p model.Payout, i int) []byte {
	return []byte(fmt.Sprintf("recipient/%s/%020d/%06d/%s", p.Recipient, p.Timestamp.UnixNano(), i, p.ID))
}
