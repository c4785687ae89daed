package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/opaque/admatch/pkg/profile"
)

var campaignPrefix = []byte("campaign/")

// campaignRecord is the persisted form of a Campaign.
type campaignRecord struct {
	ID        string   `cbor:"1,keyasint"`
	Name      string   `cbor:"2,keyasint,omitempty"`
	Width     int      `cbor:"3,keyasint"`
	Words     []uint64 `cbor:"4,keyasint"`
	CreatedAt int64    `cbor:"5,keyasint"`
}

func encodeCampaign(c Campaign) ([]byte, error) {
	return cbor.Marshal(campaignRecord{
		ID:        c.ID,
		Name:      c.Name,
		Width:     c.Target.Width(),
		Words:     c.Target.Words(),
		CreatedAt: c.CreatedAt.UnixNano(),
	})
}

func decodeCampaign(data []byte) (Campaign, error) {
	var rec campaignRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return Campaign{}, fmt.Errorf("failed to decode campaign: %w", err)
	}
	target, err := profile.FromWords(rec.Width, rec.Words...)
	if err != nil {
		return Campaign{}, fmt.Errorf("failed to decode campaign %q: %w", rec.ID, err)
	}
	return Campaign{
		ID:        rec.ID,
		Name:      rec.Name,
		Target:    target,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}

func campaignKey(id string) []byte {
	return append(append([]byte(nil), campaignPrefix...), id...)
}

// BadgerStore persists campaigns in a Badger database.
type BadgerStore struct {
	width int
	db    *badger.DB
}

// OpenBadgerStore opens (or creates) a campaign database at path. An empty
// path opens an in-memory database.
func OpenBadgerStore(path string, width int) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign database: %w", err)
	}
	return &BadgerStore{width: width, db: db}, nil
}

// Put creates or replaces a campaign.
func (s *BadgerStore) Put(ctx context.Context, c Campaign) error {
	if err := validate(c, s.width); err != nil {
		return err
	}
	data, err := encodeCampaign(c)
	if err != nil {
		return fmt.Errorf("failed to encode campaign: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(campaignKey(c.ID), data)
	})
}

func getCampaign(txn *badger.Txn, id string) (Campaign, error) {
	item, err := txn.Get(campaignKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Campaign{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return Campaign{}, err
	}
	var c Campaign
	err = item.Value(func(val []byte) error {
		c, err = decodeCampaign(val)
		return err
	})
	return c, err
}

// Get retrieves a campaign by ID.
func (s *BadgerStore) Get(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCampaign(txn, id)
		return err
	})
	return c, err
}

// GetByIDs retrieves campaigns in the order of ids from one snapshot.
func (s *BadgerStore) GetByIDs(ctx context.Context, ids []string) ([]Campaign, error) {
	out := make([]Campaign, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for i, id := range ids {
			c, err := getCampaign(txn, id)
			if err != nil {
				return err
			}
			out[i] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns all campaigns ordered by ID.
func (s *BadgerStore) List(ctx context.Context) ([]Campaign, error) {
	var out []Campaign
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(campaignPrefix); it.ValidForPrefix(campaignPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				c, err := decodeCampaign(val)
				if err != nil {
					return err
				}
				out = append(out, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Delete removes campaigns by ID.
func (s *BadgerStore) Delete(ctx context.Context, ids []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(campaignKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of campaigns.
func (s *BadgerStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(campaignPrefix); it.ValidForPrefix(campaignPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
