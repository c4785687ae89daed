// Package store provides campaign storage backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opaque/admatch/pkg/profile"
)

var (
	ErrNotFound = errors.New("campaign not found")
	ErrInvalid  = errors.New("invalid campaign")
)

// Campaign is an advertiser's target profile. Targets are cleartext and
// never leave the matching service.
type Campaign struct {
	ID        string
	Name      string
	Target    profile.Profile
	CreatedAt time.Time
}

// CampaignStore is the interface for campaign storage backends.
type CampaignStore interface {
	// Put creates or replaces a campaign.
	Put(ctx context.Context, c Campaign) error

	// Get retrieves a campaign by ID.
	Get(ctx context.Context, id string) (Campaign, error)

	// GetByIDs retrieves campaigns in the order of ids.
	GetByIDs(ctx context.Context, ids []string) ([]Campaign, error)

	// List returns all campaigns ordered by ID.
	List(ctx context.Context) ([]Campaign, error)

	// Delete removes campaigns by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of campaigns.
	Count(ctx context.Context) (int64, error)

	// Close releases the backend.
	Close() error
}

// validate checks c against the deployment width.
func validate(c Campaign, width int) error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty ID", ErrInvalid)
	}
	if c.Target.Width() != width {
		return fmt.Errorf("%w: campaign %q has %d bits, store holds %d-bit targets: %w",
			ErrInvalid, c.ID, c.Target.Width(), width, profile.ErrWidthMismatch)
	}
	return nil
}

// MemoryStore is an in-memory campaign store.
type MemoryStore struct {
	width     int
	campaigns map[string]Campaign
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory store for width-bit targets.
func NewMemoryStore(width int) *MemoryStore {
	return &MemoryStore{
		width:     width,
		campaigns: make(map[string]Campaign),
	}
}

// Put creates or replaces a campaign.
func (s *MemoryStore) Put(ctx context.Context, c Campaign) error {
	if err := validate(c, s.width); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c

	return nil
}

// Get retrieves a campaign by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return c, nil
}

// GetByIDs retrieves campaigns in the order of ids.
func (s *MemoryStore) GetByIDs(ctx context.Context, ids []string) ([]Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Campaign, len(ids))
	for i, id := range ids {
		c, ok := s.campaigns[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		out[i] = c
	}
	return out, nil
}

// List returns all campaigns ordered by ID.
func (s *MemoryStore) List(ctx context.Context) ([]Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes campaigns by ID.
func (s *MemoryStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.campaigns, id)
	}
	return nil
}

// Count returns the number of campaigns.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.campaigns)), nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	return nil
}
