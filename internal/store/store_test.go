package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/admatch/pkg/profile"
)

func backends(t *testing.T, width int) map[string]CampaignStore {
	t.Helper()
	bs, err := OpenBadgerStore("", width)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	return map[string]CampaignStore{
		"memory": NewMemoryStore(width),
		"badger": bs,
	}
}

func campaign(t *testing.T, id string, width int, words ...uint64) Campaign {
	t.Helper()
	target, err := profile.FromWords(width, words...)
	require.NoError(t, err)
	return Campaign{
		ID:        id,
		Name:      "campaign " + id,
		Target:    target,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// campaignDiff compares campaigns through their observable fields.
func campaignDiff(want, got Campaign) string {
	type view struct {
		ID, Name, Target string
		CreatedAt        time.Time
	}
	return cmp.Diff(
		view{want.ID, want.Name, want.Target.String(), want.CreatedAt},
		view{got.ID, got.Name, got.Target.String(), got.CreatedAt},
	)
}

func TestCampaignStore(t *testing.T) {
	for name, s := range backends(t, 32) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := campaign(t, "a", 32, 0xAAAA)
			b := campaign(t, "b", 32, 0xFF00)

			require.NoError(t, s.Put(ctx, b))
			require.NoError(t, s.Put(ctx, a))

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, campaignDiff(a, got))

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID)
			assert.Equal(t, "b", list[1].ID)

			byIDs, err := s.GetByIDs(ctx, []string{"b", "a"})
			require.NoError(t, err)
			assert.Empty(t, campaignDiff(b, byIDs[0]))
			assert.Empty(t, campaignDiff(a, byIDs[1]))

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			// replace
			a2 := campaign(t, "a", 32, 0x1)
			require.NoError(t, s.Put(ctx, a2))
			got, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.True(t, a2.Target.Equal(got.Target))

			require.NoError(t, s.Delete(ctx, []string{"a", "missing"}))
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByIDs(ctx, []string{"b", "a"})
			assert.ErrorIs(t, err, ErrNotFound)

			n, err = s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestCampaignStore_Validation(t *testing.T) {
	for name, s := range backends(t, 32) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.Put(ctx, campaign(t, "wide", 128, 1))
			assert.ErrorIs(t, err, ErrInvalid)
			assert.ErrorIs(t, err, profile.ErrWidthMismatch)

			err = s.Put(ctx, campaign(t, "", 32, 1))
			assert.ErrorIs(t, err, ErrInvalid)

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestBadgerStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c := campaign(t, "persisted", 256, 1, 2, 3, 4)

	s, err := OpenBadgerStore(dir, 256)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, c))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir, 256)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Empty(t, campaignDiff(c, got))
}
