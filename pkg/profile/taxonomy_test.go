package profile

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomyEncode(t *testing.T) {
	tax, err := NewTaxonomy(32, "sports", "travel", "Cooking", " music ")
	require.NoError(t, err)

	assert.Equal(t, []string{"sports", "travel", "cooking", "music"}, tax.Categories())

	p, err := tax.Encode([]string{"travel", "MUSIC", "travel"})
	require.NoError(t, err)
	assert.Equal(t, 32, p.Width())
	assert.Equal(t, []uint64{1<<1 | 1<<3}, p.Words())

	slot, ok := tax.Slot("cooking")
	assert.True(t, ok)
	assert.Equal(t, 2, slot)

	names, err := tax.Decode(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"travel", "music"}, names)
}

func TestTaxonomy_TooManyCategories(t *testing.T) {
	cats := make([]string, 33)
	for i := range cats {
		cats[i] = fmt.Sprintf("cat-%d", i)
	}
	_, err := NewTaxonomy(32, cats...)
	require.ErrorIs(t, err, ErrEncoding)

	_, err = NewTaxonomy(33, cats...)
	require.NoError(t, err)
}

func TestTaxonomy_Invalid(t *testing.T) {
	_, err := NewTaxonomy(8, "a", "A")
	require.ErrorIs(t, err, ErrEncoding)

	_, err = NewTaxonomy(8, "a", "  ")
	require.ErrorIs(t, err, ErrEncoding)

	tax, err := NewTaxonomy(8, "a", "b")
	require.NoError(t, err)
	_, err = tax.Encode([]string{"c"})
	require.ErrorIs(t, err, ErrEncoding)

	_, err = tax.Decode(mustWords(t, 16, 1))
	require.ErrorIs(t, err, ErrWidthMismatch)

	_, err = tax.Decode(mustWords(t, 8, 1<<7))
	require.ErrorIs(t, err, ErrEncoding)
}
