package profile

import (
	"fmt"
	"strings"
)

// Taxonomy is the public encoding scheme mapping interest categories to bit
// slots. Slot order is declaration order, so two parties holding the same
// category list encode identically.
type Taxonomy struct {
	width      int
	categories []string
	slots      map[string]int
}

// NewTaxonomy assigns slot i to categories[i]. It fails when the categories
// do not fit in width bits, or when a tag is empty or repeated.
func NewTaxonomy(width int, categories ...string) (*Taxonomy, error) {
	if err := checkWidth(width); err != nil {
		return nil, err
	}
	if len(categories) > width {
		return nil, fmt.Errorf("%w: %d categories do not fit in %d bits", ErrEncoding, len(categories), width)
	}

	t := &Taxonomy{
		width:      width,
		categories: make([]string, 0, len(categories)),
		slots:      make(map[string]int, len(categories)),
	}
	for _, c := range categories {
		tag := normalize(c)
		if tag == "" {
			return nil, fmt.Errorf("%w: empty category at slot %d", ErrEncoding, len(t.categories))
		}
		if _, dup := t.slots[tag]; dup {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrEncoding, tag)
		}
		t.slots[tag] = len(t.categories)
		t.categories = append(t.categories, tag)
	}
	return t, nil
}

// Width returns the profile width produced by Encode.
func (t *Taxonomy) Width() int {
	return t.width
}

// Categories returns the normalized category tags in slot order.
func (t *Taxonomy) Categories() []string {
	out := make([]string, len(t.categories))
	copy(out, t.categories)
	return out
}

// Slot returns the bit position of a category.
func (t *Taxonomy) Slot(category string) (int, bool) {
	i, ok := t.slots[normalize(category)]
	return i, ok
}

// Encode maps raw attributes to a profile. Unknown categories are an error;
// repeated attributes set the same bit.
func (t *Taxonomy) Encode(attrs []string) (Profile, error) {
	set := make([]int, 0, len(attrs))
	for _, a := range attrs {
		i, ok := t.slots[normalize(a)]
		if !ok {
			return Profile{}, fmt.Errorf("%w: unknown category %q", ErrEncoding, a)
		}
		set = append(set, i)
	}
	return New(t.width, set...)
}

// Decode lists the categories whose bits are set in p.
func (t *Taxonomy) Decode(p Profile) ([]string, error) {
	if p.Width() != t.width {
		return nil, fmt.Errorf("%w: profile has %d bits, taxonomy %d", ErrWidthMismatch, p.Width(), t.width)
	}
	var out []string
	for i, c := range t.categories {
		if p.Bit(i) {
			out = append(out, c)
		}
	}
	for i := len(t.categories); i < t.width; i++ {
		if p.Bit(i) {
			return nil, fmt.Errorf("%w: bit %d has no category", ErrEncoding, i)
		}
	}
	return out, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
