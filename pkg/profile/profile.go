// Package profile encodes attribute profiles as fixed-width bit vectors.
//
// A Profile is the cleartext form of both the user's private profile (before
// encryption) and the advertiser's target profile. Bit i of a profile is bit
// i%64 of word i/64, so a 32-bit profile built from 0x000000FF has bits 0..7
// set. Widths are fixed per deployment: no operation in this package pads or
// truncates a profile to make two widths agree.
package profile

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MaxWidth is the widest profile any parameter preset can carry.
const MaxWidth = 8192

var (
	// ErrEncoding is returned when raw attributes or bits cannot be represented
	// in the declared width.
	ErrEncoding = errors.New("profile encoding error")

	// ErrWidthMismatch is returned when two operands have different widths.
	ErrWidthMismatch = errors.New("width mismatch")
)

// Profile is an immutable bit vector of a fixed width.
type Profile struct {
	width int
	words []uint64
}

func numWords(width int) int {
	return (width + 63) / 64
}

func checkWidth(width int) error {
	if width < 1 || width > MaxWidth {
		return fmt.Errorf("%w: width %d outside [1, %d]", ErrEncoding, width, MaxWidth)
	}
	return nil
}

// New creates a profile of the given width with the listed bit positions set.
func New(width int, setBits ...int) (Profile, error) {
	if err := checkWidth(width); err != nil {
		return Profile{}, err
	}
	words := make([]uint64, numWords(width))
	for _, b := range setBits {
		if b < 0 || b >= width {
			return Profile{}, fmt.Errorf("%w: bit %d outside width %d", ErrEncoding, b, width)
		}
		words[b/64] |= 1 << uint(b%64)
	}
	return Profile{width: width, words: words}, nil
}

// FromWords creates a profile from little-endian 64-bit words. Missing words
// are zero. A set bit at or beyond width is an error, never a truncation.
func FromWords(width int, words ...uint64) (Profile, error) {
	if err := checkWidth(width); err != nil {
		return Profile{}, err
	}
	n := numWords(width)
	out := make([]uint64, n)
	for i, w := range words {
		if i >= n {
			if w != 0 {
				return Profile{}, fmt.Errorf("%w: word %d has bits beyond width %d", ErrEncoding, i, width)
			}
			continue
		}
		out[i] = w
	}
	if rem := width % 64; rem != 0 && out[n-1]>>uint(rem) != 0 {
		return Profile{}, fmt.Errorf("%w: bits set beyond width %d", ErrEncoding, width)
	}
	return Profile{width: width, words: out}, nil
}

// FromUint64 creates a profile whose low bits are v.
func FromUint64(width int, v uint64) (Profile, error) {
	return FromWords(width, v)
}

// FromSlots creates a profile from one 0/1 value per bit position.
func FromSlots(width int, slots []uint64) (Profile, error) {
	if err := checkWidth(width); err != nil {
		return Profile{}, err
	}
	if len(slots) != width {
		return Profile{}, fmt.Errorf("%w: got %d slots for width %d", ErrWidthMismatch, len(slots), width)
	}
	words := make([]uint64, numWords(width))
	for i, s := range slots {
		switch s {
		case 0:
		case 1:
			words[i/64] |= 1 << uint(i%64)
		default:
			return Profile{}, fmt.Errorf("%w: slot %d holds %d, want 0 or 1", ErrEncoding, i, s)
		}
	}
	return Profile{width: width, words: words}, nil
}

// ParseHex parses a hexadecimal string (optional 0x prefix, optional '_'
// separators) into a profile of the given width.
func ParseHex(width int, s string) (Profile, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return Profile{}, fmt.Errorf("%w: empty hex string", ErrEncoding)
	}

	var words []uint64
	for end := len(s); end > 0; end -= 16 {
		start := end - 16
		if start < 0 {
			start = 0
		}
		w, err := strconv.ParseUint(s[start:end], 16, 64)
		if err != nil {
			return Profile{}, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		words = append(words, w)
	}
	return FromWords(width, words...)
}

// Width returns the number of bit positions.
func (p Profile) Width() int {
	return p.width
}

// Bit reports whether bit i is set.
func (p Profile) Bit(i int) bool {
	if i < 0 || i >= p.width {
		return false
	}
	return p.words[i/64]>>uint(i%64)&1 == 1
}

// Words returns a copy of the little-endian words.
func (p Profile) Words() []uint64 {
	out := make([]uint64, len(p.words))
	copy(out, p.words)
	return out
}

// Slots returns one 0/1 value per bit position, the layout the homomorphic
// backend packs into ciphertext slots.
func (p Profile) Slots() []uint64 {
	out := make([]uint64, p.width)
	for i := range out {
		out[i] = p.words[i/64] >> uint(i%64) & 1
	}
	return out
}

// PopCount returns the number of set bits.
func (p Profile) PopCount() int {
	n := 0
	for _, w := range p.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Xor returns the bitwise XOR of p and o.
func (p Profile) Xor(o Profile) (Profile, error) {
	return p.combine(o, func(a, b uint64) uint64 { return a ^ b })
}

// And returns the bitwise AND of p and o.
func (p Profile) And(o Profile) (Profile, error) {
	return p.combine(o, func(a, b uint64) uint64 { return a & b })
}

// Not returns the complement of p within its width.
func (p Profile) Not() Profile {
	out := make([]uint64, len(p.words))
	for i, w := range p.words {
		out[i] = ^w
	}
	if rem := p.width % 64; rem != 0 && len(out) > 0 {
		out[len(out)-1] &= (1 << uint(rem)) - 1
	}
	return Profile{width: p.width, words: out}
}

// Equal reports whether p and o have the same width and bits.
func (p Profile) Equal(o Profile) bool {
	if p.width != o.width {
		return false
	}
	for i := range p.words {
		if p.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether p is the zero value (no width).
func (p Profile) IsZero() bool {
	return p.width == 0
}

// String formats the profile as hex, most significant digit first, padded to
// the width.
func (p Profile) String() string {
	if p.width == 0 {
		return "<empty>"
	}
	var sb strings.Builder
	for i := len(p.words) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%016x", p.words[i])
	}
	digits := (p.width + 3) / 4
	s := sb.String()
	return "0x" + s[len(s)-digits:]
}

func (p Profile) combine(o Profile, op func(a, b uint64) uint64) (Profile, error) {
	if p.width != o.width {
		return Profile{}, fmt.Errorf("%w: %d vs %d bits", ErrWidthMismatch, p.width, o.width)
	}
	out := make([]uint64, len(p.words))
	for i := range out {
		out[i] = op(p.words[i], o.words[i])
	}
	return Profile{width: p.width, words: out}, nil
}
