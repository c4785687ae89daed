// Package crypto provides the homomorphic arithmetic backend for encrypted
// profile matching, built on the Lattigo BFV scheme.
//
// A profile of width W is packed one bit per SIMD slot in the first row of a
// BFV plaintext (plaintext modulus 65537). Key material is split into two
// capability types that cannot be converted into each other:
//
//   - [DecryptionKey] holds the secret key and stays with the profile owner.
//   - [EvaluationKey] holds only the rotation keys needed by the population
//     count circuit. It is safe to hand to the matching service.
//
// Ciphertexts are exposed only as the opaque handles [EncryptedProfile] and
// [MetricResult].
package crypto

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/tuneinsight/lattigo/v5/schemes/bfv"

	"github.com/opaque/admatch/pkg/profile"
)

var (
	// ErrKey is returned for missing, malformed or width-mismatched key material.
	ErrKey = errors.New("invalid key material")

	// ErrKeyMismatch is returned when a ciphertext and a key do not belong to
	// the same key pair.
	ErrKeyMismatch = errors.New("key pair mismatch")

	// ErrDecryption is returned when a ciphertext cannot be decrypted under
	// the given key.
	ErrDecryption = errors.New("decryption failed")

	// ErrWidthMismatch is returned when operand widths differ.
	ErrWidthMismatch = profile.ErrWidthMismatch

	// ErrNilCiphertext is returned when a nil handle is passed to an operation.
	ErrNilCiphertext = errors.New("nil ciphertext")

	// ErrCiphertext is returned for serialized ciphertexts that do not fit the
	// ring parameters they are read under.
	ErrCiphertext = errors.New("malformed ciphertext")
)

// PlaintextModulus is the BFV plaintext modulus shared by all presets.
// It is prime and 1 mod 2N for every preset, which enables full batching.
const PlaintextModulus = 0x10001

// Preset selects a ring parameter set.
type Preset int

const (
	// PN13 uses ring degree 2^13 and carries profiles up to 4096 bits.
	PN13 Preset = iota
	// PN14 uses ring degree 2^14 and carries profiles up to 8192 bits.
	PN14
)

func (p Preset) String() string {
	switch p {
	case PN13:
		return "pn13"
	case PN14:
		return "pn14"
	default:
		return fmt.Sprintf("preset(%d)", int(p))
	}
}

// ParsePreset parses the String form of a preset.
func ParsePreset(s string) (Preset, error) {
	switch s {
	case "pn13", "PN13":
		return PN13, nil
	case "pn14", "PN14":
		return PN14, nil
	default:
		return 0, fmt.Errorf("unknown parameter preset %q", s)
	}
}

// MaxWidth returns the widest profile the preset carries: one slot row.
// Unknown presets return 0.
func (p Preset) MaxWidth() int {
	switch p {
	case PN13:
		return 1 << 12
	case PN14:
		return 1 << 13
	default:
		return 0
	}
}

func (p Preset) literal() (bfv.ParametersLiteral, error) {
	switch p {
	case PN13:
		// 217-bit QP keeps 128-bit security at LogN=13.
		return bfv.ParametersLiteral{
			LogN:             13,
			LogQ:             []int{54, 54, 54},
			LogP:             []int{55},
			PlaintextModulus: PlaintextModulus,
		}, nil
	case PN14:
		return bfv.ParametersLiteral{
			LogN: 14,
			Q: []uint64{0x10000048001, 0x20008001, 0x1ffc8001,
				0x20040001, 0x1ffc0001, 0x1ffb0001,
				0x20068001, 0x1ff60001, 0x200b0001,
				0x200d0001, 0x1ff18001, 0x200f8001}, // 40 + 11*29 bits
			P:                []uint64{0x10000140001, 0x7ffffb0001}, // 40 + 39 bits
			PlaintextModulus: PlaintextModulus,
		}, nil
	default:
		return bfv.ParametersLiteral{}, fmt.Errorf("unknown parameter preset %d", int(p))
	}
}

// Parameters binds a BFV parameter set to a profile width.
type Parameters struct {
	bfv.Parameters
	preset Preset
	width  int
}

// NewParameters creates parameters for profiles of exactly width bits.
// The width must fit in one slot row of the chosen preset.
func NewParameters(preset Preset, width int) (Parameters, error) {
	lit, err := preset.literal()
	if err != nil {
		return Parameters{}, err
	}
	params, err := bfv.NewParametersFromLiteral(lit)
	if err != nil {
		return Parameters{}, fmt.Errorf("failed to create BFV parameters: %w", err)
	}

	rowSlots := params.N() / 2
	if width < 1 || width > rowSlots || width > profile.MaxWidth {
		return Parameters{}, fmt.Errorf("%w: width %d not supported by %s (max %d)", ErrKey, width, preset, rowSlots)
	}

	return Parameters{Parameters: params, preset: preset, width: width}, nil
}

// Width returns the profile width these parameters were built for.
func (p Parameters) Width() int {
	return p.width
}

// Preset returns the ring preset.
func (p Parameters) Preset() Preset {
	return p.preset
}

// ResultBits returns ceil(log2(W+1)), the number of bits a metric needs.
func (p Parameters) ResultBits() int {
	return bits.Len(uint(p.width))
}

// treeSpan is the smallest power of two covering the width. The population
// count folds exactly this many slots regardless of the profile contents.
func (p Parameters) treeSpan() int {
	span := 1
	for span < p.width {
		span <<= 1
	}
	return span
}

// rotations lists the column rotations of the popcount tree: 1, 2, 4, ...
func (p Parameters) rotations() []int {
	var rots []int
	for k := 1; k < p.treeSpan(); k <<= 1 {
		rots = append(rots, k)
	}
	return rots
}

// galoisElements returns the Galois elements needed for the popcount tree.
func (p Parameters) galoisElements() []uint64 {
	rots := p.rotations()
	elements := make([]uint64, len(rots))
	for i, k := range rots {
		elements[i] = p.GaloisElement(k)
	}
	return elements
}

func (p Parameters) compatible(o Parameters) bool {
	return p.preset == o.preset && p.width == o.width
}
