package crypto

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/fxamacker/cbor/v2"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
)

// EncryptedProfile is an opaque handle to an encrypted profile. Only its
// width and key-pair fingerprint are observable.
type EncryptedProfile struct {
	ct    *rlwe.Ciphertext
	width int
	fp    Fingerprint
}

// Width returns the declared profile width.
func (e *EncryptedProfile) Width() int {
	return e.width
}

// Fingerprint returns the fingerprint of the key pair the profile was
// encrypted under.
func (e *EncryptedProfile) Fingerprint() Fingerprint {
	return e.fp
}

// MarshalBinary serializes the handle for transport.
func (e *EncryptedProfile) MarshalBinary() ([]byte, error) {
	return marshalEnvelope(kindProfile, e.ct, e.width, e.fp)
}

// MetricResult is an opaque handle to an encrypted scalar in [0, W].
type MetricResult struct {
	ct    *rlwe.Ciphertext
	width int
	fp    Fingerprint
}

// Width returns the width W of the profiles the metric was computed over.
func (m *MetricResult) Width() int {
	return m.width
}

// Bits returns ceil(log2(W+1)), the bit length of the metric's value domain.
func (m *MetricResult) Bits() int {
	return bits.Len(uint(m.width))
}

// Fingerprint returns the fingerprint of the key pair the metric is
// encrypted under.
func (m *MetricResult) Fingerprint() Fingerprint {
	return m.fp
}

// MarshalBinary serializes the handle for transport.
func (m *MetricResult) MarshalBinary() ([]byte, error) {
	return marshalEnvelope(kindMetric, m.ct, m.width, m.fp)
}

const (
	kindProfile = "profile"
	kindMetric  = "metric"
)

type ciphertextEnvelope struct {
	Kind        string `cbor:"1,keyasint"`
	Width       int    `cbor:"2,keyasint"`
	Fingerprint []byte `cbor:"3,keyasint"`
	Ciphertext  []byte `cbor:"4,keyasint"`
}

func marshalEnvelope(kind string, ct *rlwe.Ciphertext, width int, fp Fingerprint) ([]byte, error) {
	if ct == nil {
		return nil, ErrNilCiphertext
	}
	buf := new(bytes.Buffer)
	if _, err := ct.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize ciphertext: %w", err)
	}
	return cbor.Marshal(ciphertextEnvelope{
		Kind:        kind,
		Width:       width,
		Fingerprint: fp[:],
		Ciphertext:  buf.Bytes(),
	})
}

func unmarshalEnvelope(params Parameters, kind string, data []byte) (*rlwe.Ciphertext, int, Fingerprint, error) {
	var env ciphertextEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, 0, Fingerprint{}, fmt.Errorf("failed to deserialize %s envelope: %w", kind, err)
	}
	if env.Kind != kind {
		return nil, 0, Fingerprint{}, fmt.Errorf("failed to deserialize: envelope holds a %q, want %q", env.Kind, kind)
	}
	if len(env.Fingerprint) != len(Fingerprint{}) {
		return nil, 0, Fingerprint{}, fmt.Errorf("failed to deserialize: fingerprint has %d bytes", len(env.Fingerprint))
	}

	ct := rlwe.NewCiphertext(params.Parameters, 1, params.MaxLevel())
	if _, err := ct.ReadFrom(bytes.NewReader(env.Ciphertext)); err != nil {
		return nil, 0, Fingerprint{}, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if err := checkCiphertext(params, ct); err != nil {
		return nil, 0, Fingerprint{}, err
	}

	var fp Fingerprint
	copy(fp[:], env.Fingerprint)
	return ct, env.Width, fp, nil
}

// checkCiphertext rejects ciphertexts the evaluator cannot operate on: wrong
// degree, ring degree or level, metadata from another encoding, or
// coefficients outside their modulus. ReadFrom accepts any of these and
// lattigo panics on them later.
func checkCiphertext(params Parameters, ct *rlwe.Ciphertext) error {
	if ct.MetaData == nil {
		return fmt.Errorf("%w: missing metadata", ErrCiphertext)
	}
	if len(ct.Value) != 2 {
		return fmt.Errorf("%w: degree %d, want 1", ErrCiphertext, len(ct.Value)-1)
	}
	if ct.IsNTT != params.NTTFlag() || ct.IsMontgomery {
		return fmt.Errorf("%w: unexpected domain flags", ErrCiphertext)
	}
	if !ct.IsBatched || ct.LogDimensions != params.LogMaxDimensions() {
		return fmt.Errorf("%w: not a batched ciphertext for these parameters", ErrCiphertext)
	}

	q := params.Q()
	levels := len(ct.Value[0].Coeffs)
	if levels == 0 || levels > len(q) {
		return fmt.Errorf("%w: level %d outside [0, %d]", ErrCiphertext, levels-1, params.MaxLevel())
	}
	for i := range ct.Value {
		coeffs := ct.Value[i].Coeffs
		if len(coeffs) != levels {
			return fmt.Errorf("%w: polynomials at different levels", ErrCiphertext)
		}
		for l, row := range coeffs {
			if len(row) != params.N() {
				return fmt.Errorf("%w: ring degree %d, want %d", ErrCiphertext, len(row), params.N())
			}
			for _, c := range row {
				if c >= q[l] {
					return fmt.Errorf("%w: coefficient outside modulus %d", ErrCiphertext, l)
				}
			}
		}
	}
	return nil
}

// UnmarshalEncryptedProfile parses a serialized EncryptedProfile. The declared
// width is kept as sent; width checks happen where the profile is used.
func UnmarshalEncryptedProfile(params Parameters, data []byte) (*EncryptedProfile, error) {
	ct, width, fp, err := unmarshalEnvelope(params, kindProfile, data)
	if err != nil {
		return nil, err
	}
	return &EncryptedProfile{ct: ct, width: width, fp: fp}, nil
}

// UnmarshalMetricResult parses a serialized MetricResult.
func UnmarshalMetricResult(params Parameters, data []byte) (*MetricResult, error) {
	ct, width, fp, err := unmarshalEnvelope(params, kindMetric, data)
	if err != nil {
		return nil, err
	}
	return &MetricResult{ct: ct, width: width, fp: fp}, nil
}
