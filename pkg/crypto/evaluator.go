package crypto

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/schemes/bfv"

	"github.com/opaque/admatch/pkg/profile"
)

// Evaluator performs the matching arithmetic with an EvaluationKey only.
// Every operation touches all W slots and runs the same circuit whatever the
// plaintext values are.
type Evaluator struct {
	params Parameters
	eval   *bfv.Evaluator
	evk    *EvaluationKey

	// Lattigo evaluator is not thread-safe
	mu sync.Mutex
}

// NewEvaluator creates an evaluator bound to evk.
func NewEvaluator(evk *EvaluationKey) (*Evaluator, error) {
	if !evk.valid() {
		return nil, fmt.Errorf("%w: evaluation key is empty", ErrKey)
	}
	return &Evaluator{
		params: evk.params,
		eval:   bfv.NewEvaluator(evk.params.Parameters, evk.evk),
		evk:    evk,
	}, nil
}

// ShallowCopy returns an evaluator sharing the read-only key material but
// owning its own scratch buffers, so both can be used concurrently.
func (e *Evaluator) ShallowCopy() *Evaluator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Evaluator{
		params: e.params,
		eval:   e.eval.ShallowCopy(),
		evk:    e.evk,
	}
}

// Width returns the profile width of the evaluation key.
func (e *Evaluator) Width() int {
	return e.params.width
}

// Fingerprint returns the fingerprint of the evaluation key.
func (e *Evaluator) Fingerprint() Fingerprint {
	return e.evk.fp
}

func (e *Evaluator) checkOperand(enc *EncryptedProfile) error {
	if enc == nil || enc.ct == nil {
		return ErrNilCiphertext
	}
	if enc.width != e.params.width {
		return fmt.Errorf("%w: encrypted profile has %d bits, evaluation key expects %d", ErrWidthMismatch, enc.width, e.params.width)
	}
	if enc.fp != e.evk.fp {
		return fmt.Errorf("%w: ciphertext key %s, evaluation key %s", ErrKeyMismatch, enc.fp, e.evk.fp)
	}
	return nil
}

func (e *Evaluator) checkTarget(target profile.Profile) error {
	if target.Width() != e.params.width {
		return fmt.Errorf("%w: target has %d bits, evaluation key expects %d", ErrWidthMismatch, target.Width(), e.params.width)
	}
	return nil
}

// XorPlain returns Enc(u XOR t). For a clear bit t the slot is mapped to
// u*(1-2t)+t, which is u for t=0 and 1-u for t=1.
func (e *Evaluator) XorPlain(enc *EncryptedProfile, target profile.Profile) (*EncryptedProfile, error) {
	if err := e.checkOperand(enc); err != nil {
		return nil, err
	}
	if err := e.checkTarget(target); err != nil {
		return nil, err
	}

	t := target.Slots()
	mul := make([]uint64, len(t))
	for i, b := range t {
		// 1-2b mod T
		mul[i] = 1 + b*(PlaintextModulus-2)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ct, err := e.eval.MulNew(enc.ct, mul)
	if err != nil {
		return nil, fmt.Errorf("xor: failed to scale: %w", err)
	}
	if err := e.eval.Add(ct, t, ct); err != nil {
		return nil, fmt.Errorf("xor: failed to add target: %w", err)
	}

	return &EncryptedProfile{ct: ct, width: enc.width, fp: enc.fp}, nil
}

// AndPlain returns Enc(u AND t), the slot-wise product with the clear bits.
func (e *Evaluator) AndPlain(enc *EncryptedProfile, target profile.Profile) (*EncryptedProfile, error) {
	if err := e.checkOperand(enc); err != nil {
		return nil, err
	}
	if err := e.checkTarget(target); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ct, err := e.eval.MulNew(enc.ct, target.Slots())
	if err != nil {
		return nil, fmt.Errorf("and: failed to multiply: %w", err)
	}

	return &EncryptedProfile{ct: ct, width: enc.width, fp: enc.fp}, nil
}

// PopCount returns an encryption of the number of set bits of enc.
//
// The sum is folded with log2(span) rotations where span is the next power of
// two >= W, then slot 0 is isolated with a selector so the result holds a
// single value and zeros elsewhere.
func (e *Evaluator) PopCount(enc *EncryptedProfile) (*MetricResult, error) {
	if err := e.checkOperand(enc); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	acc := enc.ct.CopyNew()
	for _, k := range e.params.rotations() {
		rot, err := e.eval.RotateColumnsNew(acc, k)
		if err != nil {
			return nil, fmt.Errorf("popcount: failed to rotate by %d: %w", k, err)
		}
		if err := e.eval.Add(acc, rot, acc); err != nil {
			return nil, fmt.Errorf("popcount: failed to accumulate: %w", err)
		}
	}

	out, err := e.eval.MulNew(acc, []uint64{1})
	if err != nil {
		return nil, fmt.Errorf("popcount: failed to select: %w", err)
	}

	return &MetricResult{ct: out, width: enc.width, fp: enc.fp}, nil
}

