// Package match implements the matching evaluator: it compares an encrypted
// user profile with cleartext advertiser targets and returns encrypted
// metrics without ever seeing the user's bits.
//
// Distance is the Hamming distance popcount(U XOR T), the number of
// categories where the user and the target disagree. Overlap is
// popcount(U AND T), the number of the target's categories the user has.
// Both are in [0, W].
package match

import (
	"errors"
	"fmt"

	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/profile"
)

// Stage labels reported to a Recorder.
const (
	StageXor      = "xor"
	StageAnd      = "and"
	StagePopCount = "popcount"
	StageDistance = "hamming_distance"
	StageOverlap  = "overlap_score"
)

// ErrNoBackend is returned by a Matcher that was built without a backend.
var ErrNoBackend = errors.New("matcher has no backend")

// ErrEvaluation is returned when the backend fails abnormally during a match.
var ErrEvaluation = errors.New("evaluation failed")

// Backend is the homomorphic arithmetic the matcher is built on. It only
// holds evaluation material. *crypto.Evaluator implements it.
type Backend interface {
	Width() int
	Fingerprint() crypto.Fingerprint
	XorPlain(enc *crypto.EncryptedProfile, target profile.Profile) (*crypto.EncryptedProfile, error)
	AndPlain(enc *crypto.EncryptedProfile, target profile.Profile) (*crypto.EncryptedProfile, error)
	PopCount(enc *crypto.EncryptedProfile) (*crypto.MetricResult, error)
}

// Result holds both metrics for one target.
type Result struct {
	Distance *crypto.MetricResult
	Overlap  *crypto.MetricResult
}

// Matcher computes encrypted match metrics. A Matcher is as safe for
// concurrent use as its backend; use a Pool for parallel evaluation.
type Matcher struct {
	backend  Backend
	recorder Recorder
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithRecorder reports the duration of every stage to rec.
func WithRecorder(rec Recorder) Option {
	return func(m *Matcher) {
		m.recorder = rec
	}
}

// NewMatcher creates a matcher over backend.
func NewMatcher(backend Backend, opts ...Option) *Matcher {
	m := &Matcher{backend: backend, recorder: nopRecorder{}}
	for _, opt := range opts {
		opt(m)
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	return m
}

// Width returns the profile width of the backend.
func (m *Matcher) Width() int {
	if m.backend == nil {
		return 0
	}
	return m.backend.Width()
}

// check validates the operands before any homomorphic work is started.
func (m *Matcher) check(enc *crypto.EncryptedProfile, target profile.Profile) error {
	if m.backend == nil {
		return ErrNoBackend
	}
	if enc == nil {
		return crypto.ErrNilCiphertext
	}
	if enc.Width() != target.Width() {
		return fmt.Errorf("%w: encrypted profile has %d bits, target has %d", crypto.ErrWidthMismatch, enc.Width(), target.Width())
	}
	if enc.Width() != m.backend.Width() {
		return fmt.Errorf("%w: encrypted profile has %d bits, evaluation key expects %d", crypto.ErrWidthMismatch, enc.Width(), m.backend.Width())
	}
	if enc.Fingerprint() != m.backend.Fingerprint() {
		return fmt.Errorf("%w: profile encrypted under %s, evaluation key is %s", crypto.ErrKeyMismatch, enc.Fingerprint(), m.backend.Fingerprint())
	}
	return nil
}

// Distance returns Enc(popcount(U XOR T)).
func (m *Matcher) Distance(enc *crypto.EncryptedProfile, target profile.Profile) (*crypto.MetricResult, error) {
	if err := m.check(enc, target); err != nil {
		return nil, err
	}
	res, _, err := Measure(m.recorder, StageDistance, func() (*crypto.MetricResult, error) {
		x, _, err := Measure(m.recorder, StageXor, func() (*crypto.EncryptedProfile, error) {
			return m.backend.XorPlain(enc, target)
		})
		if err != nil {
			return nil, fmt.Errorf("hamming distance: %w", err)
		}
		return m.popcount(x, "hamming distance")
	})
	return res, err
}

// Overlap returns Enc(popcount(U AND T)).
func (m *Matcher) Overlap(enc *crypto.EncryptedProfile, target profile.Profile) (*crypto.MetricResult, error) {
	if err := m.check(enc, target); err != nil {
		return nil, err
	}
	res, _, err := Measure(m.recorder, StageOverlap, func() (*crypto.MetricResult, error) {
		a, _, err := Measure(m.recorder, StageAnd, func() (*crypto.EncryptedProfile, error) {
			return m.backend.AndPlain(enc, target)
		})
		if err != nil {
			return nil, fmt.Errorf("overlap score: %w", err)
		}
		return m.popcount(a, "overlap score")
	})
	return res, err
}

func (m *Matcher) popcount(enc *crypto.EncryptedProfile, op string) (*crypto.MetricResult, error) {
	res, _, err := Measure(m.recorder, StagePopCount, func() (*crypto.MetricResult, error) {
		return m.backend.PopCount(enc)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Match computes both metrics. Either both are returned or neither.
func (m *Matcher) Match(enc *crypto.EncryptedProfile, target profile.Profile) (Result, error) {
	d, err := m.Distance(enc, target)
	if err != nil {
		return Result{}, err
	}
	o, err := m.Overlap(enc, target)
	if err != nil {
		return Result{}, err
	}
	return Result{Distance: d, Overlap: o}, nil
}
