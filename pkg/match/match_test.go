package match

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/profile"
)

type fixture struct {
	dk  *crypto.DecryptionKey
	evk *crypto.EvaluationKey
	enc *crypto.Encryptor
	dec *crypto.Decryptor
	ev  *crypto.Evaluator
}

func newFixture(t testing.TB, width int) *fixture {
	t.Helper()
	params, err := crypto.NewParameters(crypto.PN13, width)
	require.NoError(t, err)
	dk, evk, err := crypto.GenerateKeys(params)
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(dk)
	require.NoError(t, err)
	dec, err := crypto.NewDecryptor(dk)
	require.NoError(t, err)
	ev, err := crypto.NewEvaluator(evk)
	require.NoError(t, err)
	return &fixture{dk: dk, evk: evk, enc: enc, dec: dec, ev: ev}
}

func (f *fixture) encrypt(t testing.TB, p profile.Profile) *crypto.EncryptedProfile {
	t.Helper()
	ct, err := f.enc.Encrypt(p)
	require.NoError(t, err)
	return ct
}

func (f *fixture) reveal(t testing.TB, m *crypto.MetricResult) int {
	t.Helper()
	n, err := f.dec.DecryptMetric(m)
	require.NoError(t, err)
	return n
}

func mustWords(t testing.TB, width int, words ...uint64) profile.Profile {
	t.Helper()
	p, err := profile.FromWords(width, words...)
	require.NoError(t, err)
	return p
}

// faultyBackend wraps a real evaluator and fails selected stages.
type faultyBackend struct {
	Backend
	xorErr, andErr, popErr error

	mu    sync.Mutex
	calls []string
}

func (b *faultyBackend) record(stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, stage)
}

func (b *faultyBackend) XorPlain(enc *crypto.EncryptedProfile, t profile.Profile) (*crypto.EncryptedProfile, error) {
	b.record(StageXor)
	if b.xorErr != nil {
		return nil, b.xorErr
	}
	return b.Backend.XorPlain(enc, t)
}

func (b *faultyBackend) AndPlain(enc *crypto.EncryptedProfile, t profile.Profile) (*crypto.EncryptedProfile, error) {
	b.record(StageAnd)
	if b.andErr != nil {
		return nil, b.andErr
	}
	return b.Backend.AndPlain(enc, t)
}

func (b *faultyBackend) PopCount(enc *crypto.EncryptedProfile) (*crypto.MetricResult, error) {
	b.record(StagePopCount)
	if b.popErr != nil {
		return nil, b.popErr
	}
	return b.Backend.PopCount(enc)
}

func TestMatcher_Scenarios(t *testing.T) {
	tests := []struct {
		name              string
		width             int
		user, target      []uint64
		distance, overlap int
	}{
		{"32 bits", 32, []uint64{0xFF}, []uint64{0xAAAA}, 8, 4},
		{"128 bits", 128, []uint64{0xFF, 0xFF}, []uint64{0xAAAA, 0xAAAA}, 16, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.width)
			m := NewMatcher(f.ev)
			ct := f.encrypt(t, mustWords(t, tt.width, tt.user...))
			target := mustWords(t, tt.width, tt.target...)

			d, err := m.Distance(ct, target)
			require.NoError(t, err)
			assert.Equal(t, tt.distance, f.reveal(t, d))

			o, err := m.Overlap(ct, target)
			require.NoError(t, err)
			assert.Equal(t, tt.overlap, f.reveal(t, o))

			res, err := m.Match(ct, target)
			require.NoError(t, err)
			assert.Equal(t, tt.distance, f.reveal(t, res.Distance))
			assert.Equal(t, tt.overlap, f.reveal(t, res.Overlap))
		})
	}
}

func TestMatcher_Properties(t *testing.T) {
	const width = 64
	f := newFixture(t, width)
	m := NewMatcher(f.ev)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 3; i++ {
		u := mustWords(t, width, rng.Uint64())
		target := mustWords(t, width, rng.Uint64())
		ct := f.encrypt(t, u)

		// identity
		d, err := m.Distance(ct, u)
		require.NoError(t, err)
		assert.Equal(t, 0, f.reveal(t, d))
		o, err := m.Overlap(ct, u)
		require.NoError(t, err)
		assert.Equal(t, u.PopCount(), f.reveal(t, o))

		// complement
		d, err = m.Distance(ct, u.Not())
		require.NoError(t, err)
		assert.Equal(t, width, f.reveal(t, d))
		o, err = m.Overlap(ct, u.Not())
		require.NoError(t, err)
		assert.Equal(t, 0, f.reveal(t, o))

		// cleartext agreement and range
		x, err := u.Xor(target)
		require.NoError(t, err)
		a, err := u.And(target)
		require.NoError(t, err)
		res, err := m.Match(ct, target)
		require.NoError(t, err)
		dist, ovl := f.reveal(t, res.Distance), f.reveal(t, res.Overlap)
		assert.Equal(t, x.PopCount(), dist)
		assert.Equal(t, a.PopCount(), ovl)
		assert.GreaterOrEqual(t, dist, 0)
		assert.LessOrEqual(t, dist, width)
		assert.LessOrEqual(t, ovl, target.PopCount())
		assert.LessOrEqual(t, ovl, u.PopCount())

		// symmetry: encrypting the target and matching against u agrees
		xr, err := target.Xor(u)
		require.NoError(t, err)
		assert.Equal(t, x.PopCount(), xr.PopCount())
		swapped, err := m.Match(f.encrypt(t, target), u)
		require.NoError(t, err)
		assert.Equal(t, dist, f.reveal(t, swapped.Distance))
		assert.Equal(t, ovl, f.reveal(t, swapped.Overlap))
	}
}

func TestMatcher_WidthMismatch(t *testing.T) {
	f := newFixture(t, 32)
	b := &faultyBackend{Backend: f.ev}
	m := NewMatcher(b)
	ct := f.encrypt(t, mustWords(t, 32, 0xFF))
	wide := mustWords(t, 128, 0xAAAA)

	_, err := m.Distance(ct, wide)
	assert.ErrorIs(t, err, crypto.ErrWidthMismatch)
	_, err = m.Overlap(ct, wide)
	assert.ErrorIs(t, err, crypto.ErrWidthMismatch)
	_, err = m.Match(ct, wide)
	assert.ErrorIs(t, err, crypto.ErrWidthMismatch)

	assert.Empty(t, b.calls, "no homomorphic work may start on a width mismatch")
}

func TestMatcher_KeyMismatch(t *testing.T) {
	f1 := newFixture(t, 32)
	f2 := newFixture(t, 32)
	m := NewMatcher(f2.ev)
	ct := f1.encrypt(t, mustWords(t, 32, 0xFF))

	_, err := m.Match(ct, mustWords(t, 32, 0xAAAA))
	assert.ErrorIs(t, err, crypto.ErrKeyMismatch)
}

func TestMatcher_BackendErrors(t *testing.T) {
	f := newFixture(t, 32)
	ct := f.encrypt(t, mustWords(t, 32, 0xFF))
	target := mustWords(t, 32, 0xAAAA)
	boom := errors.New("boom")

	tests := []struct {
		name    string
		backend *faultyBackend
	}{
		{"xor", &faultyBackend{Backend: f.ev, xorErr: boom}},
		{"and", &faultyBackend{Backend: f.ev, andErr: boom}},
		{"popcount", &faultyBackend{Backend: f.ev, popErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewMatcher(tt.backend).Match(ct, target)
			assert.ErrorIs(t, err, boom)
			assert.Nil(t, res.Distance, "partial results must not be returned")
			assert.Nil(t, res.Overlap)
		})
	}
}

func TestMatcher_NilInputs(t *testing.T) {
	f := newFixture(t, 32)
	_, err := NewMatcher(f.ev).Distance(nil, mustWords(t, 32, 1))
	assert.ErrorIs(t, err, crypto.ErrNilCiphertext)

	_, err = NewMatcher(nil).Overlap(f.encrypt(t, mustWords(t, 32, 1)), mustWords(t, 32, 1))
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.Equal(t, 0, NewMatcher(nil).Width())
}

func TestMatcher_RecordsStages(t *testing.T) {
	f := newFixture(t, 32)
	timings := NewTimings()
	var order []string
	rec := Tee(timings, RecorderFunc(func(label string, _ time.Duration) {
		order = append(order, label)
	}))

	m := NewMatcher(f.ev, WithRecorder(rec))
	_, err := m.Match(f.encrypt(t, mustWords(t, 32, 0xFF)), mustWords(t, 32, 0xAAAA))
	require.NoError(t, err)

	assert.Equal(t, []string{
		StageXor, StagePopCount, StageDistance,
		StageAnd, StagePopCount, StageOverlap,
	}, order)
	assert.Equal(t, []string{StageAnd, StageDistance, StageOverlap, StagePopCount, StageXor}, timings.Labels())
	assert.Len(t, timings.Samples(StagePopCount), 2)
}

func TestPool_MatchBatch(t *testing.T) {
	f := newFixture(t, 32)
	pool, err := NewPool(f.evk, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Size())
	assert.Equal(t, 32, pool.Width())

	u := mustWords(t, 32, 0xFF)
	ct := f.encrypt(t, u)
	rng := rand.New(rand.NewSource(3))
	targets := make([]profile.Profile, 7)
	for i := range targets {
		targets[i] = mustWords(t, 32, uint64(rng.Uint32()))
	}

	results, err := pool.MatchBatch(context.Background(), ct, targets)
	require.NoError(t, err)
	require.Len(t, results, len(targets))

	for i, target := range targets {
		x, _ := u.Xor(target)
		a, _ := u.And(target)
		assert.Equal(t, x.PopCount(), f.reveal(t, results[i].Distance), "target %d", i)
		assert.Equal(t, a.PopCount(), f.reveal(t, results[i].Overlap), "target %d", i)
	}

	one, err := pool.Match(context.Background(), ct, targets[0])
	require.NoError(t, err)
	assert.Equal(t, f.reveal(t, results[0].Distance), f.reveal(t, one.Distance))
}

func TestPool_MatchBatchErrors(t *testing.T) {
	f := newFixture(t, 32)
	pool, err := NewPool(f.evk, 2)
	require.NoError(t, err)
	ct := f.encrypt(t, mustWords(t, 32, 0xFF))

	targets := []profile.Profile{mustWords(t, 32, 1), mustWords(t, 64, 1)}
	_, err = pool.MatchBatch(context.Background(), ct, targets)
	assert.ErrorIs(t, err, crypto.ErrWidthMismatch)

	_, err = pool.MatchBatch(context.Background(), nil, targets[:1])
	assert.ErrorIs(t, err, crypto.ErrNilCiphertext)

	other := newFixture(t, 32)
	_, err = pool.MatchBatch(context.Background(), other.encrypt(t, mustWords(t, 32, 1)), targets[:1])
	assert.ErrorIs(t, err, crypto.ErrKeyMismatch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.MatchBatch(ctx, ct, targets[:1])
	assert.ErrorIs(t, err, context.Canceled)

	empty, err := pool.MatchBatch(context.Background(), ct, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPool_MatchBatchEmptyTargetsStillChecksKey(t *testing.T) {
	f := newFixture(t, 32)
	pool, err := NewPool(f.evk, 2)
	require.NoError(t, err)

	foreign := newFixture(t, 32)
	_, err = pool.MatchBatch(context.Background(), foreign.encrypt(t, mustWords(t, 32, 1)), nil)
	assert.ErrorIs(t, err, crypto.ErrKeyMismatch)

	wide := newFixture(t, 64)
	_, err = pool.MatchBatch(context.Background(), wide.encrypt(t, mustWords(t, 64, 1)), []profile.Profile{})
	assert.ErrorIs(t, err, crypto.ErrWidthMismatch)
}

func TestPool_RecoversFromBackendPanic(t *testing.T) {
	f := newFixture(t, 32)
	explode := RecorderFunc(func(string, time.Duration) { panic("recorder exploded") })
	pool, err := NewPool(f.evk, 2, WithRecorder(explode))
	require.NoError(t, err)

	ct := f.encrypt(t, mustWords(t, 32, 0xFF))
	targets := []profile.Profile{mustWords(t, 32, 1), mustWords(t, 32, 2), mustWords(t, 32, 3)}

	_, err = pool.MatchBatch(context.Background(), ct, targets)
	assert.ErrorIs(t, err, ErrEvaluation)
	assert.ErrorContains(t, err, "recorder exploded")

	_, err = pool.Match(context.Background(), ct, targets[0])
	assert.ErrorIs(t, err, ErrEvaluation)

	// Evaluators went back to the pool: a leak would block acquisition.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		_, err = pool.Match(ctx, ct, targets[0])
		assert.ErrorIs(t, err, ErrEvaluation)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)
	}
}
