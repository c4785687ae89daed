package match

import (
	"context"
	"fmt"
	"sync"

	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/profile"
)

// Pool evaluates matches in parallel on a fixed set of evaluators sharing
// one evaluation key.
type Pool struct {
	evaluators *crypto.EvaluatorPool
	opts       []Option
}

// NewPool creates a pool of size evaluators over evk. The options are
// applied to the matcher of every evaluation.
func NewPool(evk *crypto.EvaluationKey, size int, opts ...Option) (*Pool, error) {
	evaluators, err := crypto.NewEvaluatorPool(evk, size)
	if err != nil {
		return nil, err
	}
	return &Pool{evaluators: evaluators, opts: opts}, nil
}

// Size returns the number of evaluators.
func (p *Pool) Size() int {
	return p.evaluators.Size()
}

// Width returns the profile width of the evaluation key.
func (p *Pool) Width() int {
	return p.evaluators.Width()
}

// Match computes both metrics for one target on a free evaluator.
func (p *Pool) Match(ctx context.Context, enc *crypto.EncryptedProfile, target profile.Profile) (Result, error) {
	ev, err := p.evaluators.AcquireContext(ctx)
	if err != nil {
		return Result{}, err
	}
	defer p.evaluators.Release(ev)
	return p.matchOn(ev, enc, target)
}

// matchOn runs one match and turns a panic in the backend into
// ErrEvaluation, so a worker goroutine cannot take the process down.
func (p *Pool) matchOn(ev *crypto.Evaluator, enc *crypto.EncryptedProfile, target profile.Profile) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("%w: %v", ErrEvaluation, r)
		}
	}()
	return NewMatcher(ev, p.opts...).Match(enc, target)
}

// MatchBatch evaluates enc against every target, at most Size at a time.
// Results are in target order. The first failure aborts the batch and no
// partial results are returned. Cancelling ctx stops scheduling new targets;
// circuits already running complete.
func (p *Pool) MatchBatch(ctx context.Context, enc *crypto.EncryptedProfile, targets []profile.Profile) ([]Result, error) {
	if enc == nil {
		return nil, crypto.ErrNilCiphertext
	}
	if enc.Width() != p.Width() {
		return nil, fmt.Errorf("%w: encrypted profile has %d bits, pool key has %d", crypto.ErrWidthMismatch, enc.Width(), p.Width())
	}
	if enc.Fingerprint() != p.evaluators.Fingerprint() {
		return nil, fmt.Errorf("%w: encrypted profile %s, pool key %s", crypto.ErrKeyMismatch, enc.Fingerprint(), p.evaluators.Fingerprint())
	}
	for i, t := range targets {
		if t.Width() != enc.Width() {
			return nil, fmt.Errorf("target %d: %w: encrypted profile has %d bits, target has %d", i, crypto.ErrWidthMismatch, enc.Width(), t.Width())
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(targets))
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			fail(err)
			break
		}
		ev, err := p.evaluators.AcquireContext(ctx)
		if err != nil {
			fail(err)
			break
		}

		wg.Add(1)
		go func(idx int, ev *crypto.Evaluator, target profile.Profile) {
			defer wg.Done()
			defer p.evaluators.Release(ev)

			res, err := p.matchOn(ev, enc, target)
			if err != nil {
				fail(fmt.Errorf("target %d: %w", idx, err))
				return
			}
			results[idx] = res
		}(i, ev, target)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
