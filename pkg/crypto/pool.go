package crypto

import (
	"context"
	"fmt"
)

// EvaluatorPool manages a pool of evaluators for parallel matching.
// Each evaluator has its own scratch space (not thread-safe), but all share
// one read-only evaluation key.
type EvaluatorPool struct {
	evaluators []*Evaluator
	free       chan *Evaluator
}

// NewEvaluatorPool creates a pool of n evaluators over evk.
// Recommended: n = runtime.NumCPU() for optimal parallelism.
func NewEvaluatorPool(evk *EvaluationKey, n int) (*EvaluatorPool, error) {
	if n < 1 {
		n = 1
	}

	primary, err := NewEvaluator(evk)
	if err != nil {
		return nil, fmt.Errorf("failed to create primary evaluator: %w", err)
	}

	pool := &EvaluatorPool{
		evaluators: make([]*Evaluator, n),
		free:       make(chan *Evaluator, n),
	}
	pool.evaluators[0] = primary
	pool.free <- primary

	for i := 1; i < n; i++ {
		ev := primary.ShallowCopy()
		pool.evaluators[i] = ev
		pool.free <- ev
	}

	return pool, nil
}

// Acquire gets an evaluator from the pool. Blocks if none available.
// The caller MUST call Release when done.
func (p *EvaluatorPool) Acquire() *Evaluator {
	return <-p.free
}

// AcquireContext is like Acquire but gives up when ctx is done.
func (p *EvaluatorPool) AcquireContext(ctx context.Context) (*Evaluator, error) {
	select {
	case ev := <-p.free:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an evaluator to the pool.
func (p *EvaluatorPool) Release(ev *Evaluator) {
	p.free <- ev
}

// Size returns the number of evaluators in the pool.
func (p *EvaluatorPool) Size() int {
	return len(p.evaluators)
}

// Width returns the profile width shared by all evaluators.
func (p *EvaluatorPool) Width() int {
	return p.evaluators[0].Width()
}

// Fingerprint returns the evaluation key fingerprint shared by all evaluators.
func (p *EvaluatorPool) Fingerprint() Fingerprint {
	return p.evaluators[0].Fingerprint()
}
