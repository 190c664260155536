package mutation

import (
	"context"
	"sync"
)

// Handle binds a Spec to an Env for the presentation layer: Mutate fires and
// forgets, MutateAsync waits for the result, IsPending reports in-flight calls.
type Handle[V, R any] struct {
	env  Env
	spec Spec[V, R]

	mu        sync.Mutex
	pending   int
	wg        sync.WaitGroup
	onSuccess []func(V, R)
	onError   []func(V, error)
}

func NewHandle[V, R any](env Env, spec Spec[V, R]) *Handle[V, R] {
	return &Handle[V, R]{env: env, spec: spec}
}

// OnSuccess registers a callback run after each successful mutation.
func (h *Handle[V, R]) OnSuccess(fn func(V, R)) *Handle[V, R] {
	h.mu.Lock()
	h.onSuccess = append(h.onSuccess, fn)
	h.mu.Unlock()
	return h
}

// OnError registers a callback run after each failed mutation, once the cache
// has been rolled back.
func (h *Handle[V, R]) OnError(fn func(V, error)) *Handle[V, R] {
	h.mu.Lock()
	h.onError = append(h.onError, fn)
	h.mu.Unlock()
	return h
}

func (h *Handle[V, R]) IsPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending > 0
}

// MutateAsync runs the mutation and returns its outcome.
func (h *Handle[V, R]) MutateAsync(ctx context.Context, vars V) (R, error) {
	h.mu.Lock()
	h.pending++
	h.mu.Unlock()

	res, err := Run(ctx, h.env, h.spec, vars)

	h.mu.Lock()
	h.pending--
	success := append(([]func(V, R))(nil), h.onSuccess...)
	failure := append(([]func(V, error))(nil), h.onError...)
	h.mu.Unlock()

	if err != nil {
		for _, fn := range failure {
			fn(vars, err)
		}
		return res, err
	}
	for _, fn := range success {
		fn(vars, res)
	}
	return res, nil
}

// Mutate runs the mutation in the background. Failures surface through the
// error toast and OnError callbacks.
func (h *Handle[V, R]) Mutate(ctx context.Context, vars V) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_, _ = h.MutateAsync(ctx, vars)
	}()
}

// Wait blocks until every Mutate call has settled.
func (h *Handle[V, R]) Wait() {
	h.wg.Wait()
}
