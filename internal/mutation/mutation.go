// Package mutation runs every client write through one protocol: cancel reads,
// snapshot, write optimistically, call the backend, then commit or roll back,
// and always invalidate.
package mutation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/metrics"
	"decisiondesk/internal/notify"
)

// TempPrefix marks ids minted on the client for optimistic rows. Real ids
// never start with it.
const TempPrefix = "temp-"

func TempID() string { return TempPrefix + uuid.NewString() }

func IsTemp(id string) bool { return strings.HasPrefix(id, TempPrefix) }

// Env is what every mutation runs against.
type Env struct {
	Cache    *cache.Cache
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Log      *zap.Logger
	Now      func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Logger never returns nil.
func (e Env) Logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// Notify is a no-op without a Notifier.
func (e Env) Notify(t notify.Toast) {
	if e.Notifier != nil {
		e.Notifier.Notify(t)
	}
}

// Spec describes one kind of mutation. V is the argument type, R the backend
// result.
type Spec[V, R any] struct {
	Name string
	// Optimistic lists the cache patches applied before the backend call. The
	// keys they touch are cancelled, snapshotted and later invalidated.
	Optimistic func(vars V) []cache.Patch
	Invoke     func(ctx context.Context, vars V) (R, error)
	// Commit swaps optimistic values for the authoritative result.
	Commit func(vars V, res R) []cache.Patch
	// Also names extra keys to invalidate on settle.
	Also func(vars V) []cache.Key
	// SuccessMessage returns the success toast text; "" shows none.
	SuccessMessage func(vars V, res R) string
	ErrorMessage   string
	// Retry replaces what the error toast's Retry action does. By default it
	// runs the same spec again with the same arguments.
	Retry func(vars V)
}

// Run executes s once. The returned error is the normalized backend error.
func Run[V, R any](ctx context.Context, env Env, s Spec[V, R], vars V) (R, error) {
	log := env.Logger().With(zap.String("mutation", s.Name))
	start := env.now()

	var patches []cache.Patch
	if s.Optimistic != nil {
		patches = s.Optimistic(vars)
	}
	keys := make([]cache.Key, 0, len(patches))
	for _, p := range patches {
		keys = append(keys, p.Key)
	}

	env.Cache.Cancel(keys...)
	snaps := env.Cache.SnapshotAll(keys...)
	env.Cache.ApplyAll(patches...)

	env.Metrics.MutationStarted()
	res, err := s.Invoke(ctx, vars)
	env.Metrics.MutationSettled()

	if err != nil {
		env.Cache.RestoreAll(snaps)
		log.Debug("mutation rolled back", zap.Error(err))
		env.Metrics.ObserveMutation(s.Name, "error", env.now().Sub(start))
		retry := func() { _, _ = Run(context.Background(), env, s, vars) }
		if s.Retry != nil {
			retry = func() { s.Retry(vars) }
		}
		env.Notify(errorToast(s.ErrorMessage, err, retry))
	} else {
		if s.Commit != nil {
			env.Cache.ApplyAll(s.Commit(vars, res)...)
		}
		env.Metrics.ObserveMutation(s.Name, "success", env.now().Sub(start))
		if s.SuccessMessage != nil {
			if msg := s.SuccessMessage(vars, res); msg != "" {
				env.Notify(notify.Success(msg))
			}
		}
	}

	settle := keys
	if s.Also != nil {
		settle = append(settle, s.Also(vars)...)
	}
	if len(settle) > 0 {
		env.Cache.Invalidate(settle...)
	}
	return res, err
}

func errorToast(headline string, err error, retry func()) notify.Toast {
	msg, desc := headline, err.Error()
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		if msg == "" {
			msg = gerr.Message
		}
		desc = gerr.Description
		if desc == "" && headline != "" {
			desc = gerr.Message
		}
	}
	if msg == "" {
		msg = "Something went wrong"
	}
	return notify.Error(msg, desc, retry)
}
