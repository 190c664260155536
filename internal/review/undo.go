package review

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/clock"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/mutation"
	"decisiondesk/internal/notify"
)

// DefaultUndoWindow is how long a submitted decision can be taken back.
const DefaultUndoWindow = 5 * time.Second

// ErrUndoUnavailable is returned when the toast has already resolved.
var ErrUndoUnavailable = errors.New("undo is no longer available")

type UndoRequest struct {
	Message    string
	DecisionID string
	QuestionID string
}

type ToastState string

const (
	ToastPending   ToastState = "pending"
	ToastUndone    ToastState = "undone"
	ToastExpired   ToastState = "expired"
	ToastDismissed ToastState = "dismissed"
)

// UndoToasts shows the confirmation toast after a decision and carries out
// the undo.
type UndoToasts struct {
	Gateway gateway.Gateway
	Env     mutation.Env
	Clock   clock.Clock
	Window  time.Duration
}

// Toast is one live confirmation. Exactly one of Undo, Dismiss or expiry
// resolves it; the others become no-ops.
type Toast struct {
	req      UndoRequest
	owner    *UndoToasts
	deadline time.Time

	mu    sync.Mutex
	state ToastState
	timer clock.Timer
	done  chan struct{}
	// reverted is closed once the undo's backend calls finish.
	reverted chan struct{}
	err      error
}

func (u *UndoToasts) clock() clock.Clock {
	if u.Clock != nil {
		return u.Clock
	}
	return clock.Real{}
}

func (u *UndoToasts) window() time.Duration {
	if u.Window > 0 {
		return u.Window
	}
	return DefaultUndoWindow
}

// Trigger shows the toast and starts its countdown.
func (u *UndoToasts) Trigger(req UndoRequest) *Toast {
	clk := u.clock()
	t := &Toast{
		req:      req,
		owner:    u,
		deadline: clk.Now().Add(u.window()),
		state:    ToastPending,
		done:     make(chan struct{}),
		reverted: make(chan struct{}),
	}
	t.mu.Lock()
	t.timer = clk.AfterFunc(u.window(), t.expire)
	t.mu.Unlock()

	toast := notify.Info(req.Message)
	toast.Action = &notify.Action{Label: "Undo", Run: func() { _ = t.Undo(context.Background()) }}
	u.Env.Notify(toast)
	return t
}

func (t *Toast) Request() UndoRequest { return t.req }

func (t *Toast) Deadline() time.Time { return t.deadline }

// Remaining is the time left on the countdown, never negative.
func (t *Toast) Remaining() time.Duration {
	left := t.deadline.Sub(t.owner.clock().Now())
	if left < 0 || t.State() != ToastPending {
		return 0
	}
	return left
}

func (t *Toast) State() ToastState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed as soon as the toast leaves the screen.
func (t *Toast) Done() <-chan struct{} { return t.done }

// resolve moves a pending toast to s and stops the timer. Only the first
// caller wins.
func (t *Toast) resolve(s ToastState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ToastPending {
		return false
	}
	if s == ToastUndone && !t.owner.clock().Now().Before(t.deadline) {
		// deadline passed before the timer callback ran
		t.state = ToastExpired
		if t.timer != nil {
			t.timer.Stop()
		}
		close(t.done)
		t.owner.Env.Metrics.ObserveUndo(string(ToastExpired))
		return false
	}
	t.state = s
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
	return true
}

func (t *Toast) expire() {
	if t.resolve(ToastExpired) {
		t.owner.Env.Metrics.ObserveUndo(string(ToastExpired))
	}
}

// Dismiss closes the toast without undoing. The decision stands.
func (t *Toast) Dismiss() {
	if t.resolve(ToastDismissed) {
		t.owner.Env.Metrics.ObserveUndo(string(ToastDismissed))
	}
}

// Undo removes the toast at once, then deletes the decision and puts the
// question back in the queue. After the window it does nothing and returns
// ErrUndoUnavailable.
func (t *Toast) Undo(ctx context.Context) error {
	if !t.resolve(ToastUndone) {
		return ErrUndoUnavailable
	}
	err := t.owner.revert(ctx, t.req)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.reverted)
	if err != nil {
		t.owner.Env.Metrics.ObserveUndo("failed")
		return err
	}
	t.owner.Env.Metrics.ObserveUndo(string(ToastUndone))
	return nil
}

// Reverted is closed when an undo's backend work has finished.
func (t *Toast) Reverted() <-chan struct{} { return t.reverted }

// Err is the undo's backend error, if any.
func (t *Toast) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// RetryUndo runs the revert again after Undo failed. The window does not
// apply: the undo itself was asked for in time.
func (t *Toast) RetryUndo(ctx context.Context) error {
	select {
	case <-t.reverted:
	default:
		return ErrUndoUnavailable
	}
	if t.Err() == nil {
		return ErrUndoUnavailable
	}
	err := t.owner.revert(ctx, t.req)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	if err != nil {
		t.owner.Env.Metrics.ObserveUndo("failed")
		return err
	}
	t.owner.Env.Metrics.ObserveUndo(string(ToastUndone))
	return nil
}

// revert runs as a mutation so a failure restores the cache and shows an
// error toast whose Retry re-runs the revert.
func (u *UndoToasts) revert(ctx context.Context, req UndoRequest) error {
	spec := mutation.Spec[UndoRequest, domain.Question]{
		Name: "undo_decision",
		Optimistic: func(r UndoRequest) []cache.Patch {
			return []cache.Patch{
				mutation.Put[*domain.Decision](cache.Keys.DecisionByQuestion(r.QuestionID), nil),
				mutation.Edit(cache.Keys.QuestionDetail(r.QuestionID), func(q domain.Question) domain.Question {
					q.Status = domain.StatusReadyForReview
					return q
				}),
			}
		},
		Invoke: func(ctx context.Context, r UndoRequest) (domain.Question, error) {
			if err := u.Gateway.Decisions.Delete(ctx, r.DecisionID); err != nil && !errors.Is(err, gateway.ErrNotFound) {
				return domain.Question{}, err
			}
			ready := domain.StatusReadyForReview
			return u.Gateway.Questions.Update(ctx, r.QuestionID, domain.QuestionPatch{Status: &ready})
		},
		Commit: func(r UndoRequest, q domain.Question) []cache.Patch {
			return []cache.Patch{mutation.Put(cache.Keys.QuestionDetail(r.QuestionID), q)}
		},
		Also: func(r UndoRequest) []cache.Key {
			return []cache.Key{cache.Keys.Questions(), cache.Keys.Decisions()}
		},
		ErrorMessage: "Undo failed",
	}
	_, err := mutation.Run(ctx, u.Env, spec, req)
	if err != nil {
		u.Env.Logger().Warn("undo failed", zap.String("decision_id", req.DecisionID), zap.Error(err))
	}
	return err
}
