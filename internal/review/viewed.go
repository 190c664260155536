package review

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/mutation"
	"decisiondesk/internal/session"
)

// ViewTracker records the reviewer's first look at a question. Each id is
// sent at most once per tracker; the set lives only in memory.
type ViewTracker struct {
	Gateway gateway.Gateway
	Env     mutation.Env
	Session *session.Provider

	mu   sync.Mutex
	seen map[string]bool
}

// Observe marks q viewed if the current user is the reviewer, q is ready for
// review or already decided, and this tracker has not sent it before. It
// reports whether a call was made.
func (v *ViewTracker) Observe(ctx context.Context, q domain.Question) (bool, error) {
	if q.ID == "" || !domain.IsReviewable(q.Status) {
		return false, nil
	}
	if v.Session != nil {
		sess, err := v.Session.Current(ctx)
		if err != nil {
			return false, err
		}
		if !sess.IsReviewer() {
			return false, nil
		}
	}
	if !v.claim(q.ID) {
		return false, nil
	}
	if q.ViewedAt != nil {
		return false, nil
	}

	spec := mutation.Spec[string, domain.Question]{
		Name: "mark_viewed",
		Invoke: func(ctx context.Context, id string) (domain.Question, error) {
			return v.Gateway.Questions.MarkViewed(ctx, id)
		},
		Commit: func(id string, res domain.Question) []cache.Patch {
			return []cache.Patch{mutation.Put(cache.Keys.QuestionDetail(id), res)}
		},
		Also: func(string) []cache.Key { return []cache.Key{cache.Keys.QuestionLists()} },
	}
	// a failed view marker is not worth a toast
	env := v.Env
	env.Notifier = nil
	if _, err := mutation.Run(ctx, env, spec, q.ID); err != nil {
		v.forget(q.ID)
		env.Logger().Debug("mark viewed failed", zap.String("question_id", q.ID), zap.Error(err))
		return true, err
	}
	return true, nil
}

func (v *ViewTracker) claim(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen == nil {
		v.seen = map[string]bool{}
	}
	if v.seen[id] {
		return false
	}
	v.seen[id] = true
	return true
}

func (v *ViewTracker) forget(id string) {
	v.mu.Lock()
	delete(v.seen, id)
	v.mu.Unlock()
}

// Seen reports whether id has been claimed this session.
func (v *ViewTracker) Seen(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seen[id]
}

// Reset forgets every id, as a reload would.
func (v *ViewTracker) Reset() {
	v.mu.Lock()
	v.seen = nil
	v.mu.Unlock()
}
