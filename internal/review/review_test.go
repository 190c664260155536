package review_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/clock"
	"decisiondesk/internal/db"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/engine"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/gateway/local"
	"decisiondesk/internal/metrics"
	"decisiondesk/internal/migrate"
	"decisiondesk/internal/mutation"
	"decisiondesk/internal/notify"
	"decisiondesk/internal/queue"
	"decisiondesk/internal/review"
	"decisiondesk/internal/session"
)

const (
	maho = "user-maho"
	kel  = "user-kel"
)

type testEnv struct {
	Ctx      context.Context
	Engine   engine.Engine
	Reviewer gateway.Gateway
	Drafter  gateway.Gateway
	Cache    *cache.Cache
	Clock    *clock.Manual
	Toasts   *notify.Recorder
	Env      mutation.Env
	Store    *queue.Store
	Undo     *review.UndoToasts
	Submit   *review.Submitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	eng := engine.New(conn, nil)
	_, err = eng.UpsertProfile(ctx, maho, domain.ProfileInput{ID: maho, DisplayName: "Maho", Role: domain.RoleDrafter})
	require.NoError(t, err)
	_, err = eng.UpsertProfile(ctx, kel, domain.ProfileInput{ID: kel, DisplayName: "Kel", Role: domain.RoleReviewer})
	require.NoError(t, err)

	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := &notify.Recorder{Now: clk.Now}
	c := cache.New(nil)
	c.Now = clk.Now
	env := mutation.Env{Cache: c, Notifier: rec, Metrics: metrics.New(), Now: clk.Now}
	reviewer := gateway.New(local.New(eng, kel), nil)
	store := queue.New()
	store.Now = clk.Now
	undo := &review.UndoToasts{Gateway: reviewer, Env: env, Clock: clk}

	return &testEnv{
		Ctx:      ctx,
		Engine:   eng,
		Reviewer: reviewer,
		Drafter:  gateway.New(local.New(eng, maho), nil),
		Cache:    c,
		Clock:    clk,
		Toasts:   rec,
		Env:      env,
		Store:    store,
		Undo:     undo,
		Submit: &review.Submitter{
			Gateway: reviewer,
			Env:     env,
			Store:   store,
			Undo:    undo,
			Session: session.NewProvider(reviewer.Profiles),
		},
	}
}

// readyQuestion creates a question as the drafter, moves it to the queue and
// loads the pending queue and detail into the cache like the queue screen does.
func (env *testEnv) readyQuestion(t *testing.T, title string) domain.Question {
	t.Helper()
	q, err := env.Drafter.Questions.Create(env.Ctx, domain.QuestionInput{Title: title, Category: "pricing"})
	require.NoError(t, err)
	status := domain.StatusReadyForReview
	q, err = env.Drafter.Questions.Update(env.Ctx, q.ID, domain.QuestionPatch{Status: &status})
	require.NoError(t, err)
	env.loadQueue(t)
	env.Cache.Set(cache.Keys.QuestionDetail(q.ID), q)
	return q
}

func (env *testEnv) loadQueue(t *testing.T) []domain.Question {
	t.Helper()
	list, err := cache.Fetch(env.Ctx, env.Cache, cache.Keys.PendingQueue(), func(ctx context.Context) ([]domain.Question, error) {
		return env.Reviewer.Questions.List(ctx, cache.PendingFilter)
	})
	require.NoError(t, err)
	return list
}

func queuedIDs(t *testing.T, c *cache.Cache) []string {
	t.Helper()
	list, ok := cache.Get[[]domain.Question](c, cache.Keys.PendingQueue())
	require.True(t, ok)
	ids := make([]string, 0, len(list))
	for _, q := range list {
		ids = append(ids, q.ID)
	}
	return ids
}

func constrainedDraft() domain.DraftResponse {
	return domain.DraftResponse{
		DecisionType:      domain.DecisionApprovedWithConstraint,
		Constraints:       []domain.Constraint{{Type: "price"}, {Type: "timeline"}},
		ConstraintContext: "Under 100k",
	}
}

func TestSubmitAndUndoWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Raise prices?")
	env.Store.Expand(q.ID)
	env.Store.SetDraft(q.ID, queue.DraftPatch{DecisionType: ptr(domain.DecisionApprovedWithConstraint)})

	dec, toast, err := env.Submit.Submit(env.Ctx, q.ID, constrainedDraft())
	require.NoError(t, err)
	require.NotNil(t, toast)
	assert.False(t, mutation.IsTemp(dec.ID))
	assert.Len(t, dec.Constraints, 2)
	assert.Equal(t, "Under 100k", dec.ConstraintContext)

	stored, err := env.Reviewer.Questions.Get(env.Ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)

	// client state after success
	_, hasDraft := env.Store.Draft(q.ID)
	assert.False(t, hasDraft)
	assert.Empty(t, env.Store.ExpandedCardID())
	assert.NotContains(t, queuedIDs(t, env.Cache), q.ID)
	cached, ok := cache.Get[*domain.Decision](env.Cache, cache.Keys.DecisionByQuestion(q.ID))
	require.True(t, ok)
	assert.Equal(t, dec.ID, cached.ID)

	last, ok := env.Toasts.Last()
	require.True(t, ok)
	assert.Equal(t, "Approved with constraints", last.Message)
	require.NotNil(t, last.Action)
	assert.Equal(t, "Undo", last.Action.Label)

	assert.Equal(t, env.Clock.Now().Add(review.DefaultUndoWindow), toast.Deadline())
	env.Clock.Advance(4990 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, toast.Remaining())
	require.NoError(t, toast.Undo(env.Ctx))
	assert.Equal(t, review.ToastUndone, toast.State())
	select {
	case <-toast.Done():
	default:
		t.Fatal("toast still visible after undo")
	}

	_, err = env.Reviewer.Decisions.Get(env.Ctx, dec.ID)
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	stored, err = env.Reviewer.Questions.Get(env.Ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReadyForReview, stored.Status)

	assert.True(t, env.Cache.IsStale(cache.Keys.PendingQueue()))
	env.loadQueue(t)
	assert.Contains(t, queuedIDs(t, env.Cache), q.ID, "a refetch brings the card back")
	cached, ok = cache.Get[*domain.Decision](env.Cache, cache.Keys.DecisionByQuestion(q.ID))
	require.True(t, ok)
	assert.Nil(t, cached)

	// the timer was stopped by the undo
	assert.Zero(t, env.Clock.Pending())
}

func TestUndoAfterWindowIsNoop(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Hire a designer?")

	dec, toast, err := env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{DecisionType: domain.DecisionApproved})
	require.NoError(t, err)

	env.Clock.Advance(5010 * time.Millisecond)
	assert.Equal(t, review.ToastExpired, toast.State())
	assert.Zero(t, toast.Remaining())
	assert.ErrorIs(t, toast.Undo(env.Ctx), review.ErrUndoUnavailable)

	got, err := env.Reviewer.Decisions.Get(env.Ctx, dec.ID)
	require.NoError(t, err)
	assert.Equal(t, dec.ID, got.ID)
	stored, err := env.Reviewer.Questions.Get(env.Ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
}

func TestUndoAtDeadlineBeforeTimerRuns(t *testing.T) {
	env := newTestEnv(t)
	req := review.UndoRequest{Message: "Approved", DecisionID: "d1", QuestionID: "q1"}
	// a clock whose timers never fire stands in for a late timer goroutine
	clk := &frozenTimers{Manual: clock.NewManual(env.Clock.Now())}
	undo := &review.UndoToasts{Gateway: env.Reviewer, Env: env.Env, Clock: clk}

	toast := undo.Trigger(req)
	clk.Advance(review.DefaultUndoWindow)
	assert.ErrorIs(t, toast.Undo(env.Ctx), review.ErrUndoUnavailable)
	assert.Equal(t, review.ToastExpired, toast.State())

	expired := env.Env.Metrics.Undo.WithLabelValues(string(review.ToastExpired))
	assert.Equal(t, 1.0, counterValue(t, expired))
	assert.Equal(t, 0.0, counterValue(t, env.Env.Metrics.Undo.WithLabelValues(string(review.ToastUndone))))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestDismissKeepsDecision(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Open a second office?")
	dec, toast, err := env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{
		DecisionType: domain.DecisionExploringAlternatives,
		Reasoning:    "Look at co-working first",
	})
	require.NoError(t, err)
	assert.Equal(t, "Look at co-working first", dec.Reasoning)

	toast.Dismiss()
	toast.Dismiss()
	assert.Equal(t, review.ToastDismissed, toast.State())
	assert.ErrorIs(t, toast.Undo(env.Ctx), review.ErrUndoUnavailable)
	env.Clock.Advance(time.Minute)
	assert.Equal(t, review.ToastDismissed, toast.State())

	stored, err := env.Reviewer.Questions.Get(env.Ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExploringAlternatives, stored.Status)
}

func TestFailedUndoOffersRetry(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Partner with Acme?")
	dec, toast, err := env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{DecisionType: domain.DecisionApproved})
	require.NoError(t, err)

	flaky := &flakyDecisions{Decisions: env.Reviewer.Decisions, failDelete: 1}
	env.Undo.Gateway.Decisions = flaky

	err = toast.Undo(env.Ctx)
	require.Error(t, err)
	assert.Equal(t, gateway.KindNetwork, gateway.KindOf(err))
	assert.Equal(t, review.ToastUndone, toast.State(), "the toast is gone even though the undo failed")
	assert.Equal(t, err, toast.Err())

	last, ok := env.Toasts.Last()
	require.True(t, ok)
	assert.Equal(t, notify.LevelError, last.Level)
	assert.Equal(t, "Undo failed", last.Message)
	require.NotNil(t, last.Action)
	assert.Equal(t, "Retry", last.Action.Label)

	// still decided
	_, err = env.Reviewer.Decisions.Get(env.Ctx, dec.ID)
	require.NoError(t, err)

	// retry works even after the window closed
	env.Clock.Advance(time.Minute)
	last.Action.Run()
	_, err = env.Reviewer.Decisions.Get(env.Ctx, dec.ID)
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	stored, err := env.Reviewer.Questions.Get(env.Ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReadyForReview, stored.Status)
}

func TestRetryUndoReportsEachAttempt(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Sunset the legacy plan?")
	dec, toast, err := env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{DecisionType: domain.DecisionApproved})
	require.NoError(t, err)
	assert.ErrorIs(t, toast.RetryUndo(env.Ctx), review.ErrUndoUnavailable, "nothing to retry before an undo")

	env.Undo.Gateway.Decisions = &flakyDecisions{Decisions: env.Reviewer.Decisions, failDelete: 2}
	require.Error(t, toast.Undo(env.Ctx))

	err = toast.RetryUndo(env.Ctx)
	require.Error(t, err)
	assert.Equal(t, gateway.KindNetwork, gateway.KindOf(err))
	assert.Equal(t, err, toast.Err())

	env.Clock.Advance(time.Minute)
	require.NoError(t, toast.RetryUndo(env.Ctx))
	assert.NoError(t, toast.Err())
	_, err = env.Reviewer.Decisions.Get(env.Ctx, dec.ID)
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	assert.ErrorIs(t, toast.RetryUndo(env.Ctx), review.ErrUndoUnavailable, "nothing left to retry")
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Launch in Spain?")

	blocking := &blockingDecisions{Decisions: env.Reviewer.Decisions, entered: make(chan struct{}), release: make(chan struct{})}
	env.Submit.Gateway.Decisions = blocking

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, firstErr = env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{DecisionType: domain.DecisionApproved})
	}()
	<-blocking.entered
	assert.True(t, env.Submit.InFlight(q.ID))

	_, _, err := env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{DecisionType: domain.DecisionApproved})
	assert.ErrorIs(t, err, review.ErrSubmitInFlight)

	close(blocking.release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.False(t, env.Submit.InFlight(q.ID))

	list, err := env.Reviewer.Decisions.List(env.Ctx, domain.DecisionFilter{QuestionID: q.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubmitValidatesBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Cut scope?")
	before := queuedIDs(t, env.Cache)

	_, toast, err := env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{DecisionType: domain.DecisionApprovedWithConstraint})
	require.Error(t, err)
	assert.Nil(t, toast)
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
	assert.Equal(t, before, queuedIDs(t, env.Cache))
	assert.False(t, env.Cache.IsStale(cache.Keys.PendingQueue()), "nothing was written or invalidated")
	assert.Empty(t, env.Toasts.Toasts())
}

func TestSubmitRollsBackWhenStatusUpdateFails(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Drop the free tier?")
	detail, _ := cache.Get[domain.Question](env.Cache, cache.Keys.QuestionDetail(q.ID))
	queueBefore := queuedIDs(t, env.Cache)

	env.Submit.Gateway.Questions = failingUpdates{Questions: env.Reviewer.Questions}

	_, toast, err := env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{DecisionType: domain.DecisionApproved})
	require.Error(t, err)
	assert.Nil(t, toast)

	// the decision created before the failure was removed again
	_, err = env.Reviewer.Decisions.GetByQuestion(env.Ctx, q.ID)
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	// cache is back to the pre-submit snapshot
	assert.Equal(t, queueBefore, queuedIDs(t, env.Cache))
	got, _ := cache.Get[domain.Question](env.Cache, cache.Keys.QuestionDetail(q.ID))
	assert.Equal(t, detail, got)
	_, present := env.Cache.Peek(cache.Keys.DecisionByQuestion(q.ID))
	assert.False(t, present)

	last, ok := env.Toasts.Last()
	require.True(t, ok)
	assert.Equal(t, "Could not submit decision", last.Message)
	require.NotNil(t, last.Action)

	env.Submit.Gateway.Questions = env.Reviewer.Questions
	last.Action.Run()
	dec, err := env.Reviewer.Decisions.GetByQuestion(env.Ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApproved, dec.DecisionType)
}

func TestSubmitRequiresReviewer(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Anything")
	env.Submit.Session = session.NewProvider(env.Drafter.Profiles)

	_, _, err := env.Submit.Submit(env.Ctx, q.ID, domain.DraftResponse{DecisionType: domain.DecisionApproved})
	assert.ErrorIs(t, err, review.ErrNotReviewer)
}

func TestUpdateConstraints(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Bundle support?")
	dec, toast, err := env.Submit.Submit(env.Ctx, q.ID, constrainedDraft())
	require.NoError(t, err)
	toast.Dismiss()

	updated, err := env.Submit.UpdateConstraints(env.Ctx, dec, []domain.Constraint{{Type: "scope", Context: "EU only"}}, "Start small")
	require.NoError(t, err)
	assert.Equal(t, []domain.Constraint{{Type: "scope", Context: "EU only"}}, updated.Constraints)
	assert.Equal(t, "Start small", updated.ConstraintContext)

	_, err = env.Submit.UpdateConstraints(env.Ctx, dec, nil, "")
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))

	inc := &review.Incorporator{Gateway: env.Drafter, Env: env.Env, Session: session.NewProvider(env.Drafter.Profiles)}
	marked, err := inc.MarkIncorporated(env.Ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, marked.IncorporatedAt)

	_, err = env.Submit.UpdateConstraints(env.Ctx, marked, []domain.Constraint{{Type: "price"}}, "")
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
	// stale copy without the flag is rejected by the backend
	_, err = env.Submit.UpdateConstraints(env.Ctx, updated, []domain.Constraint{{Type: "price"}}, "")
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
}

func TestMarkIncorporatedIsOneWay(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Outsource QA?")
	dec, toast, err := env.Submit.Submit(env.Ctx, q.ID, constrainedDraft())
	require.NoError(t, err)
	toast.Dismiss()

	inc := &review.Incorporator{Gateway: env.Drafter, Env: env.Env, Session: session.NewProvider(env.Drafter.Profiles)}
	first, err := inc.MarkIncorporated(env.Ctx, dec)
	require.NoError(t, err)
	require.NotNil(t, first.IncorporatedAt)

	again, err := inc.MarkIncorporated(env.Ctx, first)
	require.NoError(t, err)
	assert.Equal(t, *first.IncorporatedAt, *again.IncorporatedAt)

	// a stale copy still cannot move the timestamp
	again, err = inc.MarkIncorporated(env.Ctx, dec)
	require.NoError(t, err)
	assert.Equal(t, *first.IncorporatedAt, *again.IncorporatedAt)

	cached, ok := cache.Get[*domain.Decision](env.Cache, cache.Keys.DecisionByQuestion(q.ID))
	require.True(t, ok)
	require.NotNil(t, cached.IncorporatedAt)

	reviewerInc := &review.Incorporator{Gateway: env.Reviewer, Env: env.Env, Session: session.NewProvider(env.Reviewer.Profiles)}
	_, err = reviewerInc.MarkIncorporated(env.Ctx, dec)
	assert.ErrorIs(t, err, review.ErrNotDrafter)
}

func TestViewTrackerMarksOncePerSession(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "Rebrand?")
	counting := &countingQuestions{Questions: env.Reviewer.Questions}
	gw := env.Reviewer
	gw.Questions = counting
	tracker := &review.ViewTracker{Gateway: gw, Env: env.Env, Session: session.NewProvider(env.Reviewer.Profiles)}

	sent, err := tracker.Observe(env.Ctx, q)
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = tracker.Observe(env.Ctx, q)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, counting.viewed)

	stored, err := env.Reviewer.Questions.Get(env.Ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ViewedAt)

	// a new session checks again but the backend keeps the first timestamp
	first := *stored.ViewedAt
	tracker.Reset()
	assert.False(t, tracker.Seen(q.ID))
	stored.ViewedAt = nil
	_, err = tracker.Observe(env.Ctx, stored)
	require.NoError(t, err)
	again, err := env.Reviewer.Questions.Get(env.Ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, again.ViewedAt)
	assert.Equal(t, first, *again.ViewedAt)
}

func TestViewTrackerSkipsDraftsAndDrafter(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Drafter.Questions.Create(env.Ctx, domain.QuestionInput{Title: "Draft", Category: "other"})
	require.NoError(t, err)
	ready := env.readyQuestion(t, "Ready")

	counting := &countingQuestions{Questions: env.Reviewer.Questions}
	gw := env.Reviewer
	gw.Questions = counting
	tracker := &review.ViewTracker{Gateway: gw, Env: env.Env, Session: session.NewProvider(env.Reviewer.Profiles)}
	sent, err := tracker.Observe(env.Ctx, draft)
	require.NoError(t, err)
	assert.False(t, sent)

	drafterTracker := &review.ViewTracker{Gateway: gw, Env: env.Env, Session: session.NewProvider(env.Drafter.Profiles)}
	sent, err = drafterTracker.Observe(env.Ctx, ready)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Zero(t, counting.viewed)
}

func ptr[T any](v T) *T { return &v }

type frozenTimers struct {
	*clock.Manual
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }

func (f *frozenTimers) AfterFunc(time.Duration, func()) clock.Timer { return noopTimer{} }

type flakyDecisions struct {
	gateway.Decisions
	mu         sync.Mutex
	failDelete int
}

func (f *flakyDecisions) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	fail := f.failDelete > 0
	if fail {
		f.failDelete--
	}
	f.mu.Unlock()
	if fail {
		return gateway.Network("connection reset", errors.New("read: connection reset by peer"))
	}
	return f.Decisions.Delete(ctx, id)
}

type blockingDecisions struct {
	gateway.Decisions
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDecisions) Create(ctx context.Context, in domain.DecisionInput) (domain.Decision, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Decisions.Create(ctx, in)
}

type failingUpdates struct {
	gateway.Questions
}

func (failingUpdates) Update(context.Context, string, domain.QuestionPatch) (domain.Question, error) {
	return domain.Question{}, gateway.BackendFailure("status update rejected", nil)
}

type countingQuestions struct {
	gateway.Questions
	mu     sync.Mutex
	viewed int
}

func (c *countingQuestions) MarkViewed(ctx context.Context, id string) (domain.Question, error) {
	c.mu.Lock()
	c.viewed++
	c.mu.Unlock()
	return c.Questions.MarkViewed(ctx, id)
}
