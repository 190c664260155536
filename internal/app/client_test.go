package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisiondesk/internal/app"
	"decisiondesk/internal/cache"
	"decisiondesk/internal/clock"
	"decisiondesk/internal/config"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/notify"
	"decisiondesk/internal/queue"
)

type testEnv struct {
	Ctx    context.Context
	Clock  *clock.Manual
	Toasts *notify.Recorder
	Maho   *app.Client
	Kel    *app.Client
}

func openAs(t *testing.T, workspace, actor, role string, clk *clock.Manual, rec *notify.Recorder) *app.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Workspace = workspace
	cfg.Backend.ActorID = actor
	c, closeFn, err := app.Open(cfg, app.Options{Clock: clk, Notifier: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	_, err = c.SaveProfile(context.Background(), domain.ProfileInput{ID: actor, Role: role})
	require.NoError(t, err)
	return c
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ws := t.TempDir()
	clk := clock.NewManual(time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC))
	rec := &notify.Recorder{Now: clk.Now}
	return &testEnv{
		Ctx:    context.Background(),
		Clock:  clk,
		Toasts: rec,
		Maho:   openAs(t, ws, "user-maho", domain.RoleDrafter, clk, rec),
		Kel:    openAs(t, ws, "user-kel", domain.RoleReviewer, clk, rec),
	}
}

func ptr[T any](v T) *T { return &v }

func TestQuestionToDecisionFlow(t *testing.T) {
	env := newTestEnv(t)
	m := env.Maho.Mutation

	q, err := m.CreateQuestion.MutateAsync(env.Ctx, domain.QuestionInput{Title: "Open a Berlin office?", Category: "operations"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, q.Status)

	list := env.Maho.Questions(env.Ctx, domain.QuestionFilter{})
	require.NoError(t, list.Error)
	require.Len(t, list.Data, 1)
	assert.Equal(t, q.ID, list.Data[0].ID)

	_, err = m.AddEvidence.MutateAsync(env.Ctx, domain.EvidenceInput{QuestionID: q.ID, Title: "Lease quote", URL: "https://example.com/lease"})
	require.NoError(t, err)
	ev := env.Maho.Evidence(env.Ctx, q.ID)
	require.NoError(t, ev.Error)
	require.Len(t, ev.Data, 1)
	assert.Equal(t, "Lease quote", ev.Data[0].Title)

	// drafts stay invisible to the reviewer
	pending := env.Kel.PendingQueue(env.Ctx)
	require.NoError(t, pending.Error)
	assert.Empty(t, pending.Data)

	_, err = m.MarkReady.MutateAsync(env.Ctx, q)
	require.NoError(t, err)

	env.Kel.Cache.Invalidate(cache.Keys.Questions())
	pending = env.Kel.PendingQueue(env.Ctx)
	require.NoError(t, pending.Error)
	require.Len(t, pending.Data, 1)

	env.Kel.Store.SetDraft(q.ID, queue.DraftPatch{DecisionType: ptr(domain.DecisionApproved), Reasoning: ptr("Go ahead")})
	dec, toast, err := env.Kel.SubmitDecision(env.Ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, toast)
	assert.False(t, env.Kel.SubmitPending(q.ID))
	_, stillDrafted := env.Kel.Store.Draft(q.ID)
	assert.False(t, stillDrafted)

	got := env.Kel.DecisionByQuestion(env.Ctx, q.ID)
	require.NoError(t, got.Error)
	require.NotNil(t, got.Data)
	assert.Equal(t, dec.ID, got.Data.ID)

	env.Clock.Advance(5 * time.Second)
	assert.Equal(t, 0, env.Clock.Pending())

	seen := env.Maho.DecisionByQuestion(env.Ctx, q.ID)
	require.NoError(t, seen.Error)
	require.NotNil(t, seen.Data)
	inc, err := env.Maho.MarkIncorporated(env.Ctx, *seen.Data)
	require.NoError(t, err)
	assert.NotNil(t, inc.IncorporatedAt)
}

func TestDecisionByQuestionWithoutDecision(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Maho.Mutation.CreateQuestion.MutateAsync(env.Ctx, domain.QuestionInput{Title: "Hire a CFO?", Category: "hiring"})
	require.NoError(t, err)

	res := env.Maho.DecisionByQuestion(env.Ctx, q.ID)
	assert.NoError(t, res.Error)
	assert.Nil(t, res.Data)
}

func TestSubmitWithoutDraft(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Kel.SubmitDecision(env.Ctx, "q-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no draft")
}

func TestArchiveAndRestore(t *testing.T) {
	env := newTestEnv(t)
	m := env.Maho.Mutation
	q, err := m.CreateQuestion.MutateAsync(env.Ctx, domain.QuestionInput{Title: "Drop the free tier?", Category: "pricing"})
	require.NoError(t, err)

	archived, err := m.Archive.MutateAsync(env.Ctx, q)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, archived.Status)
	assert.Empty(t, env.Maho.Questions(env.Ctx, domain.QuestionFilter{}).Data)
	require.Len(t, env.Maho.Archived(env.Ctx).Data, 1)

	restored, err := m.Restore.MutateAsync(env.Ctx, archived)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, restored.Status)
	assert.Empty(t, env.Maho.Archived(env.Ctx).Data)
	assert.Len(t, env.Maho.Questions(env.Ctx, domain.QuestionFilter{}).Data, 1)
}

func TestUpdateQuestionRollsBackOnError(t *testing.T) {
	env := newTestEnv(t)
	m := env.Maho.Mutation
	q, err := m.CreateQuestion.MutateAsync(env.Ctx, domain.QuestionInput{Title: "Enter Japan?", Category: "market"})
	require.NoError(t, err)
	detail := env.Maho.Question(env.Ctx, q.ID)
	require.NoError(t, detail.Error)

	// the drafter cannot decide a question
	_, err = m.UpdateQuestion.MutateAsync(env.Ctx, app.QuestionUpdate{ID: q.ID, Patch: domain.QuestionPatch{Title: ptr("Enter Korea?"), Status: ptr(domain.StatusApproved)}})
	require.Error(t, err)

	cached, ok := cache.Get[domain.Question](env.Maho.Cache, cache.Keys.QuestionDetail(q.ID))
	require.True(t, ok)
	assert.Equal(t, "Enter Japan?", cached.Title)
	last, ok := env.Toasts.Last()
	require.True(t, ok)
	assert.Equal(t, notify.LevelError, last.Level)
	assert.Equal(t, "Could not save question", last.Message)
}

func TestSignOutForgetsUserState(t *testing.T) {
	env := newTestEnv(t)
	env.Kel.Store.SetDraft("q1", queue.DraftPatch{DecisionType: ptr(domain.DecisionApproved)})
	env.Kel.Store.Expand("q1")
	require.NoError(t, env.Kel.PendingQueue(env.Ctx).Error)

	env.Kel.SignOut()

	assert.Empty(t, env.Kel.Store.Snapshot().Drafts)
	assert.Empty(t, env.Kel.Store.ExpandedCardID())
	_, ok := cache.Get[[]domain.Question](env.Kel.Cache, cache.Keys.PendingQueue())
	assert.False(t, ok)
	_, ok = env.Kel.Session.Cached()
	assert.False(t, ok)
}

func TestDraftsSurviveRestart(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	env.Kel.Store.SetDraft("q1", queue.DraftPatch{
		DecisionType: ptr(domain.DecisionApprovedWithConstraint),
		Constraints:  &[]domain.Constraint{{Type: "price", Context: "under 100k"}},
	})
	require.NoError(t, env.Kel.SaveDrafts(dir))

	env.Kel.Store.Reset()
	n, err := env.Kel.LoadDrafts(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d, ok := env.Kel.Store.Draft("q1")
	require.True(t, ok)
	assert.Equal(t, domain.DecisionApprovedWithConstraint, d.DecisionType)
	assert.Equal(t, []domain.Constraint{{Type: "price", Context: "under 100k"}}, d.Constraints)

	// the drafter's file is separate
	n, err = env.Maho.LoadDrafts(dir)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Kel.Store.Reset()
	require.NoError(t, env.Kel.SaveDrafts(dir))
	n, err = env.Kel.LoadDrafts(dir)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenBackendRejectsUnknownKind(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Kind = "carrier-pigeon"
	_, _, err := app.OpenBackend(cfg, nil)
	assert.Error(t, err)
}
