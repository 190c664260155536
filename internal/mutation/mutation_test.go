package mutation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/metrics"
	"decisiondesk/internal/mutation"
	"decisiondesk/internal/notify"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func newEnv() (mutation.Env, *notify.Recorder, *metrics.Collector) {
	rec := &notify.Recorder{}
	m := metrics.New()
	return mutation.Env{Cache: cache.New(nil), Notifier: rec, Metrics: m}, rec, m
}

// addEvidence is the kind of spec the app layer builds: append a temp row,
// then swap it for the server's row.
func addEvidence(invoke func(context.Context, domain.EvidenceInput) (domain.Evidence, error)) mutation.Spec[domain.EvidenceInput, domain.Evidence] {
	tempID := mutation.TempID()
	return mutation.Spec[domain.EvidenceInput, domain.Evidence]{
		Name: "add_evidence",
		Optimistic: func(in domain.EvidenceInput) []cache.Patch {
			return []cache.Patch{mutation.Append(cache.Keys.EvidenceByQuestion(in.QuestionID), domain.Evidence{
				ID: tempID, QuestionID: in.QuestionID, Title: in.Title, URL: in.URL,
			})}
		},
		Invoke: invoke,
		Commit: func(in domain.EvidenceInput, ev domain.Evidence) []cache.Patch {
			return []cache.Patch{mutation.Map(cache.Keys.EvidenceByQuestion(in.QuestionID),
				func(e domain.Evidence) bool { return e.ID == tempID },
				func(domain.Evidence) domain.Evidence { return ev })}
		},
		SuccessMessage: func(domain.EvidenceInput, domain.Evidence) string { return "Evidence added" },
		ErrorMessage:   "Could not add evidence",
	}
}

func TestTempIDs(t *testing.T) {
	id := mutation.TempID()
	assert.True(t, strings.HasPrefix(id, "temp-"))
	assert.True(t, mutation.IsTemp(id))
	assert.False(t, mutation.IsTemp("3f1c0a52"))
	assert.NotEqual(t, id, mutation.TempID())
}

func TestRunSuccessReplacesTempRow(t *testing.T) {
	env, rec, m := newEnv()
	key := cache.Keys.EvidenceByQuestion("q1")
	env.Cache.Set(key, []domain.Evidence{{ID: "e0", QuestionID: "q1"}})

	var during []domain.Evidence
	spec := addEvidence(func(_ context.Context, in domain.EvidenceInput) (domain.Evidence, error) {
		during, _ = cache.Get[[]domain.Evidence](env.Cache, key)
		return domain.Evidence{ID: "e1", QuestionID: in.QuestionID, Title: in.Title, URL: in.URL}, nil
	})
	in := domain.EvidenceInput{QuestionID: "q1", Title: "Report", URL: "https://example.com/r"}
	ev, err := mutation.Run(context.Background(), env, spec, in)
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)

	// the optimistic row was visible before the backend answered
	require.Len(t, during, 2)
	assert.True(t, mutation.IsTemp(during[1].ID))

	got, _ := cache.Get[[]domain.Evidence](env.Cache, key)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[1].ID)
	for _, e := range got {
		assert.False(t, mutation.IsTemp(e.ID))
	}
	assert.True(t, env.Cache.IsStale(key), "settle always invalidates")

	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, notify.LevelSuccess, last.Level)
	assert.Equal(t, "Evidence added", last.Message)
	assert.Equal(t, 1.0, counterValue(t, m.Mutations.WithLabelValues("add_evidence", "success")))
}

func TestRunFailureRestoresSnapshot(t *testing.T) {
	env, rec, m := newEnv()
	key := cache.Keys.EvidenceByQuestion("q1")
	before := []domain.Evidence{{ID: "e0", QuestionID: "q1", Title: "Old"}}
	env.Cache.Set(key, before)
	detail := cache.Keys.QuestionDetail("q1")
	absent := cache.Keys.DecisionByQuestion("q1")

	calls := 0
	spec := mutation.Spec[string, domain.Question]{
		Name: "multi",
		Optimistic: func(string) []cache.Patch {
			return []cache.Patch{
				mutation.Remove(key, func(domain.Evidence) bool { return true }),
				mutation.Put(detail, domain.Question{ID: "q1", Status: domain.StatusApproved}),
				mutation.Put(absent, &domain.Decision{ID: mutation.TempID()}),
			}
		},
		Invoke: func(context.Context, string) (domain.Question, error) {
			calls++
			return domain.Question{}, gateway.BackendFailure("row level security", errors.New("42501"))
		},
		ErrorMessage: "Could not save",
	}
	_, err := mutation.Run(context.Background(), env, spec, "q1")
	require.Error(t, err)
	assert.Equal(t, gateway.KindBackend, gateway.KindOf(err))

	got, ok := cache.Get[[]domain.Evidence](env.Cache, key)
	require.True(t, ok)
	assert.Equal(t, before, got)
	_, ok = env.Cache.Peek(detail)
	assert.False(t, ok)
	_, ok = env.Cache.Peek(absent)
	assert.False(t, ok)
	assert.True(t, env.Cache.IsStale(key))

	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, notify.LevelError, last.Level)
	assert.Equal(t, "Could not save", last.Message)
	assert.Equal(t, "row level security", last.Description)
	require.NotNil(t, last.Action)
	assert.Equal(t, "Retry", last.Action.Label)
	assert.Equal(t, 1.0, counterValue(t, m.Mutations.WithLabelValues("multi", "error")))

	last.Action.Run()
	assert.Equal(t, 2, calls, "retry runs the same mutation again")
}

func TestRunCustomRetry(t *testing.T) {
	env, rec, _ := newEnv()
	var retried string
	spec := mutation.Spec[string, struct{}]{
		Name: "custom",
		Invoke: func(context.Context, string) (struct{}, error) {
			return struct{}{}, gateway.Network("timeout", context.DeadlineExceeded)
		},
		Retry: func(v string) { retried = v },
	}
	_, err := mutation.Run(context.Background(), env, spec, "again")
	require.Error(t, err)
	last, _ := rec.Last()
	assert.Equal(t, "Network error", last.Message)
	assert.Equal(t, "timeout", last.Description)
	last.Action.Run()
	assert.Equal(t, "again", retried)
}

func TestRunInvalidatesAlsoKeys(t *testing.T) {
	env, _, _ := newEnv()
	env.Cache.Set(cache.Keys.PendingQueue(), []domain.Question{})
	env.Cache.Set(cache.Keys.Archived(), []domain.Question{})
	spec := mutation.Spec[int, int]{
		Name:   "noop",
		Invoke: func(_ context.Context, v int) (int, error) { return v, nil },
		Also:   func(int) []cache.Key { return []cache.Key{cache.Keys.QuestionLists()} },
	}
	_, err := mutation.Run(context.Background(), env, spec, 1)
	require.NoError(t, err)
	assert.True(t, env.Cache.IsStale(cache.Keys.PendingQueue()))
	assert.True(t, env.Cache.IsStale(cache.Keys.Archived()))
}

func TestPatchHelpers(t *testing.T) {
	c := cache.New(nil)
	key := cache.Keys.PendingQueue()

	// Edit and Map leave absent entries alone
	c.ApplyAll(mutation.Edit(cache.Keys.QuestionDetail("q1"), func(q domain.Question) domain.Question { return q }))
	c.ApplyAll(mutation.Map(key, func(domain.Question) bool { return true }, func(q domain.Question) domain.Question { return q }))
	_, ok := c.Peek(key)
	assert.False(t, ok)

	c.ApplyAll(mutation.Append(key, domain.Question{ID: "q2"}))
	c.ApplyAll(mutation.Prepend(key, domain.Question{ID: "q1"}))
	orig, _ := cache.Get[[]domain.Question](c, key)
	require.Len(t, orig, 2)

	c.ApplyAll(mutation.Remove(key, func(q domain.Question) bool { return q.ID == "q1" }))
	got, _ := cache.Get[[]domain.Question](c, key)
	assert.Equal(t, []domain.Question{{ID: "q2"}}, got)
	assert.Equal(t, "q1", orig[0].ID, "earlier values are never edited in place")
}

func TestHandle(t *testing.T) {
	env, _, _ := newEnv()
	release := make(chan struct{})
	h := mutation.NewHandle(env, mutation.Spec[string, string]{
		Name: "echo",
		Invoke: func(_ context.Context, v string) (string, error) {
			<-release
			if v == "bad" {
				return "", gateway.Conflict("nope", nil)
			}
			return v, nil
		},
	})
	var ok, failed []string
	h.OnSuccess(func(v, r string) { ok = append(ok, r) }).
		OnError(func(v string, _ error) { failed = append(failed, v) })

	h.Mutate(context.Background(), "good")
	assert.Eventually(t, h.IsPending, time.Second, time.Millisecond)
	close(release)
	h.Wait()
	assert.False(t, h.IsPending())

	_, err := h.MutateAsync(context.Background(), "bad")
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
	assert.Equal(t, []string{"good"}, ok)
	assert.Equal(t, []string{"bad"}, failed)
}
