// Package app wires the gateway, cache, queue store and review flow into the
// client the presentation layer talks to.
package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/clock"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/metrics"
	"decisiondesk/internal/mutation"
	"decisiondesk/internal/notify"
	"decisiondesk/internal/queue"
	"decisiondesk/internal/review"
	"decisiondesk/internal/session"
	"decisiondesk/internal/validate"
)

// ErrNoDraft is returned when a decision is submitted for a question without
// a draft.
var ErrNoDraft = errors.New("no draft for this question")

type Options struct {
	Notifier   notify.Notifier
	Metrics    *metrics.Collector
	Log        *zap.Logger
	Clock      clock.Clock
	UndoWindow time.Duration
}

// Client is one signed-in user's view of the data.
type Client struct {
	Gateway  gateway.Gateway
	Cache    *cache.Cache
	Store    *queue.Store
	Session  *session.Provider
	Env      mutation.Env
	Undo     *review.UndoToasts
	Decide   *review.Submitter
	Views    *review.ViewTracker
	Incorp   *review.Incorporator
	Mutation Mutations
	Log      *zap.Logger
}

func New(g gateway.Gateway, opts Options) *Client {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	c := cache.New(log.Named("cache"))
	c.Now = clk.Now
	store := queue.New()
	store.Now = clk.Now
	sess := session.NewProvider(g.Profiles)
	env := mutation.Env{Cache: c, Notifier: opts.Notifier, Metrics: opts.Metrics, Log: log.Named("mutation"), Now: clk.Now}
	undo := &review.UndoToasts{Gateway: g, Env: env, Clock: clk, Window: opts.UndoWindow}

	cl := &Client{
		Gateway: g,
		Cache:   c,
		Store:   store,
		Session: sess,
		Env:     env,
		Undo:    undo,
		Decide:  &review.Submitter{Gateway: g, Env: env, Store: store, Undo: undo, Session: sess},
		Views:   &review.ViewTracker{Gateway: g, Env: env, Session: sess},
		Incorp:  &review.Incorporator{Gateway: g, Env: env, Session: sess},
		Log:     log,
	}
	cl.Mutation = newMutations(g, env, sess)
	return cl
}

// --- read hooks ---

// Questions lists questions matching f.
func (c *Client) Questions(ctx context.Context, f domain.QuestionFilter) cache.Result[[]domain.Question] {
	return cache.Query(ctx, c.Cache, cache.Keys.QuestionList(f), func(ctx context.Context) ([]domain.Question, error) {
		return c.Gateway.Questions.List(ctx, f)
	})
}

// PendingQueue is the reviewer's queue, oldest first.
func (c *Client) PendingQueue(ctx context.Context) cache.Result[[]domain.Question] {
	return c.Questions(ctx, cache.PendingFilter)
}

func (c *Client) Archived(ctx context.Context) cache.Result[[]domain.Question] {
	return c.Questions(ctx, domain.QuestionFilter{Archived: true})
}

func (c *Client) Question(ctx context.Context, id string) cache.Result[domain.Question] {
	return cache.Query(ctx, c.Cache, cache.Keys.QuestionDetail(id), func(ctx context.Context) (domain.Question, error) {
		return c.Gateway.Questions.Get(ctx, id)
	})
}

// DecisionByQuestion yields nil data, not an error, when the question has no
// decision.
func (c *Client) DecisionByQuestion(ctx context.Context, questionID string) cache.Result[*domain.Decision] {
	return cache.Query(ctx, c.Cache, cache.Keys.DecisionByQuestion(questionID), func(ctx context.Context) (*domain.Decision, error) {
		d, err := c.Gateway.Decisions.GetByQuestion(ctx, questionID)
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &d, nil
	})
}

func (c *Client) Evidence(ctx context.Context, questionID string) cache.Result[[]domain.Evidence] {
	return cache.Query(ctx, c.Cache, cache.Keys.EvidenceByQuestion(questionID), func(ctx context.Context) ([]domain.Evidence, error) {
		return c.Gateway.Evidence.List(ctx, questionID)
	})
}

// Profile is the signed-in user's profile.
func (c *Client) Profile(ctx context.Context) cache.Result[domain.Profile] {
	sess, err := c.Session.Current(ctx)
	if err != nil {
		return cache.Result[domain.Profile]{Error: err}
	}
	return cache.Query(ctx, c.Cache, cache.Keys.Profile(sess.UserID), func(ctx context.Context) (domain.Profile, error) {
		return c.Gateway.Profiles.Get(ctx, sess.UserID)
	})
}

// --- write hooks ---

// SaveProfile upserts the user's own profile and refreshes the session.
func (c *Client) SaveProfile(ctx context.Context, in domain.ProfileInput) (domain.Profile, error) {
	p, err := c.Gateway.Profiles.Upsert(ctx, in)
	if err != nil {
		return domain.Profile{}, err
	}
	c.Session.Set(p)
	c.Cache.Set(cache.Keys.Profile(p.ID), p)
	return p, nil
}

// SubmitDecision sends the stored draft for questionID.
func (c *Client) SubmitDecision(ctx context.Context, questionID string) (domain.Decision, *review.Toast, error) {
	draft, ok := c.Store.Draft(questionID)
	if !ok {
		return domain.Decision{}, nil, gateway.Invalid(&validate.Error{Fields: []validate.FieldError{{Field: "decision_type", Reason: ErrNoDraft.Error()}}})
	}
	return c.Decide.Submit(ctx, questionID, draft)
}

// SubmitPending reports whether the submit control for questionID must stay
// disabled.
func (c *Client) SubmitPending(questionID string) bool {
	return c.Decide.InFlight(questionID)
}

func (c *Client) UpdateConstraints(ctx context.Context, dec domain.Decision, constraints []domain.Constraint, note string) (domain.Decision, error) {
	return c.Decide.UpdateConstraints(ctx, dec, constraints, note)
}

func (c *Client) MarkIncorporated(ctx context.Context, dec domain.Decision) (domain.Decision, error) {
	return c.Incorp.MarkIncorporated(ctx, dec)
}

// Observe records that the question was shown to the user.
func (c *Client) Observe(ctx context.Context, q domain.Question) {
	if _, err := c.Views.Observe(ctx, q); err != nil {
		c.Log.Debug("view not recorded", zap.String("question_id", q.ID), zap.Error(err))
	}
}

// SignOut forgets everything tied to the current user: drafts, the expanded
// card, the viewed set, cached data and the session.
func (c *Client) SignOut() {
	c.Store.Reset()
	c.Views.Reset()
	c.Cache.Clear()
	c.Session.Clear()
}
