// Package httpgw serves the gateway from a remote `dq serve` instance.
package httpgw

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
	desksdk "decisiondesk/sdk/go"
)

// BreakerConfig tunes the circuit breaker in front of the REST client.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "decisiondesk-api",
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Backend calls the REST API through a circuit breaker. Only transport
// failures and 5xx responses count against the breaker.
type Backend struct {
	client *desksdk.Client
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
}

func New(client *desksdk.Client, cfg BreakerConfig, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backend{client: client, log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *desksdk.APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return false
		},
	})
	return b
}

// State exposes the breaker state for status output.
func (b *Backend) State() gobreaker.State { return b.cb.State() }

func (b *Backend) Questions() gateway.Questions { return questions{b} }
func (b *Backend) Decisions() gateway.Decisions { return decisions{b} }
func (b *Backend) Evidence() gateway.Evidence   { return evidence{b} }
func (b *Backend) Profiles() gateway.Profiles   { return profiles{b} }

func call[T any](b *Backend, what string, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, normalize(what, err)
	}
	return res.(T), nil
}

func callErr(b *Backend, what string, fn func() error) error {
	_, err := call(b, what, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func normalize(what string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return gateway.Network("service temporarily unavailable: "+err.Error(), err)
	}
	var apiErr *desksdk.APIError
	if !errors.As(err, &apiErr) {
		return gateway.Network(err.Error(), err)
	}
	desc := apiErr.Message
	if desc == "" {
		desc = apiErr.Body
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return gateway.NotFound(what)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &gateway.Error{Kind: gateway.KindValidation, Message: "Invalid input", Description: desc, Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return gateway.Forbidden(desc, err)
	case http.StatusConflict:
		return gateway.Conflict(desc, err)
	}
	return gateway.BackendFailure(desc, err)
}

type questions struct{ b *Backend }

func (q questions) Create(ctx context.Context, in domain.QuestionInput) (domain.Question, error) {
	return call(q.b, "question", func() (domain.Question, error) { return q.b.client.CreateQuestion(ctx, in) })
}

func (q questions) Get(ctx context.Context, id string) (domain.Question, error) {
	return call(q.b, "question", func() (domain.Question, error) { return q.b.client.GetQuestion(ctx, id) })
}

func (q questions) List(ctx context.Context, f domain.QuestionFilter) ([]domain.Question, error) {
	return call(q.b, "question", func() ([]domain.Question, error) { return q.b.client.ListQuestions(ctx, f) })
}

func (q questions) Update(ctx context.Context, id string, p domain.QuestionPatch) (domain.Question, error) {
	return call(q.b, "question", func() (domain.Question, error) { return q.b.client.UpdateQuestion(ctx, id, p) })
}

func (q questions) Delete(ctx context.Context, id string) error {
	return callErr(q.b, "question", func() error { return q.b.client.DeleteQuestion(ctx, id) })
}

func (q questions) Archive(ctx context.Context, id string) (domain.Question, error) {
	return call(q.b, "question", func() (domain.Question, error) { return q.b.client.QuestionAction(ctx, id, "archive") })
}

func (q questions) Restore(ctx context.Context, id string) (domain.Question, error) {
	return call(q.b, "question", func() (domain.Question, error) { return q.b.client.QuestionAction(ctx, id, "restore") })
}

func (q questions) MarkViewed(ctx context.Context, id string) (domain.Question, error) {
	return call(q.b, "question", func() (domain.Question, error) { return q.b.client.QuestionAction(ctx, id, "viewed") })
}

type decisions struct{ b *Backend }

func (d decisions) Create(ctx context.Context, in domain.DecisionInput) (domain.Decision, error) {
	return call(d.b, "decision", func() (domain.Decision, error) { return d.b.client.CreateDecision(ctx, in) })
}

func (d decisions) Get(ctx context.Context, id string) (domain.Decision, error) {
	return call(d.b, "decision", func() (domain.Decision, error) { return d.b.client.GetDecision(ctx, id) })
}

func (d decisions) GetByQuestion(ctx context.Context, questionID string) (domain.Decision, error) {
	return call(d.b, "decision", func() (domain.Decision, error) { return d.b.client.GetDecisionByQuestion(ctx, questionID) })
}

func (d decisions) List(ctx context.Context, f domain.DecisionFilter) ([]domain.Decision, error) {
	return call(d.b, "decision", func() ([]domain.Decision, error) { return d.b.client.ListDecisions(ctx, f) })
}

func (d decisions) Update(ctx context.Context, id string, p domain.DecisionPatch) (domain.Decision, error) {
	return call(d.b, "decision", func() (domain.Decision, error) { return d.b.client.UpdateDecision(ctx, id, p) })
}

func (d decisions) Delete(ctx context.Context, id string) error {
	return callErr(d.b, "decision", func() error { return d.b.client.DeleteDecision(ctx, id) })
}

func (d decisions) MarkIncorporated(ctx context.Context, id string) (domain.Decision, error) {
	return call(d.b, "decision", func() (domain.Decision, error) { return d.b.client.MarkIncorporated(ctx, id) })
}

type evidence struct{ b *Backend }

func (e evidence) Create(ctx context.Context, in domain.EvidenceInput) (domain.Evidence, error) {
	return call(e.b, "evidence", func() (domain.Evidence, error) { return e.b.client.CreateEvidence(ctx, in) })
}

func (e evidence) Get(ctx context.Context, id string) (domain.Evidence, error) {
	return call(e.b, "evidence", func() (domain.Evidence, error) { return e.b.client.GetEvidence(ctx, id) })
}

func (e evidence) List(ctx context.Context, questionID string) ([]domain.Evidence, error) {
	return call(e.b, "evidence", func() ([]domain.Evidence, error) { return e.b.client.ListEvidence(ctx, questionID) })
}

func (e evidence) Update(ctx context.Context, id string, p domain.EvidencePatch) (domain.Evidence, error) {
	return call(e.b, "evidence", func() (domain.Evidence, error) { return e.b.client.UpdateEvidence(ctx, id, p) })
}

func (e evidence) Delete(ctx context.Context, id string) error {
	return callErr(e.b, "evidence", func() error { return e.b.client.DeleteEvidence(ctx, id) })
}

type profiles struct{ b *Backend }

func (p profiles) Me(ctx context.Context) (domain.Profile, error) {
	return call(p.b, "profile", func() (domain.Profile, error) { return p.b.client.Me(ctx) })
}

func (p profiles) Get(ctx context.Context, id string) (domain.Profile, error) {
	return call(p.b, "profile", func() (domain.Profile, error) { return p.b.client.GetProfile(ctx, id) })
}

func (p profiles) Upsert(ctx context.Context, in domain.ProfileInput) (domain.Profile, error) {
	return call(p.b, "profile", func() (domain.Profile, error) { return p.b.client.PutProfile(ctx, in) })
}
