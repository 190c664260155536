// Package local serves the gateway from an in-process SQLite engine.
package local

import (
	"context"
	"errors"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/engine"
	"decisiondesk/internal/engine/auth"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/repo"
	"decisiondesk/internal/validate"
)

// Backend acts as ActorID against the engine.
type Backend struct {
	Engine  engine.Engine
	ActorID string
}

func New(eng engine.Engine, actorID string) *Backend {
	return &Backend{Engine: eng, ActorID: actorID}
}

func (b *Backend) Questions() gateway.Questions { return questions{b} }
func (b *Backend) Decisions() gateway.Decisions { return decisions{b} }
func (b *Backend) Evidence() gateway.Evidence   { return evidence{b} }
func (b *Backend) Profiles() gateway.Profiles   { return profiles{b} }

// Normalize maps engine errors onto gateway kinds.
func Normalize(what string, err error) error {
	if err == nil {
		return nil
	}
	var verr *validate.Error
	var fe auth.ForbiddenError
	var te engine.TransitionError
	var ce engine.ConflictError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return gateway.NotFound(what)
	case errors.As(err, &verr):
		return gateway.Invalid(err)
	case errors.As(err, &fe), errors.Is(err, auth.ErrUnknownActor):
		return gateway.Forbidden(err.Error(), err)
	case errors.As(err, &te), errors.As(err, &ce):
		return gateway.Conflict(err.Error(), err)
	}
	return gateway.BackendFailure(err.Error(), err)
}

func wrap[T any](v T, err error) (T, error) {
	return v, Normalize(entityName(v), err)
}

func entityName(v any) string {
	switch v.(type) {
	case domain.Question, []domain.Question:
		return "question"
	case domain.Decision, []domain.Decision:
		return "decision"
	case domain.Evidence, []domain.Evidence:
		return "evidence"
	case domain.Profile:
		return "profile"
	}
	return "record"
}

type questions struct{ b *Backend }

func (q questions) Create(ctx context.Context, in domain.QuestionInput) (domain.Question, error) {
	return wrap(q.b.Engine.CreateQuestion(ctx, q.b.ActorID, in))
}

func (q questions) Get(ctx context.Context, id string) (domain.Question, error) {
	return wrap(q.b.Engine.GetQuestion(ctx, q.b.ActorID, id))
}

func (q questions) List(ctx context.Context, f domain.QuestionFilter) ([]domain.Question, error) {
	return wrap(q.b.Engine.ListQuestions(ctx, q.b.ActorID, f))
}

func (q questions) Update(ctx context.Context, id string, p domain.QuestionPatch) (domain.Question, error) {
	return wrap(q.b.Engine.UpdateQuestion(ctx, q.b.ActorID, id, p))
}

func (q questions) Delete(ctx context.Context, id string) error {
	return Normalize("question", q.b.Engine.DeleteQuestion(ctx, q.b.ActorID, id))
}

func (q questions) Archive(ctx context.Context, id string) (domain.Question, error) {
	return wrap(q.b.Engine.ArchiveQuestion(ctx, q.b.ActorID, id))
}

func (q questions) Restore(ctx context.Context, id string) (domain.Question, error) {
	return wrap(q.b.Engine.RestoreQuestion(ctx, q.b.ActorID, id))
}

func (q questions) MarkViewed(ctx context.Context, id string) (domain.Question, error) {
	return wrap(q.b.Engine.MarkQuestionViewed(ctx, q.b.ActorID, id))
}

type decisions struct{ b *Backend }

func (d decisions) Create(ctx context.Context, in domain.DecisionInput) (domain.Decision, error) {
	return wrap(d.b.Engine.CreateDecision(ctx, d.b.ActorID, in))
}

func (d decisions) Get(ctx context.Context, id string) (domain.Decision, error) {
	return wrap(d.b.Engine.GetDecision(ctx, d.b.ActorID, id))
}

func (d decisions) GetByQuestion(ctx context.Context, questionID string) (domain.Decision, error) {
	return wrap(d.b.Engine.GetDecisionByQuestion(ctx, d.b.ActorID, questionID))
}

func (d decisions) List(ctx context.Context, f domain.DecisionFilter) ([]domain.Decision, error) {
	return wrap(d.b.Engine.ListDecisions(ctx, d.b.ActorID, f))
}

func (d decisions) Update(ctx context.Context, id string, p domain.DecisionPatch) (domain.Decision, error) {
	return wrap(d.b.Engine.UpdateDecision(ctx, d.b.ActorID, id, p))
}

func (d decisions) Delete(ctx context.Context, id string) error {
	return Normalize("decision", d.b.Engine.DeleteDecision(ctx, d.b.ActorID, id))
}

func (d decisions) MarkIncorporated(ctx context.Context, id string) (domain.Decision, error) {
	return wrap(d.b.Engine.MarkDecisionIncorporated(ctx, d.b.ActorID, id))
}

type evidence struct{ b *Backend }

func (e evidence) Create(ctx context.Context, in domain.EvidenceInput) (domain.Evidence, error) {
	return wrap(e.b.Engine.CreateEvidence(ctx, e.b.ActorID, in))
}

func (e evidence) Get(ctx context.Context, id string) (domain.Evidence, error) {
	return wrap(e.b.Engine.GetEvidence(ctx, e.b.ActorID, id))
}

func (e evidence) List(ctx context.Context, questionID string) ([]domain.Evidence, error) {
	return wrap(e.b.Engine.ListEvidence(ctx, e.b.ActorID, questionID))
}

func (e evidence) Update(ctx context.Context, id string, p domain.EvidencePatch) (domain.Evidence, error) {
	return wrap(e.b.Engine.UpdateEvidence(ctx, e.b.ActorID, id, p))
}

func (e evidence) Delete(ctx context.Context, id string) error {
	return Normalize("evidence", e.b.Engine.DeleteEvidence(ctx, e.b.ActorID, id))
}

type profiles struct{ b *Backend }

func (p profiles) Me(ctx context.Context) (domain.Profile, error) {
	return wrap(p.b.Engine.GetProfile(ctx, p.b.ActorID, p.b.ActorID))
}

func (p profiles) Get(ctx context.Context, id string) (domain.Profile, error) {
	return wrap(p.b.Engine.GetProfile(ctx, p.b.ActorID, id))
}

func (p profiles) Upsert(ctx context.Context, in domain.ProfileInput) (domain.Profile, error) {
	return wrap(p.b.Engine.UpsertProfile(ctx, p.b.ActorID, in))
}
