// Package gateway is the typed I/O layer between the client core and whichever
// backend holds the data. It validates inputs before any backend call and
// normalizes every failure into *Error. It never retries.
package gateway

import (
	"context"

	"go.uber.org/zap"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/validate"
)

type Questions interface {
	Create(ctx context.Context, in domain.QuestionInput) (domain.Question, error)
	Get(ctx context.Context, id string) (domain.Question, error)
	List(ctx context.Context, f domain.QuestionFilter) ([]domain.Question, error)
	Update(ctx context.Context, id string, p domain.QuestionPatch) (domain.Question, error)
	Delete(ctx context.Context, id string) error
	Archive(ctx context.Context, id string) (domain.Question, error)
	Restore(ctx context.Context, id string) (domain.Question, error)
	MarkViewed(ctx context.Context, id string) (domain.Question, error)
}

type Decisions interface {
	Create(ctx context.Context, in domain.DecisionInput) (domain.Decision, error)
	Get(ctx context.Context, id string) (domain.Decision, error)
	GetByQuestion(ctx context.Context, questionID string) (domain.Decision, error)
	List(ctx context.Context, f domain.DecisionFilter) ([]domain.Decision, error)
	Update(ctx context.Context, id string, p domain.DecisionPatch) (domain.Decision, error)
	Delete(ctx context.Context, id string) error
	MarkIncorporated(ctx context.Context, id string) (domain.Decision, error)
}

type Evidence interface {
	Create(ctx context.Context, in domain.EvidenceInput) (domain.Evidence, error)
	Get(ctx context.Context, id string) (domain.Evidence, error)
	List(ctx context.Context, questionID string) ([]domain.Evidence, error)
	Update(ctx context.Context, id string, p domain.EvidencePatch) (domain.Evidence, error)
	Delete(ctx context.Context, id string) error
}

type Profiles interface {
	// Me returns the profile of the user the backend is acting as.
	Me(ctx context.Context) (domain.Profile, error)
	Get(ctx context.Context, id string) (domain.Profile, error)
	Upsert(ctx context.Context, in domain.ProfileInput) (domain.Profile, error)
}

// Backend is a persistence boundary acting on behalf of one signed-in user.
type Backend interface {
	Questions() Questions
	Decisions() Decisions
	Evidence() Evidence
	Profiles() Profiles
}

// Gateway bundles the four entity gateways.
type Gateway struct {
	Questions Questions
	Decisions Decisions
	Evidence  Evidence
	Profiles  Profiles
}

// New wraps a backend with input validation and error normalization.
func New(b Backend, log *zap.Logger) Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return Gateway{
		Questions: questions{next: b.Questions(), log: log.Named("questions")},
		Decisions: decisions{next: b.Decisions(), log: log.Named("decisions")},
		Evidence:  evidence{next: b.Evidence(), log: log.Named("evidence")},
		Profiles:  profiles{next: b.Profiles(), log: log.Named("profiles")},
	}
}

func check(in any) error {
	if err := validate.Struct(in); err != nil {
		return Invalid(err)
	}
	return nil
}

func finish[T any](log *zap.Logger, op string, v T, err error) (T, error) {
	if err == nil {
		return v, nil
	}
	nerr := normalize(err)
	log.Debug("gateway call failed", zap.String("op", op), zap.String("kind", string(KindOf(nerr))), zap.Error(err))
	var zero T
	return zero, nerr
}

func requireID(what, id string) error {
	if id == "" {
		return Invalid(&validate.Error{Fields: []validate.FieldError{{Field: "id", Reason: what + " id is required"}}})
	}
	return nil
}

type questions struct {
	next Questions
	log  *zap.Logger
}

func (g questions) Create(ctx context.Context, in domain.QuestionInput) (domain.Question, error) {
	if err := check(in); err != nil {
		return domain.Question{}, err
	}
	q, err := g.next.Create(ctx, in)
	return finish(g.log, "create", q, err)
}

func (g questions) Get(ctx context.Context, id string) (domain.Question, error) {
	if err := requireID("question", id); err != nil {
		return domain.Question{}, err
	}
	q, err := g.next.Get(ctx, id)
	return finish(g.log, "get", q, err)
}

func (g questions) List(ctx context.Context, f domain.QuestionFilter) ([]domain.Question, error) {
	items, err := g.next.List(ctx, f)
	if err == nil && items == nil {
		items = []domain.Question{}
	}
	return finish(g.log, "list", items, err)
}

func (g questions) Update(ctx context.Context, id string, p domain.QuestionPatch) (domain.Question, error) {
	if err := requireID("question", id); err != nil {
		return domain.Question{}, err
	}
	if err := check(p); err != nil {
		return domain.Question{}, err
	}
	q, err := g.next.Update(ctx, id, p)
	return finish(g.log, "update", q, err)
}

func (g questions) Delete(ctx context.Context, id string) error {
	if err := requireID("question", id); err != nil {
		return err
	}
	_, err := finish(g.log, "delete", struct{}{}, g.next.Delete(ctx, id))
	return err
}

func (g questions) Archive(ctx context.Context, id string) (domain.Question, error) {
	if err := requireID("question", id); err != nil {
		return domain.Question{}, err
	}
	q, err := g.next.Archive(ctx, id)
	return finish(g.log, "archive", q, err)
}

func (g questions) Restore(ctx context.Context, id string) (domain.Question, error) {
	if err := requireID("question", id); err != nil {
		return domain.Question{}, err
	}
	q, err := g.next.Restore(ctx, id)
	return finish(g.log, "restore", q, err)
}

func (g questions) MarkViewed(ctx context.Context, id string) (domain.Question, error) {
	if err := requireID("question", id); err != nil {
		return domain.Question{}, err
	}
	q, err := g.next.MarkViewed(ctx, id)
	return finish(g.log, "mark_viewed", q, err)
}

type decisions struct {
	next Decisions
	log  *zap.Logger
}

func (g decisions) Create(ctx context.Context, in domain.DecisionInput) (domain.Decision, error) {
	if err := check(in); err != nil {
		return domain.Decision{}, err
	}
	d, err := g.next.Create(ctx, in)
	return finish(g.log, "create", d, err)
}

func (g decisions) Get(ctx context.Context, id string) (domain.Decision, error) {
	if err := requireID("decision", id); err != nil {
		return domain.Decision{}, err
	}
	d, err := g.next.Get(ctx, id)
	return finish(g.log, "get", d, err)
}

func (g decisions) GetByQuestion(ctx context.Context, questionID string) (domain.Decision, error) {
	if err := requireID("question", questionID); err != nil {
		return domain.Decision{}, err
	}
	d, err := g.next.GetByQuestion(ctx, questionID)
	return finish(g.log, "get_by_question", d, err)
}

func (g decisions) List(ctx context.Context, f domain.DecisionFilter) ([]domain.Decision, error) {
	items, err := g.next.List(ctx, f)
	if err == nil && items == nil {
		items = []domain.Decision{}
	}
	return finish(g.log, "list", items, err)
}

func (g decisions) Update(ctx context.Context, id string, p domain.DecisionPatch) (domain.Decision, error) {
	if err := requireID("decision", id); err != nil {
		return domain.Decision{}, err
	}
	if err := check(p); err != nil {
		return domain.Decision{}, err
	}
	if p.Constraints != nil {
		if err := validate.Constraints(domain.DecisionApprovedWithConstraint, *p.Constraints); err != nil {
			return domain.Decision{}, Invalid(err)
		}
	}
	d, err := g.next.Update(ctx, id, p)
	return finish(g.log, "update", d, err)
}

func (g decisions) Delete(ctx context.Context, id string) error {
	if err := requireID("decision", id); err != nil {
		return err
	}
	_, err := finish(g.log, "delete", struct{}{}, g.next.Delete(ctx, id))
	return err
}

func (g decisions) MarkIncorporated(ctx context.Context, id string) (domain.Decision, error) {
	if err := requireID("decision", id); err != nil {
		return domain.Decision{}, err
	}
	d, err := g.next.MarkIncorporated(ctx, id)
	return finish(g.log, "mark_incorporated", d, err)
}

type evidence struct {
	next Evidence
	log  *zap.Logger
}

func (g evidence) Create(ctx context.Context, in domain.EvidenceInput) (domain.Evidence, error) {
	if err := check(in); err != nil {
		return domain.Evidence{}, err
	}
	ev, err := g.next.Create(ctx, in)
	return finish(g.log, "create", ev, err)
}

func (g evidence) Get(ctx context.Context, id string) (domain.Evidence, error) {
	if err := requireID("evidence", id); err != nil {
		return domain.Evidence{}, err
	}
	ev, err := g.next.Get(ctx, id)
	return finish(g.log, "get", ev, err)
}

func (g evidence) List(ctx context.Context, questionID string) ([]domain.Evidence, error) {
	if err := requireID("question", questionID); err != nil {
		return nil, err
	}
	items, err := g.next.List(ctx, questionID)
	if err == nil && items == nil {
		items = []domain.Evidence{}
	}
	return finish(g.log, "list", items, err)
}

func (g evidence) Update(ctx context.Context, id string, p domain.EvidencePatch) (domain.Evidence, error) {
	if err := requireID("evidence", id); err != nil {
		return domain.Evidence{}, err
	}
	if err := check(p); err != nil {
		return domain.Evidence{}, err
	}
	ev, err := g.next.Update(ctx, id, p)
	return finish(g.log, "update", ev, err)
}

func (g evidence) Delete(ctx context.Context, id string) error {
	if err := requireID("evidence", id); err != nil {
		return err
	}
	_, err := finish(g.log, "delete", struct{}{}, g.next.Delete(ctx, id))
	return err
}

type profiles struct {
	next Profiles
	log  *zap.Logger
}

func (g profiles) Me(ctx context.Context) (domain.Profile, error) {
	p, err := g.next.Me(ctx)
	return finish(g.log, "me", p, err)
}

func (g profiles) Get(ctx context.Context, id string) (domain.Profile, error) {
	if err := requireID("profile", id); err != nil {
		return domain.Profile{}, err
	}
	p, err := g.next.Get(ctx, id)
	return finish(g.log, "get", p, err)
}

func (g profiles) Upsert(ctx context.Context, in domain.ProfileInput) (domain.Profile, error) {
	if err := check(in); err != nil {
		return domain.Profile{}, err
	}
	p, err := g.next.Upsert(ctx, in)
	return finish(g.log, "upsert", p, err)
}
