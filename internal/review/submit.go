// Package review implements the reviewer's decision flow on top of the
// mutation engine: submitting a decision, the timed undo, the once-per-session
// view marker and the drafter's incorporation flag.
package review

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/mutation"
	"decisiondesk/internal/queue"
	"decisiondesk/internal/session"
	"decisiondesk/internal/validate"
)

var (
	// ErrSubmitInFlight is returned when a decision for the same question is
	// already being submitted.
	ErrSubmitInFlight = errors.New("a decision for this question is already being submitted")
	ErrNotReviewer    = errors.New("only the reviewer can decide")
	ErrNotDrafter     = errors.New("only the drafter can mark a decision incorporated")
)

// Submitter turns a draft into a persisted decision.
type Submitter struct {
	Gateway gateway.Gateway
	Env     mutation.Env
	Store   *queue.Store
	Undo    *UndoToasts
	// Session is optional; without it no role check happens client-side.
	Session *session.Provider

	mu       sync.Mutex
	inFlight map[string]bool
}

type submitted struct {
	Decision domain.Decision
	Question domain.Question
}

// InFlight reports whether a submission for questionID is running.
func (s *Submitter) InFlight(questionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[questionID]
}

func (s *Submitter) acquire(questionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = map[string]bool{}
	}
	if s.inFlight[questionID] {
		return false
	}
	s.inFlight[questionID] = true
	return true
}

func (s *Submitter) release(questionID string) {
	s.mu.Lock()
	delete(s.inFlight, questionID)
	s.mu.Unlock()
}

func (s *Submitter) requireReviewer(ctx context.Context) error {
	if s.Session == nil {
		return nil
	}
	sess, err := s.Session.Current(ctx)
	if err != nil {
		return err
	}
	if !sess.IsReviewer() {
		return ErrNotReviewer
	}
	return nil
}

// DecisionInput builds the create payload from a draft. Constraints are kept
// only for a constrained approval and reasoning only when exploring.
func DecisionInput(questionID string, d domain.DraftResponse) domain.DecisionInput {
	in := domain.DecisionInput{
		QuestionID:        questionID,
		DecisionType:      d.DecisionType,
		ConstraintContext: d.ConstraintContext,
	}
	if d.DecisionType == domain.DecisionApprovedWithConstraint {
		in.Constraints = append([]domain.Constraint(nil), d.Constraints...)
	}
	if d.DecisionType == domain.DecisionExploringAlternatives {
		in.Reasoning = d.Reasoning
	}
	return in
}

// Submit records the decision and moves the question out of the pending
// queue. On success the draft is cleared, the card collapses and the undo
// toast starts counting down.
func (s *Submitter) Submit(ctx context.Context, questionID string, draft domain.DraftResponse) (domain.Decision, *Toast, error) {
	if err := s.requireReviewer(ctx); err != nil {
		return domain.Decision{}, nil, err
	}
	in := DecisionInput(questionID, draft)
	if err := validate.Struct(in); err != nil {
		return domain.Decision{}, nil, gateway.Invalid(err)
	}
	if !s.acquire(questionID) {
		return domain.Decision{}, nil, ErrSubmitInFlight
	}
	defer s.release(questionID)

	spec := mutation.Spec[domain.DecisionInput, submitted]{
		Name:       "submit_decision",
		Optimistic: s.optimistic,
		Invoke:     s.invoke,
		Commit: func(in domain.DecisionInput, res submitted) []cache.Patch {
			dec := res.Decision
			return []cache.Patch{
				mutation.Put(cache.Keys.DecisionByQuestion(in.QuestionID), &dec),
				mutation.Put(cache.Keys.QuestionDetail(in.QuestionID), res.Question),
			}
		},
		Also: func(domain.DecisionInput) []cache.Key {
			return []cache.Key{cache.Keys.Questions(), cache.Keys.Decisions()}
		},
		ErrorMessage: "Could not submit decision",
		Retry: func(domain.DecisionInput) {
			_, _, _ = s.Submit(context.Background(), questionID, draft)
		},
	}
	res, err := mutation.Run(ctx, s.Env, spec, in)
	if err != nil {
		return domain.Decision{}, nil, err
	}

	if s.Store != nil {
		s.Store.ClearDraft(questionID)
		if s.Store.IsExpanded(questionID) {
			s.Store.Collapse()
		}
	}
	var toast *Toast
	if s.Undo != nil {
		toast = s.Undo.Trigger(UndoRequest{
			Message:    ConfirmationMessage(res.Decision.DecisionType),
			DecisionID: res.Decision.ID,
			QuestionID: questionID,
		})
	}
	return res.Decision, toast, nil
}

func (s *Submitter) optimistic(in domain.DecisionInput) []cache.Patch {
	now := time.Now
	if s.Env.Now != nil {
		now = s.Env.Now
	}
	temp := &domain.Decision{
		ID:                mutation.TempID(),
		QuestionID:        in.QuestionID,
		DecisionType:      in.DecisionType,
		Constraints:       in.Constraints,
		ConstraintContext: in.ConstraintContext,
		Reasoning:         in.Reasoning,
		CreatedAt:         now().UTC().Format(domain.TimeFormat),
	}
	if sess, ok := s.cachedSession(); ok {
		temp.CreatedBy = sess.UserID
	}
	status := domain.StatusForDecision(in.DecisionType)
	return []cache.Patch{
		mutation.Remove(cache.Keys.PendingQueue(), func(q domain.Question) bool { return q.ID == in.QuestionID }),
		mutation.Edit(cache.Keys.QuestionDetail(in.QuestionID), func(q domain.Question) domain.Question {
			q.Status = status
			return q
		}),
		mutation.Put(cache.Keys.DecisionByQuestion(in.QuestionID), temp),
	}
}

// invoke creates the decision and then moves the question. If the move fails
// the decision is deleted again so neither write is left behind.
func (s *Submitter) invoke(ctx context.Context, in domain.DecisionInput) (submitted, error) {
	dec, err := s.Gateway.Decisions.Create(ctx, in)
	if err != nil {
		return submitted{}, err
	}
	status := domain.StatusForDecision(in.DecisionType)
	q, err := s.Gateway.Questions.Update(ctx, in.QuestionID, domain.QuestionPatch{Status: &status})
	if err != nil {
		if derr := s.Gateway.Decisions.Delete(ctx, dec.ID); derr != nil {
			s.Env.Logger().Error("orphaned decision after failed status update",
				zap.String("decision_id", dec.ID), zap.String("question_id", in.QuestionID), zap.Error(derr))
		}
		return submitted{}, err
	}
	return submitted{Decision: dec, Question: q}, nil
}

func (s *Submitter) cachedSession() (session.Session, bool) {
	if s.Session == nil {
		return session.Session{}, false
	}
	return s.Session.Cached()
}

// UpdateConstraints replaces the constraints on a constrained approval. The
// backend rejects the edit once the drafter has incorporated the decision.
func (s *Submitter) UpdateConstraints(ctx context.Context, dec domain.Decision, constraints []domain.Constraint, note string) (domain.Decision, error) {
	if err := s.requireReviewer(ctx); err != nil {
		return domain.Decision{}, err
	}
	if err := validate.Constraints(dec.DecisionType, constraints); err != nil {
		return domain.Decision{}, gateway.Invalid(err)
	}
	if dec.IncorporatedAt != nil {
		return domain.Decision{}, gateway.Conflict("decision is already incorporated", nil)
	}
	list := append([]domain.Constraint(nil), constraints...)
	patch := domain.DecisionPatch{Constraints: &list, ConstraintContext: &note}

	spec := mutation.Spec[domain.DecisionPatch, domain.Decision]{
		Name: "update_constraints",
		Optimistic: func(p domain.DecisionPatch) []cache.Patch {
			return []cache.Patch{
				mutation.Edit(cache.Keys.DecisionByQuestion(dec.QuestionID), func(d *domain.Decision) *domain.Decision {
					if d == nil {
						return nil
					}
					next := p.Apply(*d)
					return &next
				}),
			}
		},
		Invoke: func(ctx context.Context, p domain.DecisionPatch) (domain.Decision, error) {
			return s.Gateway.Decisions.Update(ctx, dec.ID, p)
		},
		Commit: func(_ domain.DecisionPatch, res domain.Decision) []cache.Patch {
			return []cache.Patch{mutation.Put(cache.Keys.DecisionByQuestion(dec.QuestionID), &res)}
		},
		Also: func(domain.DecisionPatch) []cache.Key {
			return []cache.Key{cache.Keys.Decisions()}
		},
		SuccessMessage: func(domain.DecisionPatch, domain.Decision) string { return "Constraints updated" },
		ErrorMessage:   "Could not update constraints",
	}
	return mutation.Run(ctx, s.Env, spec, patch)
}

// ConfirmationMessage is the undo toast text for a decision type.
func ConfirmationMessage(decisionType string) string {
	switch decisionType {
	case domain.DecisionApproved:
		return "Approved"
	case domain.DecisionApprovedWithConstraint:
		return "Approved with constraints"
	case domain.DecisionExploringAlternatives:
		return "Marked as exploring alternatives"
	default:
		return "Decision recorded"
	}
}
