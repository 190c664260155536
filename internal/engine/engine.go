package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/engine/auth"
	"decisiondesk/internal/events"
	"decisiondesk/internal/repo"
	"decisiondesk/internal/validate"
)

// Engine is the persistence boundary: typed storage plus the row-level
// policies of the hosted backend. It holds no client-side state.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Now    func() time.Time
	Log    *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Auth:   auth.Service{Repo: r},
		Now:    time.Now,
		Log:    log,
	}
}

// TransitionError reports a status change the workflow does not allow.
type TransitionError struct {
	From, To string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ConflictError reports a write that collides with existing state.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

func (e Engine) clock() func() time.Time {
	if e.Now != nil {
		return e.Now
	}
	return time.Now
}

func (e Engine) now() string {
	return e.clock()().UTC().Format(domain.TimeFormat)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.clock()
	}
	return w
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) newID(id string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return uuid.NewString()
}

// --- profiles ---

// UpsertProfile creates or updates the actor's own profile.
func (e Engine) UpsertProfile(ctx context.Context, actorID string, in domain.ProfileInput) (domain.Profile, error) {
	if err := validate.Struct(in); err != nil {
		return domain.Profile{}, err
	}
	if actorID != in.ID {
		return domain.Profile{}, auth.ForbiddenError{Permission: "profile.write.self"}
	}
	var out domain.Profile
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		existing, err := e.Repo.GetProfile(ctx, tx, in.ID)
		created := now
		if err == nil {
			created = existing.CreatedAt
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		out = domain.Profile{ID: in.ID, DisplayName: in.DisplayName, Role: in.Role, CreatedAt: created, UpdatedAt: now}
		if err := e.Repo.UpsertProfile(ctx, tx, out); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "profile.upsert", "profile", out.ID, actorID, events.Payload{"role": out.Role})
	})
	return out, err
}

func (e Engine) GetProfile(ctx context.Context, actorID, id string) (domain.Profile, error) {
	if actorID == "" {
		return domain.Profile{}, errors.New("actor_id required")
	}
	return e.Repo.GetProfile(ctx, nil, id)
}

// --- questions ---

func (e Engine) CreateQuestion(ctx context.Context, actorID string, in domain.QuestionInput) (domain.Question, error) {
	if err := validate.Struct(in); err != nil {
		return domain.Question{}, err
	}
	var q domain.Question
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermQuestionWrite); err != nil {
			return err
		}
		now := e.now()
		q = domain.Question{
			ID:             e.newID(in.ID),
			Title:          strings.TrimSpace(in.Title),
			Description:    in.Description,
			Category:       in.Category,
			Recommendation: in.Recommendation,
			Rationale:      in.Rationale,
			Status:         domain.StatusDraft,
			CreatedBy:      actorID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertQuestion(ctx, tx, q); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		return e.events().Append(ctx, tx, "question.create", "question", q.ID, actorID, events.Payload{"category": q.Category})
	})
	return q, err
}

// GetQuestion hides drafts from actors who may not read them.
func (e Engine) GetQuestion(ctx context.Context, actorID, id string) (domain.Question, error) {
	role, err := e.Auth.Require(ctx, nil, actorID, auth.PermQuestionRead)
	if err != nil {
		return domain.Question{}, err
	}
	q, err := e.Repo.GetQuestion(ctx, nil, id)
	if err != nil {
		return q, err
	}
	if q.Status == domain.StatusDraft && !domain.Contains(auth.Permissions(role), auth.PermQuestionReadDraft) {
		return domain.Question{}, repo.ErrNotFound
	}
	return q, nil
}

func (e Engine) ListQuestions(ctx context.Context, actorID string, f domain.QuestionFilter) ([]domain.Question, error) {
	role, err := e.Auth.Require(ctx, nil, actorID, auth.PermQuestionRead)
	if err != nil {
		return nil, err
	}
	rf := repo.QuestionFilters{Category: f.Category, CreatedBy: f.CreatedBy, OldestFirst: f.OldestFirst}
	switch {
	case f.Status != "":
		rf.Statuses = []string{f.Status}
	case f.Archived:
		rf.Statuses = []string{domain.StatusArchived}
	default:
		rf.ExcludeStatus = domain.StatusArchived
	}
	items, err := e.Repo.ListQuestions(ctx, rf)
	if err != nil {
		return nil, err
	}
	if domain.Contains(auth.Permissions(role), auth.PermQuestionReadDraft) {
		return items, nil
	}
	visible := items[:0]
	for _, q := range items {
		if q.Status != domain.StatusDraft {
			visible = append(visible, q)
		}
	}
	return visible, nil
}

// UpdateQuestion applies a patch. Field edits belong to the drafter while the
// question is still open; status moves are checked against the workflow.
func (e Engine) UpdateQuestion(ctx context.Context, actorID, id string, patch domain.QuestionPatch) (domain.Question, error) {
	if err := validate.Struct(patch); err != nil {
		return domain.Question{}, err
	}
	var out domain.Question
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		role, err := e.Auth.Role(ctx, tx, actorID)
		if err != nil {
			return err
		}
		current, err := e.Repo.GetQuestion(ctx, tx, id)
		if err != nil {
			return err
		}
		fieldEdit := patch.Title != nil || patch.Description != nil || patch.Category != nil ||
			patch.Recommendation != nil || patch.Rationale != nil
		if fieldEdit {
			if !domain.Contains(auth.Permissions(role), auth.PermQuestionWrite) {
				return auth.ForbiddenError{Permission: auth.PermQuestionWrite, Role: role}
			}
			if current.Status != domain.StatusDraft && current.Status != domain.StatusReadyForReview {
				return ConflictError{Reason: fmt.Sprintf("question %s is %s and can no longer be edited", id, current.Status)}
			}
		}
		if patch.Status != nil && *patch.Status != current.Status {
			if err := e.checkStatusMove(ctx, tx, role, current, *patch.Status); err != nil {
				return err
			}
		}
		out = patch.Apply(current)
		out.UpdatedAt = e.now()
		if err := e.Repo.UpdateQuestion(ctx, tx, out); err != nil {
			return err
		}
		payload := events.Payload{"status": out.Status}
		if current.Status != out.Status {
			payload["from"] = current.Status
		}
		return e.events().Append(ctx, tx, "question.update", "question", id, actorID, payload)
	})
	return out, err
}

// checkStatusMove enforces the question workflow:
//
//	draft -> ready_for_review -> {approved, approved_with_constraint, exploring_alternatives}
//	ready_for_review -> draft (pulled back by the drafter)
//	decided -> ready_for_review (undo, only once the decision row is gone)
//	archive and restore go through their own verbs.
func (e Engine) checkStatusMove(ctx context.Context, tx *sql.Tx, role string, q domain.Question, to string) error {
	from := q.Status
	perms := auth.Permissions(role)
	switch {
	case from == domain.StatusDraft && to == domain.StatusReadyForReview,
		from == domain.StatusReadyForReview && to == domain.StatusDraft:
		if !domain.Contains(perms, auth.PermQuestionWrite) {
			return auth.ForbiddenError{Permission: auth.PermQuestionWrite, Role: role}
		}
		return nil
	case from == domain.StatusReadyForReview && domain.IsDecided(to):
		if !domain.Contains(perms, auth.PermQuestionReview) {
			return auth.ForbiddenError{Permission: auth.PermQuestionReview, Role: role}
		}
		d, err := e.Repo.GetDecisionByQuestion(ctx, tx, q.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return ConflictError{Reason: fmt.Sprintf("question %s has no decision to apply", q.ID)}
		}
		if err != nil {
			return err
		}
		if want := domain.StatusForDecision(d.DecisionType); to != want && to != d.DecisionType {
			return ConflictError{Reason: fmt.Sprintf("status %s does not match decision %s", to, d.DecisionType)}
		}
		return nil
	case domain.IsDecided(from) && to == domain.StatusReadyForReview:
		if !domain.Contains(perms, auth.PermQuestionReview) {
			return auth.ForbiddenError{Permission: auth.PermQuestionReview, Role: role}
		}
		if _, err := e.Repo.GetDecisionByQuestion(ctx, tx, q.ID); err == nil {
			return ConflictError{Reason: fmt.Sprintf("question %s still has an active decision", q.ID)}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return nil
	}
	return TransitionError{From: from, To: to}
}

// ArchiveQuestion soft-deletes an open question.
func (e Engine) ArchiveQuestion(ctx context.Context, actorID, id string) (domain.Question, error) {
	return e.moveQuestion(ctx, actorID, id, "question.archive", func(q domain.Question) error {
		if q.Status != domain.StatusDraft && q.Status != domain.StatusReadyForReview {
			return TransitionError{From: q.Status, To: domain.StatusArchived}
		}
		return nil
	}, domain.StatusArchived)
}

// RestoreQuestion brings an archived question back as a draft.
func (e Engine) RestoreQuestion(ctx context.Context, actorID, id string) (domain.Question, error) {
	return e.moveQuestion(ctx, actorID, id, "question.restore", func(q domain.Question) error {
		if q.Status != domain.StatusArchived {
			return TransitionError{From: q.Status, To: domain.StatusDraft}
		}
		return nil
	}, domain.StatusDraft)
}

func (e Engine) moveQuestion(ctx context.Context, actorID, id, evt string, guard func(domain.Question) error, to string) (domain.Question, error) {
	var out domain.Question
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermQuestionWrite); err != nil {
			return err
		}
		q, err := e.Repo.GetQuestion(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := guard(q); err != nil {
			return err
		}
		from := q.Status
		q.Status = to
		q.UpdatedAt = e.now()
		if err := e.Repo.UpdateQuestion(ctx, tx, q); err != nil {
			return err
		}
		out = q
		return e.events().Append(ctx, tx, evt, "question", id, actorID, events.Payload{"from": from, "status": to})
	})
	return out, err
}

// MarkQuestionViewed records the reviewer's first look. Repeated calls keep the
// original timestamp.
func (e Engine) MarkQuestionViewed(ctx context.Context, actorID, id string) (domain.Question, error) {
	var out domain.Question
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermQuestionReview); err != nil {
			return err
		}
		q, err := e.Repo.GetQuestion(ctx, tx, id)
		if err != nil {
			return err
		}
		if q.Status == domain.StatusDraft {
			return repo.ErrNotFound
		}
		changed, err := e.Repo.SetQuestionViewed(ctx, tx, id, e.now())
		if err != nil {
			return err
		}
		if out, err = e.Repo.GetQuestion(ctx, tx, id); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return e.events().Append(ctx, tx, "question.viewed", "question", id, actorID, nil)
	})
	return out, err
}

func (e Engine) DeleteQuestion(ctx context.Context, actorID, id string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermQuestionWrite); err != nil {
			return err
		}
		if err := e.Repo.DeleteQuestion(ctx, tx, id); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "question.delete", "question", id, actorID, nil)
	})
}

// --- decisions ---

// CreateDecision records the reviewer's verdict on a question that is ready
// for review. A question holds at most one decision.
func (e Engine) CreateDecision(ctx context.Context, actorID string, in domain.DecisionInput) (domain.Decision, error) {
	if err := validate.Struct(in); err != nil {
		return domain.Decision{}, err
	}
	var d domain.Decision
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermDecisionWrite); err != nil {
			return err
		}
		q, err := e.Repo.GetQuestion(ctx, tx, in.QuestionID)
		if err != nil {
			return err
		}
		if q.Status != domain.StatusReadyForReview {
			return ConflictError{Reason: fmt.Sprintf("question %s is %s, not ready_for_review", q.ID, q.Status)}
		}
		if _, err := e.Repo.GetDecisionByQuestion(ctx, tx, q.ID); err == nil {
			return ConflictError{Reason: fmt.Sprintf("question %s already has a decision", q.ID)}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		d = domain.Decision{
			ID:                e.newID(in.ID),
			QuestionID:        in.QuestionID,
			DecisionType:      in.DecisionType,
			Constraints:       in.Constraints,
			ConstraintContext: in.ConstraintContext,
			Reasoning:         in.Reasoning,
			CreatedBy:         actorID,
			CreatedAt:         e.now(),
		}
		if d.DecisionType != domain.DecisionApprovedWithConstraint {
			d.Constraints = nil
			d.ConstraintContext = ""
		}
		if d.DecisionType != domain.DecisionExploringAlternatives {
			d.Reasoning = ""
		}
		if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		return e.events().Append(ctx, tx, "decision.create", "decision", d.ID, actorID, events.Payload{
			"question_id": d.QuestionID, "decision_type": d.DecisionType,
		})
	})
	if err == nil {
		e.logger().Debug("decision created", zap.String("decision_id", d.ID), zap.String("question_id", d.QuestionID))
	}
	return d, err
}

func (e Engine) GetDecision(ctx context.Context, actorID, id string) (domain.Decision, error) {
	if _, err := e.Auth.Require(ctx, nil, actorID, auth.PermDecisionRead); err != nil {
		return domain.Decision{}, err
	}
	return e.Repo.GetDecision(ctx, nil, id)
}

func (e Engine) GetDecisionByQuestion(ctx context.Context, actorID, questionID string) (domain.Decision, error) {
	if _, err := e.Auth.Require(ctx, nil, actorID, auth.PermDecisionRead); err != nil {
		return domain.Decision{}, err
	}
	return e.Repo.GetDecisionByQuestion(ctx, nil, questionID)
}

func (e Engine) ListDecisions(ctx context.Context, actorID string, f domain.DecisionFilter) ([]domain.Decision, error) {
	if _, err := e.Auth.Require(ctx, nil, actorID, auth.PermDecisionRead); err != nil {
		return nil, err
	}
	return e.Repo.ListDecisions(ctx, repo.DecisionFilters{QuestionID: f.QuestionID, Unincorporated: f.Unincorporated})
}

// UpdateDecision edits constraints, context or reasoning until the drafter has
// incorporated the decision.
func (e Engine) UpdateDecision(ctx context.Context, actorID, id string, patch domain.DecisionPatch) (domain.Decision, error) {
	if err := validate.Struct(patch); err != nil {
		return domain.Decision{}, err
	}
	var out domain.Decision
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermDecisionWrite); err != nil {
			return err
		}
		d, err := e.Repo.GetDecision(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.IncorporatedAt != nil {
			return ConflictError{Reason: fmt.Sprintf("decision %s was incorporated and can no longer change", id)}
		}
		out = patch.Apply(d)
		if err := validate.Constraints(out.DecisionType, out.Constraints); err != nil {
			return err
		}
		if err := e.Repo.UpdateDecision(ctx, tx, out); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "decision.update", "decision", id, actorID, nil)
	})
	return out, err
}

// DeleteDecision removes the row entirely. It backs the reviewer's undo.
func (e Engine) DeleteDecision(ctx context.Context, actorID, id string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermDecisionWrite); err != nil {
			return err
		}
		d, err := e.Repo.GetDecision(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.IncorporatedAt != nil {
			return ConflictError{Reason: fmt.Sprintf("decision %s was incorporated and can no longer be removed", id)}
		}
		if err := e.Repo.DeleteDecision(ctx, tx, id); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "decision.delete", "decision", id, actorID, events.Payload{"question_id": d.QuestionID})
	})
}

// MarkDecisionIncorporated sets incorporated_at once. Later calls return the
// decision unchanged.
func (e Engine) MarkDecisionIncorporated(ctx context.Context, actorID, id string) (domain.Decision, error) {
	var out domain.Decision
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermDecisionAck); err != nil {
			return err
		}
		changed, err := e.Repo.SetDecisionIncorporated(ctx, tx, id, e.now())
		if err != nil {
			return err
		}
		if out, err = e.Repo.GetDecision(ctx, tx, id); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return e.events().Append(ctx, tx, "decision.incorporated", "decision", id, actorID, nil)
	})
	return out, err
}

// --- evidence ---

func (e Engine) CreateEvidence(ctx context.Context, actorID string, in domain.EvidenceInput) (domain.Evidence, error) {
	if err := validate.Struct(in); err != nil {
		return domain.Evidence{}, err
	}
	var ev domain.Evidence
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermEvidenceWrite); err != nil {
			return err
		}
		if _, err := e.Repo.GetQuestion(ctx, tx, in.QuestionID); err != nil {
			return err
		}
		ev = domain.Evidence{
			ID:         e.newID(in.ID),
			QuestionID: in.QuestionID,
			Title:      strings.TrimSpace(in.Title),
			URL:        strings.TrimSpace(in.URL),
			Section:    in.Section,
			Excerpt:    in.Excerpt,
			CreatedBy:  actorID,
			CreatedAt:  e.now(),
		}
		if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		return e.events().Append(ctx, tx, "evidence.create", "evidence", ev.ID, actorID, events.Payload{"question_id": ev.QuestionID})
	})
	return ev, err
}

func (e Engine) GetEvidence(ctx context.Context, actorID, id string) (domain.Evidence, error) {
	if _, err := e.Auth.Require(ctx, nil, actorID, auth.PermEvidenceRead); err != nil {
		return domain.Evidence{}, err
	}
	return e.Repo.GetEvidence(ctx, nil, id)
}

func (e Engine) ListEvidence(ctx context.Context, actorID, questionID string) ([]domain.Evidence, error) {
	if _, err := e.Auth.Require(ctx, nil, actorID, auth.PermEvidenceRead); err != nil {
		return nil, err
	}
	return e.Repo.ListEvidence(ctx, questionID)
}

func (e Engine) UpdateEvidence(ctx context.Context, actorID, id string, patch domain.EvidencePatch) (domain.Evidence, error) {
	if err := validate.Struct(patch); err != nil {
		return domain.Evidence{}, err
	}
	var out domain.Evidence
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermEvidenceWrite); err != nil {
			return err
		}
		ev, err := e.Repo.GetEvidence(ctx, tx, id)
		if err != nil {
			return err
		}
		out = patch.Apply(ev)
		if err := e.Repo.UpdateEvidence(ctx, tx, out); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "evidence.update", "evidence", id, actorID, nil)
	})
	return out, err
}

func (e Engine) DeleteEvidence(ctx context.Context, actorID, id string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Require(ctx, tx, actorID, auth.PermEvidenceWrite); err != nil {
			return err
		}
		if err := e.Repo.DeleteEvidence(ctx, tx, id); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "evidence.delete", "evidence", id, actorID, nil)
	})
}
