package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Role       string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s not granted to role %s", e.Permission, e.Role)
}

// ErrUnknownActor is returned when the actor has no profile and therefore no role.
var ErrUnknownActor = errors.New("actor has no profile")

const (
	PermQuestionRead      = "question.read"
	PermQuestionReadDraft = "question.read.draft"
	PermQuestionWrite     = "question.write"
	PermQuestionReview    = "question.review"
	PermDecisionWrite     = "decision.write"
	PermDecisionRead      = "decision.read"
	PermDecisionAck       = "decision.incorporate"
	PermEvidenceRead      = "evidence.read"
	PermEvidenceWrite     = "evidence.write"
)

// rolePermissions is the row-level policy table. The drafter owns questions and
// evidence; the reviewer owns decisions and the viewed flag.
var rolePermissions = map[string][]string{
	domain.RoleDrafter: {
		PermQuestionRead, PermQuestionReadDraft, PermQuestionWrite,
		PermDecisionRead, PermDecisionAck,
		PermEvidenceRead, PermEvidenceWrite,
	},
	domain.RoleReviewer: {
		PermQuestionRead, PermQuestionReview,
		PermDecisionRead, PermDecisionWrite,
		PermEvidenceRead,
	},
}

// Permissions lists what a role may do.
func Permissions(role string) []string {
	return append([]string(nil), rolePermissions[role]...)
}

// Service resolves actors to roles through their profile.
type Service struct {
	Repo repo.Repo
}

func (s Service) Role(ctx context.Context, tx *sql.Tx, actorID string) (string, error) {
	if actorID == "" {
		return "", errors.New("actor_id required")
	}
	p, err := s.Repo.GetProfile(ctx, tx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrUnknownActor
	}
	if err != nil {
		return "", err
	}
	return p.Role, nil
}

// Require fails with ForbiddenError unless the actor's role grants perm. It
// returns the role so callers can branch on it.
func (s Service) Require(ctx context.Context, tx *sql.Tx, actorID, perm string) (string, error) {
	role, err := s.Role(ctx, tx, actorID)
	if err != nil {
		return "", err
	}
	if !domain.Contains(rolePermissions[role], perm) {
		return role, ForbiddenError{Permission: perm, Role: role}
	}
	return role, nil
}
