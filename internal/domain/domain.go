package domain

import "time"

// TimeFormat is the layout used for every persisted timestamp.
const TimeFormat = time.RFC3339Nano

const (
	StatusDraft                  = "draft"
	StatusReadyForReview         = "ready_for_review"
	StatusApproved               = "approved"
	StatusApprovedWithConstraint = "approved_with_constraint"
	StatusExploringAlternatives  = "exploring_alternatives"
	StatusArchived               = "archived"
)

const (
	DecisionApproved               = "approved"
	DecisionApprovedWithConstraint = "approved_with_constraint"
	DecisionExploringAlternatives  = "exploring_alternatives"
)

const (
	RoleDrafter  = "maho"
	RoleReviewer = "kel"
)

var (
	Categories      = []string{"market", "product", "pricing", "hiring", "partnership", "operations", "other"}
	ConstraintTypes = []string{"price", "timeline", "scope", "quality", "resources", "other"}
	DecisionTypes   = []string{DecisionApproved, DecisionApprovedWithConstraint, DecisionExploringAlternatives}
)

type Question struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Category       string  `json:"category" enum:"market,product,pricing,hiring,partnership,operations,other"`
	Recommendation string  `json:"recommendation,omitempty"`
	Rationale      string  `json:"rationale,omitempty"`
	Status         string  `json:"status" enum:"draft,ready_for_review,approved,approved_with_constraint,exploring_alternatives,archived"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	ViewedAt       *string `json:"viewed_at,omitempty" format:"date-time"`
}

type Constraint struct {
	Type    string `json:"type" enum:"price,timeline,scope,quality,resources,other"`
	Context string `json:"context,omitempty"`
}

type Decision struct {
	ID                string       `json:"id"`
	QuestionID        string       `json:"question_id"`
	DecisionType      string       `json:"decision_type" enum:"approved,approved_with_constraint,exploring_alternatives"`
	Constraints       []Constraint `json:"constraints,omitempty"`
	ConstraintContext string       `json:"constraint_context,omitempty"`
	Reasoning         string       `json:"reasoning,omitempty"`
	CreatedBy         string       `json:"created_by"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	IncorporatedAt    *string      `json:"incorporated_at,omitempty" format:"date-time"`
}

type Evidence struct {
	ID         string `json:"id"`
	QuestionID string `json:"question_id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Section    string `json:"section,omitempty"`
	Excerpt    string `json:"excerpt,omitempty"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role" enum:"maho,kel"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// DraftResponse is the reviewer's unsent decision for one question. It only
// lives in the client.
type DraftResponse struct {
	DecisionType      string       `json:"decision_type,omitempty"`
	Constraints       []Constraint `json:"constraints,omitempty"`
	ConstraintContext string       `json:"constraint_context,omitempty"`
	Reasoning         string       `json:"reasoning,omitempty"`
	LastModified      time.Time    `json:"last_modified"`
}

// StatusForDecision maps a decision type to the question status it produces.
// Constrained approvals land on approved; the constraint lives on the decision.
func StatusForDecision(decisionType string) string {
	switch decisionType {
	case DecisionExploringAlternatives:
		return StatusExploringAlternatives
	case DecisionApproved, DecisionApprovedWithConstraint:
		return StatusApproved
	default:
		return ""
	}
}

// IsDecided reports whether the status is one a decision puts a question in.
func IsDecided(status string) bool {
	switch status {
	case StatusApproved, StatusApprovedWithConstraint, StatusExploringAlternatives:
		return true
	}
	return false
}

// IsReviewable reports whether a reviewer looking at the question counts as a view.
func IsReviewable(status string) bool {
	return status == StatusReadyForReview || IsDecided(status)
}

func Contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
