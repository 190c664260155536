package domain

// Inputs are the write payloads shared by the gateway, the backends and the
// HTTP API. Pointer fields in patches mean "leave unchanged" when nil.

type QuestionInput struct {
	ID             string `json:"id,omitempty" validate:"omitempty,max=64"`
	Title          string `json:"title" validate:"required,max=200"`
	Description    string `json:"description,omitempty" validate:"max=4000"`
	Category       string `json:"category" validate:"required,category"`
	Recommendation string `json:"recommendation,omitempty" validate:"max=4000"`
	Rationale      string `json:"rationale,omitempty" validate:"max=4000"`
}

type QuestionPatch struct {
	Title          *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description    *string `json:"description,omitempty" validate:"omitempty,max=4000"`
	Category       *string `json:"category,omitempty" validate:"omitempty,category"`
	Recommendation *string `json:"recommendation,omitempty" validate:"omitempty,max=4000"`
	Rationale      *string `json:"rationale,omitempty" validate:"omitempty,max=4000"`
	Status         *string `json:"status,omitempty" validate:"omitempty,question_status"`
}

// Apply returns q with every non-nil patch field copied over.
func (p QuestionPatch) Apply(q Question) Question {
	if p.Title != nil {
		q.Title = *p.Title
	}
	if p.Description != nil {
		q.Description = *p.Description
	}
	if p.Category != nil {
		q.Category = *p.Category
	}
	if p.Recommendation != nil {
		q.Recommendation = *p.Recommendation
	}
	if p.Rationale != nil {
		q.Rationale = *p.Rationale
	}
	if p.Status != nil {
		q.Status = *p.Status
	}
	return q
}

// Empty reports whether the patch changes nothing.
func (p QuestionPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Category == nil &&
		p.Recommendation == nil && p.Rationale == nil && p.Status == nil
}

type QuestionFilter struct {
	Status      string `json:"status,omitempty" query:"status"`
	Category    string `json:"category,omitempty" query:"category"`
	CreatedBy   string `json:"created_by,omitempty" query:"created_by"`
	Archived    bool   `json:"archived,omitempty" query:"archived"`
	OldestFirst bool   `json:"oldest_first,omitempty" query:"oldest_first"`
}

type DecisionInput struct {
	ID                string       `json:"id,omitempty" validate:"omitempty,max=64"`
	QuestionID        string       `json:"question_id" validate:"required"`
	DecisionType      string       `json:"decision_type" validate:"required,decision_type"`
	Constraints       []Constraint `json:"constraints,omitempty" validate:"dive"`
	ConstraintContext string       `json:"constraint_context,omitempty" validate:"max=2000"`
	Reasoning         string       `json:"reasoning,omitempty" validate:"max=4000"`
}

type DecisionPatch struct {
	Constraints       *[]Constraint `json:"constraints,omitempty"`
	ConstraintContext *string       `json:"constraint_context,omitempty" validate:"omitempty,max=2000"`
	Reasoning         *string       `json:"reasoning,omitempty" validate:"omitempty,max=4000"`
}

func (p DecisionPatch) Apply(d Decision) Decision {
	if p.Constraints != nil {
		d.Constraints = append([]Constraint(nil), (*p.Constraints)...)
	}
	if p.ConstraintContext != nil {
		d.ConstraintContext = *p.ConstraintContext
	}
	if p.Reasoning != nil {
		d.Reasoning = *p.Reasoning
	}
	return d
}

type DecisionFilter struct {
	QuestionID     string `json:"question_id,omitempty" query:"question_id"`
	Unincorporated bool   `json:"unincorporated,omitempty" query:"unincorporated"`
}

type EvidenceInput struct {
	ID         string `json:"id,omitempty" validate:"omitempty,max=64"`
	QuestionID string `json:"question_id" validate:"required"`
	Title      string `json:"title" validate:"required,max=200"`
	URL        string `json:"url" validate:"required,weburl"`
	Section    string `json:"section,omitempty" validate:"max=200"`
	Excerpt    string `json:"excerpt,omitempty" validate:"max=4000"`
}

type EvidencePatch struct {
	Title   *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	URL     *string `json:"url,omitempty" validate:"omitempty,weburl"`
	Section *string `json:"section,omitempty" validate:"omitempty,max=200"`
	Excerpt *string `json:"excerpt,omitempty" validate:"omitempty,max=4000"`
}

func (p EvidencePatch) Apply(ev Evidence) Evidence {
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.URL != nil {
		ev.URL = *p.URL
	}
	if p.Section != nil {
		ev.Section = *p.Section
	}
	if p.Excerpt != nil {
		ev.Excerpt = *p.Excerpt
	}
	return ev
}

type ProfileInput struct {
	ID          string `json:"id" validate:"required,max=128"`
	DisplayName string `json:"display_name,omitempty" validate:"max=200"`
	Role        string `json:"role" validate:"required,oneof=maho kel"`
}
