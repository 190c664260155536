// Package validate runs the input checks both sides of the persistence
// boundary agree on: the client before any network call, the backend again
// before writing.
package validate

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"decisiondesk/internal/domain"
)

// FieldError describes one rejected field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error is returned for any rejected input.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("weburl", func(fl validator.FieldLevel) bool {
			return IsWebURL(fl.Field().String())
		})
		_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
			return domain.Contains(domain.Categories, fl.Field().String())
		})
		_ = v.RegisterValidation("decision_type", func(fl validator.FieldLevel) bool {
			return domain.Contains(domain.DecisionTypes, fl.Field().String())
		})
		_ = v.RegisterValidation("question_status", func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case domain.StatusDraft, domain.StatusReadyForReview, domain.StatusApproved,
				domain.StatusApprovedWithConstraint, domain.StatusExploringAlternatives, domain.StatusArchived:
				return true
			}
			return false
		})
		_ = v.RegisterValidation("constraint_type", func(fl validator.FieldLevel) bool {
			return domain.Contains(domain.ConstraintTypes, fl.Field().String())
		})
		v.RegisterStructValidation(constraintLevel, domain.Constraint{})
		v.RegisterStructValidation(decisionLevel, domain.DecisionInput{})
		instance = v
	})
	return instance
}

func constraintLevel(sl validator.StructLevel) {
	c := sl.Current().Interface().(domain.Constraint)
	if !domain.Contains(domain.ConstraintTypes, c.Type) {
		sl.ReportError(c.Type, "type", "Type", "constraint_type", "")
	}
}

func decisionLevel(sl validator.StructLevel) {
	in := sl.Current().Interface().(domain.DecisionInput)
	switch {
	case in.DecisionType == domain.DecisionApprovedWithConstraint && len(in.Constraints) == 0:
		sl.ReportError(in.Constraints, "constraints", "Constraints", "constraints_required", "")
	case in.DecisionType != domain.DecisionApprovedWithConstraint && len(in.Constraints) > 0:
		sl.ReportError(in.Constraints, "constraints", "Constraints", "constraints_forbidden", "")
	}
}

// IsWebURL accepts absolute http and https URLs with a host. Anything else,
// javascript: and data: included, is rejected.
func IsWebURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Struct validates any of the domain input types.
func Struct(in any) error {
	err := get().Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &Error{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fieldPath(fe), Reason: reason(fe)})
	}
	return out
}

// Constraints checks a replacement constraint list for a decision of the given type.
func Constraints(decisionType string, constraints []domain.Constraint) error {
	return Struct(domain.DecisionInput{QuestionID: "-", DecisionType: decisionType, Constraints: constraints})
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "weburl":
		return "must be an http or https URL"
	case "category":
		return "must be one of " + strings.Join(domain.Categories, ", ")
	case "decision_type":
		return "must be one of " + strings.Join(domain.DecisionTypes, ", ")
	case "constraint_type":
		return "must be one of " + strings.Join(domain.ConstraintTypes, ", ")
	case "question_status":
		return "is not a known status"
	case "constraints_required":
		return "at least one constraint is required for approved_with_constraint"
	case "constraints_forbidden":
		return "constraints are only allowed for approved_with_constraint"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	default:
		return "failed " + fe.Tag()
	}
}
