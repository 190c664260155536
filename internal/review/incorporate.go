package review

import (
	"context"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/mutation"
	"decisiondesk/internal/session"
)

// Incorporator lets the drafter flag a decision's constraints as addressed.
type Incorporator struct {
	Gateway gateway.Gateway
	Env     mutation.Env
	Session *session.Provider
}

// MarkIncorporated sets incorporated_at once. A decision that already carries
// the flag is returned unchanged without a backend call.
func (i *Incorporator) MarkIncorporated(ctx context.Context, dec domain.Decision) (domain.Decision, error) {
	if i.Session != nil {
		sess, err := i.Session.Current(ctx)
		if err != nil {
			return domain.Decision{}, err
		}
		if !sess.IsDrafter() {
			return domain.Decision{}, ErrNotDrafter
		}
	}
	if dec.ID == "" || mutation.IsTemp(dec.ID) {
		return domain.Decision{}, gateway.NotFound("decision")
	}
	if dec.IncorporatedAt != nil {
		return dec, nil
	}

	spec := mutation.Spec[domain.Decision, domain.Decision]{
		Name: "mark_incorporated",
		Invoke: func(ctx context.Context, d domain.Decision) (domain.Decision, error) {
			return i.Gateway.Decisions.MarkIncorporated(ctx, d.ID)
		},
		Commit: func(d domain.Decision, res domain.Decision) []cache.Patch {
			return []cache.Patch{mutation.Put(cache.Keys.DecisionByQuestion(d.QuestionID), &res)}
		},
		Also: func(domain.Decision) []cache.Key { return []cache.Key{cache.Keys.Decisions()} },
		SuccessMessage: func(domain.Decision, domain.Decision) string {
			return "Marked as incorporated"
		},
		ErrorMessage: "Could not mark incorporated",
	}
	return mutation.Run(ctx, i.Env, spec, dec)
}
