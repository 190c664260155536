package gateway_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
)

// stub is a backend that records calls and answers with err.
type stub struct {
	calls int
	err   error
}

func (s *stub) Questions() gateway.Questions { return stubQuestions{s} }
func (s *stub) Decisions() gateway.Decisions { return stubDecisions{s} }
func (s *stub) Evidence() gateway.Evidence   { return stubEvidence{s} }
func (s *stub) Profiles() gateway.Profiles   { return stubProfiles{s} }

type stubQuestions struct{ s *stub }

func (q stubQuestions) Create(context.Context, domain.QuestionInput) (domain.Question, error) {
	q.s.calls++
	return domain.Question{ID: "q1"}, q.s.err
}
func (q stubQuestions) Get(context.Context, string) (domain.Question, error) {
	q.s.calls++
	return domain.Question{}, q.s.err
}
func (q stubQuestions) List(context.Context, domain.QuestionFilter) ([]domain.Question, error) {
	q.s.calls++
	return nil, q.s.err
}
func (q stubQuestions) Update(context.Context, string, domain.QuestionPatch) (domain.Question, error) {
	q.s.calls++
	return domain.Question{}, q.s.err
}
func (q stubQuestions) Delete(context.Context, string) error { q.s.calls++; return q.s.err }
func (q stubQuestions) Archive(context.Context, string) (domain.Question, error) {
	q.s.calls++
	return domain.Question{}, q.s.err
}
func (q stubQuestions) Restore(context.Context, string) (domain.Question, error) {
	q.s.calls++
	return domain.Question{}, q.s.err
}
func (q stubQuestions) MarkViewed(context.Context, string) (domain.Question, error) {
	q.s.calls++
	return domain.Question{}, q.s.err
}

type stubDecisions struct{ s *stub }

func (d stubDecisions) Create(context.Context, domain.DecisionInput) (domain.Decision, error) {
	d.s.calls++
	return domain.Decision{}, d.s.err
}
func (d stubDecisions) Get(context.Context, string) (domain.Decision, error) {
	d.s.calls++
	return domain.Decision{}, d.s.err
}
func (d stubDecisions) GetByQuestion(context.Context, string) (domain.Decision, error) {
	d.s.calls++
	return domain.Decision{}, d.s.err
}
func (d stubDecisions) List(context.Context, domain.DecisionFilter) ([]domain.Decision, error) {
	d.s.calls++
	return nil, d.s.err
}
func (d stubDecisions) Update(context.Context, string, domain.DecisionPatch) (domain.Decision, error) {
	d.s.calls++
	return domain.Decision{}, d.s.err
}
func (d stubDecisions) Delete(context.Context, string) error { d.s.calls++; return d.s.err }
func (d stubDecisions) MarkIncorporated(context.Context, string) (domain.Decision, error) {
	d.s.calls++
	return domain.Decision{}, d.s.err
}

type stubEvidence struct{ s *stub }

func (e stubEvidence) Create(context.Context, domain.EvidenceInput) (domain.Evidence, error) {
	e.s.calls++
	return domain.Evidence{}, e.s.err
}
func (e stubEvidence) Get(context.Context, string) (domain.Evidence, error) {
	e.s.calls++
	return domain.Evidence{}, e.s.err
}
func (e stubEvidence) List(context.Context, string) ([]domain.Evidence, error) {
	e.s.calls++
	return nil, e.s.err
}
func (e stubEvidence) Update(context.Context, string, domain.EvidencePatch) (domain.Evidence, error) {
	e.s.calls++
	return domain.Evidence{}, e.s.err
}
func (e stubEvidence) Delete(context.Context, string) error { e.s.calls++; return e.s.err }

type stubProfiles struct{ s *stub }

func (p stubProfiles) Me(context.Context) (domain.Profile, error) {
	p.s.calls++
	return domain.Profile{}, p.s.err
}
func (p stubProfiles) Get(context.Context, string) (domain.Profile, error) {
	p.s.calls++
	return domain.Profile{}, p.s.err
}
func (p stubProfiles) Upsert(context.Context, domain.ProfileInput) (domain.Profile, error) {
	p.s.calls++
	return domain.Profile{}, p.s.err
}

func TestValidationRunsBeforeBackend(t *testing.T) {
	ctx := context.Background()
	s := &stub{}
	g := gateway.New(s, nil)

	cases := []struct {
		name string
		call func() error
	}{
		{"question without title", func() error {
			_, err := g.Questions.Create(ctx, domain.QuestionInput{Category: "market"})
			return err
		}},
		{"unknown category", func() error {
			_, err := g.Questions.Create(ctx, domain.QuestionInput{Title: "T", Category: "sports"})
			return err
		}},
		{"javascript url", func() error {
			_, err := g.Evidence.Create(ctx, domain.EvidenceInput{QuestionID: "q1", Title: "x", URL: "javascript:alert(1)"})
			return err
		}},
		{"constraints on plain approval", func() error {
			_, err := g.Decisions.Create(ctx, domain.DecisionInput{QuestionID: "q1", DecisionType: domain.DecisionApproved, Constraints: []domain.Constraint{{Type: "price"}}})
			return err
		}},
		{"constrained approval without constraints", func() error {
			_, err := g.Decisions.Create(ctx, domain.DecisionInput{QuestionID: "q1", DecisionType: domain.DecisionApprovedWithConstraint})
			return err
		}},
		{"unknown constraint type", func() error {
			_, err := g.Decisions.Create(ctx, domain.DecisionInput{QuestionID: "q1", DecisionType: domain.DecisionApprovedWithConstraint, Constraints: []domain.Constraint{{Type: "vibes"}}})
			return err
		}},
		{"empty constraint replacement", func() error {
			empty := []domain.Constraint{}
			_, err := g.Decisions.Update(ctx, "d1", domain.DecisionPatch{Constraints: &empty})
			return err
		}},
		{"missing id", func() error {
			_, err := g.Questions.Get(ctx, "")
			return err
		}},
		{"bad role", func() error {
			_, err := g.Profiles.Upsert(ctx, domain.ProfileInput{ID: "u1", Role: "admin"})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
			var gerr *gateway.Error
			require.ErrorAs(t, err, &gerr)
			assert.NotEmpty(t, gerr.Fields)
		})
	}
	assert.Zero(t, s.calls)
}

func TestBackendErrorsAreNormalized(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		err  error
		kind gateway.Kind
	}{
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, gateway.KindNetwork},
		{context.DeadlineExceeded, gateway.KindNetwork},
		{errors.New("disk I/O error"), gateway.KindBackend},
		{gateway.NotFound("question"), gateway.KindNotFound},
		{gateway.Forbidden("row level security", nil), gateway.KindForbidden},
		{gateway.Conflict("already incorporated", nil), gateway.KindConflict},
		{gateway.BackendFailure("storage full", errors.New("SQLITE_FULL")), gateway.KindBackend},
	}
	for _, tc := range cases {
		g := gateway.New(&stub{err: tc.err}, nil)
		_, err := g.Questions.Get(ctx, "q1")
		var gerr *gateway.Error
		require.ErrorAs(t, err, &gerr, "%v", tc.err)
		assert.Equal(t, tc.kind, gerr.Kind, "%v", tc.err)
		assert.NotEmpty(t, gerr.Message)
	}
}

func TestNotFoundMatchesSentinel(t *testing.T) {
	g := gateway.New(&stub{err: gateway.NotFound("decision")}, nil)
	_, err := g.Decisions.GetByQuestion(context.Background(), "q1")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	assert.Equal(t, "decision not found", err.Error())
}

func TestListsAreNeverNil(t *testing.T) {
	ctx := context.Background()
	g := gateway.New(&stub{}, nil)
	qs, err := g.Questions.List(ctx, domain.QuestionFilter{})
	require.NoError(t, err)
	assert.NotNil(t, qs)
	ds, err := g.Decisions.List(ctx, domain.DecisionFilter{})
	require.NoError(t, err)
	assert.NotNil(t, ds)
	evs, err := g.Evidence.List(ctx, "q1")
	require.NoError(t, err)
	assert.NotNil(t, evs)
}
