package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/queue"
)

func str(s string) *string { return &s }

func TestAtMostOneCardExpanded(t *testing.T) {
	s := queue.New()
	ids := []string{"q1", "q2", "q3"}
	s.Expand("q1")
	s.Expand("q2")
	s.Toggle("q3")
	s.Toggle("q2")

	open := 0
	for _, id := range ids {
		if s.IsExpanded(id) {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, "q2", s.ExpandedCardID())

	s.Collapse()
	assert.Empty(t, s.ExpandedCardID())
	assert.False(t, s.IsExpanded(""))
}

func TestToggleTwiceRestores(t *testing.T) {
	for _, start := range []string{"", "q1", "q2"} {
		s := queue.New()
		if start != "" {
			s.Expand(start)
		}
		s.Toggle("q1")
		s.Toggle("q1")
		if start == "q2" {
			// toggling another card replaces q2, the second toggle collapses
			assert.Empty(t, s.ExpandedCardID())
			continue
		}
		assert.Equal(t, start, s.ExpandedCardID(), "start=%q", start)
	}
}

func TestSetDraftMergesFieldByField(t *testing.T) {
	s := queue.New()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	first := s.SetDraft("q1", queue.DraftPatch{DecisionType: str(domain.DecisionApprovedWithConstraint)})
	constraints := []domain.Constraint{{Type: "price"}}
	second := s.SetDraft("q1", queue.DraftPatch{Constraints: &constraints, ConstraintContext: str("Under 100k")})

	assert.Equal(t, domain.DecisionApprovedWithConstraint, second.DecisionType)
	assert.Equal(t, constraints, second.Constraints)
	assert.Equal(t, "Under 100k", second.ConstraintContext)
	assert.True(t, second.LastModified.After(first.LastModified), "same clock reading still moves forward")

	// the caller's slice is not aliased
	constraints[0].Type = "scope"
	d, ok := s.Draft("q1")
	require.True(t, ok)
	assert.Equal(t, "price", d.Constraints[0].Type)

	third := s.SetDraft("q1", queue.DraftPatch{Reasoning: str("")})
	assert.Equal(t, "Under 100k", third.ConstraintContext)
	assert.True(t, third.LastModified.After(second.LastModified))
}

func TestDraftsAreIndependent(t *testing.T) {
	s := queue.New()
	s.SetDraft("q1", queue.DraftPatch{DecisionType: str(domain.DecisionApproved)})
	s.SetDraft("q2", queue.DraftPatch{DecisionType: str(domain.DecisionExploringAlternatives)})
	s.ClearDraft("q1")

	_, ok := s.Draft("q1")
	assert.False(t, ok)
	d, ok := s.Draft("q2")
	require.True(t, ok)
	assert.Equal(t, domain.DecisionExploringAlternatives, d.DecisionType)

	s.Expand("q2")
	s.ClearAllDrafts()
	assert.Empty(t, s.Snapshot().Drafts)
	assert.Equal(t, "q2", s.ExpandedCardID(), "clearing drafts leaves the accordion alone")

	s.SetDraft("q3", queue.DraftPatch{})
	s.Reset()
	assert.Equal(t, queue.State{Drafts: map[string]domain.DraftResponse{}}, s.Snapshot())
}

func TestDirtyDrafts(t *testing.T) {
	s := queue.New()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	s.SetDraft("first", queue.DraftPatch{Reasoning: str("a")})
	now = now.Add(time.Second)
	s.SetDraft("second", queue.DraftPatch{Reasoning: str("b")})
	now = now.Add(2 * time.Second)
	s.SetDraft("fresh", queue.DraftPatch{Reasoning: str("c")})

	assert.Equal(t, []string{"first", "second"}, s.DirtyDrafts(2*time.Second))
	assert.Empty(t, s.DirtyDrafts(time.Hour))
}

func TestSubscribersGetSnapshots(t *testing.T) {
	s := queue.New()
	var states []queue.State
	unsub := s.Subscribe(func(st queue.State) { states = append(states, st) })

	s.Expand("q1")
	s.SetDraft("q1", queue.DraftPatch{DecisionType: str(domain.DecisionApproved)})
	unsub()
	s.Collapse()

	require.Len(t, states, 2)
	assert.Equal(t, "q1", states[0].ExpandedCardID)
	assert.Empty(t, states[0].Drafts)
	assert.Equal(t, domain.DecisionApproved, states[1].Drafts["q1"].DecisionType)
}
