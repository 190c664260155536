// Package queue holds the reviewer's queue UI state: which card is expanded and
// the unsent draft per question. Nothing here touches the network.
package queue

import (
	"sort"
	"sync"
	"time"

	"decisiondesk/internal/domain"
)

// DraftPatch is a partial draft. Nil fields leave the current value alone.
type DraftPatch struct {
	DecisionType      *string
	Constraints       *[]domain.Constraint
	ConstraintContext *string
	Reasoning         *string
}

// State is an immutable copy of the store handed to subscribers.
type State struct {
	// ExpandedCardID is "" when every card is collapsed.
	ExpandedCardID string
	Drafts         map[string]domain.DraftResponse
}

type Store struct {
	mu       sync.Mutex
	expanded string
	drafts   map[string]domain.DraftResponse
	subs     map[int]func(State)
	nextSub  int

	Now func() time.Time
}

func New() *Store {
	return &Store{
		drafts: map[string]domain.DraftResponse{},
		subs:   map[int]func(State){},
		Now:    time.Now,
	}
}

// Expand opens id and closes whatever was open.
func (s *Store) Expand(id string) {
	s.mutate(func() { s.expanded = id })
}

func (s *Store) Collapse() {
	s.mutate(func() { s.expanded = "" })
}

// Toggle collapses id if it is the open card and expands it otherwise.
func (s *Store) Toggle(id string) {
	s.mutate(func() {
		if s.expanded == id {
			s.expanded = ""
			return
		}
		s.expanded = id
	})
}

func (s *Store) ExpandedCardID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expanded
}

func (s *Store) IsExpanded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id != "" && s.expanded == id
}

// SetDraft merges p into the draft for questionID field by field and stamps
// LastModified, which strictly increases per draft.
func (s *Store) SetDraft(questionID string, p DraftPatch) domain.DraftResponse {
	var out domain.DraftResponse
	s.mutate(func() {
		d := s.drafts[questionID]
		if p.DecisionType != nil {
			d.DecisionType = *p.DecisionType
		}
		if p.Constraints != nil {
			d.Constraints = append([]domain.Constraint(nil), (*p.Constraints)...)
		}
		if p.ConstraintContext != nil {
			d.ConstraintContext = *p.ConstraintContext
		}
		if p.Reasoning != nil {
			d.Reasoning = *p.Reasoning
		}
		now := s.now()
		if !now.After(d.LastModified) {
			now = d.LastModified.Add(time.Nanosecond)
		}
		d.LastModified = now
		s.drafts[questionID] = d
		out = d
	})
	return out
}

func (s *Store) Draft(questionID string) (domain.DraftResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[questionID]
	if ok {
		d.Constraints = append([]domain.Constraint(nil), d.Constraints...)
	}
	return d, ok
}

func (s *Store) ClearDraft(questionID string) {
	s.mutate(func() { delete(s.drafts, questionID) })
}

// ClearAllDrafts empties every draft. Sign-out calls it so nothing leaks to
// the next user of the device.
func (s *Store) ClearAllDrafts() {
	s.mutate(func() { s.drafts = map[string]domain.DraftResponse{} })
}

// Reset returns the store to its initial state.
func (s *Store) Reset() {
	s.mutate(func() {
		s.expanded = ""
		s.drafts = map[string]domain.DraftResponse{}
	})
}

// DirtyDrafts lists question ids whose draft has been idle for at least idle,
// oldest first.
func (s *Store) DirtyDrafts(idle time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	var ids []string
	for id, d := range s.drafts {
		if !d.LastModified.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.drafts[ids[i]].LastModified.Before(s.drafts[ids[j]].LastModified)
	})
	return ids
}

// Snapshot copies the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Subscribe calls fn with a fresh State after every change.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) stateLocked() State {
	drafts := make(map[string]domain.DraftResponse, len(s.drafts))
	for id, d := range s.drafts {
		d.Constraints = append([]domain.Constraint(nil), d.Constraints...)
		drafts[id] = d
	}
	return State{ExpandedCardID: s.expanded, Drafts: drafts}
}

func (s *Store) mutate(fn func()) {
	s.mu.Lock()
	fn()
	state := s.stateLocked()
	subs := make([]func(State), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub(state)
	}
}
