package cache

import (
	"sort"
	"strings"

	"decisiondesk/internal/domain"
)

// Key identifies one cached resource. Keys are hierarchical: a key is a child
// of every key that is a segment-wise prefix of it.
type Key []string

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, s := range k {
		parts[i] = escape(s)
	}
	return strings.Join(parts, "/")
}

// HasPrefix reports whether parent is k itself or one of its ancestors.
func (k Key) HasPrefix(parent Key) bool {
	if len(parent) > len(k) {
		return false
	}
	for i := range parent {
		if k[i] != parent[i] {
			return false
		}
	}
	return true
}

func (k Key) Equal(o Key) bool {
	return len(k) == len(o) && k.HasPrefix(o)
}

// escape keeps segment values from colliding with the separator, so
// ["a/b"] and ["a","b"] never share a string form.
func escape(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, "/", "%2F")
}

const (
	segQuestions  = "questions"
	segDecisions  = "decisions"
	segEvidence   = "evidence"
	segProfiles   = "profiles"
	segList       = "list"
	segDetail     = "detail"
	segByQuestion = "by-question"
)

type registry struct{}

// Keys is the single source of cache keys. Every query and every invalidation
// goes through it.
var Keys registry

func (registry) Questions() Key { return Key{segQuestions} }

func (registry) QuestionLists() Key { return Key{segQuestions, segList} }

func (registry) QuestionList(f domain.QuestionFilter) Key {
	return Key{segQuestions, segList, canonicalFilter(f)}
}

// PendingQueue is the reviewer's queue: ready_for_review, oldest first.
func (r registry) PendingQueue() Key { return r.QuestionList(PendingFilter) }

func (r registry) Archived() Key { return r.QuestionList(domain.QuestionFilter{Archived: true}) }

func (registry) QuestionDetail(id string) Key { return Key{segQuestions, segDetail, id} }

func (registry) Decisions() Key { return Key{segDecisions} }

func (registry) DecisionByQuestion(questionID string) Key {
	return Key{segDecisions, segByQuestion, questionID}
}

func (registry) Evidence() Key { return Key{segEvidence} }

func (registry) EvidenceByQuestion(questionID string) Key {
	return Key{segEvidence, segByQuestion, questionID}
}

func (registry) Profiles() Key { return Key{segProfiles} }

func (registry) Profile(userID string) Key { return Key{segProfiles, userID} }

// PendingFilter is the filter behind Keys.PendingQueue.
var PendingFilter = domain.QuestionFilter{Status: domain.StatusReadyForReview, OldestFirst: true}

func canonicalFilter(f domain.QuestionFilter) string {
	var parts []string
	if f.Status != "" {
		parts = append(parts, "status="+f.Status)
	}
	if f.Category != "" {
		parts = append(parts, "category="+f.Category)
	}
	if f.CreatedBy != "" {
		parts = append(parts, "created_by="+f.CreatedBy)
	}
	if f.Archived {
		parts = append(parts, "archived=true")
	}
	if f.OldestFirst {
		parts = append(parts, "oldest_first=true")
	}
	if len(parts) == 0 {
		return "all"
	}
	for i, p := range parts {
		p = strings.ReplaceAll(p, "%", "%25")
		parts[i] = strings.ReplaceAll(p, "&", "%26")
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}
