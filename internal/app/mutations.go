package app

import (
	"context"
	"strings"
	"time"

	"decisiondesk/internal/cache"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/mutation"
	"decisiondesk/internal/session"
)

// QuestionUpdate edits one question.
type QuestionUpdate struct {
	ID    string
	Patch domain.QuestionPatch
}

// EvidenceUpdate edits one evidence row. Prev is the row as shown, used for
// the optimistic write.
type EvidenceUpdate struct {
	Prev  domain.Evidence
	Patch domain.EvidencePatch
}

// Mutations are the drafter-side write hooks. Decision writes live in the
// review package.
type Mutations struct {
	CreateQuestion *mutation.Handle[domain.QuestionInput, domain.Question]
	UpdateQuestion *mutation.Handle[QuestionUpdate, domain.Question]
	MarkReady      *mutation.Handle[domain.Question, domain.Question]
	Archive        *mutation.Handle[domain.Question, domain.Question]
	Restore        *mutation.Handle[domain.Question, domain.Question]
	AddEvidence    *mutation.Handle[domain.EvidenceInput, domain.Evidence]
	UpdateEvidence *mutation.Handle[EvidenceUpdate, domain.Evidence]
	DeleteEvidence *mutation.Handle[domain.Evidence, struct{}]
}

// allQuestions is the drafter's default list: everything but archived.
var allQuestions = cache.Keys.QuestionList(domain.QuestionFilter{})

func questionID(id string) func(domain.Question) bool {
	return func(q domain.Question) bool { return q.ID == id }
}

func evidenceID(id string) func(domain.Evidence) bool {
	return func(ev domain.Evidence) bool { return ev.ID == id }
}

func setStatus(status string) func(domain.Question) domain.Question {
	return func(q domain.Question) domain.Question {
		q.Status = status
		return q
	}
}

func newMutations(g gateway.Gateway, env mutation.Env, sess *session.Provider) Mutations {
	now := func() string {
		clock := time.Now
		if env.Now != nil {
			clock = env.Now
		}
		return clock().UTC().Format(domain.TimeFormat)
	}
	actor := func() string {
		if s, ok := sess.Cached(); ok {
			return s.UserID
		}
		return ""
	}

	var m Mutations

	m.CreateQuestion = mutation.NewHandle(env, mutation.Spec[domain.QuestionInput, domain.Question]{
		Name: "create_question",
		Optimistic: func(in domain.QuestionInput) []cache.Patch {
			ts := now()
			return []cache.Patch{mutation.Prepend(allQuestions, domain.Question{
				ID:             mutation.TempID(),
				Title:          in.Title,
				Description:    in.Description,
				Category:       in.Category,
				Recommendation: in.Recommendation,
				Rationale:      in.Rationale,
				Status:         domain.StatusDraft,
				CreatedBy:      actor(),
				CreatedAt:      ts,
				UpdatedAt:      ts,
			})}
		},
		Invoke: func(ctx context.Context, in domain.QuestionInput) (domain.Question, error) {
			return g.Questions.Create(ctx, in)
		},
		Commit: func(_ domain.QuestionInput, q domain.Question) []cache.Patch {
			return []cache.Patch{
				mutation.Remove(allQuestions, func(v domain.Question) bool { return mutation.IsTemp(v.ID) && strings.TrimSpace(v.Title) == q.Title }),
				mutation.Prepend(allQuestions, q),
				mutation.Put(cache.Keys.QuestionDetail(q.ID), q),
			}
		},
		Also:           func(domain.QuestionInput) []cache.Key { return []cache.Key{cache.Keys.QuestionLists()} },
		SuccessMessage: func(domain.QuestionInput, domain.Question) string { return "Question created" },
		ErrorMessage:   "Could not create question",
	})

	m.UpdateQuestion = mutation.NewHandle(env, mutation.Spec[QuestionUpdate, domain.Question]{
		Name: "update_question",
		Optimistic: func(u QuestionUpdate) []cache.Patch {
			return []cache.Patch{
				mutation.Edit(cache.Keys.QuestionDetail(u.ID), u.Patch.Apply),
				mutation.Map(allQuestions, questionID(u.ID), u.Patch.Apply),
			}
		},
		Invoke: func(ctx context.Context, u QuestionUpdate) (domain.Question, error) {
			return g.Questions.Update(ctx, u.ID, u.Patch)
		},
		Commit: func(_ QuestionUpdate, q domain.Question) []cache.Patch {
			return []cache.Patch{mutation.Put(cache.Keys.QuestionDetail(q.ID), q)}
		},
		Also:           func(QuestionUpdate) []cache.Key { return []cache.Key{cache.Keys.QuestionLists()} },
		SuccessMessage: func(QuestionUpdate, domain.Question) string { return "Question saved" },
		ErrorMessage:   "Could not save question",
	})

	m.MarkReady = mutation.NewHandle(env, mutation.Spec[domain.Question, domain.Question]{
		Name: "mark_ready",
		Optimistic: func(q domain.Question) []cache.Patch {
			return []cache.Patch{
				mutation.Edit(cache.Keys.QuestionDetail(q.ID), setStatus(domain.StatusReadyForReview)),
				mutation.Map(allQuestions, questionID(q.ID), setStatus(domain.StatusReadyForReview)),
			}
		},
		Invoke: func(ctx context.Context, q domain.Question) (domain.Question, error) {
			status := domain.StatusReadyForReview
			return g.Questions.Update(ctx, q.ID, domain.QuestionPatch{Status: &status})
		},
		Commit: func(_ domain.Question, q domain.Question) []cache.Patch {
			return []cache.Patch{mutation.Put(cache.Keys.QuestionDetail(q.ID), q)}
		},
		Also:           func(domain.Question) []cache.Key { return []cache.Key{cache.Keys.QuestionLists()} },
		SuccessMessage: func(domain.Question, domain.Question) string { return "Sent for review" },
		ErrorMessage:   "Could not send for review",
	})

	m.Archive = mutation.NewHandle(env, mutation.Spec[domain.Question, domain.Question]{
		Name: "archive_question",
		Optimistic: func(q domain.Question) []cache.Patch {
			archived := setStatus(domain.StatusArchived)(q)
			return []cache.Patch{
				mutation.Remove(allQuestions, questionID(q.ID)),
				mutation.Remove(cache.Keys.PendingQueue(), questionID(q.ID)),
				mutation.Prepend(cache.Keys.Archived(), archived),
				mutation.Edit(cache.Keys.QuestionDetail(q.ID), setStatus(domain.StatusArchived)),
			}
		},
		Invoke: func(ctx context.Context, q domain.Question) (domain.Question, error) {
			return g.Questions.Archive(ctx, q.ID)
		},
		Commit: func(_ domain.Question, q domain.Question) []cache.Patch {
			return []cache.Patch{mutation.Put(cache.Keys.QuestionDetail(q.ID), q)}
		},
		Also:           func(domain.Question) []cache.Key { return []cache.Key{cache.Keys.QuestionLists()} },
		SuccessMessage: func(domain.Question, domain.Question) string { return "Question archived" },
		ErrorMessage:   "Could not archive question",
	})

	m.Restore = mutation.NewHandle(env, mutation.Spec[domain.Question, domain.Question]{
		Name: "restore_question",
		Optimistic: func(q domain.Question) []cache.Patch {
			restored := setStatus(domain.StatusDraft)(q)
			return []cache.Patch{
				mutation.Remove(cache.Keys.Archived(), questionID(q.ID)),
				mutation.Prepend(allQuestions, restored),
				mutation.Edit(cache.Keys.QuestionDetail(q.ID), setStatus(domain.StatusDraft)),
			}
		},
		Invoke: func(ctx context.Context, q domain.Question) (domain.Question, error) {
			return g.Questions.Restore(ctx, q.ID)
		},
		Commit: func(_ domain.Question, q domain.Question) []cache.Patch {
			return []cache.Patch{mutation.Put(cache.Keys.QuestionDetail(q.ID), q)}
		},
		Also:           func(domain.Question) []cache.Key { return []cache.Key{cache.Keys.QuestionLists()} },
		SuccessMessage: func(domain.Question, domain.Question) string { return "Question restored" },
		ErrorMessage:   "Could not restore question",
	})

	m.AddEvidence = mutation.NewHandle(env, mutation.Spec[domain.EvidenceInput, domain.Evidence]{
		Name: "add_evidence",
		Optimistic: func(in domain.EvidenceInput) []cache.Patch {
			return []cache.Patch{mutation.Append(cache.Keys.EvidenceByQuestion(in.QuestionID), domain.Evidence{
				ID:         mutation.TempID(),
				QuestionID: in.QuestionID,
				Title:      in.Title,
				URL:        in.URL,
				Section:    in.Section,
				Excerpt:    in.Excerpt,
				CreatedBy:  actor(),
				CreatedAt:  now(),
			})}
		},
		Invoke: func(ctx context.Context, in domain.EvidenceInput) (domain.Evidence, error) {
			return g.Evidence.Create(ctx, in)
		},
		Commit: func(in domain.EvidenceInput, ev domain.Evidence) []cache.Patch {
			key := cache.Keys.EvidenceByQuestion(in.QuestionID)
			return []cache.Patch{
				mutation.Remove(key, func(v domain.Evidence) bool { return mutation.IsTemp(v.ID) && v.URL == ev.URL }),
				mutation.Append(key, ev),
			}
		},
		SuccessMessage: func(domain.EvidenceInput, domain.Evidence) string { return "Evidence added" },
		ErrorMessage:   "Could not add evidence",
	})

	m.UpdateEvidence = mutation.NewHandle(env, mutation.Spec[EvidenceUpdate, domain.Evidence]{
		Name: "update_evidence",
		Optimistic: func(u EvidenceUpdate) []cache.Patch {
			return []cache.Patch{mutation.Map(cache.Keys.EvidenceByQuestion(u.Prev.QuestionID), evidenceID(u.Prev.ID), u.Patch.Apply)}
		},
		Invoke: func(ctx context.Context, u EvidenceUpdate) (domain.Evidence, error) {
			return g.Evidence.Update(ctx, u.Prev.ID, u.Patch)
		},
		Commit: func(u EvidenceUpdate, ev domain.Evidence) []cache.Patch {
			return []cache.Patch{mutation.Map(cache.Keys.EvidenceByQuestion(u.Prev.QuestionID), evidenceID(ev.ID), func(domain.Evidence) domain.Evidence { return ev })}
		},
		SuccessMessage: func(EvidenceUpdate, domain.Evidence) string { return "Evidence saved" },
		ErrorMessage:   "Could not save evidence",
	})

	m.DeleteEvidence = mutation.NewHandle(env, mutation.Spec[domain.Evidence, struct{}]{
		Name: "delete_evidence",
		Optimistic: func(ev domain.Evidence) []cache.Patch {
			return []cache.Patch{mutation.Remove(cache.Keys.EvidenceByQuestion(ev.QuestionID), evidenceID(ev.ID))}
		},
		Invoke: func(ctx context.Context, ev domain.Evidence) (struct{}, error) {
			return struct{}{}, g.Evidence.Delete(ctx, ev.ID)
		},
		SuccessMessage: func(domain.Evidence, struct{}) string { return "Evidence removed" },
		ErrorMessage:   "Could not remove evidence",
	})

	return m
}
