// Package supabasegw serves the gateway from Supabase tables. Row-level
// security on the project decides what the signed-in user may touch.
package supabasegw

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/gateway"
)

const (
	tableQuestions = "questions"
	tableDecisions = "decisions"
	tableEvidence  = "evidence"
	tableProfiles  = "profiles"

	representation = "representation"
)

// Config identifies the project and the signed-in user.
type Config struct {
	URL         string
	AnonKey     string
	AccessToken string
}

type Backend struct {
	client *supabase.Client
	token  string
	Now    func() time.Time

	mu     sync.Mutex
	userID string
}

// New builds a client that sends the user's access token so policies apply to
// that user, not the anon role.
func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, errors.New("supabase url and key are required")
	}
	var opts *supabase.ClientOptions
	if cfg.AccessToken != "" {
		opts = &supabase.ClientOptions{Headers: map[string]string{"Authorization": "Bearer " + cfg.AccessToken}}
	}
	client, err := supabase.NewClient(cfg.URL, cfg.AnonKey, opts)
	if err != nil {
		return nil, err
	}
	return &Backend{client: client, token: cfg.AccessToken, Now: time.Now}, nil
}

// UserID resolves the signed-in user through the auth API and caches it.
// Concurrent callers share one lookup.
func (b *Backend) UserID(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.userID != "" {
		return b.userID, nil
	}
	if b.token == "" {
		return "", gateway.Forbidden("no access token configured", nil)
	}
	user, err := b.client.Auth.WithToken(b.token).GetUser()
	if err != nil {
		return "", gateway.Forbidden(err.Error(), err)
	}
	b.userID = user.ID.String()
	return b.userID, nil
}

func (b *Backend) Questions() gateway.Questions { return questions{b} }
func (b *Backend) Decisions() gateway.Decisions { return decisions{b} }
func (b *Backend) Evidence() gateway.Evidence   { return evidence{b} }
func (b *Backend) Profiles() gateway.Profiles   { return profiles{b} }

func (b *Backend) now() string {
	return b.Now().UTC().Format(domain.TimeFormat)
}

// normalize maps PostgREST error text onto gateway kinds.
func normalize(what string, err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return gateway.Network(err.Error(), err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "PGRST116"):
		return gateway.NotFound(what)
	case strings.Contains(msg, "42501"), strings.Contains(msg, "row-level security"), strings.Contains(msg, "permission denied"):
		return gateway.Forbidden(msg, err)
	case strings.Contains(msg, "23505"):
		return gateway.Conflict(msg, err)
	case strings.Contains(msg, "23514"), strings.Contains(msg, "22P02"):
		return &gateway.Error{Kind: gateway.KindValidation, Message: "Invalid input", Description: msg, Err: err}
	}
	return gateway.BackendFailure(msg, err)
}

// one returns the first row or a not-found error.
func one[T any](what string, rows []T, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, normalize(what, err)
	}
	if len(rows) == 0 {
		return zero, gateway.NotFound(what)
	}
	return rows[0], nil
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

type questions struct{ b *Backend }

func (q questions) Create(ctx context.Context, in domain.QuestionInput) (domain.Question, error) {
	uid, err := q.b.UserID(ctx)
	if err != nil {
		return domain.Question{}, err
	}
	now := q.b.now()
	row := domain.Question{
		ID: newID(in.ID), Title: strings.TrimSpace(in.Title), Description: in.Description, Category: in.Category,
		Recommendation: in.Recommendation, Rationale: in.Rationale, Status: domain.StatusDraft,
		CreatedBy: uid, CreatedAt: now, UpdatedAt: now,
	}
	var out []domain.Question
	_, err = q.b.client.From(tableQuestions).Insert(row, false, "", representation, "").ExecuteTo(&out)
	return one("question", out, err)
}

func (q questions) Get(ctx context.Context, id string) (domain.Question, error) {
	var out []domain.Question
	_, err := q.b.client.From(tableQuestions).Select("*", "", false).Eq("id", id).ExecuteTo(&out)
	return one("question", out, err)
}

func (q questions) List(ctx context.Context, f domain.QuestionFilter) ([]domain.Question, error) {
	query := q.b.client.From(tableQuestions).Select("*", "", false)
	switch {
	case f.Status != "":
		query = query.Eq("status", f.Status)
	case f.Archived:
		query = query.Eq("status", domain.StatusArchived)
	default:
		query = query.Neq("status", domain.StatusArchived)
	}
	if f.Category != "" {
		query = query.Eq("category", f.Category)
	}
	if f.CreatedBy != "" {
		query = query.Eq("created_by", f.CreatedBy)
	}
	query = query.Order("created_at", &postgrest.OrderOpts{Ascending: f.OldestFirst})
	out := []domain.Question{}
	if _, err := query.ExecuteTo(&out); err != nil {
		return nil, normalize("question", err)
	}
	return out, nil
}

func (q questions) Update(ctx context.Context, id string, p domain.QuestionPatch) (domain.Question, error) {
	row := map[string]any{"updated_at": q.b.now()}
	if p.Title != nil {
		row["title"] = *p.Title
	}
	if p.Description != nil {
		row["description"] = *p.Description
	}
	if p.Category != nil {
		row["category"] = *p.Category
	}
	if p.Recommendation != nil {
		row["recommendation"] = *p.Recommendation
	}
	if p.Rationale != nil {
		row["rationale"] = *p.Rationale
	}
	if p.Status != nil {
		row["status"] = *p.Status
	}
	return q.patch(id, row)
}

func (q questions) patch(id string, row map[string]any) (domain.Question, error) {
	var out []domain.Question
	_, err := q.b.client.From(tableQuestions).Update(row, representation, "").Eq("id", id).ExecuteTo(&out)
	return one("question", out, err)
}

func (q questions) Delete(ctx context.Context, id string) error {
	var out []domain.Question
	_, err := q.b.client.From(tableQuestions).Delete(representation, "").Eq("id", id).ExecuteTo(&out)
	_, err = one("question", out, err)
	return err
}

func (q questions) Archive(ctx context.Context, id string) (domain.Question, error) {
	return q.patch(id, map[string]any{"status": domain.StatusArchived, "updated_at": q.b.now()})
}

func (q questions) Restore(ctx context.Context, id string) (domain.Question, error) {
	return q.patch(id, map[string]any{"status": domain.StatusDraft, "updated_at": q.b.now()})
}

// MarkViewed only writes when viewed_at is still null, then reads back.
func (q questions) MarkViewed(ctx context.Context, id string) (domain.Question, error) {
	var out []domain.Question
	_, err := q.b.client.From(tableQuestions).
		Update(map[string]any{"viewed_at": q.b.now()}, representation, "").
		Eq("id", id).Is("viewed_at", "null").
		ExecuteTo(&out)
	if err != nil {
		return domain.Question{}, normalize("question", err)
	}
	if len(out) > 0 {
		return out[0], nil
	}
	return q.Get(ctx, id)
}

type decisions struct{ b *Backend }

func (d decisions) Create(ctx context.Context, in domain.DecisionInput) (domain.Decision, error) {
	uid, err := d.b.UserID(ctx)
	if err != nil {
		return domain.Decision{}, err
	}
	row := domain.Decision{
		ID: newID(in.ID), QuestionID: in.QuestionID, DecisionType: in.DecisionType,
		Constraints: in.Constraints, ConstraintContext: in.ConstraintContext, Reasoning: in.Reasoning,
		CreatedBy: uid, CreatedAt: d.b.now(),
	}
	var out []domain.Decision
	_, err = d.b.client.From(tableDecisions).Insert(row, false, "", representation, "").ExecuteTo(&out)
	return one("decision", out, err)
}

func (d decisions) Get(ctx context.Context, id string) (domain.Decision, error) {
	var out []domain.Decision
	_, err := d.b.client.From(tableDecisions).Select("*", "", false).Eq("id", id).ExecuteTo(&out)
	return one("decision", out, err)
}

func (d decisions) GetByQuestion(ctx context.Context, questionID string) (domain.Decision, error) {
	var out []domain.Decision
	_, err := d.b.client.From(tableDecisions).Select("*", "", false).Eq("question_id", questionID).ExecuteTo(&out)
	return one("decision", out, err)
}

func (d decisions) List(ctx context.Context, f domain.DecisionFilter) ([]domain.Decision, error) {
	query := d.b.client.From(tableDecisions).Select("*", "", false)
	if f.QuestionID != "" {
		query = query.Eq("question_id", f.QuestionID)
	}
	if f.Unincorporated {
		query = query.Is("incorporated_at", "null")
	}
	query = query.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	out := []domain.Decision{}
	if _, err := query.ExecuteTo(&out); err != nil {
		return nil, normalize("decision", err)
	}
	return out, nil
}

func (d decisions) Update(ctx context.Context, id string, p domain.DecisionPatch) (domain.Decision, error) {
	row := map[string]any{}
	if p.Constraints != nil {
		row["constraints"] = *p.Constraints
	}
	if p.ConstraintContext != nil {
		row["constraint_context"] = *p.ConstraintContext
	}
	if p.Reasoning != nil {
		row["reasoning"] = *p.Reasoning
	}
	if len(row) == 0 {
		return d.Get(ctx, id)
	}
	var out []domain.Decision
	_, err := d.b.client.From(tableDecisions).Update(row, representation, "").
		Eq("id", id).Is("incorporated_at", "null").ExecuteTo(&out)
	if err != nil {
		return domain.Decision{}, normalize("decision", err)
	}
	if len(out) > 0 {
		return out[0], nil
	}
	return domain.Decision{}, d.missed(ctx, id)
}

func (d decisions) Delete(ctx context.Context, id string) error {
	var out []domain.Decision
	_, err := d.b.client.From(tableDecisions).Delete(representation, "").
		Eq("id", id).Is("incorporated_at", "null").ExecuteTo(&out)
	if err != nil {
		return normalize("decision", err)
	}
	if len(out) > 0 {
		return nil
	}
	return d.missed(ctx, id)
}

// missed explains a write that matched no row: the decision is either gone or
// already incorporated and therefore frozen.
func (d decisions) missed(ctx context.Context, id string) error {
	cur, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.IncorporatedAt != nil {
		return gateway.Conflict("decision already incorporated", nil)
	}
	return gateway.NotFound("decision")
}

func (d decisions) MarkIncorporated(ctx context.Context, id string) (domain.Decision, error) {
	var out []domain.Decision
	_, err := d.b.client.From(tableDecisions).
		Update(map[string]any{"incorporated_at": d.b.now()}, representation, "").
		Eq("id", id).Is("incorporated_at", "null").
		ExecuteTo(&out)
	if err != nil {
		return domain.Decision{}, normalize("decision", err)
	}
	if len(out) > 0 {
		return out[0], nil
	}
	return d.Get(ctx, id)
}

type evidence struct{ b *Backend }

func (e evidence) Create(ctx context.Context, in domain.EvidenceInput) (domain.Evidence, error) {
	uid, err := e.b.UserID(ctx)
	if err != nil {
		return domain.Evidence{}, err
	}
	row := domain.Evidence{
		ID: newID(in.ID), QuestionID: in.QuestionID, Title: strings.TrimSpace(in.Title), URL: strings.TrimSpace(in.URL),
		Section: in.Section, Excerpt: in.Excerpt, CreatedBy: uid, CreatedAt: e.b.now(),
	}
	var out []domain.Evidence
	_, err = e.b.client.From(tableEvidence).Insert(row, false, "", representation, "").ExecuteTo(&out)
	return one("evidence", out, err)
}

func (e evidence) Get(ctx context.Context, id string) (domain.Evidence, error) {
	var out []domain.Evidence
	_, err := e.b.client.From(tableEvidence).Select("*", "", false).Eq("id", id).ExecuteTo(&out)
	return one("evidence", out, err)
}

func (e evidence) List(ctx context.Context, questionID string) ([]domain.Evidence, error) {
	out := []domain.Evidence{}
	_, err := e.b.client.From(tableEvidence).Select("*", "", false).
		Eq("question_id", questionID).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&out)
	if err != nil {
		return nil, normalize("evidence", err)
	}
	return out, nil
}

func (e evidence) Update(ctx context.Context, id string, p domain.EvidencePatch) (domain.Evidence, error) {
	row := map[string]any{}
	if p.Title != nil {
		row["title"] = *p.Title
	}
	if p.URL != nil {
		row["url"] = *p.URL
	}
	if p.Section != nil {
		row["section"] = *p.Section
	}
	if p.Excerpt != nil {
		row["excerpt"] = *p.Excerpt
	}
	if len(row) == 0 {
		return e.Get(ctx, id)
	}
	var out []domain.Evidence
	_, err := e.b.client.From(tableEvidence).Update(row, representation, "").Eq("id", id).ExecuteTo(&out)
	return one("evidence", out, err)
}

func (e evidence) Delete(ctx context.Context, id string) error {
	var out []domain.Evidence
	_, err := e.b.client.From(tableEvidence).Delete(representation, "").Eq("id", id).ExecuteTo(&out)
	_, err = one("evidence", out, err)
	return err
}

type profiles struct{ b *Backend }

func (p profiles) Me(ctx context.Context) (domain.Profile, error) {
	uid, err := p.b.UserID(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	return p.Get(ctx, uid)
}

func (p profiles) Get(ctx context.Context, id string) (domain.Profile, error) {
	var out []domain.Profile
	_, err := p.b.client.From(tableProfiles).Select("*", "", false).Eq("id", id).ExecuteTo(&out)
	return one("profile", out, err)
}

func (p profiles) Upsert(ctx context.Context, in domain.ProfileInput) (domain.Profile, error) {
	now := p.b.now()
	row := map[string]any{"id": in.ID, "display_name": in.DisplayName, "role": in.Role, "updated_at": now}
	var out []domain.Profile
	_, err := p.b.client.From(tableProfiles).Insert(row, true, "id", representation, "").ExecuteTo(&out)
	return one("profile", out, err)
}
