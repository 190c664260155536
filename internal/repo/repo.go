package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"decisiondesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when the caller is inside a transaction, the pool otherwise.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

const questionColumns = `id,title,description,category,recommendation,rationale,status,created_by,created_at,updated_at,viewed_at`

func scanQuestion(row rowScanner) (domain.Question, error) {
	var q domain.Question
	var desc, rec, rationale, viewedAt sql.NullString
	err := row.Scan(&q.ID, &q.Title, &desc, &q.Category, &rec, &rationale, &q.Status, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt, &viewedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.Description = desc.String
	q.Recommendation = rec.String
	q.Rationale = rationale.String
	if viewedAt.Valid {
		q.ViewedAt = &viewedAt.String
	}
	return q, nil
}

func (r Repo) InsertQuestion(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO questions(`+questionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.Title, nullable(q.Description), q.Category, nullable(q.Recommendation), nullable(q.Rationale),
		q.Status, q.CreatedBy, q.CreatedAt, q.UpdatedAt, nullableStringPtr(q.ViewedAt))
	return err
}

func (r Repo) GetQuestion(ctx context.Context, tx *sql.Tx, id string) (domain.Question, error) {
	return scanQuestion(r.on(tx).QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=?`, id))
}

// UpdateQuestion rewrites the mutable columns. viewed_at is owned by SetQuestionViewed.
func (r Repo) UpdateQuestion(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE questions SET title=?, description=?, category=?, recommendation=?, rationale=?, status=?, updated_at=? WHERE id=?`,
		q.Title, nullable(q.Description), q.Category, nullable(q.Recommendation), nullable(q.Rationale), q.Status, q.UpdatedAt, q.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetQuestionViewed stamps viewed_at unless it is already set. It reports whether a row changed.
func (r Repo) SetQuestionViewed(ctx context.Context, tx *sql.Tx, id, ts string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE questions SET viewed_at=? WHERE id=? AND viewed_at IS NULL`, ts, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteQuestion(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM questions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type QuestionFilters struct {
	Statuses      []string
	ExcludeStatus string
	Category      string
	CreatedBy     string
	OldestFirst   bool
	Limit         int
}

func (r Repo) ListQuestions(ctx context.Context, f QuestionFilters) ([]domain.Question, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.ExcludeStatus != "" {
		clauses = append(clauses, "status != ?")
		args = append(args, f.ExcludeStatus)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := ` ORDER BY created_at DESC, id DESC`
	if f.OldestFirst {
		order = ` ORDER BY created_at ASC, id ASC`
	}
	query := `SELECT ` + questionColumns + ` FROM questions ` + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

const decisionColumns = `id,question_id,decision_type,constraints_json,constraint_context,reasoning,created_by,created_at,incorporated_at`

func scanDecision(row rowScanner) (domain.Decision, error) {
	var d domain.Decision
	var constraints, constraintCtx, reasoning, incorporatedAt sql.NullString
	err := row.Scan(&d.ID, &d.QuestionID, &d.DecisionType, &constraints, &constraintCtx, &reasoning, &d.CreatedBy, &d.CreatedAt, &incorporatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if constraints.Valid && constraints.String != "" {
		if err := json.Unmarshal([]byte(constraints.String), &d.Constraints); err != nil {
			return d, fmt.Errorf("decode constraints for decision %s: %w", d.ID, err)
		}
	}
	d.ConstraintContext = constraintCtx.String
	d.Reasoning = reasoning.String
	if incorporatedAt.Valid {
		d.IncorporatedAt = &incorporatedAt.String
	}
	return d, nil
}

func marshalConstraints(in []domain.Constraint) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	constraints, err := marshalConstraints(d.Constraints)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO decisions(`+decisionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.QuestionID, d.DecisionType, constraints, nullable(d.ConstraintContext), nullable(d.Reasoning),
		d.CreatedBy, d.CreatedAt, nullableStringPtr(d.IncorporatedAt))
	return err
}

func (r Repo) GetDecision(ctx context.Context, tx *sql.Tx, id string) (domain.Decision, error) {
	return scanDecision(r.on(tx).QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id))
}

func (r Repo) GetDecisionByQuestion(ctx context.Context, tx *sql.Tx, questionID string) (domain.Decision, error) {
	return scanDecision(r.on(tx).QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE question_id=?`, questionID))
}

// UpdateDecision rewrites the verdict columns. incorporated_at is owned by SetDecisionIncorporated.
func (r Repo) UpdateDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	constraints, err := marshalConstraints(d.Constraints)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE decisions SET decision_type=?, constraints_json=?, constraint_context=?, reasoning=? WHERE id=?`,
		d.DecisionType, constraints, nullable(d.ConstraintContext), nullable(d.Reasoning), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDecisionIncorporated stamps incorporated_at unless it is already set.
func (r Repo) SetDecisionIncorporated(ctx context.Context, tx *sql.Tx, id, ts string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE decisions SET incorporated_at=? WHERE id=? AND incorporated_at IS NULL`, ts, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteDecision(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM decisions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DecisionFilters struct {
	QuestionID string
	CreatedBy  string
	// Unincorporated limits results to decisions whose constraints are still open.
	Unincorporated bool
	Limit          int
}

func (r Repo) ListDecisions(ctx context.Context, f DecisionFilters) ([]domain.Decision, error) {
	var clauses []string
	var args []any
	if f.QuestionID != "" {
		clauses = append(clauses, "question_id=?")
		args = append(args, f.QuestionID)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.Unincorporated {
		clauses = append(clauses, "incorporated_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

const evidenceColumns = `id,question_id,title,url,section,excerpt,created_by,created_at`

func scanEvidence(row rowScanner) (domain.Evidence, error) {
	var ev domain.Evidence
	var section, excerpt sql.NullString
	err := row.Scan(&ev.ID, &ev.QuestionID, &ev.Title, &ev.URL, &section, &excerpt, &ev.CreatedBy, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.Section = section.String
	ev.Excerpt = excerpt.String
	return ev, nil
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO evidence(`+evidenceColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.QuestionID, ev.Title, ev.URL, nullable(ev.Section), nullable(ev.Excerpt), ev.CreatedBy, ev.CreatedAt)
	return err
}

func (r Repo) GetEvidence(ctx context.Context, tx *sql.Tx, id string) (domain.Evidence, error) {
	return scanEvidence(r.on(tx).QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id=?`, id))
}

func (r Repo) UpdateEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE evidence SET title=?, url=?, section=?, excerpt=? WHERE id=?`,
		ev.Title, ev.URL, nullable(ev.Section), nullable(ev.Excerpt), ev.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteEvidence(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM evidence WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvidence returns a question's evidence in insertion order.
func (r Repo) ListEvidence(ctx context.Context, questionID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE question_id=? ORDER BY created_at ASC, rowid ASC`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Evidence{}
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO profiles(id,display_name,role,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, role=excluded.role, updated_at=excluded.updated_at`,
		p.ID, nullable(p.DisplayName), p.Role, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, tx *sql.Tx, id string) (domain.Profile, error) {
	var p domain.Profile
	var name sql.NullString
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,display_name,role,created_at,updated_at FROM profiles WHERE id=?`, id).
		Scan(&p.ID, &name, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.DisplayName = name.String
	return p, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
