package desksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"decisiondesk/internal/domain"
)

// Client is a minimal decisiondesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    any
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// Token is returned by the dev login endpoint.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// DevLogin mints a bearer token for userID. Only enabled on dev servers.
func (c *Client) DevLogin(ctx context.Context, userID string) (Token, error) {
	var resp Token
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"user_id": userID}, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (domain.Profile, error) {
	var resp domain.Profile
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	var resp domain.Profile
	err := c.do(ctx, http.MethodGet, "profiles/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) PutProfile(ctx context.Context, in domain.ProfileInput) (domain.Profile, error) {
	var resp domain.Profile
	err := c.do(ctx, http.MethodPut, "profiles/"+url.PathEscape(in.ID), in, &resp)
	return resp, err
}

// CreateQuestion creates a draft question.
func (c *Client) CreateQuestion(ctx context.Context, in domain.QuestionInput) (domain.Question, error) {
	var resp domain.Question
	err := c.do(ctx, http.MethodPost, "questions", in, &resp)
	return resp, err
}

func (c *Client) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	var resp domain.Question
	err := c.do(ctx, http.MethodGet, "questions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListQuestions returns questions matching the filter.
func (c *Client) ListQuestions(ctx context.Context, f domain.QuestionFilter) ([]domain.Question, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.CreatedBy != "" {
		q.Set("created_by", f.CreatedBy)
	}
	if f.Archived {
		q.Set("archived", "true")
	}
	if f.OldestFirst {
		q.Set("oldest_first", "true")
	}
	var resp listResponse[domain.Question]
	err := c.do(ctx, http.MethodGet, withQuery("questions", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) UpdateQuestion(ctx context.Context, id string, p domain.QuestionPatch) (domain.Question, error) {
	var resp domain.Question
	err := c.do(ctx, http.MethodPatch, "questions/"+url.PathEscape(id), p, &resp)
	return resp, err
}

func (c *Client) DeleteQuestion(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "questions/"+url.PathEscape(id), nil, nil)
}

// QuestionAction posts one of the question verbs: archive, restore or viewed.
func (c *Client) QuestionAction(ctx context.Context, id, action string) (domain.Question, error) {
	var resp domain.Question
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("questions/%s/%s", url.PathEscape(id), action), nil, &resp)
	return resp, err
}

func (c *Client) CreateDecision(ctx context.Context, in domain.DecisionInput) (domain.Decision, error) {
	var resp domain.Decision
	err := c.do(ctx, http.MethodPost, "decisions", in, &resp)
	return resp, err
}

func (c *Client) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	var resp domain.Decision
	err := c.do(ctx, http.MethodGet, "decisions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) GetDecisionByQuestion(ctx context.Context, questionID string) (domain.Decision, error) {
	var resp domain.Decision
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("questions/%s/decision", url.PathEscape(questionID)), nil, &resp)
	return resp, err
}

func (c *Client) ListDecisions(ctx context.Context, f domain.DecisionFilter) ([]domain.Decision, error) {
	q := url.Values{}
	if f.QuestionID != "" {
		q.Set("question_id", f.QuestionID)
	}
	if f.Unincorporated {
		q.Set("unincorporated", "true")
	}
	var resp listResponse[domain.Decision]
	err := c.do(ctx, http.MethodGet, withQuery("decisions", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) UpdateDecision(ctx context.Context, id string, p domain.DecisionPatch) (domain.Decision, error) {
	var resp domain.Decision
	err := c.do(ctx, http.MethodPatch, "decisions/"+url.PathEscape(id), p, &resp)
	return resp, err
}

func (c *Client) DeleteDecision(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "decisions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) MarkIncorporated(ctx context.Context, id string) (domain.Decision, error) {
	var resp domain.Decision
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("decisions/%s/incorporated", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) CreateEvidence(ctx context.Context, in domain.EvidenceInput) (domain.Evidence, error) {
	var resp domain.Evidence
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("questions/%s/evidence", url.PathEscape(in.QuestionID)), in, &resp)
	return resp, err
}

func (c *Client) GetEvidence(ctx context.Context, id string) (domain.Evidence, error) {
	var resp domain.Evidence
	err := c.do(ctx, http.MethodGet, "evidence/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListEvidence(ctx context.Context, questionID string) ([]domain.Evidence, error) {
	var resp listResponse[domain.Evidence]
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("questions/%s/evidence", url.PathEscape(questionID)), nil, &resp)
	return resp.Items, err
}

func (c *Client) UpdateEvidence(ctx context.Context, id string, p domain.EvidencePatch) (domain.Evidence, error) {
	var resp domain.Evidence
	err := c.do(ctx, http.MethodPatch, "evidence/"+url.PathEscape(id), p, &resp)
	return resp, err
}

func (c *Client) DeleteEvidence(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "evidence/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
				Details any    `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
