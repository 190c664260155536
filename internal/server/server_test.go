package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisiondesk/internal/db"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/engine"
	"decisiondesk/internal/gateway"
	"decisiondesk/internal/gateway/httpgw"
	"decisiondesk/internal/metrics"
	"decisiondesk/internal/migrate"
	desksdk "decisiondesk/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Engine  engine.Engine
	Metrics *metrics.Collector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, nil)
	m := metrics.New()
	handler, err := New(Config{
		Engine:  e,
		Auth:    AuthConfig{JWTSecret: testSecret, DevLogin: true},
		Metrics: m,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: e, Metrics: m}
}

// login mints a token for id and makes sure the profile exists.
func (s *testServer) login(t *testing.T, id, role string) *desksdk.Client {
	t.Helper()
	c := desksdk.New(s.URL)
	tok, err := c.DevLogin(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "Bearer", tok.TokenType)
	c.BearerToken = tok.AccessToken
	_, err = c.PutProfile(context.Background(), domain.ProfileInput{ID: id, DisplayName: strings.ToUpper(id), Role: role})
	require.NoError(t, err)
	return c
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestHealthIsOpen(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, http.MethodGet, s.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRequestsNeedCredentials(t *testing.T) {
	s := newTestServer(t)

	resp, data := doJSON(t, http.MethodGet, s.URL+"/v1/questions", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeEnvelope(t, data).Error.Code)

	resp, data = doJSON(t, http.MethodGet, s.URL+"/v1/questions", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeEnvelope(t, data).Error.Code)
}

func TestDevLoginAndProfile(t *testing.T) {
	s := newTestServer(t)
	maho := s.login(t, "maho-1", domain.RoleDrafter)

	me, err := maho.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "maho-1", me.ID)
	assert.Equal(t, domain.RoleDrafter, me.Role)

	// a body id that disagrees with the path is rejected
	resp, data := doJSON(t, http.MethodPut, s.URL+"/v1/profiles/maho-1",
		domain.ProfileInput{ID: "someone-else", Role: domain.RoleDrafter},
		map[string]string{"Authorization": "Bearer " + maho.BearerToken})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", decodeEnvelope(t, data).Error.Code)
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	maho := s.login(t, "maho-1", domain.RoleDrafter)
	auth := map[string]string{"Authorization": "Bearer " + maho.BearerToken}

	resp, data := doJSON(t, http.MethodGet, s.URL+"/v1/questions/missing", nil, auth)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeEnvelope(t, data).Error.Code)

	resp, data = doJSON(t, http.MethodPost, s.URL+"/v1/questions",
		domain.QuestionInput{Title: "Pricing", Category: "astrology"}, auth)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	env := decodeEnvelope(t, data)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Contains(t, env.Error.Details, "fields")

	q, err := maho.CreateQuestion(context.Background(), domain.QuestionInput{Title: "Pricing", Category: "pricing"})
	require.NoError(t, err)
	resp, data = doJSON(t, http.MethodPatch, s.URL+"/v1/questions/"+q.ID,
		map[string]any{"status": domain.StatusApproved}, auth)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	env = decodeEnvelope(t, data)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, domain.StatusDraft, env.Error.Details["from"])
}

func TestGatewayRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	drafter := gateway.New(httpgw.New(s.login(t, "maho-1", domain.RoleDrafter), httpgw.DefaultBreakerConfig(), nil), nil)
	reviewer := gateway.New(httpgw.New(s.login(t, "kel-1", domain.RoleReviewer), httpgw.DefaultBreakerConfig(), nil), nil)

	q, err := drafter.Questions.Create(ctx, domain.QuestionInput{Title: "Raise prices?", Category: "pricing"})
	require.NoError(t, err)
	_, err = drafter.Evidence.Create(ctx, domain.EvidenceInput{QuestionID: q.ID, Title: "Survey", URL: "https://example.com/survey"})
	require.NoError(t, err)
	ready := domain.StatusReadyForReview
	_, err = drafter.Questions.Update(ctx, q.ID, domain.QuestionPatch{Status: &ready})
	require.NoError(t, err)

	pending, err := reviewer.Questions.List(ctx, domain.QuestionFilter{Status: domain.StatusReadyForReview, OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	evs, err := reviewer.Evidence.List(ctx, q.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	viewed, err := reviewer.Questions.MarkViewed(ctx, q.ID)
	require.NoError(t, err)
	assert.NotNil(t, viewed.ViewedAt)

	_, err = drafter.Decisions.Create(ctx, domain.DecisionInput{QuestionID: q.ID, DecisionType: domain.DecisionApproved})
	var gerr *gateway.Error
	require.True(t, errors.As(err, &gerr), "%v", err)
	assert.Equal(t, gateway.KindForbidden, gerr.Kind)

	d, err := reviewer.Decisions.Create(ctx, domain.DecisionInput{QuestionID: q.ID, DecisionType: domain.DecisionApproved, Reasoning: "go"})
	require.NoError(t, err)
	got, err := drafter.Decisions.GetByQuestion(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	inc, err := drafter.Decisions.MarkIncorporated(ctx, d.ID)
	require.NoError(t, err)
	assert.NotNil(t, inc.IncorporatedAt)

	err = reviewer.Decisions.Delete(ctx, d.ID)
	require.True(t, errors.As(err, &gerr), "%v", err)
	assert.Equal(t, gateway.KindConflict, gerr.Kind)

	_, err = drafter.Questions.Get(ctx, "missing")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t)
	kel := s.login(t, "kel-1", domain.RoleReviewer)
	bearer := map[string]string{"Authorization": "Bearer " + kel.BearerToken}

	resp, data := doJSON(t, http.MethodPost, s.URL+"/v1/api-keys", CreateAPIKeyRequest{Name: "laptop"}, bearer)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var key APIKeyResponse
	require.NoError(t, json.Unmarshal(data, &key))
	require.NotEmpty(t, key.Key)

	c := desksdk.New(s.URL)
	c.APIKey = key.Key
	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kel-1", me.ID)

	resp, _ = doJSON(t, http.MethodDelete, s.URL+"/v1/api-keys/"+key.ID, nil, bearer)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = c.Me(context.Background())
	var apiErr *desksdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(t)
	maho := s.login(t, "maho-1", domain.RoleDrafter)
	q, err := maho.CreateQuestion(context.Background(), domain.QuestionInput{Title: "Hire?", Category: "hiring"})
	require.NoError(t, err)

	resp, data := doJSON(t, http.MethodGet, s.URL+"/v1/events?entity_kind=question&entity_id="+q.ID, nil,
		map[string]string{"Authorization": "Bearer " + maho.BearerToken})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var out EventListResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out.Items)
	assert.Equal(t, q.ID, out.Items[0].EntityID)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, http.MethodGet, s.URL+"/v1/health", nil, nil)

	resp, data := doJSON(t, http.MethodGet, s.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `decisiondesk_http_requests_total{method="GET",route="/v1/health",status="200"}`)
}

func TestOpenAPIDocument(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, http.MethodGet, s.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/questions/{id}/decision")
	assert.Contains(t, paths, "/v1/decisions/{id}/incorporated")
}
