package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/metrics"
	"github.com/oar-cd/conductor/orchestrator"
	"github.com/oar-cd/conductor/repository"
	"github.com/oar-cd/conductor/scheduler"
	"github.com/oar-cd/conductor/testing/mocks"
)

const testSecret = "test-secret"

var testUserID = uuid.MustParse("5f1c1b1e-8a43-4c55-9a55-1d0f3f4f9a10")

type testServer struct {
	engine   *mocks.MockEngine
	webhooks *mocks.MockWebhookTrigger
	audit    *mocks.MockAuditLog
	handler  http.Handler
}

func newTestServer() *testServer {
	return newTestServerWithProxy(false)
}

func newTestServerWithProxy(trustProxy bool) *testServer {
	s := &testServer{
		engine:   &mocks.MockEngine{},
		webhooks: &mocks.MockWebhookTrigger{},
		audit:    &mocks.MockAuditLog{},
	}
	s.handler = NewRouter(NewHandlers(s.engine, s.webhooks, s.audit, testSecret), metrics.New(nil), trustProxy)
	return s
}

func (s *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func issue(t *testing.T, role domain.Role) string {
	t.Helper()
	token, err := IssueToken(testSecret, testUserID, "alice", role, time.Hour)
	require.NoError(t, err)
	return token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestAuthenticate(t *testing.T) {
	s := newTestServer()

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: "alice",
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	system := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Username: "x", Role: "system"})
	systemToken, err := system.SignedString([]byte(testSecret))
	require.NoError(t, err)

	foreignToken, err := IssueToken("other-secret", testUserID, "alice", domain.RoleAdmin, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", foreignToken, http.StatusUnauthorized},
		{"expired", expiredToken, http.StatusUnauthorized},
		{"system role", systemToken, http.StatusUnauthorized},
		{"valid", issue(t, domain.RoleViewer), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/runs", "", tt.token)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIssueToken_Rejections(t *testing.T) {
	_, err := IssueToken("", testUserID, "alice", domain.RoleAdmin, time.Hour)
	assert.Error(t, err)

	_, err = IssueToken(testSecret, testUserID, "engine", domain.RoleSystem, time.Hour)
	assert.Error(t, err)
}

func TestSubmitRun(t *testing.T) {
	s := newTestServer()
	formID := uuid.New()

	var got orchestrator.SubmitRequest
	s.engine.SubmitFunc = func(_ context.Context, req orchestrator.SubmitRequest) (*orchestrator.Submission, error) {
		got = req
		run := domain.NewRun(&req.FormID, uuid.New(), uuid.New(), req.Variables, req.Trigger)
		return &orchestrator.Submission{Runs: []*domain.Run{run}}, nil
	}

	body := `{"form_id":"` + formID.String() + `","variables":{"service":"api","replicas":3}}`
	rec := s.do(t, http.MethodPost, "/api/runs", body, issue(t, domain.RoleEditor))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp submitResponse
	decodeBody(t, rec, &resp)
	require.NotNil(t, resp.RunID)
	assert.Nil(t, resp.BatchID)
	assert.Equal(t, []uuid.UUID{*resp.RunID}, resp.RunIDs)
	assert.Equal(t, "pending", resp.Status)

	assert.Equal(t, formID, got.FormID)
	assert.Equal(t, domain.TriggerManual, got.Trigger)
	assert.Equal(t, "api", got.Variables["service"])
	assert.Equal(t, json.Number("3"), got.Variables["replicas"])
	assert.Equal(t, "alice", got.Actor.Username)
	assert.Equal(t, domain.RoleEditor, got.Actor.Role)
	assert.Equal(t, &testUserID, got.Actor.UserID)
	assert.Equal(t, "192.0.2.1", got.Actor.IP)
}

func TestSubmitRun_Batch(t *testing.T) {
	s := newTestServer()
	batchID := uuid.New()
	s.engine.SubmitFunc = func(_ context.Context, req orchestrator.SubmitRequest) (*orchestrator.Submission, error) {
		runs := []*domain.Run{
			domain.NewRun(&req.FormID, uuid.New(), uuid.New(), nil, req.Trigger),
			domain.NewRun(&req.FormID, uuid.New(), uuid.New(), nil, req.Trigger),
		}
		return &orchestrator.Submission{BatchID: &batchID, Runs: runs}, nil
	}

	rec := s.do(t, http.MethodPost, "/api/runs", `{"form_id":"`+uuid.NewString()+`"}`, issue(t, domain.RoleAdmin))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	decodeBody(t, rec, &resp)
	assert.Nil(t, resp.RunID)
	assert.Equal(t, &batchID, resp.BatchID)
	assert.Len(t, resp.RunIDs, 2)
}

func TestSubmitRun_BadRequests(t *testing.T) {
	s := newTestServer()
	token := issue(t, domain.RoleAdmin)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/runs", `{`, token).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/runs", `{}`, token).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/runs/adhoc", `{"server_id":"`+uuid.NewString()+`"}`, token).Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		message string
	}{
		{"validation", &domain.ValidationError{Field: "replicas", Reason: "not numeric"}, http.StatusUnprocessableEntity, `validation error: field "replicas": not numeric`},
		{"configuration", domain.NewConfigurationError("form has no target"), http.StatusBadRequest, "configuration error: form has no target"},
		{"authorization", &domain.AuthorizationError{Reason: "viewers may only run quick actions"}, http.StatusForbidden, "authorization error: viewers may only run quick actions"},
		{"shutting down", orchestrator.ErrShuttingDown, http.StatusServiceUnavailable, "engine is shutting down"},
		{"storage", errors.New("disk I/O error"), http.StatusInternalServerError, "an unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			s.engine.SubmitFunc = func(context.Context, orchestrator.SubmitRequest) (*orchestrator.Submission, error) {
				return nil, tt.err
			}

			rec := s.do(t, http.MethodPost, "/api/runs", `{"form_id":"`+uuid.NewString()+`"}`, issue(t, domain.RoleViewer))
			assert.Equal(t, tt.want, rec.Code)

			var resp errorResponse
			decodeBody(t, rec, &resp)
			assert.Equal(t, tt.message, resp.Error)
		})
	}
}

func TestSubmitAdHoc(t *testing.T) {
	s := newTestServer()
	playbookID, serverID, vaultID := uuid.New(), uuid.New(), uuid.New()

	var got orchestrator.AdHocRequest
	s.engine.SubmitAdHocFunc = func(_ context.Context, req orchestrator.AdHocRequest) (*orchestrator.Submission, error) {
		got = req
		return &orchestrator.Submission{Runs: []*domain.Run{
			domain.NewRun(nil, req.PlaybookID, req.ServerID, req.Variables, domain.TriggerAdHoc),
		}}, nil
	}

	body := `{"playbook_id":"` + playbookID.String() + `","server_id":"` + serverID.String() +
		`","vault_id":"` + vaultID.String() + `","variables":{"tag":"v2"}}`
	rec := s.do(t, http.MethodPost, "/api/runs/adhoc", body, issue(t, domain.RoleAdmin))
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, playbookID, got.PlaybookID)
	assert.Equal(t, serverID, got.ServerID)
	assert.Equal(t, &vaultID, got.VaultID)
	assert.Equal(t, domain.RoleAdmin, got.Actor.Role)
}

func TestListRuns(t *testing.T) {
	s := newTestServer()
	formID := uuid.New()

	var got repository.RunFilter
	s.engine.ListRunsFunc = func(_ context.Context, filter repository.RunFilter) ([]*domain.Run, int64, error) {
		got = filter
		run := domain.NewRun(&formID, uuid.New(), uuid.New(), nil, domain.TriggerSchedule)
		run.Output = "secret-free but long output"
		return []*domain.Run{run}, 42, nil
	}

	rec := s.do(t, http.MethodGet, "/api/runs?form_id="+formID.String()+"&status=failed&limit=10&offset=20", "", issue(t, domain.RoleViewer))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("X-Total-Count"))

	require.NotNil(t, got.FormID)
	assert.Equal(t, formID, *got.FormID)
	require.NotNil(t, got.Status)
	assert.Equal(t, domain.RunStatusFailed, *got.Status)
	assert.Nil(t, got.BatchID)
	assert.Equal(t, 10, got.Limit)
	assert.Equal(t, 20, got.Offset)

	var runs []map[string]any
	decodeBody(t, rec, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "schedule", runs[0]["trigger"])
	assert.NotContains(t, runs[0], "output")
}

func TestListRuns_InvalidQuery(t *testing.T) {
	s := newTestServer()
	token := issue(t, domain.RoleViewer)

	for _, query := range []string{"status=finished", "batch_id=nope", "limit=-1", "offset=x"} {
		rec := s.do(t, http.MethodGet, "/api/runs?"+query, "", token)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestGetRun(t *testing.T) {
	s := newTestServer()
	runID := uuid.New()
	s.engine.GetRunFunc = func(_ context.Context, id uuid.UUID) (*domain.Run, error) {
		if id != runID {
			return nil, gorm.ErrRecordNotFound
		}
		return &domain.Run{ID: id, Status: domain.RunStatusRunning, Output: "PLAY [all]\n"}, nil
	}
	token := issue(t, domain.RoleViewer)

	rec := s.do(t, http.MethodGet, "/api/runs/"+runID.String(), "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp runResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "running", resp.Status)
	require.NotNil(t, resp.Output)
	assert.Equal(t, "PLAY [all]\n", *resp.Output)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/runs/"+uuid.NewString(), "", token).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/runs/123", "", token).Code)
}

func TestStreamRun(t *testing.T) {
	s := newTestServer()
	runID := uuid.New()

	s.engine.FollowFunc = func(id uuid.UUID) (*domain.Run, <-chan string, func(), error) {
		ch := make(chan string, 2)
		ch <- "ok: [web-1]\n"
		ch <- "[cancelled]\n"
		close(ch)
		return &domain.Run{ID: id, Status: domain.RunStatusRunning, Output: "PLAY [all]\n"}, ch, func() {}, nil
	}
	s.engine.GetRunFunc = func(_ context.Context, id uuid.UUID) (*domain.Run, error) {
		return &domain.Run{ID: id, Status: domain.RunStatusFailed}, nil
	}

	rec := s.do(t, http.MethodGet, "/api/runs/"+runID.String()+"/stream", "", issue(t, domain.RoleViewer))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	want := "event: output\ndata: \"PLAY [all]\\n\"\n\n" +
		"event: output\ndata: \"ok: [web-1]\\n\"\n\n" +
		"event: output\ndata: \"[cancelled]\\n\"\n\n" +
		"event: status\ndata: \"failed\"\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestStreamRun_NotFound(t *testing.T) {
	s := newTestServer()
	s.engine.FollowFunc = func(uuid.UUID) (*domain.Run, <-chan string, func(), error) {
		return nil, nil, nil, gorm.ErrRecordNotFound
	}

	rec := s.do(t, http.MethodGet, "/api/runs/"+uuid.NewString()+"/stream", "", issue(t, domain.RoleViewer))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	s := newTestServer()
	finished := uuid.New()

	var actor domain.Actor
	s.engine.CancelRunFunc = func(_ context.Context, id uuid.UUID, a domain.Actor) error {
		actor = a
		if id == finished {
			return orchestrator.ErrRunFinished
		}
		return nil
	}
	token := issue(t, domain.RoleEditor)

	rec := s.do(t, http.MethodPost, "/api/runs/"+uuid.NewString()+"/cancel", "", token)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "alice", actor.Username)

	rec = s.do(t, http.MethodPost, "/api/runs/"+finished.String()+"/cancel", "", token)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetBatch(t *testing.T) {
	s := newTestServer()
	batchID := uuid.New()
	s.engine.BatchStatusFunc = func(_ context.Context, id uuid.UUID) (*domain.Batch, error) {
		if id != batchID {
			return nil, orchestrator.ErrBatchNotFound
		}
		return domain.NewBatch(id, []*domain.Run{
			{ID: uuid.New(), Status: domain.RunStatusSuccess},
			{ID: uuid.New(), Status: domain.RunStatusRunning},
		}), nil
	}
	token := issue(t, domain.RoleViewer)

	rec := s.do(t, http.MethodGet, "/api/batches/"+batchID.String(), "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp batchResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "running", resp.Status)
	assert.Len(t, resp.Runs, 2)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/batches/"+uuid.NewString(), "", token).Code)
}

func TestListAudit(t *testing.T) {
	s := newTestServer()
	s.audit.On("List", 5, 0).Return([]*domain.AuditLog{
		{ID: uuid.New(), Username: "scheduler", Action: "schedule_dispatch", Resource: "form", ResourceID: "f1"},
	}, int64(7), nil)

	rec := s.do(t, http.MethodGet, "/api/audit?limit=5", "", issue(t, domain.RoleViewer))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/audit?limit=5", "", issue(t, domain.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("X-Total-Count"))

	var entries []auditResponse
	decodeBody(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "schedule_dispatch", entries[0].Action)
	s.audit.AssertExpectations(t)
}

func TestTriggerWebhook(t *testing.T) {
	formID := uuid.New()
	batchID := uuid.New()
	accepted := &scheduler.WebhookResult{
		Form: &domain.Form{ID: formID},
		Submission: &orchestrator.Submission{BatchID: &batchID, Runs: []*domain.Run{
			{ID: uuid.New()}, {ID: uuid.New()},
		}},
	}

	tests := []struct {
		name   string
		path   string
		body   string
		result *scheduler.WebhookResult
		err    error
		want   int
	}{
		{"accepted", "/api/webhooks/forms/tok", `{"tag":"v2"}`, accepted, nil, http.StatusAccepted},
		{"accepted without body", "/api/webhooks/forms/" + formID.String() + "/tok", "", accepted, nil, http.StatusAccepted},
		{"token mismatch", "/api/webhooks/forms/tok", "", nil, &domain.AuthorizationError{Reason: "invalid webhook token"}, http.StatusUnauthorized},
		{"rate limited", "/api/webhooks/forms/tok", "", nil, scheduler.ErrRateLimited, http.StatusTooManyRequests},
		{"validation", "/api/webhooks/forms/tok", `{"replicas":"many"}`, nil, &domain.ValidationError{Field: "replicas", Reason: "not numeric"}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			s.webhooks.On("TriggerWebhook", mock.Anything, mock.MatchedBy(func(req scheduler.WebhookRequest) bool {
				return req.Token == "tok" && req.IP == "192.0.2.1"
			})).Return(tt.result, tt.err)

			rec := s.do(t, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			s.webhooks.AssertExpectations(t)
		})
	}
}

func TestTriggerWebhook_PassesFormAndPayload(t *testing.T) {
	s := newTestServer()
	formID := uuid.New()

	s.webhooks.On("TriggerWebhook", mock.Anything, mock.Anything).Return(&scheduler.WebhookResult{
		Submission: &orchestrator.Submission{Runs: []*domain.Run{{ID: uuid.New()}}},
	}, nil)

	rec := s.do(t, http.MethodPost, "/api/webhooks/forms/"+formID.String()+"/tok", `{"tag":"v2"}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	req := s.webhooks.Calls[0].Arguments.Get(1).(scheduler.WebhookRequest)
	require.NotNil(t, req.FormID)
	assert.Equal(t, formID, *req.FormID)
	assert.Equal(t, "v2", req.Payload["tag"])

	rec = s.do(t, http.MethodPost, "/api/webhooks/forms/tok", `["not","an","object"]`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/webhooks/forms/bad-id/tok", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conductor_http_requests_total")
}

func TestTriggerWebhook_ClientAddress(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		wantIP     string
	}{
		{"forwarded header ignored by default", false, "192.0.2.1"},
		{"forwarded header honoured behind a proxy", true, "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServerWithProxy(tt.trustProxy)
			s.webhooks.On("TriggerWebhook", mock.Anything, mock.MatchedBy(func(req scheduler.WebhookRequest) bool {
				return req.IP == tt.wantIP
			})).Return(nil, scheduler.ErrRateLimited).Once()

			// httptest requests come from 192.0.2.1
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/forms/tok", nil)
			req.Header.Set("X-Forwarded-For", "203.0.113.7")
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			s.webhooks.AssertExpectations(t)
		})
	}
}
