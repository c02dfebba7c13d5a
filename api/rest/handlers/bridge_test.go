package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scriptflow/api/rest/middleware"
	"scriptflow/config"
	"scriptflow/core/auth"
	"scriptflow/core/bridge"
	"scriptflow/core/metrics"
	"scriptflow/core/models"
	"scriptflow/core/repository"
	"scriptflow/pkg/apperr"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutions backs the bridge service without a database.
type fakeExecutions struct {
	records   map[string]*repository.ExecutionRecord
	variables map[string]*models.Variable
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{
		records:   make(map[string]*repository.ExecutionRecord),
		variables: make(map[string]*models.Variable),
	}
}

func (f *fakeExecutions) Create(_ context.Context, rec *repository.ExecutionRecord) error {
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeExecutions) Get(_ context.Context, id string) (*repository.ExecutionRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, apperr.NotFound("execution %s not found", id)
	}
	return rec, nil
}

func (f *fakeExecutions) SetOutput(_ context.Context, id string, output any) error {
	rec, ok := f.records[id]
	if !ok {
		return apperr.NotFound("execution %s not found", id)
	}
	rec.Output = output
	return nil
}

func (f *fakeExecutions) SetCondition(_ context.Context, id string, condition bool) error {
	rec, ok := f.records[id]
	if !ok {
		return apperr.NotFound("execution %s not found", id)
	}
	rec.ConditionMet = &condition
	return nil
}

func (f *fakeExecutions) GetVariable(_ context.Context, userID, key string) (*models.Variable, error) {
	variable, ok := f.variables[userID+"/"+key]
	if !ok {
		return nil, nil
	}
	return variable, nil
}

func (f *fakeExecutions) SetVariable(_ context.Context, userID, key string, value any) error {
	f.variables[userID+"/"+key] = &models.Variable{Key: key, Value: value, UpdatedAt: time.Now()}
	return nil
}

func (f *fakeExecutions) DeleteVariable(_ context.Context, userID, key string) error {
	delete(f.variables, userID+"/"+key)
	return nil
}

type fakeCache struct {
	sessions  map[string]*models.ExecutionSession
	inputs    map[string]any
	outputs   map[string]any
	variables map[string]*models.Variable
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		sessions:  make(map[string]*models.ExecutionSession),
		inputs:    make(map[string]any),
		outputs:   make(map[string]any),
		variables: make(map[string]*models.Variable),
	}
}

func (f *fakeCache) SetSession(_ context.Context, session *models.ExecutionSession) error {
	f.sessions[session.ExecutionID] = session
	return nil
}

func (f *fakeCache) GetSession(_ context.Context, executionID string) (*models.ExecutionSession, error) {
	session, ok := f.sessions[executionID]
	if !ok || time.Now().After(session.ExpiresAt) {
		return nil, nil
	}
	return session, nil
}

func (f *fakeCache) SetInput(_ context.Context, executionID string, input any) error {
	f.inputs[executionID] = input
	return nil
}

func (f *fakeCache) GetInput(_ context.Context, executionID string) (any, bool, error) {
	input, ok := f.inputs[executionID]
	return input, ok, nil
}

func (f *fakeCache) SetOutput(_ context.Context, executionID string, output any) error {
	f.outputs[executionID] = output
	return nil
}

func (f *fakeCache) GetOutput(_ context.Context, executionID string) (any, bool, error) {
	output, ok := f.outputs[executionID]
	return output, ok, nil
}

func (f *fakeCache) GetVariable(_ context.Context, userID, key string) (*models.Variable, error) {
	variable, ok := f.variables[userID+"/"+key]
	if !ok {
		return nil, nil
	}
	return variable, nil
}

func (f *fakeCache) SetVariable(_ context.Context, userID string, variable *models.Variable) error {
	f.variables[userID+"/"+variable.Key] = variable
	return nil
}

func (f *fakeCache) DeleteVariable(_ context.Context, userID, key string) error {
	delete(f.variables, userID+"/"+key)
	return nil
}

func (f *fakeCache) InvalidateExecution(_ context.Context, executionID string) error {
	delete(f.sessions, executionID)
	delete(f.inputs, executionID)
	delete(f.outputs, executionID)
	return nil
}

type fakeEvents struct {
	events map[string]*models.Event
}

func (f *fakeEvents) Get(_ context.Context, id string) (*models.Event, error) {
	event, ok := f.events[id]
	if !ok {
		return nil, apperr.NotFound("event %s not found", id)
	}
	return event, nil
}

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(_ context.Context, _ string, _ *bridge.ToolActionRequest) (*models.ToolActionResult, error) {
	return &models.ToolActionResult{Success: true}, nil
}

type bridgeFixture struct {
	router     *mux.Router
	service    *bridge.Service
	tokens     *auth.TokenManager
	executions *fakeExecutions
	cache      *fakeCache
	events     *fakeEvents
	collector  *metrics.Collector
}

// newBridgeFixture wires the bridge handler behind the real auth and
// rate-limit middleware, the same way the server router does.
func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	executions := newFakeExecutions()
	cacheStore := newFakeCache()
	events := &fakeEvents{events: map[string]*models.Event{
		"event-1": {ID: "event-1", Name: "nightly-report"},
	}}
	service := bridge.New(executions, events, cacheStore, fakeDispatcher{}, time.Second, log)
	tokens := auth.NewTokenManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		TokenExpiration: time.Hour,
	})
	collector := metrics.NewCollector()
	limiter := middleware.NewRateLimiter(600, log)

	handler := NewBridgeHandler(service, collector, log)
	router := mux.NewRouter()
	sub := router.PathPrefix("/executions").Subrouter()
	sub.Use(middleware.AuthMiddleware(tokens, service, log))
	sub.Use(middleware.RateLimitMiddleware(limiter))
	sub.HandleFunc("/{id}/input", handler.GetInput).Methods(http.MethodGet)
	sub.HandleFunc("/{id}/output", handler.SetOutput).Methods(http.MethodPost)
	sub.HandleFunc("/{id}/output", handler.GetOutput).Methods(http.MethodGet)
	sub.HandleFunc("/{id}/variables/{key}", handler.GetVariable).Methods(http.MethodGet)
	sub.HandleFunc("/{id}/variables/{key}", handler.SetVariable).Methods(http.MethodPost)
	sub.HandleFunc("/{id}/variables/{key}", handler.DeleteVariable).Methods(http.MethodDelete)
	sub.HandleFunc("/{id}/condition", handler.SetCondition).Methods(http.MethodPost)
	sub.HandleFunc("/{id}/event", handler.GetEvent).Methods(http.MethodGet)
	sub.HandleFunc("/{id}/tool-actions", handler.ExecuteToolAction).Methods(http.MethodPost)

	return &bridgeFixture{
		router:     router,
		service:    service,
		tokens:     tokens,
		executions: executions,
		cache:      cacheStore,
		events:     events,
		collector:  collector,
	}
}

// startExecution seeds a live session and returns its bearer token.
func (f *bridgeFixture) startExecution(t *testing.T, executionID string, input any) string {
	t.Helper()
	session := &models.ExecutionSession{
		ExecutionID: executionID,
		JobID:       "job-1",
		EventID:     "event-1",
		UserID:      "user-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, f.service.StartExecution(context.Background(), session, input))
	token, err := f.tokens.Generate(executionID, "job-1", "event-1", "user-1")
	require.NoError(t, err)
	return token
}

func (f *bridgeFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeSuccess(t *testing.T, rec *httptest.ResponseRecorder) SuccessResponse {
	t.Helper()
	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestBridgeRejectsMissingToken(t *testing.T) {
	f := newBridgeFixture(t)
	f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodGet, "/executions/exec-1/input", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Message)
}

func TestBridgeRejectsGarbageToken(t *testing.T) {
	f := newBridgeFixture(t)
	f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodGet, "/executions/exec-1/input", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBridgeRejectsTokenForOtherExecution(t *testing.T) {
	f := newBridgeFixture(t)
	f.startExecution(t, "exec-1", nil)
	otherToken := f.startExecution(t, "exec-2", nil)

	rec := f.do(http.MethodGet, "/executions/exec-1/input", otherToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBridgeRejectsExpiredSession(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)
	require.NoError(t, f.service.EndExecution(context.Background(), "exec-1"))

	rec := f.do(http.MethodGet, "/executions/exec-1/input", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBridgeGetInput(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", map[string]any{"rows": float64(3)})

	rec := f.do(http.MethodGet, "/executions/exec-1/input", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSuccess(t, rec)
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), data["rows"])
}

func TestBridgeSetOutputThenReadBack(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodPost, "/executions/exec-1/output", token, map[string]any{"data": "done"})
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := f.executions.Get(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "done", record.Output)
}

func TestBridgeGetOutputReadsBack(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodGet, "/executions/exec-1/output", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSuccess(t, rec)
	assert.Nil(t, resp.Data)

	rec = f.do(http.MethodPost, "/executions/exec-1/output", token, map[string]any{"data": "done"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/executions/exec-1/output", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeSuccess(t, rec)
	assert.Equal(t, "done", resp.Data)
}

func TestBridgeDeleteVariable(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodPost, "/executions/exec-1/variables/region", token, map[string]any{"value": "eu-west-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/executions/exec-1/variables/region", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/executions/exec-1/variables/region", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Deleting an absent key still succeeds.
	rec = f.do(http.MethodDelete, "/executions/exec-1/variables/region", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBridgeMissingVariableIs404(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodGet, "/executions/exec-1/variables/never-set", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "variable not found", resp.Message)
}

func TestBridgeVariableRoundTrip(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodPost, "/executions/exec-1/variables/region", token, map[string]any{"value": "eu-west-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/executions/exec-1/variables/region", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSuccess(t, rec)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "region", data["key"])
	assert.Equal(t, "eu-west-1", data["value"])
}

func TestBridgeVariablesAreUserScoped(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)
	require.NoError(t, f.executions.SetVariable(context.Background(), "someone-else", "region", "us-east-1"))

	rec := f.do(http.MethodGet, "/executions/exec-1/variables/region", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBridgeConditionRequiresBoolean(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodPost, "/executions/exec-1/condition", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/executions/exec-1/condition", token, map[string]any{"condition": true})
	assert.Equal(t, http.StatusOK, rec.Code)

	record, err := f.executions.Get(context.Background(), "exec-1")
	require.NoError(t, err)
	require.NotNil(t, record.ConditionMet)
	assert.True(t, *record.ConditionMet)
}

func TestBridgeGetEvent(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodGet, "/executions/exec-1/event", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSuccess(t, rec)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "event-1", data["eventId"])
	assert.Equal(t, "nightly-report", data["eventName"])
}

func TestBridgeMetricsCarryMappedStatus(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	// The execution's event is gone; the handler answers 404 and the
	// request counter must carry that status, not a blanket 500.
	delete(f.events.events, "event-1")
	rec := f.do(http.MethodGet, "/executions/exec-1/event", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	scrape := httptest.NewRecorder()
	f.collector.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	assert.Contains(t, body, `scriptflow_bridge_requests_total{endpoint="event",status="404"}`)
	assert.NotContains(t, body, `endpoint="event",status="500"`)
}

func TestBridgeToolActionValidation(t *testing.T) {
	f := newBridgeFixture(t)
	token := f.startExecution(t, "exec-1", nil)

	rec := f.do(http.MethodPost, "/executions/exec-1/tool-actions", token, map[string]any{"tool": "mailer"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/executions/exec-1/tool-actions", token, map[string]any{
		"tool": "mailer", "action": "send",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}
