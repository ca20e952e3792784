package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/tfsbridge/internal/api"
	"github.com/kiranshivaraju/tfsbridge/internal/api/handler"
	mw "github.com/kiranshivaraju/tfsbridge/internal/api/middleware"
	"github.com/kiranshivaraju/tfsbridge/internal/cache"
	"github.com/kiranshivaraju/tfsbridge/internal/config"
	"github.com/kiranshivaraju/tfsbridge/internal/hooks"
	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
	"github.com/kiranshivaraju/tfsbridge/internal/tfs/tfstest"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	testRawKey = "tfsb_test_contract_key_1234567890"
	testPlan   = "PROJ-WEB"
	testChain  = "PROJ-WEB-17"
	testJob    = "PROJ-WEB-JOB1-17"
)

func testKeyHash() string {
	h, _ := bcrypt.GenerateFromPassword([]byte(testRawKey), bcrypt.MinCost)
	return string(h)
}

// ─── mock publisher ──────────────────────────────────────────────────────────

type mockPublisher struct {
	mu     sync.Mutex
	events []models.HookEvent
	err    error
}

func (p *mockPublisher) Publish(_ context.Context, ev models.HookEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

// ─── failing pinger ──────────────────────────────────────────────────────────

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server    *httptest.Server
	fake      *tfstest.Fake
	store     *cache.MemoryCache
	publisher *mockPublisher
	project   models.ProjectRef
}

type serverOption func(*hooks.Options, config.Plans)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	fake := tfstest.New()
	project := fake.AddProject("Contoso")
	fake.AddDefinition(project, 42, "CI-Main")
	fake.AddQueue("default")

	plans := config.Plans{
		testPlan: {
			Enabled:         true,
			ServerURL:       "https://contoso.visualstudio.com",
			Username:        "builder",
			Project:         "Contoso",
			BuildDefinition: "CI-Main",
		},
		"PROJ-OFF": {Enabled: false},
	}
	hookOpts := hooks.Options{
		Logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
		LockWait: 100 * time.Millisecond,
		Now:      func() time.Time { return tfstest.Now },
	}
	for _, o := range opts {
		o(&hookOpts, plans)
	}

	store := cache.NewMemoryCache()
	clients := hooks.ClientProviderFunc(func(ctx context.Context, p config.Plan) (tfs.Client, error) {
		return fake, nil
	})
	svc := hooks.NewService(plans, clients, store, hookOpts)
	pub := &mockPublisher{}

	deps := api.Dependencies{
		Auth:      mw.NewAuth(testKeyHash()),
		RateLimit: mw.NewRateLimit(store, 10), // low limit for rate-limit tests

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"cache": store,
		}),
		PreChainHandler:  handler.NewPreChainHandler(svc),
		PreBuildHandler:  handler.NewPreBuildHandler(svc),
		PostBuildHandler: handler.NewPostBuildHandler(svc),
		PostChainHandler: handler.NewPostChainHandler(svc),
		PublishHandler:   handler.NewPublishHandler(pub),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, fake: fake, store: store, publisher: pub, project: project}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func dataOf(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body := parseBody(t, resp)
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected data envelope, got %v", body)
	return data
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseBody(t, resp)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	return errObj["code"].(string)
}

func chainBody() models.ChainEvent {
	return models.ChainEvent{
		Plan:          testPlan,
		ChainKey:      testChain,
		BuildName:     "Web #17",
		Successful:    true,
		StartTime:     time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		ElapsedMillis: 60_000,
		Revisions:     []string{"9f8e7d"},
		Jobs:          []models.JobRef{{Key: testJob, Stage: "Build"}},
	}
}

func jobBody() models.JobEvent {
	return models.JobEvent{
		Plan:      testPlan,
		ChainKey:  testChain,
		JobKey:    testJob,
		ShortName: "compile",
		Agent:     "agent-1",
	}
}

// ─── health ──────────────────────────────────────────────────────────────────

func TestContract_Health(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.server.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := dataOf(t, resp)
	assert.Equal(t, "ok", data["status"])
}

func TestContract_HealthDegraded(t *testing.T) {
	h := handler.NewHealthHandler(map[string]handler.Pinger{
		"cache": pingerFunc(func(context.Context) error { return errors.New("down") }),
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cache":"degraded"`)
}

// ─── full lifecycle ──────────────────────────────────────────────────────────

func TestContract_FullLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/hooks/pre-chain", chainBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := dataOf(t, resp)
	assert.Equal(t, false, data["skipped"])
	buildID := int(data["build_id"].(float64))
	require.NotZero(t, buildID)

	resp = ts.post(t, "/api/v1/hooks/pre-build", jobBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = dataOf(t, resp)
	taskID, _ := data["task_id"].(string)
	require.NotEmpty(t, taskID)

	post := jobBody()
	post.State = models.JobStateSuccess
	post.LogLines = []string{"compiling", "done"}
	resp = ts.post(t, "/api/v1/hooks/post-build", post)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, taskID, dataOf(t, resp)["task_id"])

	resp = ts.post(t, "/api/v1/hooks/post-chain", chainBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, ok := ts.fake.Build(buildID)
	require.True(t, ok)
	assert.Equal(t, models.BuildStatusCompleted, b.Status)
	assert.Equal(t, models.BuildResultSucceeded, b.Result)
	assert.Equal(t, "9f8e7d", b.SourceVersion)

	var tasks int
	for _, r := range ts.fake.Records(buildID) {
		assert.Equal(t, models.RecordStateCompleted, r.State, "record %s", r.Name)
		if !r.IsJob() {
			tasks++
			assert.Equal(t, "compiling\ndone\n", ts.fake.LogText(r.Log.ID))
		}
	}
	assert.Equal(t, 1, tasks)
}

func TestContract_DisabledPlanIsSkipped(t *testing.T) {
	ts := newTestServer(t)
	ev := chainBody()
	ev.Plan = "PROJ-OFF"

	resp := ts.post(t, "/api/v1/hooks/pre-chain", ev)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := dataOf(t, resp)
	assert.Equal(t, true, data["skipped"])
	assert.Equal(t, hooks.ReasonDisabled, data["reason"])
	assert.Equal(t, 0, ts.fake.TotalCalls())
}

func TestContract_PreBuildWithoutBuildIsSkipped(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/hooks/pre-build", jobBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, hooks.ReasonNoBuild, dataOf(t, resp)["reason"])
}

// ─── validation ──────────────────────────────────────────────────────────────

func TestContract_RequestValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"invalid json", "/api/v1/hooks/pre-chain", "{not json"},
		{"chain without plan", "/api/v1/hooks/pre-chain", models.ChainEvent{ChainKey: testChain}},
		{"chain without key", "/api/v1/hooks/post-chain", models.ChainEvent{Plan: testPlan}},
		{"job without plan", "/api/v1/hooks/pre-build", models.JobEvent{JobKey: testJob, ShortName: "x"}},
		{"job without key", "/api/v1/hooks/post-build", models.JobEvent{Plan: testPlan}},
		{"pre-build without name", "/api/v1/hooks/pre-build", models.JobEvent{Plan: testPlan, JobKey: testJob}},
		{"bad task id", "/api/v1/hooks/post-build", models.JobEvent{Plan: testPlan, BuildID: 1, TaskID: "nope"}},
		{"log file path", "/api/v1/hooks/post-build", models.JobEvent{Plan: testPlan, JobKey: testJob, LogFile: "/proc/self/environ"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.post(t, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
		})
	}
}

// ─── error mapping ───────────────────────────────────────────────────────────

func TestContract_LookupFailureIsNotFound(t *testing.T) {
	ts := newTestServer(t, func(_ *hooks.Options, plans config.Plans) {
		p := plans[testPlan]
		p.BuildDefinition = "Nightly"
		plans[testPlan] = p
	})

	resp := ts.post(t, "/api/v1/hooks/pre-chain", chainBody())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestContract_RemoteErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"unauthorized", tfs.ErrUnauthorized, "REMOTE_UNAUTHORIZED"},
		{"service error", tfs.ErrServiceError, "REMOTE_ERROR"},
		{"unreachable", tfs.ErrUnreachable, "REMOTE_ERROR"},
		{"timeout", tfs.ErrTimeout, "REMOTE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.fake.FailOn("QueueBuild", fmt.Errorf("POST build/builds: %w", tt.err))

			resp := ts.post(t, "/api/v1/hooks/pre-chain", chainBody())
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}
}

func TestContract_UnexpectedErrorIsInternal(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.FailOn("QueueBuild", errors.New("boom"))

	resp := ts.post(t, "/api/v1/hooks/pre-chain", chainBody())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, resp))
}

func TestContract_LockedBuildIsConflict(t *testing.T) {
	ts := newTestServer(t)
	b := ts.fake.AddBuild(ts.project)
	_, ok, err := ts.store.TryLock(context.Background(), cache.BuildLockKey(b.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ev := jobBody()
	ev.BuildID = b.ID
	resp := ts.post(t, "/api/v1/hooks/pre-build", ev)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "BUILD_LOCKED", errorCode(t, resp))
}

// ─── rate limiting ───────────────────────────────────────────────────────────

func TestContract_RateLimit(t *testing.T) {
	ts := newTestServer(t)
	ev := chainBody()
	ev.Plan = "PROJ-OFF"

	for i := 0; i < 10; i++ {
		resp := ts.post(t, "/api/v1/hooks/pre-chain", ev)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}

	resp := ts.post(t, "/api/v1/hooks/pre-chain", ev)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, resp))
}

// ─── async delivery ──────────────────────────────────────────────────────────

func TestContract_PublishEvent(t *testing.T) {
	ts := newTestServer(t)
	job := jobBody()

	resp := ts.post(t, "/api/v1/events", models.HookEvent{Type: models.HookPreBuild, Job: &job})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := dataOf(t, resp)
	assert.Equal(t, testChain, data["chain_key"])

	require.Len(t, ts.publisher.events, 1)
	assert.Equal(t, testJob, ts.publisher.events[0].Job.JobKey)
	assert.Equal(t, 0, ts.fake.TotalCalls(), "published events are not run inline")
}

func TestContract_PublishInvalidEvent(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/events", models.HookEvent{Type: models.HookPreChain})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
	assert.Empty(t, ts.publisher.events)
}

func TestContract_PublishBrokerDown(t *testing.T) {
	ts := newTestServer(t)
	ts.publisher.err = errors.New("no brokers")
	chain := chainBody()

	resp := ts.post(t, "/api/v1/events", models.HookEvent{Type: models.HookPostChain, Chain: &chain})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "BROKER_UNAVAILABLE", errorCode(t, resp))
}
