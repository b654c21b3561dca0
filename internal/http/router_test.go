package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/imageforge/internal/detect"
	"github.com/splax/imageforge/internal/docker"
	"github.com/splax/imageforge/internal/domain"
	"github.com/splax/imageforge/internal/quota"
	"github.com/splax/imageforge/internal/service/build"
	"github.com/splax/imageforge/internal/ws"
	"github.com/splax/imageforge/pkg/jwt"
)

const testSecret = "test-secret"

type stubBuilds struct {
	startErr  error
	started   []build.Request
	builds    map[string]domain.Build
	cancelErr error
	healthErr error
}

func (s *stubBuilds) Start(_ context.Context, req build.Request) (build.Accepted, error) {
	s.started = append(s.started, req)
	if s.startErr != nil {
		return build.Accepted{}, s.startErr
	}
	return build.Accepted{Build: domain.Build{ID: "b1", TenantID: req.TenantID, Status: domain.BuildQueued}, Quota: quota.FreeTier()}, nil
}

func (s *stubBuilds) Get(_ context.Context, tenantID, buildID string) (*domain.Build, error) {
	b, ok := s.builds[buildID]
	if !ok || b.TenantID != tenantID {
		return nil, build.ErrNotFound
	}
	return &b, nil
}

func (s *stubBuilds) List(_ context.Context, tenantID string, _ int) ([]domain.Build, error) {
	var out []domain.Build
	for _, b := range s.builds {
		if b.TenantID == tenantID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *stubBuilds) Cancel(context.Context, string, string) error { return s.cancelErr }

func (s *stubBuilds) Artifact(context.Context, string, string) (domain.BuildArtifact, error) {
	return domain.BuildArtifact{}, errors.New("storage offline")
}

func (s *stubBuilds) ListArtifacts(context.Context, string) ([]domain.BuildArtifact, error) {
	return nil, nil
}

func (s *stubBuilds) DeleteArtifact(context.Context, string, string) error { return nil }

func (s *stubBuilds) Quota(context.Context, string) (domain.BuildQuota, domain.UsageCounters, error) {
	return quota.FreeTier(), domain.UsageCounters{BuildsThisHour: 2}, nil
}

func (s *stubBuilds) Health(context.Context) error { return s.healthErr }

func newTestRouter(t *testing.T, builds *stubBuilds, hub LogHub, rateLimit int) *Router {
	t.Helper()
	r := New(Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Builds:     builds,
		Hub:        hub,
		JWTSecret:  testSecret,
		RateLimit:  rateLimit,
		Registerer: prometheus.NewRegistry(),
	})
	t.Cleanup(r.Close)
	return r
}

func token(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := jwt.GenerateToken(tenant, "user-1", testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, h http.Handler, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, tenant))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildsRequireAuthentication(t *testing.T) {
	r := newTestRouter(t, &stubBuilds{}, nil, 0)

	rec := do(t, r, http.MethodGet, "/builds", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/builds", nil)
	forged, err := jwt.GenerateToken("acme", "user-1", "other-secret", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartBuildUsesTokenTenant(t *testing.T) {
	builds := &stubBuilds{}
	r := newTestRouter(t, builds, nil, 0)

	rec := do(t, r, http.MethodPost, "/builds", "acme", `{"repo_url":"https://example.com/acme/shop.git","ref":"main"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, builds.started, 1)
	assert.Equal(t, "acme", builds.started[0].TenantID)
	assert.Equal(t, "main", builds.started[0].Ref)
	assert.Empty(t, builds.started[0].SourcePath)

	var accepted build.Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "b1", accepted.Build.ID)
}

func TestStartBuildErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"invalid", build.ErrInvalidRequest, http.StatusBadRequest},
		{"undetectable", &detect.DetectionError{Path: "/tmp/x"}, http.StatusUnprocessableEntity},
		{"quota", &quota.RejectedError{Limit: quota.LimitHourly, Reason: "hourly build limit of 5 reached"}, http.StatusTooManyRequests},
		{"quota store", &quota.RejectedError{Limit: quota.LimitUnavailable, Reason: "quota state could not be read"}, http.StatusServiceUnavailable},
		{"engine", docker.ErrEngineUnavailable, http.StatusServiceUnavailable},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t, &stubBuilds{startErr: tc.err}, nil, 0)
			rec := do(t, r, http.MethodPost, "/builds", "acme", `{"repo_url":"https://example.com/r.git"}`)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestQuotaRejectionNamesLimit(t *testing.T) {
	rejected := &quota.RejectedError{Limit: quota.LimitConcurrent, Reason: "1 concurrent builds already running"}
	r := newTestRouter(t, &stubBuilds{startErr: rejected}, nil, 0)

	rec := do(t, r, http.MethodPost, "/builds", "acme", `{"repo_url":"https://example.com/r.git"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "concurrent_builds", body["limit"])
	assert.Equal(t, rejected.Reason, body["error"])
}

func TestBuildRoutes(t *testing.T) {
	builds := &stubBuilds{
		builds:    map[string]domain.Build{"b1": {ID: "b1", TenantID: "acme", Status: domain.BuildSucceeded}},
		cancelErr: build.ErrNotRunning,
	}
	r := newTestRouter(t, builds, nil, 0)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/builds/b1", "acme", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/builds/b1", "globex", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodDelete, "/builds/b1", "acme", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/builds/b1/unknown", "acme", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodPut, "/builds/b1", "acme", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/builds?limit=-1", "acme", "").Code)

	rec := do(t, r, http.MethodGet, "/builds/b1/artifact", "acme", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "storage offline")

	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/builds/b1/artifact", "acme", "").Code)

	rec = do(t, r, http.MethodGet, "/quota", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"builds_this_hour":2`)
}

func TestTenantRateLimit(t *testing.T) {
	r := newTestRouter(t, &stubBuilds{}, nil, 2)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/builds", "acme", "").Code)
	rec := do(t, r, http.MethodGet, "/builds", "acme", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusTooManyRequests, do(t, r, http.MethodGet, "/builds", "acme", "").Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/builds", "globex", "").Code)
}

func TestHealthReportsEngineOutage(t *testing.T) {
	r := newTestRouter(t, &stubBuilds{healthErr: docker.ErrEngineUnavailable}, nil, 0)
	rec := do(t, r, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestBuildLogsStreamFinishedHistoryOverSSE(t *testing.T) {
	hub := ws.NewHub(0)
	defer hub.Stop()
	hub.Broadcast("b1", []byte(`{"line":"Step 1/2"}`))
	hub.Broadcast("b1", []byte(`{"line":"Step 2/2"}`))
	hub.Finish("b1")

	builds := &stubBuilds{builds: map[string]domain.Build{"b1": {ID: "b1", TenantID: "acme"}}}
	r := newTestRouter(t, builds, hub, 0)

	req := httptest.NewRequest(http.MethodGet, "/builds/b1/logs?access_token="+token(t, "acme"), nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "data: {\"line\":\"Step 1/2\"}\n\ndata: {\"line\":\"Step 2/2\"}\n\n", rec.Body.String())
}

func TestBuildLogsRequireStreamingClient(t *testing.T) {
	builds := &stubBuilds{builds: map[string]domain.Build{"b1": {ID: "b1", TenantID: "acme"}}}
	r := newTestRouter(t, builds, nil, 0)
	assert.Equal(t, http.StatusNotAcceptable, do(t, r, http.MethodGet, "/builds/b1/logs", "acme", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/builds/b1/logs", "globex", "").Code)
}

func TestBuildLogsForEvictedFinishedBuildCloseImmediately(t *testing.T) {
	hub := ws.NewHub(0)
	defer hub.Stop()

	builds := &stubBuilds{builds: map[string]domain.Build{"b9": {ID: "b9", TenantID: "acme", Status: domain.BuildSucceeded}}}
	r := newTestRouter(t, builds, hub, 0)

	req := httptest.NewRequest(http.MethodGet, "/builds/b9/logs?access_token="+token(t, "acme"), nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("log stream for finished build stayed open")
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
