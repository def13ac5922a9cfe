package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trafficpacer/internal/clock/system"
	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/executor"
	"github.com/JakeFAU/trafficpacer/internal/failure"
	"github.com/JakeFAU/trafficpacer/internal/id/uuid"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
	"github.com/JakeFAU/trafficpacer/internal/plan"
	"github.com/JakeFAU/trafficpacer/internal/proxy"
	"github.com/JakeFAU/trafficpacer/internal/storage/memory"
	"github.com/JakeFAU/trafficpacer/internal/tick"
)

const (
	owner  = "owner-1"
	target = "https://shop.example/landing"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeDiagnoser struct {
	got executor.Request
}

func (d *fakeDiagnoser) Diagnose(_ context.Context, _ *config.Snapshot, req executor.Request) (executor.Diagnosis, error) {
	d.got = req
	return executor.Diagnosis{Proxy: "direct", Response: pacer.BrowserResponse{OK: true, HTTPStatus: 200}}, nil
}

type fakeValidator struct {
	countries map[string]string
	probeURL  string
}

func (v *fakeValidator) ValidateAll(_ context.Context, countries map[string]string, probeURL string, _ time.Duration) []proxy.Probe {
	v.countries, v.probeURL = countries, probeURL
	probes := make([]proxy.Probe, 0, len(countries))
	for code, endpoint := range countries {
		probes = append(probes, proxy.Probe{Country: code, Endpoint: endpoint, OK: true, StatusCode: 204})
	}
	return probes
}

type fakeTicker struct {
	report tick.Report
	err    error
}

func (t fakeTicker) Tick(context.Context) (tick.Report, error) {
	return t.report, t.err
}

type fixture struct {
	server   *Server
	store    *memory.Store
	tracker  *failure.Tracker
	snap     *config.Snapshot
	diag     *fakeDiagnoser
	proxies  *fakeValidator
	readyErr error
}

func newFixture(t *testing.T, auth config.AuthConfig, mutate func(*Deps)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.HTTPConcurrency = 4
	cfg.Engine.MaxStepsPerTick = 10
	cfg.Engine.OwnerRPM = 60
	cfg.Proxy.Countries = map[string]string{"US": "http://us.proxy:8080"}
	snap, err := config.NewSnapshot(cfg)
	require.NoError(t, err)

	store := memory.NewStore()
	clock := system.NewManual(start)
	ids := uuid.New()
	diag := &fakeDiagnoser{}
	tracker := failure.New(store, ids, clock, diag, nil)
	f := &fixture{store: store, tracker: tracker, snap: snap, diag: diag, proxies: &fakeValidator{}}
	deps := Deps{
		Config:    config.Static{Snap: snap},
		Tasks:     plan.NewService(store, store, clock, ids, nil, nil),
		Failures:  tracker,
		Diagnoser: diag,
		Proxies:   f.proxies,
		Ticker:    fakeTicker{report: tick.Report{Tasks: 2, Dispatched: 3}},
		Ready:     func(context.Context) error { return f.readyErr },
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.server = NewServer(deps, auth, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *fixture) createTask(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"owner_id":    owner,
		"target_url":  target,
		"daily_quota": 48,
		"window":      map[string]int{"start": 8, "end": 20},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[struct {
		Task pacer.Task `json:"task"`
		Plan pacer.Plan `json:"plan"`
	}](t, rec)
	require.Equal(t, 48, out.Plan.Total())
	require.Equal(t, pacer.TaskPending, out.Task.Status)
	return out.Task.ID
}

func (f *fixture) failHTTP(t *testing.T, n int) string {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.tracker.AttemptCompleted(context.Background(), f.snap, pacer.Attempt{
			OwnerID: owner, URL: target, Mode: pacer.ModeHTTP, Classification: pacer.ClassBlocked,
		}))
	}
	rec, err := f.store.GetFailure(context.Background(), owner, target)
	require.NoError(t, err)
	return rec.ID
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil).Code)

	f.readyErr = errors.New("database unreachable")
	rec := f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "database unreachable")
}

func TestReadinessWithoutConfiguration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, func(d *Deps) {
		d.Config = config.Static{Err: pacer.ErrConfiguration}
	})
	require.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, nil)
	f.do(t, http.MethodGet, "/healthz", nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, nil)
	id := f.createTask(t)

	rec := f.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[taskResponse](t, rec)
	assert.Equal(t, 48, view.Quota)
	assert.Equal(t, 0, view.Delivered)
	assert.False(t, view.Problem)
	require.NotNil(t, view.Plan)

	f.failHTTP(t, 5)
	view = decode[taskResponse](t, f.do(t, http.MethodGet, "/v1/tasks/"+id, nil))
	assert.True(t, view.Problem)

	rec = f.do(t, http.MethodPost, "/v1/tasks/"+id+"/status", map[string]string{"status": "paused"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/tasks/"+id+"/status", map[string]string{"status": "terminated"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/tasks/"+id+"/status", map[string]string{"status": "running"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/tasks/"+id+"/status", map[string]string{"status": "sleeping"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, nil)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/tasks/missing", nil).Code)

	rec := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"owner_id": owner, "target_url": target, "daily_quota": 10,
		"window": map[string]int{"start": 9, "end": 9},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "no active hours")

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString("{bad"))
	raw := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestFailureConsole(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, nil)
	id := f.failHTTP(t, 5)

	rec := f.do(t, http.MethodGet, "/v1/failures?q=SHOP.example&owner_id="+owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[failure.ViewPage](t, rec)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, pacer.StateHTTPDegraded, page.Records[0].State)
	assert.True(t, page.Records[0].PreferBrowserActive)

	rec = f.do(t, http.MethodPatch, "/v1/failures/"+id, map[string]any{"reset_counters": true, "notes": "cdn rule"})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[failure.View](t, rec)
	assert.Equal(t, 0, view.HTTPFailConsecutive)
	assert.Equal(t, "cdn rule", view.Notes)
	assert.Equal(t, pacer.StateHealthy, view.State)

	rec = f.do(t, http.MethodGet, "/v1/failures/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/failures/batch", map[string]any{"op": "clear_prefer", "ids": []string{id, "missing"}})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[failure.BatchResult](t, rec)
	assert.Equal(t, []string{id}, result.Succeeded)
	assert.Contains(t, result.Failed, "missing")

	rec = f.do(t, http.MethodPost, "/v1/failures/batch", map[string]any{"op": "explode", "ids": []string{id}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/failures/"+id, nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/failures/"+id, nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/v1/failures/"+id, map[string]any{}).Code)
}

func TestDiagnose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, nil)
	rec := f.do(t, http.MethodPost, "/v1/diagnose", map[string]string{"url": target, "country": "US"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, target, f.diag.got.URL)
	assert.Equal(t, pacer.ModeBrowser, f.diag.got.Mode)

	id := f.failHTTP(t, 1)
	rec = f.do(t, http.MethodPost, "/v1/diagnose", map[string]string{"failure_id": id})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, target, f.diag.got.URL)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/diagnose", map[string]string{}).Code)
}

func TestDiagnoseWithoutExecutor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, func(d *Deps) { d.Diagnoser = nil })
	rec := f.do(t, http.MethodPost, "/v1/diagnose", map[string]string{"url": target})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestValidateProxies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, nil)
	rec := f.do(t, http.MethodPost, "/v1/proxies/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"US": "http://us.proxy:8080"}, f.proxies.countries)
	assert.Equal(t, f.snap.Proxy.ProbeURL, f.proxies.probeURL)

	rec = f.do(t, http.MethodPost, "/v1/proxies/validate", map[string]any{
		"countries": map[string]string{"FR": "http://fr.proxy:3128"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"FR": "http://fr.proxy:3128"}, f.proxies.countries)
	out := decode[struct {
		Probes []proxy.Probe `json:"probes"`
	}](t, rec)
	require.Len(t, out.Probes, 1)
	assert.Equal(t, "FR", out.Probes[0].Country)
}

func TestTickEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{}, nil)
	rec := f.do(t, http.MethodPost, "/v1/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[tick.Report](t, rec)
	assert.Equal(t, 3, report.Dispatched)

	broken := newFixture(t, config.AuthConfig{}, func(d *Deps) {
		d.Ticker = fakeTicker{err: errors.New("list tasks: connection refused")}
	})
	require.Equal(t, http.StatusInternalServerError, broken.do(t, http.MethodPost, "/v1/tick", nil).Code)

	none := newFixture(t, config.AuthConfig{}, func(d *Deps) { d.Ticker = nil })
	require.Equal(t, http.StatusServiceUnavailable, none.do(t, http.MethodPost, "/v1/tick", nil).Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{Enabled: true, APIKey: "secret"}, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/failures", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/failures", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/v1/failures?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		pacer.ErrNotFound:            http.StatusNotFound,
		plan.ErrInvalidTask:          http.StatusBadRequest,
		failure.ErrUnknownBatchOp:    http.StatusBadRequest,
		pacer.ErrLeaseHeld:           http.StatusConflict,
		pacer.ErrExecutorUnavailable: http.StatusServiceUnavailable,
		pacer.ErrExecutionTimeout:    http.StatusGatewayTimeout,
		pacer.ErrExecutionBlocked:    http.StatusBadGateway,
		errors.New("boom"):           http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
