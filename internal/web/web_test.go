package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caltasks/internal/calendar"
	"caltasks/internal/config"
	"caltasks/internal/dedup"
	"caltasks/internal/kvstore"
	"caltasks/internal/mark"
	"caltasks/internal/model"
	"caltasks/internal/orchestrator"
	"caltasks/internal/pipeline"
	"caltasks/internal/retry"
	"caltasks/internal/taskrepo"
	"caltasks/internal/tracker"
)

type env struct {
	srv  *Server
	orch *orchestrator.Orchestrator
	kv   *kvstore.Memory
	cal  *calendar.Memory
	repo *taskrepo.Memory
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()
	e := &env{kv: kvstore.NewMemory(), cal: calendar.NewMemory(), repo: taskrepo.NewMemory()}
	loc := time.UTC
	tr := tracker.New(e.kv, loc)
	repo := taskrepo.NewAdapter(e.repo)
	marker := mark.NewController(e.cal, mark.Options{Sleep: retry.NoSleep})
	e.orch = orchestrator.New(orchestrator.Deps{
		KV:       e.kv,
		Calendar: e.cal,
		Repo:     repo,
		Marker:   marker,
		Tracker:  tr,
		Pipeline: pipeline.New(pipeline.Deps{
			Calendar: e.cal,
			Repo:     repo,
			Marker:   marker,
			Dedup:    dedup.New(dedup.Options{}),
			Tracker:  tr,
		}, pipeline.Options{Location: loc, Sleep: retry.NoSleep}),
	}, orchestrator.Options{Location: loc, Sleep: retry.NoSleep})
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e.srv = NewServer(context.Background(), cfg, e.orch)
	return e
}

func (e *env) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	e := newEnv(t, cfg)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/status").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("admin", "wrong!")
	rec = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusIsCached(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "ok", st.Connectivity["repository"])

	e.repo.PingErr = assert.AnError
	rec = e.do(http.MethodGet, "/api/status")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "ok", st.Connectivity["repository"], "served from cache")

	e.srv.invalidateStatus()
	rec = e.do(http.MethodGet, "/api/status")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, assert.AnError.Error(), st.Connectivity["repository"])
}

func TestRunAndLastResult(t *testing.T) {
	e := newEnv(t, nil)
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 30, 0, 0, time.UTC)
	e.cal.AddEvent(model.Event{ID: "sync", CalendarID: "work", Title: "Team Sync", Start: start, End: start.Add(time.Hour)})

	rec := e.do(http.MethodGet, "/api/runs/last?kind=primary")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPost, "/api/run?kind=primary")
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.srv.Wait()

	rec = e.do(http.MethodGet, "/api/runs/last?kind=primary")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep orchestrator.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.True(t, rep.Success, rep.Errors)
	assert.Equal(t, 1, rep.Stats.Created)
	assert.Len(t, e.repo.Tasks(), 1)
}

func TestRunRejections(t *testing.T) {
	e := newEnv(t, nil)

	assert.Equal(t, http.StatusMethodNotAllowed, e.do(http.MethodGet, "/api/run?kind=primary").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/run?kind=health").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/runs/last?kind=nope").Code)

	lock, err := json.Marshal(map[string]any{"id": "other", "started": time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, e.kv.Set(context.Background(), "run:backup:lock", string(lock)))
	rec := e.do(http.MethodPost, "/api/run?kind=backup")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRepairRun(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodPost, "/api/run?kind=repair&days=2")
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.srv.Wait()

	rec = e.do(http.MethodGet, "/api/runs/last?kind=repair")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep orchestrator.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.NotNil(t, rep.Repair)
	assert.Equal(t, 2, rep.Repair.Days)
}
