package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobcrawler/internal/digest"
	"jobcrawler/internal/jobs"
	"jobcrawler/internal/scheduler"
	"jobcrawler/internal/stats"
	"jobcrawler/internal/storage"
	logx "jobcrawler/pkg/logx"
)

type fixture struct {
	srv   *Server
	sched *scheduler.Service
	store *storage.Memory
	gate  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	f := &fixture{store: st}
	exec := jobs.ExecutorFunc(func(ctx context.Context, req jobs.CrawlRequest) (jobs.CrawlOutcome, error) {
		if f.gate != nil {
			<-f.gate
		}
		return jobs.CrawlOutcome{Success: true, NewItems: 2}, nil
	})
	f.sched = scheduler.New(scheduler.Config{Timezone: "UTC"}, st, exec, nil, logx.Nop(), nil)
	agg := stats.NewAggregator(st, f.sched, f.sched.Location, 10)
	ctrl := digest.NewController(st, digest.DefaultTime, logx.Nop())
	f.srv = New(Config{}, Deps{Scheduler: f.sched, Dashboard: agg, Digest: ctrl}, logx.Nop())
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

const validJob = `{"title":"Acme","target_url":"https://acme.example/jobs","keywords":["go"],"schedule_time":"08:30","schedule_days":["mon","wed"]}`

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", validJob)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created jobs.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotZero(t, created.ID)
	require.Equal(t, 2, created.Days.Len())

	w = f.do(t, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []jobs.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	updated := strings.Replace(validJob, `"08:30"`, `"09:15"`, 1)
	w = f.do(t, http.MethodPut, "/api/v1/jobs/1", updated)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/schedules", "")
	require.Equal(t, http.StatusOK, w.Code)
	var states []scheduler.JobState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	require.Len(t, states, 1)
	require.Equal(t, 9, states[0].Next.Hour())
	require.Equal(t, 15, states[0].Next.Minute())

	w = f.do(t, http.MethodPost, "/api/v1/jobs/1/run", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec jobs.RunRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.True(t, rec.Success)
	require.True(t, rec.Manual)

	w = f.do(t, http.MethodDelete, "/api/v1/jobs/1", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/jobs/1", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	noKeywords := strings.Replace(validJob, `["go"]`, `[]`, 1)
	w := f.do(t, http.MethodPost, "/api/v1/jobs", noKeywords)
	require.Equal(t, http.StatusBadRequest, w.Code)

	badTime := strings.Replace(validJob, `"08:30"`, `"25:00"`, 1)
	w = f.do(t, http.MethodPost, "/api/v1/jobs", badTime)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/jobs", `{`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	jobsLeft, err := f.store.ListJobs(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobsLeft)
}

func TestRunWhileRunningConflicts(t *testing.T) {
	f := newFixture(t)
	f.gate = make(chan struct{})
	w := f.do(t, http.MethodPost, "/api/v1/jobs", validJob)
	require.Equal(t, http.StatusCreated, w.Code)

	done := make(chan int, 1)
	go func() { done <- f.do(t, http.MethodPost, "/api/v1/jobs/1/run", "").Code }()

	require.Eventually(t, func() bool { return f.sched.RunningCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	w = f.do(t, http.MethodPost, "/api/v1/jobs/1/run", "")
	require.Equal(t, http.StatusConflict, w.Code)

	close(f.gate)
	require.Equal(t, http.StatusOK, <-done)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/jobs", validJob).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/jobs/1/run", "").Code)

	w := f.do(t, http.MethodGet, "/api/v1/dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Equal(t, 1, snap.ActiveJobs)
	require.Equal(t, 2, snap.NewToday)
	require.Len(t, snap.Trends, stats.TrendDays)
	require.Len(t, snap.RecentCrawls, 1)
}

func TestDigestTimeSetting(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/settings/digest-time", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"time":"15:30"}`, w.Body.String())

	// First observation is the baseline.
	w = f.do(t, http.MethodPut, "/api/v1/settings/digest-time", `{"time":"09:00"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"time":"09:00","saved":false}`, w.Body.String())

	w = f.do(t, http.MethodPut, "/api/v1/settings/digest-time", `{"time":"10:00"}`)
	require.JSONEq(t, `{"time":"10:00","saved":true}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/settings/digest-time", "")
	require.JSONEq(t, `{"time":"10:00"}`, w.Body.String())

	w = f.do(t, http.MethodPut, "/api/v1/settings/digest-time", `{"time":"7pm"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.srv.deps.Health = func() map[string]any { return map[string]any{"jobs": 0} }
	w := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
	require.Contains(t, w.Body.String(), `"jobs":0`)
}

func TestStartServesOnRandomPort(t *testing.T) {
	f := newFixture(t)
	f.srv.cfg = Config{Enabled: true, Addr: "127.0.0.1:0"}
	ctx := context.Background()
	require.NoError(t, f.srv.Start(ctx))
	defer f.srv.Stop(ctx)

	resp, err := http.Get("http://" + f.srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPprofRequiresToken(t *testing.T) {
	s := New(Config{Pprof: true, PprofToken: "s3cret"}, Deps{}, logx.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine?debug=1&token=s3cret", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "goroutine")
}

func TestPprofOffByDefault(t *testing.T) {
	s := New(Config{}, Deps{}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
