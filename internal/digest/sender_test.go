package digest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/task/engine"
	logx "jobcrawler/pkg/logx"
)

func TestWebhookSignsBody(t *testing.T) {
	var gotSig, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotSig = string(b), r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rep := &Report{Date: "2024-03-15", New: 3}
	wh := &Webhook{URL: srv.URL, Secret: "s3cret"}
	require.NoError(t, wh.Send(context.Background(), Message{Subject: "x", Text: "hello", Report: rep}))

	require.Equal(t, Sign("s3cret", []byte(gotBody)), gotSig)
	var body webhookBody
	require.NoError(t, json.Unmarshal([]byte(gotBody), &body))
	require.Equal(t, "digest", body.Event)
	require.Equal(t, 3, body.Report.New)
}

func TestWebhookStatusClassification(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()
	wh := &Webhook{URL: srv.URL}
	ctx := context.Background()

	err := wh.Send(ctx, Message{Text: "x"})
	require.Error(t, err)
	require.True(t, engine.IsNoRetry(err))

	status = http.StatusBadGateway
	err = wh.Send(ctx, Message{Text: "x"})
	require.Error(t, err)
	require.False(t, engine.IsNoRetry(err))

	status = http.StatusTooManyRequests
	err = wh.Send(ctx, Message{Text: "x"})
	require.Error(t, err)
	require.False(t, engine.IsNoRetry(err))
}

type recordingSender struct {
	name string
	err  error

	mu  sync.Mutex
	got []Message
}

func (r *recordingSender) Name() string { return r.name }
func (r *recordingSender) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestFanoutDeliversToAllAndCombinesErrors(t *testing.T) {
	a := &recordingSender{name: "a", err: errors.New("boom")}
	b := &recordingSender{name: "b"}
	f := NewFanout(logx.Nop(), a, b)

	err := f.Send(context.Background(), Message{Text: "t"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "sink a")
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	require.Equal(t, []string{"a", "b"}, f.Names())
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("x", 30) + "\n"
	s := strings.Repeat(line, 10)
	chunks := splitText(s, 100)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len([]rune(c)), 100)
		require.False(t, strings.HasPrefix(c, "\n"))
	}
	require.Equal(t, strings.TrimRight(s, "\n"), strings.Join(chunks, "\n"))
	require.Equal(t, []string{"short"}, splitText("short", 100))
}

func TestBuildReport(t *testing.T) {
	loc := time.UTC
	day := time.Date(2024, 3, 15, 15, 30, 0, 0, loc)
	runs := []jobs.RunRecord{
		{JobID: 1, Site: "b.example", At: day.Add(-time.Hour), Success: true, NewItems: 2, RemovedItems: 1},
		{JobID: 2, Site: "a.example", At: day.Add(-2 * time.Hour), Success: false, Error: "timeout"},
		{JobID: 1, Site: "b.example", At: day.Add(-30 * time.Minute), Success: true, NewItems: 1},
		{JobID: 3, Site: "c.example", At: day.AddDate(0, 0, -1), Success: true, NewItems: 9},
	}
	rep := BuildReport(runs, day, loc)
	require.Equal(t, "2024-03-15", rep.Date)
	require.Equal(t, 3, rep.New)
	require.Equal(t, 1, rep.Removed)
	require.Equal(t, []SiteLine{
		{Site: "a.example", Runs: 1},
		{Site: "b.example", Runs: 2, New: 3, Removed: 1},
	}, rep.Sites)
	require.Len(t, rep.Failures, 1)

	text := rep.Text(loc)
	require.Contains(t, text, "a.example at 13:30: timeout")
	require.Contains(t, text, "New postings: 3, removed: 1")

	empty := BuildReport(nil, day, loc)
	require.True(t, empty.Empty())
	require.Contains(t, empty.Text(loc), "No crawls ran today.")
}
