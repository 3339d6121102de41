package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/storage"
	logx "jobcrawler/pkg/logx"
)

func fastConfig() Config {
	return Config{RatePerSec: 1000, Burst: 10, MaxPages: 5}
}

// board serves a paginated listing. Page n links to n+1 via rel=next up to
// last; the postings shown can be swapped between crawls.
type board struct {
	last     int
	postings atomic.Value // map[int][]string
	hits     atomic.Int32
}

func (b *board) handler(w http.ResponseWriter, r *http.Request) {
	b.hits.Add(1)
	n := 1
	fmt.Sscanf(r.URL.Query().Get("page"), "%d", &n)
	all, _ := b.postings.Load().(map[int][]string)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><head>")
	if n < b.last {
		fmt.Fprintf(w, `<link rel="next" href="/jobs?page=%d">`, n+1)
	}
	fmt.Fprint(w, "</head><body><ul>")
	for _, title := range all[n] {
		fmt.Fprintf(w, `<li><a href="/jobs/%s">%s</a></li>`, title, title)
	}
	fmt.Fprint(w, `<a href="#top">Go to top</a><a href="mailto:hr@example.com">Golang mail</a></ul></body></html>`)
}

func TestExecuteFiltersAndPaginates(t *testing.T) {
	b := &board{last: 2}
	b.postings.Store(map[int][]string{
		1: {"Senior-Golang-Engineer", "Accountant"},
		2: {"Go-Developer", "golang-sre"},
	})
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	defer srv.Close()

	st := storage.NewMemory()
	c := New(fastConfig(), st, logx.Nop())
	out, err := c.Execute(context.Background(), jobs.CrawlRequest{JobID: 1, URL: srv.URL + "/jobs", Keywords: []string{"golang"}})
	require.NoError(t, err)
	require.True(t, out.Success, out.Err)
	require.Equal(t, 2, out.NewItems)
	require.Zero(t, out.RemovedItems)
	require.Equal(t, int32(2), b.hits.Load())

	got, err := st.ListPostings(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestExecuteDiffsAgainstPreviousCrawl(t *testing.T) {
	b := &board{last: 1}
	b.postings.Store(map[int][]string{1: {"golang-a", "golang-b"}})
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	defer srv.Close()

	st := storage.NewMemory()
	c := New(fastConfig(), st, logx.Nop())
	req := jobs.CrawlRequest{JobID: 7, URL: srv.URL + "/jobs", Keywords: []string{"GOLANG"}}

	out, err := c.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, out.NewItems)

	b.postings.Store(map[int][]string{1: {"golang-b", "golang-c", "golang-d"}})
	out, err = c.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, 2, out.NewItems)
	require.Equal(t, 1, out.RemovedItems)

	out, err = c.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, out.NewItems)
	require.Zero(t, out.RemovedItems)
}

func TestExecuteStopsAtMaxPages(t *testing.T) {
	b := &board{last: 100}
	b.postings.Store(map[int][]string{})
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxPages = 3
	c := New(cfg, storage.NewMemory(), logx.Nop())
	out, err := c.Execute(context.Background(), jobs.CrawlRequest{JobID: 1, URL: srv.URL + "/jobs", Keywords: []string{"x"}})
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, int32(3), b.hits.Load())
}

func TestExecuteReadsFeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Jobs</title>
<item><title>Golang Engineer</title><link>https://example.com/1</link></item>
<item><title>Designer</title><link>https://example.com/2</link></item>
<item><title>Platform (Golang)</title><link>https://example.com/3</link></item>
</channel></rss>`)
	}))
	defer srv.Close()

	st := storage.NewMemory()
	c := New(fastConfig(), st, logx.Nop())
	out, err := c.Execute(context.Background(), jobs.CrawlRequest{JobID: 2, URL: srv.URL + "/feed", Keywords: []string{"golang"}})
	require.NoError(t, err)
	require.True(t, out.Success, out.Err)
	require.Equal(t, 2, out.NewItems)

	got, err := st.ListPostings(context.Background(), 2)
	require.NoError(t, err)
	links := []string{got[0].Link, got[1].Link}
	require.ElementsMatch(t, []string{"https://example.com/1", "https://example.com/3"}, links)
}

func TestExecuteFetchFailureIsFailedOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := storage.NewMemory()
	c := New(fastConfig(), st, logx.Nop())
	out, err := c.Execute(context.Background(), jobs.CrawlRequest{JobID: 1, URL: srv.URL, Keywords: []string{"go"}})
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Contains(t, out.Err, "status 503")
}

func TestExecuteRejectsMalformedRequest(t *testing.T) {
	c := New(fastConfig(), storage.NewMemory(), logx.Nop())
	_, err := c.Execute(context.Background(), jobs.CrawlRequest{URL: "not a url", Keywords: []string{"go"}})
	require.True(t, jobs.IsValidation(err))
	_, err = c.Execute(context.Background(), jobs.CrawlRequest{URL: "https://example.com"})
	require.True(t, jobs.IsValidation(err))
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseHTMLNextLabel(t *testing.T) {
	body := []byte(`<html><body>
<a href="/a">Golang A</a>
<a href="?page=2">Weiter</a>
</body></html>`)
	p, err := parseHTML(body, mustURL(t, "https://example.com/list"))
	require.NoError(t, err)
	require.NotNil(t, p.next)
	require.Equal(t, "https://example.com/list?page=2", p.next.String())
	require.Equal(t, []item{{Title: "Golang A", Link: "https://example.com/a"}}, p.items)
}
