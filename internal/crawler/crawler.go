// Package crawler fetches a job board, keeps the postings whose title matches
// one of the job's keywords, and diffs them against the previous crawl.
package crawler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/storage"
	logx "jobcrawler/pkg/logx"
)

type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxPages       int
	RatePerSec     float64
	Burst          int
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "jobcrawler/1.0"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 5
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	return c
}

const maxBody = 5 << 20

// Crawler implements jobs.Executor.
type Crawler struct {
	store storage.PostingStore
	log   logx.Logger
	now   func() time.Time

	fmu   sync.Mutex
	feeds *gofeed.Parser

	mu       sync.Mutex
	cfg      Config
	client   *http.Client
	limiters map[string]*rate.Limiter
}

func New(cfg Config, store storage.PostingStore, log logx.Logger) *Crawler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Crawler{
		store:    store,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		feeds:    gofeed.NewParser(),
		log:      log,
		now:      time.Now,
		cfg:      cfg,
		limiters: map[string]*rate.Limiter{},
	}
}

// Apply swaps the configuration. Existing per-host limiters pick up the new rate.
func (c *Crawler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.client = &http.Client{Timeout: cfg.RequestTimeout}
	for _, l := range c.limiters {
		l.SetLimit(rate.Limit(cfg.RatePerSec))
		l.SetBurst(cfg.Burst)
	}
}

func (c *Crawler) settings() (Config, *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.client
}

func (c *Crawler) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RatePerSec), c.cfg.Burst)
		c.limiters[host] = l
	}
	return l
}

// Execute crawls req.URL and up to MaxPages-1 follow-up pages. Fetch, parse and
// store problems are reported as a failed outcome; only a malformed request
// is a Go error.
func (c *Crawler) Execute(ctx context.Context, req jobs.CrawlRequest) (jobs.CrawlOutcome, error) {
	start, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || start.Host == "" {
		return jobs.CrawlOutcome{}, jobs.Invalid("crawl url %q is not absolute", req.URL)
	}
	if len(req.Keywords) == 0 {
		return jobs.CrawlOutcome{}, jobs.Invalid("crawl of %s has no keywords", req.URL)
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	cfg, _ := c.settings()
	log := c.log.With(logx.Int64("job_id", int64(req.JobID)), logx.String("url", start.String()))
	match := newMatcher(req.Keywords)

	var found []storage.Posting
	visited := map[string]bool{}
	next := start
	for page := 1; next != nil && page <= cfg.MaxPages; page++ {
		if visited[next.String()] {
			break
		}
		visited[next.String()] = true

		p, err := c.fetchPage(ctx, next)
		if err != nil {
			if page == 1 {
				return jobs.CrawlOutcome{Err: err.Error()}, nil
			}
			log.Warn("stopping pagination", logx.Int("page", page), logx.Err(err))
			break
		}
		for _, it := range p.items {
			if match(it.Title) {
				found = append(found, storage.Posting{JobID: req.JobID, Link: it.Link, Title: it.Title})
			}
		}
		next = p.next
	}

	added, removed, err := c.store.SyncPostings(ctx, req.JobID, found, c.now())
	if err != nil {
		return jobs.CrawlOutcome{Err: errors.Wrap(err, "store postings").Error()}, nil
	}
	log.Debug("crawl done", logx.Int("matched", len(found)), logx.Int("new", added), logx.Int("removed", removed))
	return jobs.CrawlOutcome{Success: true, NewItems: added, RemovedItems: removed}, nil
}

type item struct {
	Title string
	Link  string
}

type page struct {
	items []item
	next  *url.URL
}

func (c *Crawler) fetchPage(ctx context.Context, u *url.URL) (page, error) {
	cfg, client := c.settings()
	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return page{}, errors.Wrap(err, "rate limit wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return page{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/rss+xml,application/atom+xml;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return page{}, errors.Wrapf(err, "fetch %s", u)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return page{}, errors.Newf("fetch %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return page{}, errors.Wrapf(err, "read %s", u)
	}

	if isFeed(resp.Header.Get("Content-Type"), body) {
		items, err := c.parseFeed(body, u)
		return page{items: items}, err
	}
	return parseHTML(body, u)
}

func isFeed(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "rss") || strings.Contains(ct, "atom") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<rss")) || bytes.HasPrefix(head, []byte("<feed")) ||
		(bytes.HasPrefix(head, []byte("<?xml")) && (bytes.Contains(head, []byte("<rss")) || bytes.Contains(head, []byte("<feed"))))
}

func (c *Crawler) parseFeed(body []byte, base *url.URL) ([]item, error) {
	c.fmu.Lock()
	feed, err := c.feeds.Parse(bytes.NewReader(body))
	c.fmu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "parse feed")
	}
	out := make([]item, 0, len(feed.Items))
	for _, e := range feed.Items {
		link := e.Link
		if link == "" && len(e.Links) > 0 {
			link = e.Links[0]
		}
		if abs := resolve(base, link); abs != nil {
			out = append(out, item{Title: strings.TrimSpace(e.Title), Link: abs.String()})
		}
	}
	return out, nil
}

var nextLabels = []string{"next", "next page", "weiter", "nächste", "»", "›", ">"}

func parseHTML(body []byte, base *url.URL) (page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return page{}, errors.Wrap(err, "parse html")
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b := resolve(base, href); b != nil {
			base = b
		}
	}

	var p page
	doc.Find(`link[rel="next"], a[rel="next"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		p.next = resolve(base, href)
		return p.next == nil
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link := resolve(base, href)
		if link == nil {
			return
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			text, _ = s.Attr("title")
		}
		if p.next == nil && isNextLabel(text, s) {
			p.next = link
			return
		}
		if text != "" {
			p.items = append(p.items, item{Title: text, Link: link.String()})
		}
	})
	return p, nil
}

func isNextLabel(text string, s *goquery.Selection) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if aria, ok := s.Attr("aria-label"); ok && t == "" {
		t = strings.ToLower(strings.TrimSpace(aria))
	}
	for _, l := range nextLabels {
		if t == l {
			return true
		}
	}
	return false
}

// resolve makes href absolute against base. Fragments, javascript: and
// mailto: links yield nil.
func resolve(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	u.Fragment = ""
	return u
}

// newMatcher reports whether a title contains any keyword, case-insensitively.
func newMatcher(keywords []string) func(string) bool {
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lower = append(lower, k)
		}
	}
	return func(title string) bool {
		t := strings.ToLower(title)
		for _, k := range lower {
			if strings.Contains(t, k) {
				return true
			}
		}
		return false
	}
}
