package digest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"jobcrawler/internal/task/engine"
	logx "jobcrawler/pkg/logx"
)

// Message is what every sink receives.
type Message struct {
	Subject string
	Text    string
	Report  *Report
}

type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Fanout delivers to every sender and combines their errors.
type Fanout struct {
	senders []Sender
	log     logx.Logger
}

func NewFanout(log logx.Logger, senders ...Sender) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fanout{senders: senders, log: log}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Names() []string {
	out := make([]string, 0, len(f.senders))
	for _, s := range f.senders {
		out = append(out, s.Name())
	}
	return out
}

func (f *Fanout) Send(ctx context.Context, m Message) error {
	var errs error
	for _, s := range f.senders {
		if err := s.Send(ctx, m); err != nil {
			f.log.Warn("digest sink failed", logx.String("sink", s.Name()), logx.Err(err))
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "sink %s", s.Name()))
		}
	}
	return errs
}

// LogSender writes the digest to the process log.
type LogSender struct{ Log logx.Logger }

func (LogSender) Name() string { return "log" }

func (l LogSender) Send(_ context.Context, m Message) error {
	fields := []logx.Field{logx.String("subject", m.Subject)}
	if m.Report != nil {
		fields = append(fields, logx.Int("new", m.Report.New), logx.Int("removed", m.Report.Removed),
			logx.Int("failures", len(m.Report.Failures)))
	}
	l.Log.Info("digest", fields...)
	return nil
}

// Webhook POSTs the digest as JSON. With a secret the body is signed with
// HMAC-SHA256 in the X-Signature-256 header.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

const SignatureHeader = "X-Signature-256"

func (w *Webhook) Name() string { return "webhook" }

type webhookBody struct {
	Event   string    `json:"event"`
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
	Report  *Report   `json:"report,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Sign returns the header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhook) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(webhookBody{Event: "digest", Subject: m.Subject, Text: m.Text, Report: m.Report, SentAt: time.Now().UTC()})
	if err != nil {
		return engine.NoRetry(errors.Wrap(err, "encode digest"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return engine.NoRetry(errors.Wrap(err, "build webhook request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "jobcrawler-digest")
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, body))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := errors.Newf("webhook rate limited: %s", resp.Status)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil {
			return engine.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode >= 500:
		return errors.Newf("webhook: %s", resp.Status)
	default:
		return engine.NoRetry(errors.Newf("webhook rejected digest: %s", resp.Status))
	}
}

const telegramTextLimit = 4000

// Telegram sends the digest text to one chat. The bot runs offline: it only
// calls sendMessage and never polls for updates.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegram builds a sender. apiURL may be empty for the public API.
func NewTelegram(token string, chatID int64, apiURL string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: chatID}}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, m Message) error {
	for _, chunk := range splitText(m.Text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(t.chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return errors.Wrap(err, "telegram send")
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
