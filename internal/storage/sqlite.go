package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	logx "jobcrawler/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Keep IN lists and batch inserts well under SQLite's variable limit.
const sqliteBatch = 200

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create storage dir")
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	log.Debug("sqlite opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func newSQLiteStore(db *sqlx.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

type jobRow struct {
	ID           int64  `db:"id"`
	Title        string `db:"title"`
	TargetURL    string `db:"target_url"`
	Keywords     string `db:"keywords"`
	ScheduleTime string `db:"schedule_time"`
	ScheduleDays string `db:"schedule_days"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

const selectJobs = `SELECT id, title, target_url, keywords, schedule_time, schedule_days, created_at, updated_at FROM jobs`

func (r jobRow) toJob() (jobs.Job, error) {
	var kw []string
	if err := json.Unmarshal([]byte(r.Keywords), &kw); err != nil {
		return jobs.Job{}, errors.Wrapf(err, "job %d: decode keywords", r.ID)
	}
	at, err := recurrence.ParseTimeOfDay(r.ScheduleTime)
	if err != nil {
		return jobs.Job{}, errors.Wrapf(err, "job %d", r.ID)
	}
	days, err := recurrence.ParseDays(r.ScheduleDays)
	if err != nil {
		return jobs.Job{}, errors.Wrapf(err, "job %d", r.ID)
	}
	return jobs.Job{
		ID:        jobs.ID(r.ID),
		Title:     r.Title,
		TargetURL: r.TargetURL,
		Keywords:  kw,
		Time:      at,
		Days:      days,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}, nil
}

func (s *sqliteStore) CreateJob(ctx context.Context, j jobs.Job) (jobs.ID, error) {
	kw, err := json.Marshal(j.Keywords)
	if err != nil {
		return 0, errors.Wrap(err, "encode keywords")
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(title, target_url, keywords, schedule_time, schedule_days, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		j.Title, j.TargetURL, string(kw), j.Time.String(), j.Days.String(), now, now,
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "insert job: last id")
	}
	return jobs.ID(id), nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id jobs.ID) (jobs.Job, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, selectJobs+` WHERE id = ?`, int64(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Job{}, jobs.NotFound(id)
		}
		return jobs.Job{}, errors.Wrapf(err, "get job %d", id)
	}
	return row.toJob()
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id jobs.ID, j jobs.Job) error {
	kw, err := json.Marshal(j.Keywords)
	if err != nil {
		return errors.Wrap(err, "encode keywords")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET title=?, target_url=?, keywords=?, schedule_time=?, schedule_days=?, updated_at=?
		 WHERE id=?`,
		j.Title, j.TargetURL, string(kw), j.Time.String(), j.Days.String(), time.Now().UnixMilli(), int64(id),
	)
	if err != nil {
		return errors.Wrapf(err, "update job %d", id)
	}
	return affectedOrNotFound(res, id)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id jobs.ID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, int64(id))
	if err != nil {
		return errors.Wrapf(err, "delete job %d", id)
	}
	if err := affectedOrNotFound(res, id); err != nil {
		return err
	}
	// Run records stay for reporting; postings only make sense for a live job.
	if _, err := tx.ExecContext(ctx, `DELETE FROM postings WHERE job_id=?`, int64(id)); err != nil {
		return errors.Wrapf(err, "delete postings of job %d", id)
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]jobs.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, selectJobs+` ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	out := make([]jobs.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func affectedOrNotFound(res sql.Result, id jobs.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return jobs.NotFound(id)
	}
	return nil
}

// ---- runs ----

type runRow struct {
	ID           int64  `db:"id"`
	JobID        int64  `db:"job_id"`
	Site         string `db:"site"`
	FinishedAt   int64  `db:"finished_at"`
	Success      int64  `db:"success"`
	NewItems     int64  `db:"new_items"`
	RemovedItems int64  `db:"removed_items"`
	Error        string `db:"error"`
	Manual       int64  `db:"manual"`
}

func (r runRow) toRun() jobs.RunRecord {
	return jobs.RunRecord{
		ID:           r.ID,
		JobID:        jobs.ID(r.JobID),
		Site:         r.Site,
		At:           time.UnixMilli(r.FinishedAt).UTC(),
		Success:      r.Success != 0,
		NewItems:     int(r.NewItems),
		RemovedItems: int(r.RemovedItems),
		Error:        r.Error,
		Manual:       r.Manual != 0,
	}
}

func (s *sqliteStore) AppendRun(ctx context.Context, r jobs.RunRecord) (jobs.RunRecord, error) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records(job_id, site, finished_at, success, new_items, removed_items, error, manual)
		 VALUES(?,?,?,?,?,?,?,?)`,
		int64(r.JobID), r.Site, r.At.UnixMilli(), boolInt(r.Success), r.NewItems, r.RemovedItems, r.Error, boolInt(r.Manual),
	)
	if err != nil {
		return r, errors.Wrapf(err, "append run for job %d", r.JobID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return r, errors.Wrap(err, "append run: last id")
	}
	r.ID = id
	return r, nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, since time.Time) ([]jobs.RunRecord, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, job_id, site, finished_at, success, new_items, removed_items, error, manual
		 FROM run_records WHERE finished_at >= ? ORDER BY id`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	out := make([]jobs.RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRun())
	}
	return out, nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, n int) ([]jobs.RunRecord, error) {
	if n < 0 {
		n = -1 // no LIMIT
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM (
		   SELECT id, job_id, site, finished_at, success, new_items, removed_items, error, manual
		   FROM run_records ORDER BY finished_at DESC, id DESC LIMIT ?
		 ) ORDER BY id`,
		n,
	)
	if err != nil {
		return nil, errors.Wrap(err, "recent runs")
	}
	out := make([]jobs.RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRun())
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- settings ----

func (s *sqliteStore) GetDigestTime(ctx context.Context) (recurrence.TimeOfDay, bool, error) {
	var v string
	if err := s.db.GetContext(ctx, &v, `SELECT value FROM settings WHERE name = ?`, settingDigestTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return recurrence.TimeOfDay{}, false, nil
		}
		return recurrence.TimeOfDay{}, false, errors.Wrap(err, "get digest time")
	}
	t, err := recurrence.ParseTimeOfDay(v)
	if err != nil {
		return recurrence.TimeOfDay{}, false, errors.Wrap(err, "stored digest time")
	}
	return t, true, nil
}

func (s *sqliteStore) SetDigestTime(ctx context.Context, t recurrence.TimeOfDay) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(name, value) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
		settingDigestTime, t.String(),
	)
	return errors.Wrap(err, "set digest time")
}

// ---- postings ----

type postingRow struct {
	JobID     int64  `db:"job_id"`
	Link      string `db:"link"`
	Title     string `db:"title"`
	FirstSeen int64  `db:"first_seen"`
}

func (s *sqliteStore) SyncPostings(ctx context.Context, jobID jobs.ID, current []Posting, at time.Time) (int, int, error) {
	current = dedupPostings(current)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	var stored []string
	if err := tx.SelectContext(ctx, &stored, `SELECT link FROM postings WHERE job_id = ?`, int64(jobID)); err != nil {
		return 0, 0, errors.Wrap(err, "load postings")
	}
	storedSet := make(map[string]struct{}, len(stored))
	for _, l := range stored {
		storedSet[l] = struct{}{}
	}
	seen := make(map[string]struct{}, len(current))
	var added []postingRow
	for _, p := range current {
		seen[p.Link] = struct{}{}
		if _, ok := storedSet[p.Link]; ok {
			continue
		}
		added = append(added, postingRow{JobID: int64(jobID), Link: p.Link, Title: p.Title, FirstSeen: at.UnixMilli()})
	}
	var gone []string
	for _, l := range stored {
		if _, ok := seen[l]; !ok {
			gone = append(gone, l)
		}
	}

	for start := 0; start < len(gone); start += sqliteBatch {
		end := min(start+sqliteBatch, len(gone))
		q, args, err := sqlx.In(`DELETE FROM postings WHERE job_id = ? AND link IN (?)`, int64(jobID), gone[start:end])
		if err != nil {
			return 0, 0, errors.Wrap(err, "build delete")
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
			return 0, 0, errors.Wrap(err, "delete postings")
		}
	}
	for start := 0; start < len(added); start += sqliteBatch {
		end := min(start+sqliteBatch, len(added))
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO postings(job_id, link, title, first_seen) VALUES(:job_id, :link, :title, :first_seen)`,
			added[start:end],
		)
		if err != nil {
			return 0, 0, errors.Wrap(err, "insert postings")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, errors.Wrap(err, "commit")
	}
	return len(added), len(gone), nil
}

func (s *sqliteStore) ListPostings(ctx context.Context, jobID jobs.ID) ([]Posting, error) {
	var rows []postingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT job_id, link, title, first_seen FROM postings WHERE job_id = ? ORDER BY first_seen, link`, int64(jobID))
	if err != nil {
		return nil, errors.Wrap(err, "list postings")
	}
	out := make([]Posting, 0, len(rows))
	for _, r := range rows {
		out = append(out, Posting{JobID: jobs.ID(r.JobID), Link: r.Link, Title: r.Title, FirstSeen: time.UnixMilli(r.FirstSeen).UTC()})
	}
	return out, nil
}
