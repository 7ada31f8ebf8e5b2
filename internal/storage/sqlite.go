package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/transfer"
	logx "pubsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes the default-template transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
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

// --- jobs ---

func (s *sqliteStore) UpsertJob(ctx context.Context, j jobs.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return wrap("upsert_job", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, account_id, kind, status, recurring, next_due_at, updated_at, data)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   account_id=excluded.account_id, kind=excluded.kind, status=excluded.status,
		   recurring=excluded.recurring, next_due_at=excluded.next_due_at,
		   updated_at=excluded.updated_at, data=excluded.data`,
		j.ID, j.AccountID, string(j.Kind), string(j.Status), j.Schedule.Recurring(),
		unixMilli(j.NextDueAt), unixMilli(j.UpdatedAt), string(data),
	)
	return wrap("upsert_job", err)
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (jobs.Job, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, wrap("get_job", err)
	}
	var j jobs.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return jobs.Job{}, false, wrap("get_job", fmt.Errorf("decode %s: %w", id, err))
	}
	return j, true, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("delete_job", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE job_id = ?`, id); err != nil {
		return wrap("delete_job", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return wrap("delete_job", err)
	}
	return wrap("delete_job", tx.Commit())
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]jobs.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "next_due_at <= ?")
		args = append(args, f.DueBefore.UnixMilli())
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	q := `SELECT data FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY next_due_at, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list_jobs", err)
	}
	defer rows.Close()
	var out []jobs.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("list_jobs", err)
		}
		var j jobs.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.log.Warn("skip undecodable job row", logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, wrap("list_jobs", rows.Err())
}

func (s *sqliteStore) PruneJobs(ctx context.Context, before time.Time) (int, error) {
	all, err := s.ListJobs(ctx, JobFilter{Statuses: []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range all {
		if !prunable(j, before) {
			continue
		}
		if err := s.DeleteJob(ctx, j.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// --- templates ---

func (s *sqliteStore) UpsertTemplate(ctx context.Context, t schedule.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return wrap("upsert_template", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("upsert_template", err)
	}
	defer tx.Rollback()

	if t.IsDefault {
		if err := clearDefaults(ctx, tx, t.ID); err != nil {
			return wrap("upsert_template", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO templates(id, name, is_default, updated_at, data) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, is_default=excluded.is_default,
		   updated_at=excluded.updated_at, data=excluded.data`,
		t.ID, t.Name, t.IsDefault, unixMilli(t.UpdatedAt), string(data),
	)
	if err != nil {
		return wrap("upsert_template", err)
	}
	return wrap("upsert_template", tx.Commit())
}

func clearDefaults(ctx context.Context, tx *sql.Tx, keepID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT data FROM templates WHERE is_default = 1 AND id <> ?`, keepID)
	if err != nil {
		return err
	}
	var others []schedule.Template
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return err
		}
		var t schedule.Template
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			rows.Close()
			return err
		}
		others = append(others, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, t := range others {
		t.IsDefault = false
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE templates SET is_default = 0, data = ? WHERE id = ?`, string(data), t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id string) (schedule.Template, bool, error) {
	return s.oneTemplate(ctx, "get_template", `SELECT data FROM templates WHERE id = ?`, id)
}

func (s *sqliteStore) DefaultTemplate(ctx context.Context) (schedule.Template, bool, error) {
	return s.oneTemplate(ctx, "default_template", `SELECT data FROM templates WHERE is_default = 1 ORDER BY updated_at DESC LIMIT 1`)
}

func (s *sqliteStore) oneTemplate(ctx context.Context, op, q string, args ...any) (schedule.Template, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Template{}, false, nil
	}
	if err != nil {
		return schedule.Template{}, false, wrap(op, err)
	}
	var t schedule.Template
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return schedule.Template{}, false, wrap(op, err)
	}
	return t, true, nil
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	return wrap("delete_template", err)
}

func (s *sqliteStore) ListTemplates(ctx context.Context) ([]schedule.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM templates ORDER BY name, id`)
	if err != nil {
		return nil, wrap("list_templates", err)
	}
	defer rows.Close()
	var out []schedule.Template
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrap("list_templates", err)
		}
		var t schedule.Template
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			s.log.Warn("skip undecodable template row", logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, wrap("list_templates", rows.Err())
}

// --- sessions ---

func (s *sqliteStore) SaveSession(ctx context.Context, rec transfer.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return wrap("save_session", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(job_id, item, state, updated_at, data) VALUES(?,?,?,?,?)
		 ON CONFLICT(job_id, item) DO UPDATE SET
		   state=excluded.state, updated_at=excluded.updated_at, data=excluded.data`,
		rec.JobID, rec.Item, string(rec.State), unixMilli(rec.UpdatedAt), string(data),
	)
	return wrap("save_session", err)
}

func (s *sqliteStore) LoadSession(ctx context.Context, jobID string, item int) (transfer.Record, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE job_id = ? AND item = ?`, jobID, item).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Record{}, false, nil
	}
	if err != nil {
		return transfer.Record{}, false, wrap("load_session", err)
	}
	var rec transfer.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return transfer.Record{}, false, wrap("load_session", err)
	}
	return rec, true, nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, jobID string, item int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE job_id = ? AND item = ?`, jobID, item)
	return wrap("delete_session", err)
}

func (s *sqliteStore) DeleteSessionsForJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE job_id = ?`, jobID)
	return wrap("delete_sessions", err)
}

// --- dedup ---

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return wrap("put_dedup", err)
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap("get_dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
