package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobrunner/internal/job"
	logx "jobrunner/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const jobColumns = `id, variant, behaviour, should_block, should_skip_launch_become_active,
	failure_count, next_run_timestamp, thread_id, interaction_id, payload`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes Write transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
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

func (s *sqliteStore) Read(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *sqliteStore) Write(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *sqliteStore) run(ctx context.Context, readOnly bool, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &sqliteTx{ctx: ctx, tx: sqlTx, readOnly: readOnly}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if readOnly {
		_ = sqlTx.Rollback()
	} else if err := sqlTx.Commit(); err != nil {
		return err
	}
	for _, cb := range tx.afterCommit {
		cb()
	}
	return nil
}

type sqliteTx struct {
	ctx         context.Context
	tx          *sql.Tx
	readOnly    bool
	afterCommit []func()
}

func (t *sqliteTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *sqliteTx) AfterCommit(fn func()) {
	if fn != nil {
		t.afterCommit = append(t.afterCommit, fn)
	}
}

func (t *sqliteTx) InsertJob(j job.Job) (job.Job, error) {
	if err := t.writable(); err != nil {
		return j, err
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO job(variant, behaviour, should_block, should_skip_launch_become_active,
			failure_count, next_run_timestamp, thread_id, interaction_id, payload)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		j.Variant.String(), j.Behaviour.String(), j.ShouldBlock, j.ShouldSkipLaunchBecomeActive,
		j.FailureCount, toMillis(j.NextRunTimestamp), nullStr(j.ThreadID), nullInt(j.InteractionID), j.Payload,
	)
	if err != nil {
		return j, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return j, err
	}
	j.ID = id
	return j, nil
}

func (t *sqliteTx) UpdateJob(j job.Job) error {
	if err := t.writable(); err != nil {
		return err
	}
	if !j.Persisted() {
		return ErrNotPersisted
	}
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE job SET variant=?, behaviour=?, should_block=?, should_skip_launch_become_active=?,
			failure_count=?, next_run_timestamp=?, thread_id=?, interaction_id=?, payload=?
		 WHERE id=?`,
		j.Variant.String(), j.Behaviour.String(), j.ShouldBlock, j.ShouldSkipLaunchBecomeActive,
		j.FailureCount, toMillis(j.NextRunTimestamp), nullStr(j.ThreadID), nullInt(j.InteractionID), j.Payload,
		j.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) DeleteJob(id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	// Outgoing edges go with the row (ON DELETE CASCADE).
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM job WHERE id=?`, id)
	return err
}

func (t *sqliteTx) JobExists(id int64) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx, `SELECT 1 FROM job WHERE id=?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *sqliteTx) FetchJob(id int64) (job.Job, bool, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+jobColumns+` FROM job WHERE id=?`, id)
	if err != nil {
		return job.Job{}, false, err
	}
	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return job.Job{}, false, err
	}
	return jobs[0], true, nil
}

func (t *sqliteTx) pendingRows(q PendingQuery, order string) ([]job.Job, error) {
	if len(q.Variants) == 0 {
		return nil, nil
	}
	var (
		b    strings.Builder
		args = make([]any, 0, len(q.Variants)+1)
	)
	b.WriteString(`SELECT ` + jobColumns + ` FROM job WHERE variant IN (`)
	for i, v := range q.Variants {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args = append(args, v.String())
	}
	b.WriteString(`) AND behaviour != ?
		AND NOT (behaviour IN (?, ?) AND next_run_timestamp = 0)`)
	args = append(args, job.RunOnceNextLaunch.String(), job.RecurringOnLaunch.String(), job.RecurringOnActive.String())
	if q.ExcludeFuture {
		b.WriteString(` AND next_run_timestamp <= ?`)
		args = append(args, toMillis(q.Now))
	}
	b.WriteString(` ORDER BY ` + order)

	rows, err := t.tx.QueryContext(t.ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if !q.excluded(j.ID) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (t *sqliteTx) PendingJobs(q PendingQuery) ([]job.Job, error) {
	return t.pendingRows(q, "id")
}

func (t *sqliteTx) NextRunTimestamp(q PendingQuery) (time.Time, bool, error) {
	q.ExcludeFuture = false
	jobs, err := t.pendingRows(q, "next_run_timestamp, id")
	if err != nil || len(jobs) == 0 {
		return time.Time{}, false, err
	}
	return jobs[0].NextRunTimestamp, true, nil
}

func (t *sqliteTx) JobsByBehaviour(behaviours ...job.Behaviour) ([]job.Job, error) {
	if len(behaviours) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(behaviours))
	marks := make([]string, 0, len(behaviours))
	for _, b := range behaviours {
		args = append(args, b.String())
		marks = append(marks, "?")
	}
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+jobColumns+` FROM job WHERE behaviour IN (`+strings.Join(marks, ",")+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (t *sqliteTx) InsertDependency(d job.Dependency) error {
	if err := t.writable(); err != nil {
		return err
	}
	if d.DependantID == 0 || d.JobID == 0 {
		return ErrNotPersisted
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO job_dependency(dependant_id, job_id) VALUES(?,?)
		 ON CONFLICT(dependant_id, job_id) DO NOTHING`, d.DependantID, d.JobID)
	return err
}

func (t *sqliteTx) CountDependencies(dependantID int64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM job_dependency WHERE dependant_id=?`, dependantID).Scan(&n)
	return n, err
}

func (t *sqliteTx) DependenciesOf(dependantID int64) ([]job.Job, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+prefixed("j", jobColumns)+` FROM job_dependency d
		 JOIN job j ON j.id = d.job_id
		 WHERE d.dependant_id=? ORDER BY j.id`, dependantID)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (t *sqliteTx) DependantsOf(jobID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT dependant_id FROM job_dependency WHERE job_id=? ORDER BY dependant_id`, jobID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (t *sqliteTx) DeleteDependenciesOn(jobID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM job_dependency WHERE job_id=?`, jobID)
	return err
}

func (t *sqliteTx) BrokenDependants() ([]int64, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT DISTINCT d.dependant_id FROM job_dependency d
		 LEFT JOIN job j ON j.id = d.job_id
		 WHERE j.id IS NULL ORDER BY d.dependant_id`)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func scanJobs(rows *sql.Rows) ([]job.Job, error) {
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		var (
			j             job.Job
			variant       string
			behaviour     string
			nextRun       int64
			threadID      sql.NullString
			interactionID sql.NullInt64
		)
		if err := rows.Scan(&j.ID, &variant, &behaviour, &j.ShouldBlock, &j.ShouldSkipLaunchBecomeActive,
			&j.FailureCount, &nextRun, &threadID, &interactionID, &j.Payload); err != nil {
			return nil, err
		}
		v, err := job.ParseVariant(variant)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", j.ID, err)
		}
		b, err := job.ParseBehaviour(behaviour)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", j.ID, err)
		}
		j.Variant = v
		j.Behaviour = b
		j.NextRunTimestamp = fromMillis(nextRun)
		j.ThreadID = threadID.String
		j.InteractionID = interactionID.Int64
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
