// Package postgres provides a Postgres-backed work store for deployments
// that already run a relational server; SQLite remains the canonical
// single-host backend.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/segin/efgrabber/internal/grabber"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id BIGSERIAL PRIMARY KEY,
	data_set INT NOT NULL,
	file_key TEXT NOT NULL,
	url TEXT NOT NULL,
	local_path TEXT,
	status TEXT NOT NULL DEFAULT 'PENDING',
	file_size BIGINT NOT NULL DEFAULT 0,
	retry_count INT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE(data_set, file_key)
);

CREATE INDEX IF NOT EXISTS idx_files_status ON files(data_set, status);

CREATE TABLE IF NOT EXISTS pages (
	id BIGSERIAL PRIMARY KEY,
	data_set INT NOT NULL,
	page_number INT NOT NULL,
	scraped BOOLEAN NOT NULL DEFAULT FALSE,
	pdf_count INT NOT NULL DEFAULT 0,
	scraped_at TIMESTAMPTZ,
	UNIQUE(data_set, page_number)
);

CREATE TABLE IF NOT EXISTS progress (
	data_set INT PRIMARY KEY,
	current_id BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Conn is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements grabber.WorkStore on Postgres.
type Store struct {
	conn  Conn
	clock grabber.Clock
}

// Open creates a connection pool for the DSN.
func Open(ctx context.Context, dsn string, clock grabber.Clock) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, classify(fmt.Errorf("create connection pool: %w", err))
	}
	return NewWithConn(pool, clock), nil
}

// NewWithConn wraps an existing connection; tests inject pgxmock here.
func NewWithConn(conn Conn, clock grabber.Clock) *Store {
	if clock == nil {
		clock = grabber.SystemClock{}
	}
	return &Store{conn: conn, clock: clock}
}

// Initialize creates tables and indices. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, schema); err != nil {
		return classify(fmt.Errorf("create schema: %w", err))
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.conn.Close()
	return nil
}

// AddItem inserts one item, ignoring a duplicate (data_set, file_key).
func (s *Store) AddItem(ctx context.Context, item grabber.WorkItem) error {
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item})
	return err
}

// AddItemsBatch inserts items in one transaction with ON CONFLICT DO NOTHING
// semantics and returns the number actually inserted.
func (s *Store) AddItemsBatch(ctx context.Context, items []grabber.WorkItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now()
	var inserted int64
	for _, item := range items {
		state := item.State
		if state == "" {
			state = grabber.StatePending
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO files (data_set, file_key, url, local_path, status, file_size, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (data_set, file_key) DO NOTHING`,
			item.DataSet, item.Key, item.SourceURL, item.LocalPath, string(state), item.SizeBytes, now)
		if err != nil {
			return 0, classify(fmt.Errorf("insert %q: %w", item.Key, err))
		}
		inserted += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify(fmt.Errorf("commit: %w", err))
	}
	return inserted, nil
}

// SetState transitions an item by storage id.
func (s *Store) SetState(ctx context.Context, storageID int64, state grabber.State, errText string, size int64) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE files SET status = $1, error_message = $2,
			file_size = CASE WHEN $3 > 0 THEN $3 ELSE file_size END,
			updated_at = $4
		WHERE id = $5`,
		string(state), errText, size, s.clock.Now(), storageID)
	if err != nil {
		return classify(fmt.Errorf("set state: %w", err))
	}
	return nil
}

// SetStateByKey transitions an item by (data_set, file_key).
func (s *Store) SetStateByKey(ctx context.Context, dataSet int, key string, state grabber.State, errText string, size int64) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE files SET status = $1, error_message = $2,
			file_size = CASE WHEN $3 > 0 THEN $3 ELSE file_size END,
			updated_at = $4
		WHERE data_set = $5 AND file_key = $6`,
		string(state), errText, size, s.clock.Now(), dataSet, key)
	if err != nil {
		return classify(fmt.Errorf("set state by key: %w", err))
	}
	return nil
}

// IncrementRetry bumps the retry counter.
func (s *Store) IncrementRetry(ctx context.Context, storageID int64) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE files SET retry_count = retry_count + 1, updated_at = $1 WHERE id = $2`,
		s.clock.Now(), storageID)
	if err != nil {
		return classify(fmt.Errorf("increment retry: %w", err))
	}
	return nil
}

const itemColumns = `id, data_set, file_key, url, local_path, status, file_size, retry_count, error_message, created_at, updated_at`

// TakePending returns up to limit Pending items ordered by key.
func (s *Store) TakePending(ctx context.Context, dataSet, limit int) ([]grabber.WorkItem, error) {
	return s.selectItems(ctx, `
		SELECT `+itemColumns+` FROM files
		WHERE data_set = $1 AND status = $2 ORDER BY file_key LIMIT $3`,
		dataSet, string(grabber.StatePending), limit)
}

// TakeRetryableFailed returns Failed items still under the retry cap.
func (s *Store) TakeRetryableFailed(ctx context.Context, dataSet, maxRetries, limit int) ([]grabber.WorkItem, error) {
	return s.selectItems(ctx, `
		SELECT `+itemColumns+` FROM files
		WHERE data_set = $1 AND status = $2 AND retry_count < $3
		ORDER BY updated_at LIMIT $4`,
		dataSet, string(grabber.StateFailed), maxRetries, limit)
}

func (s *Store) selectItems(ctx context.Context, query string, args ...any) ([]grabber.WorkItem, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("select items: %w", err))
	}
	defer rows.Close()

	var items []grabber.WorkItem
	for rows.Next() {
		var (
			it     grabber.WorkItem
			status string
		)
		if err := rows.Scan(&it.StorageID, &it.DataSet, &it.Key, &it.SourceURL, &it.LocalPath,
			&status, &it.SizeBytes, &it.RetryCount, &it.LastError, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, classify(fmt.Errorf("scan item: %w", err))
		}
		it.State = grabber.ParseState(status)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate items: %w", err))
	}
	return items, nil
}

// ResetInProgress performs the crash-recovery bulk InProgress -> Pending.
func (s *Store) ResetInProgress(ctx context.Context, dataSet int) (int64, error) {
	return s.resetWhere(ctx, dataSet, `status = 'IN_PROGRESS'`, false)
}

// ResetFailed requeues Failed items and clears their retry state.
func (s *Store) ResetFailed(ctx context.Context, dataSet int) (int64, error) {
	return s.resetWhere(ctx, dataSet, `status = 'FAILED'`, true)
}

// ResetAll requeues every item.
func (s *Store) ResetAll(ctx context.Context, dataSet int) (int64, error) {
	return s.resetWhere(ctx, dataSet, `status <> 'PENDING'`, true)
}

func (s *Store) resetWhere(ctx context.Context, dataSet int, cond string, clearRetries bool) (int64, error) {
	retrySQL := ""
	if clearRetries {
		retrySQL = ", retry_count = 0"
	}
	tag, err := s.conn.Exec(ctx, fmt.Sprintf(`
		UPDATE files SET status = 'PENDING', error_message = ''%s, updated_at = $1
		WHERE data_set = $2 AND (%s)`, retrySQL, cond),
		s.clock.Now(), dataSet)
	if err != nil {
		return 0, classify(fmt.Errorf("reset items: %w", err))
	}
	return tag.RowsAffected(), nil
}

// Exists reports whether (data_set, file_key) is present.
func (s *Store) Exists(ctx context.Context, dataSet int, key string) (bool, error) {
	var n int
	err := s.conn.QueryRow(ctx,
		`SELECT COUNT(1) FROM files WHERE data_set = $1 AND file_key = $2`, dataSet, key).Scan(&n)
	if err != nil {
		return false, classify(fmt.Errorf("exists: %w", err))
	}
	return n > 0, nil
}

// ClearDataSet deletes all rows for a data set across the three relations.
func (s *Store) ClearDataSet(ctx context.Context, dataSet int) (int64, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM files WHERE data_set = $1`, dataSet)
	if err != nil {
		return 0, classify(fmt.Errorf("clear files: %w", err))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pages WHERE data_set = $1`, dataSet); err != nil {
		return 0, classify(fmt.Errorf("clear pages: %w", err))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM progress WHERE data_set = $1`, dataSet); err != nil {
		return 0, classify(fmt.Errorf("clear progress: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify(fmt.Errorf("commit: %w", err))
	}
	return tag.RowsAffected(), nil
}

// AddPagesBatch materializes page rows [lo..hi] in one statement.
func (s *Store) AddPagesBatch(ctx context.Context, dataSet, lo, hi int) error {
	if hi < lo {
		return nil
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO pages (data_set, page_number)
		SELECT $1, n FROM generate_series($2::int, $3::int) AS n
		ON CONFLICT (data_set, page_number) DO NOTHING`,
		dataSet, lo, hi)
	if err != nil {
		return classify(fmt.Errorf("add pages: %w", err))
	}
	return nil
}

// MarkScraped records a page's scrape completion.
func (s *Store) MarkScraped(ctx context.Context, dataSet, page, pdfCount int) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO pages (data_set, page_number, scraped, pdf_count, scraped_at)
		VALUES ($1, $2, TRUE, $3, $4)
		ON CONFLICT (data_set, page_number) DO UPDATE
		SET scraped = TRUE, pdf_count = EXCLUDED.pdf_count, scraped_at = EXCLUDED.scraped_at`,
		dataSet, page, pdfCount, s.clock.Now())
	if err != nil {
		return classify(fmt.Errorf("mark scraped: %w", err))
	}
	return nil
}

// UnscrapedPages returns up to limit unscraped page numbers in order.
func (s *Store) UnscrapedPages(ctx context.Context, dataSet, limit int) ([]int, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT page_number FROM pages WHERE data_set = $1 AND NOT scraped
		ORDER BY page_number LIMIT $2`, dataSet, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("unscraped pages: %w", err))
	}
	defer rows.Close()

	var pages []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, classify(fmt.Errorf("scan page: %w", err))
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate pages: %w", err))
	}
	return pages, nil
}

// Enumerator returns the persisted checkpoint, zero when absent.
func (s *Store) Enumerator(ctx context.Context, dataSet int) (uint64, error) {
	var id uint64
	err := s.conn.QueryRow(ctx,
		`SELECT current_id FROM progress WHERE data_set = $1`, dataSet).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("get enumerator: %w", err))
	}
	return id, nil
}

// SetEnumerator persists the checkpoint for a data set.
func (s *Store) SetEnumerator(ctx context.Context, dataSet int, id uint64) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO progress (data_set, current_id, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (data_set) DO UPDATE
		SET current_id = EXCLUDED.current_id, updated_at = EXCLUDED.updated_at`,
		dataSet, id, s.clock.Now())
	if err != nil {
		return classify(fmt.Errorf("set enumerator: %w", err))
	}
	return nil
}

// Stats reads counts, scrape progress, and the checkpoint in one transaction.
func (s *Store) Stats(ctx context.Context, dataSet int) (grabber.StoreStats, error) {
	var st grabber.StoreStats
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return st, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT status, COUNT(1) FROM files WHERE data_set = $1 GROUP BY status`, dataSet)
	if err != nil {
		return st, classify(fmt.Errorf("count states: %w", err))
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return st, classify(fmt.Errorf("scan state count: %w", err))
		}
		switch grabber.ParseState(status) {
		case grabber.StatePending:
			st.Pending = count
		case grabber.StateInProgress:
			st.InProgress = count
		case grabber.StateCompleted:
			st.Completed = count
		case grabber.StateFailed:
			st.Failed = count
		case grabber.StateNotFound:
			st.NotFound = count
		case grabber.StateSkipped:
			st.Skipped = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, classify(fmt.Errorf("iterate state counts: %w", err))
	}

	if err := tx.QueryRow(ctx, `
		SELECT COUNT(1),
			COUNT(1) FILTER (WHERE scraped),
			COALESCE(SUM(pdf_count) FILTER (WHERE scraped), 0)
		FROM pages WHERE data_set = $1`, dataSet).
		Scan(&st.TotalPages, &st.PagesScraped, &st.KeysFound); err != nil {
		return st, classify(fmt.Errorf("count pages: %w", err))
	}

	err = tx.QueryRow(ctx,
		`SELECT current_id FROM progress WHERE data_set = $1`, dataSet).
		Scan(&st.EnumeratorCurrent)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return st, classify(fmt.Errorf("read checkpoint: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return st, classify(fmt.Errorf("commit: %w", err))
	}
	return st, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return grabber.NewStoreError(grabber.StoreSerialization, err)
		case pgErr.Code == "55P03" || pgErr.Code[:2] == "53":
			return grabber.NewStoreError(grabber.StoreBusy, err)
		case pgErr.Code[:2] == "23":
			return grabber.NewStoreError(grabber.StoreConstraint, err)
		}
	}
	return grabber.NewStoreError(grabber.StoreIo, err)
}

var _ grabber.WorkStore = (*Store)(nil)
