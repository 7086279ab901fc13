// Package sqlite implements the work store on SQLite. WAL journaling keeps
// readers unblocked while the single writer batches inserts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/segin/efgrabber/internal/grabber"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	data_set INTEGER NOT NULL,
	file_key TEXT NOT NULL,
	url TEXT NOT NULL,
	local_path TEXT,
	status TEXT NOT NULL DEFAULT 'PENDING',
	file_size INTEGER DEFAULT 0,
	retry_count INTEGER DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(data_set, file_key)
);

CREATE INDEX IF NOT EXISTS idx_files_status ON files(data_set, status);
CREATE INDEX IF NOT EXISTS idx_files_key ON files(file_key);

CREATE TABLE IF NOT EXISTS pages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	data_set INTEGER NOT NULL,
	page_number INTEGER NOT NULL,
	scraped INTEGER NOT NULL DEFAULT 0,
	pdf_count INTEGER NOT NULL DEFAULT 0,
	scraped_at TIMESTAMP,
	UNIQUE(data_set, page_number)
);

CREATE INDEX IF NOT EXISTS idx_pages_scraped ON pages(data_set, scraped);

CREATE TABLE IF NOT EXISTS progress (
	data_set INTEGER PRIMARY KEY,
	current_id INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);
`

// Busy retry policy: short bounded backoff inside the store wrapper.
const (
	busyRetries    = 5
	busyRetryDelay = 50 * time.Millisecond
)

// Store implements grabber.WorkStore over a SQLite database file.
type Store struct {
	db    *sqlx.DB
	clock grabber.Clock
}

// Open connects to (or creates) the database at path. A nil clock uses the
// system clock.
func Open(path string, clock grabber.Clock) (*Store, error) {
	if clock == nil {
		clock = grabber.SystemClock{}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=10000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, classify(fmt.Errorf("open sqlite: %w", err))
	}
	// SQLite allows one writer; serializing through a single connection
	// keeps transactions from tripping over each other.
	db.SetMaxOpenConns(1)
	return &Store{db: db, clock: clock}, nil
}

// Initialize creates tables and indices. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	return s.withRetry(func() error {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return classify(fmt.Errorf("create schema: %w", err))
		}
		return nil
	})
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return classify(fmt.Errorf("close sqlite: %w", err))
	}
	return nil
}

// AddItem inserts one item, ignoring a duplicate (data_set, file_key).
func (s *Store) AddItem(ctx context.Context, item grabber.WorkItem) error {
	_, err := s.AddItemsBatch(ctx, []grabber.WorkItem{item})
	return err
}

// AddItemsBatch inserts items in a single transaction with INSERT OR IGNORE
// semantics. All-or-nothing: any non-duplicate failure rolls the batch back.
func (s *Store) AddItemsBatch(ctx context.Context, items []grabber.WorkItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	var inserted int64
	err := s.withRetry(func() error {
		inserted = 0
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT OR IGNORE INTO files
					(data_set, file_key, url, local_path, status, file_size, retry_count, error_message, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare insert: %w", err)
			}
			defer stmt.Close()
			now := s.clock.Now()
			for _, item := range items {
				state := item.State
				if state == "" {
					state = grabber.StatePending
				}
				res, err := stmt.ExecContext(ctx,
					item.DataSet, item.Key, item.SourceURL, item.LocalPath,
					string(state), item.SizeBytes, now, now)
				if err != nil {
					return fmt.Errorf("insert %q: %w", item.Key, err)
				}
				n, _ := res.RowsAffected()
				inserted += n
			}
			return nil
		})
	})
	return inserted, err
}

// SetState transitions an item by storage id. A positive size is recorded.
func (s *Store) SetState(ctx context.Context, storageID int64, state grabber.State, errText string, size int64) error {
	return s.execRetry(ctx, `
		UPDATE files SET status = ?, error_message = ?,
			file_size = CASE WHEN ? > 0 THEN ? ELSE file_size END,
			updated_at = ?
		WHERE id = ?`,
		string(state), errText, size, size, s.clock.Now(), storageID)
}

// SetStateByKey transitions an item by (data_set, file_key).
func (s *Store) SetStateByKey(ctx context.Context, dataSet int, key string, state grabber.State, errText string, size int64) error {
	return s.execRetry(ctx, `
		UPDATE files SET status = ?, error_message = ?,
			file_size = CASE WHEN ? > 0 THEN ? ELSE file_size END,
			updated_at = ?
		WHERE data_set = ? AND file_key = ?`,
		string(state), errText, size, size, s.clock.Now(), dataSet, key)
}

// IncrementRetry bumps the retry counter.
func (s *Store) IncrementRetry(ctx context.Context, storageID int64) error {
	return s.execRetry(ctx,
		`UPDATE files SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		s.clock.Now(), storageID)
}

// TakePending returns up to limit Pending items ordered by key. The caller
// transitions taken items to InProgress.
func (s *Store) TakePending(ctx context.Context, dataSet, limit int) ([]grabber.WorkItem, error) {
	return s.selectItems(ctx, `
		SELECT * FROM files WHERE data_set = ? AND status = ?
		ORDER BY file_key LIMIT ?`,
		dataSet, string(grabber.StatePending), limit)
}

// TakeRetryableFailed returns Failed items still under the retry cap.
func (s *Store) TakeRetryableFailed(ctx context.Context, dataSet, maxRetries, limit int) ([]grabber.WorkItem, error) {
	return s.selectItems(ctx, `
		SELECT * FROM files WHERE data_set = ? AND status = ? AND retry_count < ?
		ORDER BY updated_at LIMIT ?`,
		dataSet, string(grabber.StateFailed), maxRetries, limit)
}

func (s *Store) selectItems(ctx context.Context, query string, args ...any) ([]grabber.WorkItem, error) {
	var items []grabber.WorkItem
	err := s.withRetry(func() error {
		items = items[:0]
		if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
			return classify(fmt.Errorf("select items: %w", err))
		}
		return nil
	})
	return items, err
}

// ResetInProgress performs the crash-recovery bulk InProgress -> Pending.
func (s *Store) ResetInProgress(ctx context.Context, dataSet int) (int64, error) {
	return s.resetWhere(ctx, dataSet, `status = 'IN_PROGRESS'`, false)
}

// ResetFailed requeues Failed items and clears their retry state.
func (s *Store) ResetFailed(ctx context.Context, dataSet int) (int64, error) {
	return s.resetWhere(ctx, dataSet, `status = 'FAILED'`, true)
}

// ResetAll requeues every item ("redownload all").
func (s *Store) ResetAll(ctx context.Context, dataSet int) (int64, error) {
	return s.resetWhere(ctx, dataSet, `status <> 'PENDING'`, true)
}

func (s *Store) resetWhere(ctx context.Context, dataSet int, cond string, clearRetries bool) (int64, error) {
	retrySQL := ""
	if clearRetries {
		retrySQL = ", retry_count = 0"
	}
	query := fmt.Sprintf(`
		UPDATE files SET status = 'PENDING', error_message = ''%s, updated_at = ?
		WHERE data_set = ? AND (%s)`, retrySQL, cond)
	var affected int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, s.clock.Now(), dataSet)
		if err != nil {
			return classify(fmt.Errorf("reset items: %w", err))
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// Exists reports whether (data_set, file_key) is present.
func (s *Store) Exists(ctx context.Context, dataSet int, key string) (bool, error) {
	var n int
	err := s.withRetry(func() error {
		if err := s.db.GetContext(ctx, &n,
			`SELECT COUNT(1) FROM files WHERE data_set = ? AND file_key = ?`, dataSet, key); err != nil {
			return classify(fmt.Errorf("exists: %w", err))
		}
		return nil
	})
	return n > 0, err
}

// ClearDataSet deletes all rows for a data set across the three relations.
func (s *Store) ClearDataSet(ctx context.Context, dataSet int) (int64, error) {
	var removed int64
	err := s.withRetry(func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE data_set = ?`, dataSet)
			if err != nil {
				return fmt.Errorf("clear files: %w", err)
			}
			removed, _ = res.RowsAffected()
			if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE data_set = ?`, dataSet); err != nil {
				return fmt.Errorf("clear pages: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM progress WHERE data_set = ?`, dataSet); err != nil {
				return fmt.Errorf("clear progress: %w", err)
			}
			return nil
		})
	})
	return removed, err
}

// AddPagesBatch materializes page rows [lo..hi] in one transaction.
func (s *Store) AddPagesBatch(ctx context.Context, dataSet, lo, hi int) error {
	if hi < lo {
		return nil
	}
	return s.withRetry(func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			stmt, err := tx.PrepareContext(ctx,
				`INSERT OR IGNORE INTO pages (data_set, page_number) VALUES (?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare pages insert: %w", err)
			}
			defer stmt.Close()
			for p := lo; p <= hi; p++ {
				if _, err := stmt.ExecContext(ctx, dataSet, p); err != nil {
					return fmt.Errorf("insert page %d: %w", p, err)
				}
			}
			return nil
		})
	})
}

// MarkScraped records a page's scrape completion exactly once.
func (s *Store) MarkScraped(ctx context.Context, dataSet, page, pdfCount int) error {
	return s.execRetry(ctx, `
		INSERT INTO pages (data_set, page_number, scraped, pdf_count, scraped_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(data_set, page_number) DO UPDATE
		SET scraped = 1, pdf_count = excluded.pdf_count, scraped_at = excluded.scraped_at`,
		dataSet, page, pdfCount, s.clock.Now())
}

// UnscrapedPages returns up to limit unscraped page numbers in order.
func (s *Store) UnscrapedPages(ctx context.Context, dataSet, limit int) ([]int, error) {
	var pages []int
	err := s.withRetry(func() error {
		pages = pages[:0]
		if err := s.db.SelectContext(ctx, &pages, `
			SELECT page_number FROM pages WHERE data_set = ? AND scraped = 0
			ORDER BY page_number LIMIT ?`, dataSet, limit); err != nil {
			return classify(fmt.Errorf("unscraped pages: %w", err))
		}
		return nil
	})
	return pages, err
}

// Enumerator returns the persisted checkpoint, zero when absent.
func (s *Store) Enumerator(ctx context.Context, dataSet int) (uint64, error) {
	var id uint64
	err := s.withRetry(func() error {
		err := s.db.GetContext(ctx, &id,
			`SELECT current_id FROM progress WHERE data_set = ?`, dataSet)
		if errors.Is(err, sql.ErrNoRows) {
			id = 0
			return nil
		}
		if err != nil {
			return classify(fmt.Errorf("get enumerator: %w", err))
		}
		return nil
	})
	return id, err
}

// SetEnumerator persists the checkpoint for a data set.
func (s *Store) SetEnumerator(ctx context.Context, dataSet int, id uint64) error {
	return s.execRetry(ctx, `
		INSERT INTO progress (data_set, current_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(data_set) DO UPDATE
		SET current_id = excluded.current_id, updated_at = excluded.updated_at`,
		dataSet, id, s.clock.Now())
}

// Stats reads per-state counts, scrape progress, and the checkpoint in one
// transaction so callers see a consistent view.
func (s *Store) Stats(ctx context.Context, dataSet int) (grabber.StoreStats, error) {
	var st grabber.StoreStats
	err := s.withRetry(func() error {
		st = grabber.StoreStats{}
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			rows, err := tx.QueryContext(ctx,
				`SELECT status, COUNT(1) FROM files WHERE data_set = ? GROUP BY status`, dataSet)
			if err != nil {
				return fmt.Errorf("count states: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var status string
				var count int64
				if err := rows.Scan(&status, &count); err != nil {
					return fmt.Errorf("scan state count: %w", err)
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
			if err := rows.Err(); err != nil {
				return fmt.Errorf("iterate state counts: %w", err)
			}
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1),
					COALESCE(SUM(scraped), 0),
					COALESCE(SUM(CASE WHEN scraped = 1 THEN pdf_count ELSE 0 END), 0)
				FROM pages WHERE data_set = ?`, dataSet).
				Scan(&st.TotalPages, &st.PagesScraped, &st.KeysFound); err != nil {
				return fmt.Errorf("count pages: %w", err)
			}
			err = tx.QueryRowContext(ctx,
				`SELECT current_id FROM progress WHERE data_set = ?`, dataSet).
				Scan(&st.EnumeratorCurrent)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read checkpoint: %w", err)
			}
			return nil
		})
	})
	return st, err
}

func (s *Store) execRetry(ctx context.Context, query string, args ...any) error {
	return s.withRetry(func() error {
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return classify(fmt.Errorf("exec: %w", err))
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// withRetry retries Busy-classified failures with a short bounded backoff;
// every other kind propagates immediately.
func (s *Store) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || grabber.StoreErrorKind(err) != grabber.StoreBusy {
			return err
		}
		time.Sleep(busyRetryDelay * time.Duration(attempt+1))
	}
	return err
}

var _ grabber.WorkStore = (*Store)(nil)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *grabber.StoreError
	if errors.As(err, &se) {
		return err
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return grabber.NewStoreError(grabber.StoreBusy, err)
		case sqlite3.ErrConstraint:
			return grabber.NewStoreError(grabber.StoreConstraint, err)
		}
	}
	return grabber.NewStoreError(grabber.StoreIo, err)
}
