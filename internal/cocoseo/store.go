package cocoseo

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("not found")

// ContentRepository is the full content store: the sitemap read side plus
// the writes performed by the admin API and the regeneration sweep.
type ContentRepository interface {
	ContentStore
	Get(ctx context.Context, id int64) (ContentItem, error)
	Save(ctx context.Context, item ContentItem) error
	Delete(ctx context.Context, id int64) error
	MarkUnpublishedNoindex(ctx context.Context, types []string) (int64, error)
}

// SQLiteStore keeps content items in a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(fsys fs.FS) error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	names, err := fs.Glob(fsys, "migrations/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		base := filepath.Base(name)
		v, err := strconv.Atoi(strings.SplitN(base, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("migration %s: bad version prefix", base)
		}
		if v <= current {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying %s: %w", base, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording %s: %w", base, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const itemColumns = "id, type, status, permalink, title, directive, published_at, modified_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (ContentItem, error) {
	var (
		it                  ContentItem
		published, modified int64
	)
	if err := r.Scan(&it.ID, &it.Type, &it.Status, &it.Permalink, &it.Title, &it.Directive, &published, &modified); err != nil {
		return ContentItem{}, err
	}
	it.PublishedAt = time.Unix(published, 0).UTC()
	it.ModifiedAt = time.Unix(modified, 0).UTC()
	return it, nil
}

func (s *SQLiteStore) PublishedItems(ctx context.Context, contentType string) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM content_items WHERE type = ? AND status = ? ORDER BY published_at DESC, id",
		contentType, StatusPublish)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	var out []ContentItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountPublished(ctx context.Context, contentType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM content_items WHERE type = ? AND status = ?",
		contentType, StatusPublish).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting items: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM content_items WHERE id = ?", id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentItem{}, fmt.Errorf("content item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return ContentItem{}, fmt.Errorf("getting item: %w", err)
	}
	return it, nil
}

// Save inserts the item or replaces the stored item with the same ID.
func (s *SQLiteStore) Save(ctx context.Context, it ContentItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			permalink = excluded.permalink,
			title = excluded.title,
			directive = excluded.directive,
			published_at = excluded.published_at,
			modified_at = excluded.modified_at
	`, it.ID, it.Type, it.Status, it.Permalink, it.Title, it.Directive, it.PublishedAt.Unix(), it.ModifiedAt.Unix())
	if err != nil {
		return fmt.Errorf("saving item %d: %w", it.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM content_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting item %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("content item %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkUnpublishedNoindex sets "noindex nofollow" on every draft or private
// item of the given types and returns how many items changed.
func (s *SQLiteStore) MarkUnpublishedNoindex(ctx context.Context, types []string) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	args := []any{"noindex nofollow", StatusDraft, StatusPrivate, "noindex nofollow"}
	for _, t := range types {
		args = append(args, t)
	}
	q := `UPDATE content_items SET directive = ?
		WHERE status IN (?, ?) AND directive != ?
		AND type IN (` + strings.TrimSuffix(strings.Repeat("?,", len(types)), ",") + `)`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("marking unpublished items: %w", err)
	}
	return res.RowsAffected()
}
