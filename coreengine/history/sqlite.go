package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists history in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the history database at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate history db: %w", err)
	}
	return nil
}

// Search implements Store.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int, window time.Duration) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	if window > 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, s.now().Add(-window).UnixNano())
	}

	terms := Terms(query)
	if len(terms) > 0 {
		likes := make([]string, 0, len(terms))
		for _, t := range terms {
			likes = append(likes, "(LOWER(summary) LIKE ? OR LOWER(category) LIKE ?)")
			pattern := "%" + t + "%"
			args = append(args, pattern, pattern)
		}
		clauses = append(clauses, "("+strings.Join(likes, " OR ")+")")
	}

	stmt := "SELECT id, summary, category, created_at FROM history"
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY created_at DESC"
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("search history: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			r       Record
			created int64
		)
		if err := rows.Scan(&r.ID, &r.Summary, &r.Category, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Date = time.Unix(0, created).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Store implements Store.
func (s *SQLiteStore) Store(ctx context.Context, id, summary string, metadata map[string]string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, summary, category, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET summary = excluded.summary, category = excluded.category, created_at = excluded.created_at`,
		id, summary, metadata["category"], s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store history %s: %w", id, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
