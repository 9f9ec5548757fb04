package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Summary provides a high-level view of a session for listing.
type Summary struct {
	ID        string
	Subject   string
	Phase     Phase
	Status    Status
	Pages     int
	UpdatedAt time.Time
}

// SQLiteStore provides SQLite-backed persistence for sessions.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens the SQLite database at dbPath and creates tables if they don't exist.
func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		pages INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Save inserts or replaces the session and extends its expiry.
func (s *SQLiteStore) Save(ctx context.Context, st *State) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	status := ""
	if st.Result != nil {
		status = string(st.Result.Status)
	}
	created := st.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject, phase, status, pages, state, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   subject = excluded.subject, phase = excluded.phase, status = excluded.status,
		   pages = excluded.pages, state = excluded.state,
		   updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		st.SessionID, st.Subject, string(st.Phase), status, len(st.ImageURLs), string(data),
		created.UTC(), now, now.Add(s.ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.SessionID, err)
	}
	return nil
}

// Load retrieves a session by ID. Expired sessions are not returned.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE id = ? AND expires_at > ?`,
		id, s.now().UnixNano(),
	)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return decode(id, []byte(data))
}

// List returns summaries of the most recently updated live sessions.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject, phase, status, pages, updated_at
		 FROM sessions
		 WHERE expires_at > ?
		 ORDER BY updated_at DESC
		 LIMIT ?`,
		s.now().UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		var phase, status string
		if err := rows.Scan(&sum.ID, &sum.Subject, &phase, &status, &sum.Pages, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Phase, sum.Status = Phase(phase), Status(status)
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return summaries, nil
}

// Purge deletes expired sessions and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
