package identitystore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// SQLiteStore keeps the identity in a single-row table.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite identity store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite identity store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite identity store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_identity (
		  slot INTEGER PRIMARY KEY CHECK (slot = 1),
		  user_id INTEGER NOT NULL,
		  email TEXT NOT NULL,
		  display_name TEXT NOT NULL,
		  saved_at_ms INTEGER NOT NULL
		);`)
	if err != nil {
		return errors.Wrap(err, "sqlite identity store: migrate")
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*chat.Identity, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite identity store: db is nil")
	}
	var id chat.Identity
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, display_name FROM session_identity WHERE slot = 1
	`).Scan(&id.ID, &id.Email, &id.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite identity store: load")
	}
	return &id, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id chat.Identity) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite identity store: db is nil")
	}
	if err := chat.ValidateIdentity(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_identity (slot, user_id, email, display_name, saved_at_ms)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			user_id = excluded.user_id,
			email = excluded.email,
			display_name = excluded.display_name,
			saved_at_ms = excluded.saved_at_ms
	`, id.ID, id.Email, id.DisplayName, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite identity store: save")
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite identity store: db is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_identity`); err != nil {
		return errors.Wrap(err, "sqlite identity store: clear")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
