package chatstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

type SQLiteHistoryStore struct {
	db *sql.DB
}

var _ HistoryStore = &SQLiteHistoryStore{}

func NewSQLiteHistoryStore(dsn string) (*SQLiteHistoryStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite history store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteHistoryStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteHistoryStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history_chats (
			chat_id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS history_messages (
			chat_id INTEGER NOT NULL REFERENCES history_chats(chat_id) ON DELETE CASCADE,
			message_id INTEGER NOT NULL,
			ord INTEGER NOT NULL,
			created_by INTEGER NOT NULL,
			text TEXT NOT NULL,
			image TEXT,
			PRIMARY KEY (chat_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS history_messages_by_ord ON history_messages(chat_id, ord);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite history store: migrate")
		}
	}
	return nil
}

func bumpChatVersion(ctx context.Context, tx *sql.Tx, chatID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO history_chats (chat_id, version, updated_at_ms) VALUES (?, 1, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			version = history_chats.version + 1,
			updated_at_ms = excluded.updated_at_ms
	`, chatID, time.Now().UnixMilli())
	return err
}

func imageArg(c chat.Content) sql.NullString {
	if c.Image == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *c.Image, Valid: true}
}

func (s *SQLiteHistoryStore) ReplaceHistory(ctx context.Context, chatID int64, msgs []chat.Message) (retErr error) {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	if chatID <= 0 {
		return errors.New("sqlite history store: chatID must be positive")
	}
	for _, m := range msgs {
		if m.ChatID != chatID {
			return errors.Errorf("sqlite history store: message %d belongs to chat %d", m.ID, m.ChatID)
		}
		if err := checkCacheable(m); err != nil {
			return errors.Wrap(err, "sqlite history store")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite history store: begin tx")
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if err := bumpChatVersion(ctx, tx, chatID); err != nil {
		return errors.Wrap(err, "sqlite history store: bump version")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM history_messages WHERE chat_id = ?`, chatID); err != nil {
		return errors.Wrap(err, "sqlite history store: delete history")
	}
	for i, m := range msgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_messages (chat_id, message_id, ord, created_by, text, image)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, message_id) DO UPDATE SET
				created_by = excluded.created_by,
				text = excluded.text,
				image = excluded.image
		`, chatID, m.ID, i+1, m.CreatedBy, m.Content.Text, imageArg(m.Content))
		if err != nil {
			return errors.Wrap(err, "sqlite history store: insert message")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite history store: commit")
	}
	return nil
}

func (s *SQLiteHistoryStore) Upsert(ctx context.Context, msg chat.Message) (retErr error) {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	if err := checkCacheable(msg); err != nil {
		return errors.Wrap(err, "sqlite history store")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite history store: begin tx")
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if err := bumpChatVersion(ctx, tx, msg.ChatID); err != nil {
		return errors.Wrap(err, "sqlite history store: bump version")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO history_messages (chat_id, message_id, ord, created_by, text, image)
		VALUES (?, ?, (SELECT COALESCE(MAX(ord), 0) + 1 FROM history_messages WHERE chat_id = ?), ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			created_by = excluded.created_by,
			text = excluded.text,
			image = excluded.image
	`, msg.ChatID, msg.ID, msg.ChatID, msg.CreatedBy, msg.Content.Text, imageArg(msg.Content))
	if err != nil {
		return errors.Wrap(err, "sqlite history store: upsert message")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite history store: commit")
	}
	return nil
}

func (s *SQLiteHistoryStore) GetSnapshot(ctx context.Context, chatID int64, limit int) (Snapshot, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, errors.New("sqlite history store: db is nil")
	}
	snap := Snapshot{ChatID: chatID}

	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM history_chats WHERE chat_id = ?`, chatID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "sqlite history store: get version")
	}
	snap.Version = uint64(version)

	if limit <= 0 {
		limit = -1
	}
	// newest rows first, reversed below
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, created_by, text, image
		FROM history_messages
		WHERE chat_id = ?
		ORDER BY ord DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "sqlite history store: query messages")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			m     chat.Message
			image sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.CreatedBy, &m.Content.Text, &image); err != nil {
			return Snapshot{}, errors.Wrap(err, "sqlite history store: scan message")
		}
		m.ChatID = chatID
		m.State = chat.Confirmed
		if image.Valid {
			img := image.String
			m.Content.Image = &img
		}
		snap.Messages = append(snap.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, errors.Wrap(err, "sqlite history store: iterate messages")
	}
	for i, j := 0, len(snap.Messages)-1; i < j; i, j = i+1, j-1 {
		snap.Messages[i], snap.Messages[j] = snap.Messages[j], snap.Messages[i]
	}
	return snap, nil
}

func (s *SQLiteHistoryStore) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history store: db is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history_messages`); err != nil {
		return errors.Wrap(err, "sqlite history store: clear messages")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history_chats`); err != nil {
		return errors.Wrap(err, "sqlite history store: clear chats")
	}
	return nil
}
