// Package chatstore caches confirmed chat history on disk so a chat can be shown
// immediately on open, before the server fetch completes.
package chatstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// Snapshot is the cached history of one chat, oldest first.
type Snapshot struct {
	ChatID   int64
	Version  uint64
	Messages []chat.Message
}

// HistoryStore is the durable cache of confirmed messages per chat.
//
// Version increases by one for every write that touches a chat. Pending messages
// are never cached.
type HistoryStore interface {
	ReplaceHistory(ctx context.Context, chatID int64, msgs []chat.Message) error
	Upsert(ctx context.Context, msg chat.Message) error
	GetSnapshot(ctx context.Context, chatID int64, limit int) (Snapshot, error)
	Clear(ctx context.Context) error
	Close() error
}

// SQLiteHistoryDSNForFile builds a DSN for a history database file.
func SQLiteHistoryDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite history store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// Open builds a history store by kind: "sqlite", "memory" or "none".
// "none" returns a nil store, which callers treat as caching disabled.
func Open(kind, path string) (HistoryStore, error) {
	switch kind {
	case "", "sqlite":
		dsn, err := SQLiteHistoryDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteHistoryStore(dsn)
	case "memory":
		return NewInMemoryHistoryStore(0), nil
	case "none":
		return nil, nil
	default:
		return nil, errors.Errorf("history store: unknown kind %q", kind)
	}
}

func checkCacheable(msg chat.Message) error {
	if msg.State != chat.Confirmed {
		return errors.New("only confirmed messages can be cached")
	}
	return chat.ValidateStoredMessage(msg)
}

func tail(msgs []chat.Message, limit int) []chat.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}
