// Package identitystore persists the identity of the last logged-in user so a restarted client
// can bootstrap its session without asking for credentials again.
package identitystore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// Store is the persisted-identity collaborator. Load returns nil when nothing is stored.
type Store interface {
	Load(ctx context.Context) (*chat.Identity, error)
	Save(ctx context.Context, id chat.Identity) error
	Clear(ctx context.Context) error
	Close() error
}

// Open builds a store by kind: "yaml", "sqlite" or "memory".
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", "yaml":
		return NewYAMLStore(path)
	case "sqlite":
		dsn, err := SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, errors.Errorf("identity store: unknown kind %q", kind)
	}
}
