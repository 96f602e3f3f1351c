package identitystore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// YAMLStore keeps the identity in a small YAML file, written atomically.
type YAMLStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = &YAMLStore{}

type identityFile struct {
	Version  int            `yaml:"version"`
	Identity *chat.Identity `yaml:"identity,omitempty"`
}

func NewYAMLStore(path string) (*YAMLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("yaml identity store: empty path")
	}
	return &YAMLStore{path: path}, nil
}

// DefaultPath returns the identity file location under the user config directory.
func DefaultPath(name string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user config dir")
	}
	return filepath.Join(dir, "chatsync", name), nil
}

func (s *YAMLStore) Load(_ context.Context) (*chat.Identity, error) {
	if s == nil {
		return nil, errors.New("yaml identity store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "yaml identity store: read")
	}
	var f identityFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "yaml identity store: parse %s", s.path)
	}
	if f.Identity == nil {
		return nil, nil
	}
	if err := chat.ValidateIdentity(*f.Identity); err != nil {
		return nil, errors.Wrapf(err, "yaml identity store: %s", s.path)
	}
	return f.Identity, nil
}

func (s *YAMLStore) Save(_ context.Context, id chat.Identity) error {
	if s == nil {
		return errors.New("yaml identity store: nil store")
	}
	if err := chat.ValidateIdentity(id); err != nil {
		return err
	}
	b, err := yaml.Marshal(identityFile{Version: 1, Identity: &id})
	if err != nil {
		return errors.Wrap(err, "yaml identity store: marshal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "yaml identity store: create dir")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "yaml identity store: write")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "yaml identity store: rename")
	}
	return nil
}

func (s *YAMLStore) Clear(_ context.Context) error {
	if s == nil {
		return errors.New("yaml identity store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "yaml identity store: remove")
	}
	return nil
}

func (s *YAMLStore) Close() error { return nil }
