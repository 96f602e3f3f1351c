package chatstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// InMemoryHistoryStore is a size-limited HistoryStore.
// It mirrors the ordering semantics of the SQLite store.
type InMemoryHistoryStore struct {
	mu                 sync.Mutex
	maxMessagesPerChat int
	chats              map[int64]*inMemHistory
}

type inMemHistory struct {
	version  uint64
	messages []chat.Message
}

var _ HistoryStore = &InMemoryHistoryStore{}

func NewInMemoryHistoryStore(maxMessagesPerChat int) *InMemoryHistoryStore {
	if maxMessagesPerChat <= 0 {
		maxMessagesPerChat = 5000
	}
	return &InMemoryHistoryStore{
		maxMessagesPerChat: maxMessagesPerChat,
		chats:              map[int64]*inMemHistory{},
	}
}

func (s *InMemoryHistoryStore) Close() error { return nil }

func (s *InMemoryHistoryStore) chatLocked(chatID int64) *inMemHistory {
	h, ok := s.chats[chatID]
	if !ok {
		h = &inMemHistory{}
		s.chats[chatID] = h
	}
	return h
}

func (s *InMemoryHistoryStore) ReplaceHistory(_ context.Context, chatID int64, msgs []chat.Message) error {
	if s == nil {
		return errors.New("in-memory history store: nil store")
	}
	if chatID <= 0 {
		return errors.New("in-memory history store: chatID must be positive")
	}
	next := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ChatID != chatID {
			return errors.Errorf("in-memory history store: message %d belongs to chat %d", m.ID, m.ChatID)
		}
		if err := checkCacheable(m); err != nil {
			return errors.Wrap(err, "in-memory history store")
		}
		next = append(next, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.chatLocked(chatID)
	h.version++
	h.messages = tail(next, s.maxMessagesPerChat)
	return nil
}

func (s *InMemoryHistoryStore) Upsert(_ context.Context, msg chat.Message) error {
	if s == nil {
		return errors.New("in-memory history store: nil store")
	}
	if err := checkCacheable(msg); err != nil {
		return errors.Wrap(err, "in-memory history store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.chatLocked(msg.ChatID)
	h.version++
	for i := range h.messages {
		if h.messages[i].ID == msg.ID {
			h.messages[i] = msg
			return nil
		}
	}
	h.messages = tail(append(h.messages, msg), s.maxMessagesPerChat)
	return nil
}

func (s *InMemoryHistoryStore) GetSnapshot(_ context.Context, chatID int64, limit int) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, errors.New("in-memory history store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.chats[chatID]
	if !ok {
		return Snapshot{ChatID: chatID}, nil
	}
	src := tail(h.messages, limit)
	out := make([]chat.Message, len(src))
	copy(out, src)
	return Snapshot{ChatID: chatID, Version: h.version, Messages: out}, nil
}

func (s *InMemoryHistoryStore) Clear(_ context.Context) error {
	if s == nil {
		return errors.New("in-memory history store: nil store")
	}
	s.mu.Lock()
	s.chats = map[int64]*inMemHistory{}
	s.mu.Unlock()
	return nil
}
