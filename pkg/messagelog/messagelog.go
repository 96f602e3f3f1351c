// Package messagelog owns the ordered message log of every chat.
//
// A log mixes fetched history, messages pushed by the channel and optimistic local sends. Entries
// remember whether they came from a snapshot (history or cache seed) or arrived live; a history
// load replaces snapshot entries and keeps live ones the fetched history does not carry yet.
package messagelog

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// ErrStale is returned by a history load whose result was discarded because the store was cleared
// while it was in flight.
var ErrStale = errors.New("messagelog: result discarded after clear")

// Fetcher is the REST surface used by the store. *api.Client implements it.
type Fetcher interface {
	FetchMessages(ctx context.Context, chatID int64) ([]chat.Message, error)
}

// Outcome tells how an incoming message was applied.
type Outcome int

const (
	// Appended: no pending entry matched, a new confirmed entry was added.
	Appended Outcome = iota
	// Promoted: a pending entry was confirmed in place.
	Promoted
	// Duplicate: the server id was already present; a matching pending entry, if any, was removed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Promoted:
		return "promoted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type entry struct {
	msg chat.Message
	// live is set for local sends and channel deliveries, cleared for history and cache seeds.
	live bool
}

type chatLog struct {
	entries []entry
	loaded  bool
}

type Store struct {
	api Fetcher

	mu   sync.Mutex
	logs map[int64]*chatLog
	gen  uint64
}

func NewStore(api Fetcher) *Store {
	return &Store{api: api, logs: map[int64]*chatLog{}}
}

func (s *Store) logLocked(chatID int64) *chatLog {
	l, ok := s.logs[chatID]
	if !ok {
		l = &chatLog{}
		s.logs[chatID] = l
	}
	return l
}

// LoadHistory fetches the confirmed history of a chat and replaces its log with it. Live entries
// that are not part of the fetched history are kept after it in arrival order, and so are all
// pending sends. A snapshot taken before a message was stored therefore never drops it. A failed fetch returns a chat.ErrNetwork error and
// leaves the log as it was.
func (s *Store) LoadHistory(ctx context.Context, chatID int64) ([]chat.Message, error) {
	if s == nil || s.api == nil {
		return nil, errors.New("messagelog: no fetcher")
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	history, err := s.api.FetchMessages(ctx, chatID)
	if err != nil {
		return nil, chat.NetworkError(err, "load history")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		log.Debug().Str("component", "messagelog").Int64("chat_id", chatID).Msg("discarding history loaded before clear")
		return nil, ErrStale
	}

	fetchedIDs := make(map[int64]struct{}, len(history))
	next := make([]entry, 0, len(history))
	for _, m := range history {
		if m.ChatID != chatID || m.ID <= 0 {
			continue
		}
		if _, dup := fetchedIDs[m.ID]; dup {
			continue
		}
		fetchedIDs[m.ID] = struct{}{}
		m.State = chat.Confirmed
		next = append(next, entry{msg: m})
	}

	l := s.logLocked(chatID)
	kept := 0
	for _, e := range l.entries {
		switch {
		case e.msg.State == chat.Pending:
		case e.live:
			if _, inHistory := fetchedIDs[e.msg.ID]; inHistory {
				continue
			}
		default:
			continue
		}
		next = append(next, e)
		kept++
	}
	l.entries = next
	l.loaded = true

	log.Debug().Str("component", "messagelog").Int64("chat_id", chatID).Int("history", len(fetchedIDs)).Int("kept", kept).Msg("history applied")
	return messagesOf(l.entries), nil
}

// AppendOptimistic records a local send as a pending entry and returns its token.
func (s *Store) AppendOptimistic(chatID, createdBy int64, content chat.Content) (string, error) {
	if s == nil {
		return "", errors.New("messagelog: nil store")
	}
	msg := chat.Message{
		ChatID:     chatID,
		CreatedBy:  createdBy,
		Content:    content,
		State:      chat.Pending,
		LocalToken: uuid.NewString(),
	}
	if err := chat.ValidateMessage(msg); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(chatID)
	l.entries = append(l.entries, entry{msg: msg, live: true})
	return msg.LocalToken, nil
}

// Reconcile applies a server-stored message delivered by the channel. The first pending entry of
// the same chat with the same author and content is promoted in place; otherwise the message is
// appended. A message whose id is already in the log is not added again; if that entry came from
// history rather than a local send, the first matching pending entry is removed instead.
func (s *Store) Reconcile(incoming chat.Message) (chat.Message, Outcome, error) {
	if s == nil {
		return chat.Message{}, Appended, errors.New("messagelog: nil store")
	}
	if err := chat.ValidateStoredMessage(incoming); err != nil {
		return chat.Message{}, Appended, err
	}
	incoming.State = chat.Confirmed
	incoming.LocalToken = ""

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(incoming.ChatID)

	if i := l.indexOfID(incoming.ID); i >= 0 {
		// an entry promoted from a local send already consumed its pending twin
		if l.entries[i].msg.LocalToken == "" {
			if p := l.firstPendingMatch(incoming); p >= 0 {
				l.remove(p)
			}
		}
		return l.entries[l.indexOfID(incoming.ID)].msg, Duplicate, nil
	}
	if p := l.firstPendingMatch(incoming); p >= 0 {
		l.promote(p, incoming)
		return l.entries[p].msg, Promoted, nil
	}
	l.entries = append(l.entries, entry{msg: incoming, live: true})
	return incoming, Appended, nil
}

// Confirm promotes the pending entry identified by token with the message the server stored for
// it. When the token is gone it falls back to Reconcile.
func (s *Store) Confirm(token string, stored chat.Message) (chat.Message, Outcome, error) {
	if s == nil {
		return chat.Message{}, Appended, errors.New("messagelog: nil store")
	}
	if err := chat.ValidateStoredMessage(stored); err != nil {
		return chat.Message{}, Appended, err
	}

	s.mu.Lock()
	l := s.logLocked(stored.ChatID)
	p := l.indexOfToken(token)
	if p < 0 {
		s.mu.Unlock()
		return s.Reconcile(stored)
	}
	defer s.mu.Unlock()
	if i := l.indexOfID(stored.ID); i >= 0 {
		l.remove(p)
		return l.entries[l.indexOfID(stored.ID)].msg, Duplicate, nil
	}
	stored.State = chat.Confirmed
	l.promote(p, stored)
	return l.entries[p].msg, Promoted, nil
}

// DropPending removes a pending entry, typically after its send failed.
func (s *Store) DropPending(chatID int64, token string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[chatID]
	if !ok {
		return false
	}
	i := l.indexOfToken(token)
	if i < 0 {
		return false
	}
	l.remove(i)
	return true
}

// Seed fills a chat whose history was never loaded with cached confirmed messages, ahead of any
// entry already present. It reports whether the seed was applied.
func (s *Store) Seed(chatID int64, cached []chat.Message) bool {
	if s == nil || len(cached) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(chatID)
	if l.loaded {
		return false
	}
	seen := map[int64]struct{}{}
	next := make([]entry, 0, len(cached)+len(l.entries))
	for _, m := range cached {
		if m.ChatID != chatID || m.ID <= 0 {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.State = chat.Confirmed
		m.LocalToken = ""
		next = append(next, entry{msg: m})
	}
	for _, e := range l.entries {
		if _, dup := seen[e.msg.ID]; dup && e.msg.State == chat.Confirmed {
			continue
		}
		next = append(next, e)
	}
	l.entries = next
	return true
}

// Messages returns a copy of the chat log in presentation order.
func (s *Store) Messages(chatID int64) []chat.Message {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[chatID]
	if !ok {
		return nil
	}
	return messagesOf(l.entries)
}

// Loaded reports whether the history of the chat has been fetched, which tells an empty chat
// apart from one still loading.
func (s *Store) Loaded(chatID int64) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[chatID]
	return ok && l.loaded
}

// Clear drops every log. History loads in flight are discarded when they complete.
func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.logs = map[int64]*chatLog{}
	s.gen++
	s.mu.Unlock()
}

func (l *chatLog) indexOfID(id int64) int {
	for i, e := range l.entries {
		if e.msg.State == chat.Confirmed && e.msg.ID == id {
			return i
		}
	}
	return -1
}

func (l *chatLog) indexOfToken(token string) int {
	if token == "" {
		return -1
	}
	for i, e := range l.entries {
		if e.msg.State == chat.Pending && e.msg.LocalToken == token {
			return i
		}
	}
	return -1
}

func (l *chatLog) firstPendingMatch(m chat.Message) int {
	for i, e := range l.entries {
		if e.msg.State == chat.Pending && e.msg.Matches(m) {
			return i
		}
	}
	return -1
}

func (l *chatLog) promote(i int, stored chat.Message) {
	e := &l.entries[i]
	e.msg.ID = stored.ID
	e.msg.Content = stored.Content
	e.msg.State = chat.Confirmed
}

func (l *chatLog) remove(i int) {
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
}

func messagesOf(entries []entry) []chat.Message {
	out := make([]chat.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}
