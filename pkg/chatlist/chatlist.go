// Package chatlist owns the chats the user belongs to and the users known to the client.
package chatlist

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

var (
	ErrChatNotFound = errors.New("chatlist: chat not found")
	// ErrStale is returned by a load whose result was discarded because the list was cleared
	// while it was in flight.
	ErrStale = errors.New("chatlist: result discarded after clear")
)

// Fetcher is the REST surface used by the store. *api.Client implements it.
type Fetcher interface {
	FetchChats(ctx context.Context) ([]chat.Chat, error)
	FetchUsers(ctx context.Context) ([]chat.Identity, error)
	CreateChat(ctx context.Context, name string, members []int64) (chat.Chat, error)
}

type Store struct {
	api Fetcher

	mu      sync.Mutex
	chats   []chat.Chat
	users   map[int64]chat.Identity
	byEmail map[string]int64
	loaded  bool
	gen     uint64
}

func NewStore(api Fetcher) *Store {
	return &Store{
		api:     api,
		users:   map[int64]chat.Identity{},
		byEmail: map[string]int64{},
	}
}

// Load fetches chats and users together. Either failure fails the whole load with a
// chat.ErrNetwork error and leaves the store untouched. Chats already known but missing from the
// response (created while the fetch was in flight) are kept after the fetched ones.
func (s *Store) Load(ctx context.Context) error {
	if s == nil || s.api == nil {
		return errors.New("chatlist: no fetcher")
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	var (
		chats []chat.Chat
		users []chat.Identity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		chats, err = s.api.FetchChats(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = s.api.FetchUsers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return chat.NetworkError(err, "load chats and users")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		log.Debug().Str("component", "chatlist").Msg("discarding chat list loaded before clear")
		return ErrStale
	}

	merged := make([]chat.Chat, 0, len(chats)+len(s.chats))
	seen := map[int64]struct{}{}
	for _, c := range chats {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		merged = append(merged, c)
	}
	for _, c := range s.chats {
		if _, ok := seen[c.ID]; !ok {
			seen[c.ID] = struct{}{}
			merged = append(merged, c)
		}
	}
	s.chats = merged
	s.users = lo.KeyBy(users, func(u chat.Identity) int64 { return u.ID })
	s.byEmail = map[string]int64{}
	for _, u := range users {
		s.byEmail[normalizeEmail(u.Email)] = u.ID
	}
	s.loaded = true

	log.Info().Str("component", "chatlist").Int("chats", len(merged)).Int("users", len(users)).Msg("chat list loaded")
	return nil
}

// Create resolves the comma-separated member emails against the loaded users, creates the chat
// and appends it. Every address must resolve, otherwise a *chat.UnknownMemberError names the first
// one that does not. myID is always a member.
func (s *Store) Create(ctx context.Context, name, memberEmails string, myID int64) (chat.Chat, error) {
	if s == nil || s.api == nil {
		return chat.Chat{}, errors.New("chatlist: no fetcher")
	}
	if myID <= 0 {
		return chat.Chat{}, errors.New("chatlist: invalid creator id")
	}

	emails := lo.Filter(
		lo.Map(strings.Split(memberEmails, ","), func(e string, _ int) string { return strings.TrimSpace(e) }),
		func(e string, _ int) bool { return e != "" },
	)
	if len(emails) == 0 {
		return chat.Chat{}, &chat.UnknownMemberError{Email: strings.TrimSpace(memberEmails)}
	}

	s.mu.Lock()
	members := []int64{myID}
	for _, e := range emails {
		id, ok := s.byEmail[normalizeEmail(e)]
		if !ok {
			s.mu.Unlock()
			return chat.Chat{}, &chat.UnknownMemberError{Email: e}
		}
		members = append(members, id)
	}
	gen := s.gen
	s.mu.Unlock()
	members = lo.Uniq(members)

	created, err := s.api.CreateChat(ctx, strings.TrimSpace(name), members)
	if err != nil {
		return chat.Chat{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return chat.Chat{}, ErrStale
	}
	if _, exists := lo.Find(s.chats, func(c chat.Chat) bool { return c.ID == created.ID }); !exists {
		s.chats = append(s.chats, created)
	}
	log.Info().Str("component", "chatlist").Int64("chat_id", created.ID).Int("members", len(created.Members)).Msg("chat created")
	return created, nil
}

// Clear empties the store. Loads and creations in flight are discarded when they complete.
func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.chats = nil
	s.users = map[int64]chat.Identity{}
	s.byEmail = map[string]int64{}
	s.loaded = false
	s.gen++
	s.mu.Unlock()
}

func (s *Store) Loaded() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Chats returns a copy of the ordered chat list.
func (s *Store) Chats() []chat.Chat {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Chat(nil), s.chats...)
}

func (s *Store) Chat(id int64) (chat.Chat, error) {
	if s == nil {
		return chat.Chat{}, ErrChatNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := lo.Find(s.chats, func(c chat.Chat) bool { return c.ID == id })
	if !ok {
		return chat.Chat{}, errors.Wrapf(ErrChatNotFound, "chat %d", id)
	}
	return c, nil
}

// IDs returns the chat ids in list order.
func (s *Store) IDs() []int64 {
	return lo.Map(s.Chats(), func(c chat.Chat, _ int) int64 { return c.ID })
}

// Users returns a copy of the user mapping.
func (s *Store) Users() map[int64]chat.Identity {
	if s == nil {
		return map[int64]chat.Identity{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]chat.Identity, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out
}

// DisplayName resolves the name shown for a chat, see chat.DisplayName.
func (s *Store) DisplayName(chatID int64) string {
	c, err := s.Chat(chatID)
	if err != nil {
		return chat.DisplayName(chat.Chat{ID: chatID}, nil)
	}
	return chat.DisplayName(c, s.Users())
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}
