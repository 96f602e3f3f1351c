// Package coordinator drives the sync engine: it reacts to session transitions, runs the chat
// load once per session, ties the push channel to the session and routes every inbound message
// into the message log.
package coordinator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/go-go-golems/chatsync/pkg/channel"
	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/chatlist"
	"github.com/go-go-golems/chatsync/pkg/messagelog"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/updates"
)

type State int

const (
	LoggedOut State = iota
	Authenticating
	ChatsLoading
	Ready
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged-out"
	case Authenticating:
		return "authenticating"
	case ChatsLoading:
		return "chats-loading"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

type SendMode string

const (
	SendViaChannel SendMode = "channel"
	SendViaREST    SendMode = "rest"
)

var (
	ErrNotReady = errors.New("coordinator: chats not loaded")
	ErrClosed   = errors.New("coordinator: closed")
)

// MessagePoster stores a message through the REST API. *api.Client implements it.
type MessagePoster interface {
	PostMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
}

// Publisher receives state changes for rendering. *updates.Feed implements it.
type Publisher interface {
	Publish(u updates.Update)
}

type Deps struct {
	Session  *session.Store
	Channel  *channel.Connection
	Chats    *chatlist.Store
	Messages *messagelog.Store
	// Cache is optional.
	Cache chatstore.HistoryStore
	// Poster is required with SendViaREST.
	Poster MessagePoster
	// Updates is optional.
	Updates Publisher
}

type Options struct {
	SendMode SendMode
	// CacheLimit caps how many cached messages seed a chat on open. Zero means all.
	CacheLimit int
}

type Coordinator struct {
	session  *session.Store
	channel  *channel.Connection
	chats    *chatlist.Store
	messages *messagelog.Store
	cache    chatstore.HistoryStore
	poster   MessagePoster
	updates  Publisher
	opts     Options

	mu          sync.Mutex
	state       State
	epoch       uint64
	epochCtx    context.Context
	endEpoch    context.CancelFunc
	loading     bool
	loadedEpoch uint64
	loadErr     error
	current     int64
	closed      bool

	// chanMu orders room joins against the disconnect that ends a session.
	chanMu sync.Mutex
}

// New wires the coordinator to its collaborators. It installs the inbound channel handler, which
// can only happen once per channel.
func New(d Deps, opts Options) (*Coordinator, error) {
	if d.Session == nil || d.Channel == nil || d.Chats == nil || d.Messages == nil {
		return nil, errors.New("coordinator: session, channel, chats and messages are required")
	}
	if opts.SendMode == "" {
		opts.SendMode = SendViaChannel
	}
	switch opts.SendMode {
	case SendViaChannel:
	case SendViaREST:
		if d.Poster == nil {
			return nil, errors.New("coordinator: rest send mode needs a message poster")
		}
	default:
		return nil, errors.Errorf("coordinator: unknown send mode %q", opts.SendMode)
	}

	c := &Coordinator{
		session:  d.Session,
		channel:  d.Channel,
		chats:    d.Chats,
		messages: d.Messages,
		cache:    d.Cache,
		poster:   d.Poster,
		updates:  d.Updates,
		opts:     opts,
	}
	if err := d.Channel.SetHandler(c.onIncoming); err != nil {
		return nil, err
	}
	d.Channel.OnStateChange(func(s channel.State) {
		c.publish(updates.Update{Kind: updates.KindChannel, State: s.String()})
	})
	d.Session.OnTransition(c.onSession)
	return c, nil
}

func (c *Coordinator) State() State {
	if c == nil {
		return LoggedOut
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LoadError returns the error of the last failed chat load of this session, if any.
func (c *Coordinator) LoadError() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

// Start restores a persisted session and checks it against the server. An expired session ends
// logged out without an error.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	id, err := c.session.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if id == nil {
		return nil
	}
	if _, err := c.session.VerifySession(ctx); err != nil && !errors.Is(err, session.ErrNotLoggedIn) {
		log.Warn().Err(err).Str("component", "coordinator").Msg("could not verify restored session")
	}
	if c.State() == ChatsLoading {
		return c.LoadError()
	}
	return nil
}

// Login authenticates and returns once the chat list is loaded. A failed load is returned as a
// chat.ErrNetwork error while the session stays logged in; use RetryLoad.
func (c *Coordinator) Login(ctx context.Context, email, password string) (chat.Identity, error) {
	if err := c.checkOpen(); err != nil {
		return chat.Identity{}, err
	}
	id, err := c.session.Authenticate(ctx, email, password)
	if err != nil {
		return chat.Identity{}, err
	}
	return id, c.loadOutcome()
}

func (c *Coordinator) CreateAccount(ctx context.Context, displayName, email, password string) (chat.Identity, error) {
	if err := c.checkOpen(); err != nil {
		return chat.Identity{}, err
	}
	id, err := c.session.CreateAccount(ctx, displayName, email, password)
	if err != nil {
		return chat.Identity{}, err
	}
	return id, c.loadOutcome()
}

func (c *Coordinator) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// RetryLoad re-runs a failed chat load. It is a no-op once the chats are loaded.
func (c *Coordinator) RetryLoad(ctx context.Context) error {
	c.mu.Lock()
	state, epoch := c.state, c.epoch
	c.mu.Unlock()
	switch state {
	case Ready:
		return nil
	case ChatsLoading:
		return c.load(ctx, epoch)
	default:
		return session.ErrNotLoggedIn
	}
}

func (c *Coordinator) loadOutcome() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChatsLoading {
		return c.loadErr
	}
	return nil
}

func (c *Coordinator) onSession(ctx context.Context, tr session.Transition) {
	switch tr.To {
	case session.Authenticating:
		c.endSession(ctx, Authenticating)
	case session.LoggedOut:
		c.endSession(ctx, LoggedOut)
	case session.LoggedIn:
		c.mu.Lock()
		c.epoch++
		epoch := c.epoch
		c.state = ChatsLoading
		c.loadErr = nil
		if c.endEpoch != nil {
			c.endEpoch()
		}
		c.epochCtx, c.endEpoch = context.WithCancel(context.Background())
		c.mu.Unlock()
		c.publish(updates.Update{Kind: updates.KindSession, State: ChatsLoading.String()})
		_ = c.load(ctx, epoch)
	}
}

// load runs the chat load for one session epoch. Repeated calls while a load is outstanding or
// after it succeeded do nothing.
func (c *Coordinator) load(ctx context.Context, epoch uint64) error {
	c.mu.Lock()
	if c.epoch != epoch || c.state != ChatsLoading || c.loading || c.loadedEpoch == epoch {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	c.mu.Unlock()

	err := c.chats.Load(ctx)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil
	}
	c.loading = false
	if err != nil {
		c.loadErr = err
		c.mu.Unlock()
		log.Warn().Err(err).Str("component", "coordinator").Msg("chat load failed")
		c.publish(updates.Update{Kind: updates.KindLoadFailed, Error: err.Error()})
		if errors.Is(err, chat.ErrSessionExpired) {
			c.checkSession(ctx)
		}
		return err
	}
	c.loadedEpoch = epoch
	c.loadErr = nil
	c.mu.Unlock()

	ids := c.chats.IDs()
	c.publish(updates.Update{Kind: updates.KindChatsLoaded, Count: len(ids)})

	if err := c.connect(epoch); err != nil {
		log.Warn().Err(err).Str("component", "coordinator").Msg("channel connect failed")
	}
	if !c.subscribe(epoch, ids) {
		return nil
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil
	}
	c.state = Ready
	c.mu.Unlock()
	log.Info().Str("component", "coordinator").Int("chats", len(ids)).Msg("ready")
	c.publish(updates.Update{Kind: updates.KindSession, State: Ready.String()})
	return nil
}

// connect dials the channel for one session. Only ending the session cancels the dial.
func (c *Coordinator) connect(epoch uint64) error {
	c.mu.Lock()
	if c.epoch != epoch || c.epochCtx == nil {
		c.mu.Unlock()
		return nil
	}
	sessionCtx := c.epochCtx
	c.mu.Unlock()
	return c.channel.Connect(sessionCtx)
}

// subscribe joins rooms on behalf of one session. It reports false when that session is over, in
// which case nothing is joined.
func (c *Coordinator) subscribe(epoch uint64, ids []int64) bool {
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	c.mu.Lock()
	live := c.epoch == epoch
	c.mu.Unlock()
	if !live {
		return false
	}
	if err := c.channel.Subscribe(ids); err != nil {
		log.Warn().Err(err).Str("component", "coordinator").Ints64("rooms", ids).Msg("channel subscribe failed")
	}
	return true
}

func (c *Coordinator) disconnect() {
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	c.channel.Disconnect()
}

// endEpochLocked bumps the epoch and cancels work tied to the previous one.
func (c *Coordinator) endEpochLocked() {
	c.epoch++
	if c.endEpoch != nil {
		c.endEpoch()
		c.epochCtx, c.endEpoch = nil, nil
	}
}

func (c *Coordinator) endSession(ctx context.Context, next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.endEpochLocked()
	c.loading = false
	c.loadErr = nil
	c.current = 0
	c.mu.Unlock()

	if prev == ChatsLoading || prev == Ready {
		c.disconnect()
		c.chats.Clear()
		c.messages.Clear()
		if c.cache != nil {
			if err := c.cache.Clear(ctx); err != nil {
				log.Warn().Err(err).Str("component", "coordinator").Msg("failed to clear history cache")
			}
		}
	}
	if prev != next {
		c.publish(updates.Update{Kind: updates.KindSession, State: next.String()})
	}
}

// checkSession asks the session to verify itself after a request was refused; an expired session
// logs out through the regular transition.
func (c *Coordinator) checkSession(ctx context.Context) {
	if _, err := c.session.VerifySession(ctx); err != nil && !errors.Is(err, session.ErrNotLoggedIn) {
		log.Warn().Err(err).Str("component", "coordinator").Msg("session check failed")
	}
}

// OpenChat makes chatID the current chat and loads its history. Cached history is shown first
// when the chat was never loaded. The result is applied even if another chat was opened meanwhile.
func (c *Coordinator) OpenChat(ctx context.Context, chatID int64) error {
	if _, err := c.requireReady(); err != nil {
		return err
	}
	if _, err := c.chats.Chat(chatID); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = chatID
	c.mu.Unlock()

	c.seedFromCache(ctx, chatID)

	msgs, err := c.messages.LoadHistory(ctx, chatID)
	if errors.Is(err, messagelog.ErrStale) {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "coordinator").Int64("chat_id", chatID).Msg("history load failed")
		c.publish(updates.Update{Kind: updates.KindLoadFailed, ChatID: chatID, Error: err.Error()})
		if errors.Is(err, chat.ErrSessionExpired) {
			c.checkSession(ctx)
		}
		return err
	}
	c.publish(updates.Update{Kind: updates.KindHistoryLoaded, ChatID: chatID, Count: len(msgs)})

	if c.cache != nil {
		confirmed := lo.Filter(msgs, func(m chat.Message, _ int) bool { return m.State == chat.Confirmed })
		if err := c.cache.ReplaceHistory(ctx, chatID, confirmed); err != nil {
			log.Warn().Err(err).Str("component", "coordinator").Int64("chat_id", chatID).Msg("failed to cache history")
		}
	}
	return nil
}

func (c *Coordinator) seedFromCache(ctx context.Context, chatID int64) {
	if c.cache == nil || c.messages.Loaded(chatID) {
		return
	}
	snap, err := c.cache.GetSnapshot(ctx, chatID, c.opts.CacheLimit)
	if err != nil {
		log.Warn().Err(err).Str("component", "coordinator").Int64("chat_id", chatID).Msg("failed to read history cache")
		return
	}
	if c.messages.Seed(chatID, snap.Messages) {
		log.Debug().Str("component", "coordinator").Int64("chat_id", chatID).Int("cached", len(snap.Messages)).Msg("seeded chat from cache")
		c.publish(updates.Update{Kind: updates.KindHistoryLoaded, ChatID: chatID, Count: len(snap.Messages), State: "cached"})
	}
}

// CloseChat clears the current chat. Logs are kept.
func (c *Coordinator) CloseChat() {
	c.mu.Lock()
	c.current = 0
	c.mu.Unlock()
}

func (c *Coordinator) CurrentChat() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// VisibleMessages returns the log of the current chat, or nil when no chat is open.
func (c *Coordinator) VisibleMessages() (int64, []chat.Message) {
	chatID := c.CurrentChat()
	if chatID == 0 {
		return 0, nil
	}
	return chatID, c.messages.Messages(chatID)
}

// CreateChat creates a chat with the given comma-separated member emails and joins its room.
func (c *Coordinator) CreateChat(ctx context.Context, name, memberEmails string) (chat.Chat, error) {
	epoch, err := c.requireReady()
	if err != nil {
		return chat.Chat{}, err
	}
	me, ok := c.session.Identity()
	if !ok {
		return chat.Chat{}, session.ErrNotLoggedIn
	}
	created, err := c.chats.Create(ctx, name, memberEmails, me.ID)
	if err != nil {
		return chat.Chat{}, err
	}
	if !c.subscribe(epoch, []int64{created.ID}) {
		return chat.Chat{}, session.ErrNotLoggedIn
	}
	c.publish(updates.Update{Kind: updates.KindChatCreated, ChatID: created.ID})
	return created, nil
}

// SendMessage records an optimistic entry and emits the message. It returns the local token of the
// entry. When the send fails the entry is dropped.
func (c *Coordinator) SendMessage(ctx context.Context, chatID int64, content chat.Content) (string, error) {
	if _, err := c.requireReady(); err != nil {
		return "", err
	}
	me, ok := c.session.Identity()
	if !ok {
		return "", session.ErrNotLoggedIn
	}
	if _, err := c.chats.Chat(chatID); err != nil {
		return "", err
	}

	token, err := c.messages.AppendOptimistic(chatID, me.ID, content)
	if err != nil {
		return "", err
	}
	pending := chat.Message{ChatID: chatID, CreatedBy: me.ID, Content: content, State: chat.Pending, LocalToken: token}
	c.publish(updates.MessageUpdate(pending, messagelog.Appended.String()))

	out := chat.Message{ChatID: chatID, CreatedBy: me.ID, Content: content}
	switch c.opts.SendMode {
	case SendViaREST:
		var stored chat.Message
		stored, err = c.poster.PostMessage(ctx, out)
		if err == nil {
			var (
				m       chat.Message
				outcome messagelog.Outcome
			)
			m, outcome, err = c.messages.Confirm(token, stored)
			if err == nil {
				c.applied(m, outcome)
				return token, nil
			}
		}
	default:
		err = c.channel.Send(out)
	}
	if err != nil {
		c.messages.DropPending(chatID, token)
		log.Warn().Err(err).Str("component", "coordinator").Int64("chat_id", chatID).Msg("send failed, dropped pending message")
		c.publish(updates.Update{Kind: updates.KindMessageDropped, ChatID: chatID, Key: token, Error: err.Error()})
		return "", err
	}
	return token, nil
}

// onIncoming is the single inbound channel handler. Messages for chats that are not open are
// recorded as well.
func (c *Coordinator) onIncoming(msg chat.Message) {
	c.mu.Lock()
	live := c.state == ChatsLoading || c.state == Ready
	c.mu.Unlock()
	if !live {
		log.Debug().Str("component", "coordinator").Int64("chat_id", msg.ChatID).Msg("ignoring message outside a session")
		return
	}
	m, outcome, err := c.messages.Reconcile(msg)
	if err != nil {
		log.Warn().Err(err).Str("component", "coordinator").Int64("chat_id", msg.ChatID).Msg("dropping inbound message")
		return
	}
	log.Debug().Str("component", "coordinator").Int64("chat_id", m.ChatID).Int64("message_id", m.ID).Str("outcome", outcome.String()).Msg("inbound message")
	c.applied(m, outcome)
}

func (c *Coordinator) applied(m chat.Message, outcome messagelog.Outcome) {
	if outcome == messagelog.Duplicate {
		return
	}
	if c.cache != nil {
		if err := c.cache.Upsert(context.Background(), m); err != nil {
			log.Warn().Err(err).Str("component", "coordinator").Int64("chat_id", m.ChatID).Msg("failed to cache message")
		}
	}
	c.publish(updates.MessageUpdate(m, outcome.String()))
}

// Close disconnects the channel. The persisted session is kept for the next start.
func (c *Coordinator) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.endEpochLocked()
	c.mu.Unlock()
	c.disconnect()
}

// requireReady returns the epoch of the ready session.
func (c *Coordinator) requireReady() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	switch c.state {
	case Ready:
		return c.epoch, nil
	case ChatsLoading:
		return 0, ErrNotReady
	default:
		return 0, session.ErrNotLoggedIn
	}
}

func (c *Coordinator) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Coordinator) publish(u updates.Update) {
	if c.updates == nil {
		return
	}
	c.updates.Publish(u)
}
