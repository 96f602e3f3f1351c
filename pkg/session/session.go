// Package session owns the authenticated identity of the client.
//
// The Store is the only writer of the session state. Every state change is announced to the
// registered transition listeners, which is how the rest of the engine learns about logins,
// logouts and expired sessions; nothing polls the store.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/persistence/identitystore"
)

type State int

const (
	LoggedOut State = iota
	Authenticating
	LoggedIn
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged-out"
	case Authenticating:
		return "authenticating"
	case LoggedIn:
		return "logged-in"
	default:
		return "unknown"
	}
}

var (
	ErrNotLoggedIn    = errors.New("session: not logged in")
	ErrAuthInProgress = errors.New("session: authentication already in progress")
	// ErrSuperseded is returned by an authentication that was overtaken by a logout.
	ErrSuperseded = errors.New("session: authentication superseded")
)

// Reasons carried by Transition.
const (
	ReasonBootstrap     = "bootstrap"
	ReasonLogin         = "login"
	ReasonCreateAccount = "create-account"
	ReasonAuthFailed    = "auth-failed"
	ReasonLogout        = "logout"
	ReasonExpired       = "expired"
)

// Authenticator is the REST surface used by the session. *api.Client implements it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (chat.Identity, error)
	CreateUser(ctx context.Context, displayName, email, password string) (chat.Identity, error)
	Me(ctx context.Context) (chat.Identity, error)
}

// Transition describes one state change. Identity is set when To is LoggedIn.
type Transition struct {
	From     State
	To       State
	Identity *chat.Identity
	Reason   string
}

// Listener is called synchronously, outside the store lock, on the goroutine that caused the
// transition.
type Listener func(ctx context.Context, tr Transition)

type Store struct {
	auth      Authenticator
	persisted identitystore.Store

	mu        sync.Mutex
	state     State
	identity  *chat.Identity
	epoch     uint64
	listeners []Listener
}

// NewStore builds a logged-out session. persisted may be nil, in which case nothing survives a
// restart.
func NewStore(auth Authenticator, persisted identitystore.Store) *Store {
	return &Store{auth: auth, persisted: persisted}
}

func (s *Store) OnTransition(fn Listener) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) State() State {
	if s == nil {
		return LoggedOut
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the current identity while LoggedIn.
func (s *Store) Identity() (chat.Identity, bool) {
	if s == nil {
		return chat.Identity{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LoggedIn || s.identity == nil {
		return chat.Identity{}, false
	}
	return *s.identity, true
}

// Bootstrap recovers a persisted identity and, when one exists, enters LoggedIn with it. The
// identity is not checked against the server here; see VerifySession.
func (s *Store) Bootstrap(ctx context.Context) (*chat.Identity, error) {
	if s == nil {
		return nil, errors.New("session: nil store")
	}
	if s.persisted == nil {
		return nil, nil
	}
	id, err := s.persisted.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "session: load persisted identity")
	}
	if id == nil {
		return nil, nil
	}
	if err := chat.ValidateIdentity(*id); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("discarding invalid persisted identity")
		s.clearPersisted(ctx)
		return nil, nil
	}

	s.mu.Lock()
	if s.state != LoggedOut {
		cur := s.identity
		s.mu.Unlock()
		return cur, nil
	}
	s.state = LoggedIn
	s.identity = id
	s.epoch++
	s.mu.Unlock()

	log.Info().Str("component", "session").Int64("user_id", id.ID).Msg("session restored")
	out := *id
	s.notify(ctx, Transition{From: LoggedOut, To: LoggedIn, Identity: &out, Reason: ReasonBootstrap})
	return id, nil
}

// Authenticate logs in with email and password. It fails with chat.ErrAuth on bad credentials.
func (s *Store) Authenticate(ctx context.Context, email, password string) (chat.Identity, error) {
	if s == nil || s.auth == nil {
		return chat.Identity{}, errors.New("session: no authenticator")
	}
	return s.authenticateWith(ctx, ReasonLogin, func(ctx context.Context) (chat.Identity, error) {
		return s.auth.Login(ctx, email, password)
	})
}

// CreateAccount registers a new user. The server logs the new account in, so success behaves
// like Authenticate.
func (s *Store) CreateAccount(ctx context.Context, displayName, email, password string) (chat.Identity, error) {
	if s == nil || s.auth == nil {
		return chat.Identity{}, errors.New("session: no authenticator")
	}
	return s.authenticateWith(ctx, ReasonCreateAccount, func(ctx context.Context) (chat.Identity, error) {
		return s.auth.CreateUser(ctx, displayName, email, password)
	})
}

func (s *Store) authenticateWith(ctx context.Context, reason string, call func(context.Context) (chat.Identity, error)) (chat.Identity, error) {
	s.mu.Lock()
	if s.state == Authenticating {
		s.mu.Unlock()
		return chat.Identity{}, ErrAuthInProgress
	}
	from := s.state
	s.state = Authenticating
	s.identity = nil
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	if from == LoggedIn {
		// the previous session ends here, whatever the outcome
		s.clearPersisted(ctx)
	}
	s.notify(ctx, Transition{From: from, To: Authenticating, Reason: reason})

	id, err := call(ctx)
	if err == nil {
		if verr := chat.ValidateIdentity(id); verr != nil {
			err = errors.Wrap(chat.ErrAuth, verr.Error())
		}
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		log.Debug().Str("component", "session").Str("reason", reason).Msg("authentication result discarded")
		if err != nil {
			return chat.Identity{}, err
		}
		return chat.Identity{}, ErrSuperseded
	}
	if err != nil {
		s.state = LoggedOut
		s.epoch++
		s.mu.Unlock()
		log.Info().Err(err).Str("component", "session").Str("reason", reason).Msg("authentication failed")
		s.notify(ctx, Transition{From: Authenticating, To: LoggedOut, Reason: ReasonAuthFailed})
		return chat.Identity{}, err
	}
	s.state = LoggedIn
	stored := id
	s.identity = &stored
	s.mu.Unlock()

	if s.persisted != nil {
		if perr := s.persisted.Save(ctx, id); perr != nil {
			log.Warn().Err(perr).Str("component", "session").Msg("failed to persist identity")
		}
	}
	log.Info().Str("component", "session").Str("reason", reason).Int64("user_id", id.ID).Msg("logged in")
	out := id
	s.notify(ctx, Transition{From: Authenticating, To: LoggedIn, Identity: &out, Reason: reason})
	return id, nil
}

// VerifySession asks the server who the current user is. An expired session is handled here by
// logging out: the result is (false, nil) and the state is LoggedOut. Other failures leave the
// session untouched and are returned.
func (s *Store) VerifySession(ctx context.Context) (bool, error) {
	if s == nil || s.auth == nil {
		return false, errors.New("session: no authenticator")
	}
	s.mu.Lock()
	if s.state != LoggedIn || s.identity == nil {
		s.mu.Unlock()
		return false, ErrNotLoggedIn
	}
	want := s.identity.ID
	epoch := s.epoch
	s.mu.Unlock()

	me, err := s.auth.Me(ctx)
	if err != nil && !errors.Is(err, chat.ErrSessionExpired) {
		return false, err
	}
	if err == nil && me.ID == want {
		return true, nil
	}
	if err == nil {
		log.Warn().Str("component", "session").Int64("user_id", want).Int64("server_user_id", me.ID).Msg("server reports a different user")
	}

	s.mu.Lock()
	stale := s.epoch != epoch
	s.mu.Unlock()
	if stale {
		return false, nil
	}
	log.Info().Str("component", "session").Int64("user_id", want).Msg("session expired")
	return false, s.end(ctx, ReasonExpired)
}

// Logout clears the in-memory and persisted identity. It is idempotent and only announces a
// transition when the state actually changes.
func (s *Store) Logout(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.end(ctx, ReasonLogout)
}

func (s *Store) end(ctx context.Context, reason string) error {
	s.mu.Lock()
	from := s.state
	s.state = LoggedOut
	s.identity = nil
	if from != LoggedOut {
		s.epoch++
	}
	s.mu.Unlock()

	var err error
	if s.persisted != nil {
		if cerr := s.persisted.Clear(ctx); cerr != nil {
			err = errors.Wrap(cerr, "session: clear persisted identity")
		}
	}
	if from != LoggedOut {
		s.notify(ctx, Transition{From: from, To: LoggedOut, Reason: reason})
	}
	return err
}

func (s *Store) clearPersisted(ctx context.Context) {
	if s.persisted == nil {
		return
	}
	if err := s.persisted.Clear(ctx); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("failed to clear persisted identity")
	}
}

func (s *Store) notify(ctx context.Context, tr Transition) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, tr)
	}
}
