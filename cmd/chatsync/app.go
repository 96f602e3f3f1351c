package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/api"
	"github.com/go-go-golems/chatsync/pkg/channel"
	"github.com/go-go-golems/chatsync/pkg/chatlist"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/coordinator"
	"github.com/go-go-golems/chatsync/pkg/messagelog"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/persistence/identitystore"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/updates"
)

// app owns every long-lived component of a client process.
type app struct {
	cfg      config.Config
	client   *api.Client
	identity identitystore.Store
	cache    chatstore.HistoryStore
	feed     *updates.Feed
	conn     *channel.Connection
	session  *session.Store
	chats    *chatlist.Store
	messages *messagelog.Store
	coord    *coordinator.Coordinator

	closers []func() error
}

func newClient(cfg config.Config) (*api.Client, error) {
	return api.NewClient(cfg.ServerURL,
		api.WithRetries(cfg.RequestRetries),
		api.WithTimeout(cfg.RequestTimeout),
	)
}

func newApp(cfg config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.client, err = newClient(cfg); err != nil {
		return nil, err
	}
	if a.identity, err = identitystore.Open(cfg.IdentityStore, cfg.IdentityPath); err != nil {
		return nil, errors.Wrap(err, "open identity store")
	}
	a.closers = append(a.closers, a.identity.Close)

	kind, path := cfg.HistoryCache()
	if a.cache, err = chatstore.Open(kind, path); err != nil {
		return nil, errors.Wrap(err, "open history cache")
	}
	if a.cache != nil {
		a.closers = append(a.closers, a.cache.Close)
	}

	if a.feed, err = updates.NewFeed(cfg.Redis); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.feed.Close)

	tr, err := channel.NewWebSocketTransport(cfg.ChannelURL, a.client.Jar())
	if err != nil {
		return nil, err
	}
	a.conn = channel.NewConnection(tr, channel.Options{
		InitialInterval: cfg.ReconnectInitialInterval,
		MaxInterval:     cfg.ReconnectMaxInterval,
		QueueSize:       cfg.SendQueueSize,
	})

	a.session = session.NewStore(a.client, a.identity)
	a.chats = chatlist.NewStore(a.client)
	a.messages = messagelog.NewStore(a.client)
	a.coord, err = coordinator.New(coordinator.Deps{
		Session:  a.session,
		Channel:  a.conn,
		Chats:    a.chats,
		Messages: a.messages,
		Cache:    a.cache,
		Poster:   a.client,
		Updates:  a.feed,
	}, coordinator.Options{SendMode: coordinator.SendMode(cfg.SendMode)})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close disconnects and releases the stores in reverse order of creation.
func (a *app) Close() {
	if a.coord != nil {
		a.coord.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
