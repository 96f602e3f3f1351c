// Package updates publishes state changes of the sync engine for whatever renders them.
//
// Updates travel over a watermill topic: an in-memory go channel by default, Redis Streams when
// configured, so a renderer can live in another process.
package updates

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

const Topic = "chatsync.updates"

type Kind string

const (
	KindSession        Kind = "session"
	KindChannel        Kind = "channel"
	KindChatsLoaded    Kind = "chats-loaded"
	KindLoadFailed     Kind = "load-failed"
	KindChatCreated    Kind = "chat-created"
	KindHistoryLoaded  Kind = "history-loaded"
	KindMessage        Kind = "message"
	KindMessageDropped Kind = "message-dropped"
)

// Update is one published change. Fields beyond Kind are set depending on the kind.
type Update struct {
	ID      string        `json:"id"`
	Kind    Kind          `json:"kind"`
	At      time.Time     `json:"at"`
	State   string        `json:"state,omitempty"`
	ChatID  int64         `json:"chat_id,omitempty"`
	Count   int           `json:"count,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Key     string        `json:"key,omitempty"`
	Pending bool          `json:"pending,omitempty"`
	Outcome string        `json:"outcome,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// MessageUpdate describes a message entering or changing in a log.
func MessageUpdate(m chat.Message, outcome string) Update {
	mm := m
	return Update{
		Kind:    KindMessage,
		ChatID:  m.ChatID,
		Message: &mm,
		Key:     m.Key(),
		Pending: m.State == chat.Pending,
		Outcome: outcome,
	}
}

type Feed struct {
	ps *redisstream.PubSub
}

func NewFeed(s redisstream.Settings) (*Feed, error) {
	ps, err := redisstream.Build(s, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build update feed")
	}
	return &Feed{ps: ps}, nil
}

// Publish sends u to the topic. Failures are logged, never returned: a missing renderer must not
// stall the engine.
func (f *Feed) Publish(u Update) {
	if f == nil || f.ps == nil {
		return
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	payload, err := json.Marshal(u)
	if err != nil {
		log.Warn().Err(err).Str("component", "updates").Str("kind", string(u.Kind)).Msg("failed to encode update")
		return
	}
	msg := message.NewMessage(u.ID, payload)
	if err := f.ps.Publisher.Publish(Topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "updates").Str("kind", string(u.Kind)).Msg("failed to publish update")
	}
}

// Subscribe streams decoded updates until ctx is done or the feed is closed.
func (f *Feed) Subscribe(ctx context.Context) (<-chan Update, error) {
	if f == nil || f.ps == nil {
		return nil, errors.New("updates: nil feed")
	}
	if err := f.ps.Prepare(ctx, Topic); err != nil {
		return nil, errors.Wrap(err, "prepare update topic")
	}
	in, err := f.ps.Subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to updates")
	}
	out := make(chan Update, 64)
	go func() {
		defer close(out)
		for msg := range in {
			var u Update
			if err := json.Unmarshal(msg.Payload, &u); err != nil {
				log.Warn().Err(err).Str("component", "updates").Str("uuid", msg.UUID).Msg("dropping undecodable update")
				msg.Ack()
				continue
			}
			select {
			case out <- u:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (f *Feed) Close() error {
	if f == nil || f.ps == nil {
		return nil
	}
	return f.ps.Close()
}
