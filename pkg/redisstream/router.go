package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub pairs a publisher with the subscriber reading the same transport.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client *redis.Client
	group  string
}

// Build constructs a PubSub backed by Redis Streams when enabled.
// If settings.Enabled is false, it returns an in-memory go channel pub/sub.
func Build(s Settings, logger watermill.LoggerAdapter) (*PubSub, error) {
	if logger == nil {
		logger = NewWatermillLogger(log.Logger)
	}
	if !s.Enabled {
		// publishes wait for the ack so subscribers see them in publish order
		gc := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &PubSub{Publisher: gc, Subscriber: gc}, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}
	return &PubSub{Publisher: pub, Subscriber: sub, client: client, group: s.Group}, nil
}

// Prepare readies a topic for consumption. With Redis it creates the consumer group at the tail
// of the stream so a fresh consumer does not replay history; in memory it does nothing.
func (p *PubSub) Prepare(ctx context.Context, topic string) error {
	if p == nil || p.client == nil {
		return nil
	}
	return EnsureGroupAtTail(ctx, p.client, topic, p.group)
}

func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Subscriber != nil {
		keep(p.Subscriber.Close())
	}
	// the go channel pub/sub is both ends
	if p.Publisher != nil && p.client != nil {
		keep(p.Publisher.Close())
	}
	if p.client != nil {
		keep(p.client.Close())
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
