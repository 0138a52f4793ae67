// Package ingest decouples webhook receipt from event processing with a
// watermill bus: the HTTP layer publishes envelopes to a topic and a router
// handler dispatches them to the conversation service. The transport is an
// in-process gochannel by default, or Redis Streams with a consumer group
// when enabled.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pedrogs97/realmate-challenge/pkg/convo"
)

// TopicConversationEvents carries webhook envelopes from receipt to
// processing.
const TopicConversationEvents = "conversation.events"

// Settings holds intake bus transport configuration.
type Settings struct {
	RedisEnabled bool
	RedisAddr    string
	Group        string
	Consumer     string
}

// Bus owns the publisher, subscriber and router for conversation events.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	router *message.Router
}

// NewBus builds the intake bus and registers the event-dispatch handler.
// When s.RedisEnabled is false the transport is an in-process gochannel.
func NewBus(s Settings, svc *convo.Service) (*Bus, error) {
	if svc == nil {
		return nil, errors.New("ingest: service is nil")
	}
	logger := newWatermillLogger()

	var pub message.Publisher
	var sub message.Subscriber
	if s.RedisEnabled {
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		marshaler := rstream.DefaultMarshallerUnmarshaller{}
		p, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     client,
			Marshaller: marshaler,
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "ingest: redis publisher")
		}
		sb, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  marshaler,
			ConsumerGroup: s.Group,
			Consumer:      s.Consumer,
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "ingest: redis subscriber")
		}
		pub, sub = p, sb
	} else {
		ch := gochannel.NewGoChannel(gochannel.Config{}, logger)
		pub, sub = ch, ch
	}

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "ingest: router")
	}
	router.AddMiddleware(middleware.Recoverer)
	router.AddNoPublisherHandler(
		"conversation-events",
		TopicConversationEvents,
		sub,
		func(msg *message.Message) error {
			var env convo.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				log.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("ingest: dropping undecodable envelope")
				return nil
			}
			// Kind errors are per-event and recoverable; they must not stall
			// the stream, so the message is acked either way.
			if err := svc.HandleEvent(msg.Context(), env); err != nil {
				log.Warn().Err(err).
					Str("event_type", string(env.Type)).
					Str("message_uuid", msg.UUID).
					Msg("ingest: event rejected")
			}
			return nil
		},
	)
	return &Bus{pub: pub, sub: sub, router: router}, nil
}

// Publish enqueues an envelope for processing.
func (b *Bus) Publish(_ context.Context, env convo.Envelope) error {
	if b == nil || b.pub == nil {
		return errors.New("ingest: bus not initialized")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "ingest: marshal envelope")
	}
	return b.pub.Publish(TopicConversationEvents, message.NewMessage(watermill.NewUUID(), payload))
}

// Run drives the router until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	if b == nil || b.router == nil {
		return errors.New("ingest: bus not initialized")
	}
	return b.router.Run(ctx)
}

// Running closes when the router has started and handlers are subscribed.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	if b == nil || b.router == nil {
		return nil
	}
	return b.router.Close()
}
