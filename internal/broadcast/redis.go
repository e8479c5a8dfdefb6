// Package broadcast fans delivery events out to live subscribers through
// Redis pub/sub, so every API instance sees events regardless of which
// instance committed the write. Delivery is fire-and-forget and best-effort;
// clients resync from the REST queries after a reconnect.
package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/model"
	"github.com/peopledesk/internal/tracker"
)

const channelPrefix = "conv:"

// Sink receives decoded events for local delivery. Implemented by the ws hub.
type Sink interface {
	DeliverToConversation(conv model.ConversationRef, ev tracker.Event)
}

// Publisher publishes tracker events to the conversation's Redis channel.
// With a nil Redis client (single-instance dev mode) it delivers straight to
// the local sink instead. Publish failures are logged and never propagated:
// state durability does not depend on notification delivery.
type Publisher struct {
	cli   *redis.Client
	local Sink
}

func NewPublisher(cli *redis.Client) *Publisher {
	return &Publisher{cli: cli}
}

// AttachLocal sets the in-process fallback sink. Called once during wiring,
// before any publish.
func (p *Publisher) AttachLocal(s Sink) {
	p.local = s
}

func (p *Publisher) BroadcastToChannel(channelID string, ev tracker.Event) {
	p.publish(model.ConversationRef{Kind: model.ConversationChannel, ID: channelID}, ev)
}

func (p *Publisher) BroadcastToRoom(roomID string, ev tracker.Event) {
	p.publish(model.ConversationRef{Kind: model.ConversationRoom, ID: roomID}, ev)
}

func (p *Publisher) publish(conv model.ConversationRef, ev tracker.Event) {
	if p.cli == nil {
		if p.local != nil {
			p.local.DeliverToConversation(conv, ev)
		}
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("broadcast marshal %s: %v", conv.Key(), err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.cli.Publish(ctx, channelPrefix+conv.Key(), payload).Err(); err != nil {
		logger.Errorf("broadcast publish %s: %v", conv.Key(), err)
	}
}

// Subscriber bridges Redis pub/sub back into the local sink. Each instance
// runs one subscriber over the conv:* pattern; events published by this
// instance come back through the same path, so local and remote delivery are
// uniform.
type Subscriber struct {
	cli  *redis.Client
	sink Sink
}

func NewSubscriber(cli *redis.Client, sink Sink) *Subscriber {
	return &Subscriber{cli: cli, sink: sink}
}

// Run consumes the pattern subscription until ctx is cancelled. go-redis
// reconnects the pub/sub connection itself; events published while the
// connection is down are lost, which the best-effort contract allows.
func (s *Subscriber) Run(ctx context.Context) {
	pubsub := s.cli.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conv, ok := parseConvChannel(msg.Channel)
			if !ok {
				logger.Errorf("broadcast: unexpected channel %q", msg.Channel)
				continue
			}
			var ev tracker.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Errorf("broadcast decode %s: %v", msg.Channel, err)
				continue
			}
			s.sink.DeliverToConversation(conv, ev)
		}
	}
}

// parseConvChannel turns "conv:channel:42" back into a conversation ref.
func parseConvChannel(name string) (model.ConversationRef, bool) {
	key, ok := strings.CutPrefix(name, channelPrefix)
	if !ok {
		return model.ConversationRef{}, false
	}
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return model.ConversationRef{}, false
	}
	switch model.ConversationKind(kind) {
	case model.ConversationChannel, model.ConversationRoom:
		return model.ConversationRef{Kind: model.ConversationKind(kind), ID: id}, true
	}
	return model.ConversationRef{}, false
}
