package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	xerrors "medstaff/internal/errors"
	"medstaff/pkg/logger"
)

// Broker fans published messages out to live subscribers of a topic.
// Delivery is best effort: slow subscribers lose messages and catch up
// through the message history.
type Broker interface {
	Publish(ctx context.Context, topic string, m Message) error
	// Subscribe returns a channel of messages published on topic until the
	// returned cancel func is called or ctx ends. The channel is closed then.
	Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error)
}

func topicFor(m *Message) string {
	return string(m.TenantID) + ":" + m.ConversationID
}

// LocalBroker is an in-process Broker for single-instance deployments.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[string]map[chan Message]struct{}
	buffer int
	logger *slog.Logger
}

// NewLocalBroker returns a broker whose subscribers buffer up to buffer
// messages.
func NewLocalBroker(buffer int) *LocalBroker {
	if buffer <= 0 {
		buffer = 32
	}
	return &LocalBroker{
		subs:   make(map[string]map[chan Message]struct{}),
		buffer: buffer,
		logger: logger.Named("chat.broker"),
	}
}

// Publish implements Broker.
func (b *LocalBroker) Publish(_ context.Context, topic string, m Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- m:
		default:
			b.logger.Warn("subscriber too slow, message dropped", "topic", topic, "message_id", m.ID)
		}
	}
	return nil
}

// Subscribe implements Broker.
func (b *LocalBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	ch := make(chan Message, b.buffer)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Message]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	remove := func() {
		b.mu.Lock()
		delete(b.subs[topic], ch)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		b.mu.Unlock()
		close(ch)
	}
	stop := context.AfterFunc(ctx, func() { once.Do(remove) })
	cancel := func() {
		stop()
		once.Do(remove)
	}
	return ch, cancel, nil
}

// Subscribers reports how many live subscriptions topic has.
func (b *LocalBroker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// RedisBroker relays messages through Redis pub/sub so every API instance
// sees every message.
type RedisBroker struct {
	client *redis.Client
	prefix string
	buffer int
	logger *slog.Logger
}

// NewRedisBroker builds a broker on client. Channels are named prefix+topic.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "medstaff:chat:"
	}
	return &RedisBroker{client: client, prefix: prefix, buffer: 32, logger: logger.Named("chat.broker")}
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, topic string, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode chat message")
	}
	if err := b.client.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish")
	}
	return nil
}

// Subscribe implements Broker.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	ps := b.client.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis subscribe")
	}
	out := make(chan Message, b.buffer)
	var once sync.Once
	cancel := func() { once.Do(func() { _ = ps.Close() }) }
	stop := context.AfterFunc(ctx, cancel)
	go func() {
		defer close(out)
		defer stop()
		for raw := range ps.Channel() {
			var m Message
			if err := json.Unmarshal([]byte(raw.Payload), &m); err != nil {
				b.logger.Warn("discarding malformed chat payload", "channel", raw.Channel, "error", err)
				continue
			}
			select {
			case out <- m:
			default:
				b.logger.Warn("subscriber too slow, message dropped", "topic", topic, "message_id", m.ID)
			}
		}
	}()
	return out, cancel, nil
}
