// Package bus is a thin wrap of Redis pub/sub: publish-by-channel and
// subscribe-by-name, with a goroutine-per-subscription reader carrying its
// own cancellation, modeled on the teacher's Redis Streams reader lifecycle
// but built on raw publish/subscribe instead of a stream log.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/circuitbreaker"
	"github.com/evtmesh/dispatcher/internal/model"
)

// Message pairs a received envelope with the channel it arrived on, so a
// single handler can multiplex the dispatcher channel and every per-incomer
// channel (§4.8's "route by channel" step).
type Message struct {
	Channel  string
	Envelope model.Envelope
}

type subscription struct {
	cancel context.CancelFunc
}

// Bus owns every active subscription and forwards decoded envelopes onto a
// single fan-in channel. Callers must not close channels themselves; call
// Close to tear down all subscriptions and stop the readers.
type Bus struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscription

	messages chan Message

	wg sync.WaitGroup
}

// New creates a Bus. Messages is the fan-in channel every subscribed
// channel's decoded envelopes are forwarded to; the caller owns draining it.
func New(client *circuitbreaker.RedisWrapper, logger *zap.Logger, buffer int) *Bus {
	return &Bus{
		client:   client,
		logger:   logger,
		subs:     make(map[string]*subscription),
		messages: make(chan Message, buffer),
	}
}

// Messages returns the fan-in channel of received envelopes.
func (b *Bus) Messages() <-chan Message {
	return b.messages
}

// Publish marshals env and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, env model.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription to channel and starts its reader goroutine.
// Subscribing to an already-subscribed channel is a no-op.
func (b *Bus) Subscribe(ctx context.Context, channel string) {
	b.mu.Lock()
	if _, ok := b.subs[channel]; ok {
		b.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	b.subs[channel] = &subscription{cancel: cancel}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.read(subCtx, channel)
}

// Unsubscribe cancels and removes a channel's subscription.
func (b *Bus) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[channel]; ok {
		sub.cancel()
		delete(b.subs, channel)
	}
}

func (b *Bus) read(ctx context.Context, channel string) {
	defer b.wg.Done()

	pubsub := b.client.Subscribe(ctx, channel)
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
			var env model.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("bus: dropping malformed envelope",
					zap.String("channel", channel),
					zap.Error(err),
				)
				continue
			}
			select {
			case b.messages <- Message{Channel: channel, Envelope: env}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close cancels every subscription and waits for readers to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	for channel, sub := range b.subs {
		sub.cancel()
		delete(b.subs, channel)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
