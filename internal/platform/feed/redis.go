package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisPrefix namespaces feed channels in a shared redis.
const redisPrefix = "clinic:"

// RedisBus carries the feed over redis pub/sub. The publisher sends
// hydrated events so subscribers need no store round trip.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisClient parses url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

func redisChannel(viewer uuid.UUID) string {
	return redisPrefix + ChannelName(viewer)
}

func (b *RedisBus) Publish(ctx context.Context, viewer uuid.UUID, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannel(viewer), data).Err(); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

type redisConn struct {
	pubsub *redis.PubSub
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func (b *RedisBus) Open(ctx context.Context, viewer uuid.UUID) (Conn, error) {
	pubsub := b.client.Subscribe(ctx, redisChannel(viewer))
	// Wait for the subscription confirmation so a dead server fails Open.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", redisChannel(viewer), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &redisConn{
		pubsub: pubsub,
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.pump(runCtx, c)
	return c, nil
}

func (b *RedisBus) pump(ctx context.Context, c *redisConn) {
	b.drain(ctx, c, c.pubsub.ChannelWithSubscriptions())
}

// drain forwards messages from ch. go-redis reconnects a dropped pubsub on
// its own and reports the renewed subscription on ch; publishes sent in
// between are lost, so the conn ends with ErrDisconnected and the owner
// reopens it and resyncs.
func (b *RedisBus) drain(ctx context.Context, c *redisConn, ch <-chan interface{}) {
	defer close(c.done)
	defer close(c.events)

	for {
		select {
		case v, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					c.setErr(ErrDisconnected)
				}
				return
			}
			switch msg := v.(type) {
			case *redis.Subscription:
				if msg.Kind == "subscribe" {
					b.logger.Warn().Str("channel", msg.Channel).Msg("redis pubsub resubscribed; events may have been missed")
					c.setErr(ErrDisconnected)
					return
				}
			case *redis.Message:
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("malformed feed payload")
					continue
				}
				select {
				case c.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *redisConn) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *redisConn) Events() <-chan Event { return c.events }

func (c *redisConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *redisConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.pubsub.Close()
		<-c.done
	})
	return err
}
