package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/canal-chat/canal/src/types"
)

// RedisBridge relays room messages between server instances via Redis
// pub/sub, one Redis channel per room.
type RedisBridge struct {
	client *redis.Client
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	subs         map[string]*roomSub
	available    bool
	reconnecting bool
}

type roomSub struct {
	handler Handler
	pubsub  *redis.PubSub
}

// NewRedisBridge creates a bridge for the given broker settings. Call
// Start before use.
func NewRedisBridge(cfg Config, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "redis-bridge").Logger(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*roomSub),
	}
}

// Start verifies the broker connection. On failure the reconnect loop is
// already running, so the caller may keep the bridge and wait it out.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		b.markDown(err)
		return fmt.Errorf("%w: %v", types.ErrBrokerUnavailable, err)
	}

	b.mu.Lock()
	b.available = true
	b.mu.Unlock()

	b.logger.Info().Str("addr", b.cfg.Addr()).Msg("redis bridge started")
	return nil
}

// Publish sends msg to every instance subscribed to the room, this one
// included. It fails fast during an outage.
func (b *RedisBridge) Publish(room string, msg types.Message) error {
	if !b.Available() {
		return fmt.Errorf("publish to %q: %w", room, types.ErrBrokerUnavailable)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(b.ctx, b.cfg.channelKey(room), data).Err(); err != nil {
		b.markDown(err)
		return fmt.Errorf("publish to %q: %w: %v", room, types.ErrBrokerUnavailable, err)
	}
	return nil
}

// Subscribe opens the room's broker subscription and registers its local
// handler. Subscribing an already-subscribed room only swaps the handler.
func (b *RedisBridge) Subscribe(room string, h Handler) error {
	b.mu.Lock()
	if sub, ok := b.subs[room]; ok {
		sub.handler = h
		b.mu.Unlock()
		return nil
	}
	if !b.available {
		b.mu.Unlock()
		return fmt.Errorf("subscribe to %q: %w", room, types.ErrBrokerUnavailable)
	}
	b.mu.Unlock()

	pubsub, err := b.openSub(room)
	if err != nil {
		b.markDown(err)
		return fmt.Errorf("subscribe to %q: %w: %v", room, types.ErrBrokerUnavailable, err)
	}

	sub := &roomSub{handler: h, pubsub: pubsub}
	b.mu.Lock()
	b.subs[room] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(room, pubsub)

	b.logger.Debug().Str("room", room).Msg("subscribed")
	return nil
}

// Unsubscribe drops the room's broker subscription. No-op for rooms
// without a handler.
func (b *RedisBridge) Unsubscribe(room string) {
	b.mu.Lock()
	sub, ok := b.subs[room]
	if ok {
		delete(b.subs, room)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := sub.pubsub.Close(); err != nil {
		b.logger.Warn().Err(err).Str("room", room).Msg("pubsub close error")
	}
	b.logger.Debug().Str("room", room).Msg("unsubscribed")
}

// Stop drops all subscriptions and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.available = false
	subs := b.subs
	b.subs = make(map[string]*roomSub)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.pubsub.Close()
	}
	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the broker connection is up.
func (b *RedisBridge) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// openSub subscribes to the room's channel and waits for confirmation.
func (b *RedisBridge) openSub(room string) (*redis.PubSub, error) {
	pubsub := b.client.Subscribe(b.ctx, b.cfg.channelKey(room))
	if _, err := pubsub.Receive(b.ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

// listen reads delivered messages for one room and invokes its handler.
// Redis serializes publishes per channel, so per-room delivery order
// matches publish order.
func (b *RedisBridge) listen(room string, pubsub *redis.PubSub) {
	defer b.wg.Done()

	ch := pubsub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(room, m)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) deliver(room string, m *redis.Message) {
	var msg types.Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		b.logger.Error().Err(err).Str("room", room).Msg("failed to decode broker message")
		return
	}

	b.mu.Lock()
	sub, ok := b.subs[room]
	var h Handler
	if ok {
		h = sub.handler
	}
	b.mu.Unlock()

	if h == nil {
		return
	}
	h(room, msg)
}

// markDown flags the broker as unavailable and starts the reconnect loop
// if one is not already running.
func (b *RedisBridge) markDown(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.available {
		b.available = false
		b.logger.Warn().Err(err).Msg("broker connection lost")
	}
	if !b.reconnecting {
		b.reconnecting = true
		b.wg.Add(1)
		go b.reconnectLoop()
	}
}

// reconnectLoop pings the broker with exponential backoff until it answers,
// then re-establishes every live room subscription.
func (b *RedisBridge) reconnectLoop() {
	defer b.wg.Done()

	bo := newBackoff()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(bo.Next()):
		}

		if err := b.client.Ping(b.ctx).Err(); err != nil {
			b.logger.Debug().Err(err).Msg("reconnect ping failed")
			continue
		}

		b.resubscribeAll()

		b.mu.Lock()
		b.available = true
		b.reconnecting = false
		b.mu.Unlock()

		b.logger.Info().Msg("broker connection restored")
		return
	}
}

// resubscribeAll replaces every room's subscription after a reconnect.
func (b *RedisBridge) resubscribeAll() {
	b.mu.Lock()
	rooms := make([]string, 0, len(b.subs))
	for room := range b.subs {
		rooms = append(rooms, room)
	}
	b.mu.Unlock()

	for _, room := range rooms {
		pubsub, err := b.openSub(room)
		if err != nil {
			b.logger.Warn().Err(err).Str("room", room).Msg("resubscribe failed")
			continue
		}

		b.mu.Lock()
		sub, ok := b.subs[room]
		if !ok {
			// Unsubscribed while we were reconnecting.
			b.mu.Unlock()
			pubsub.Close()
			continue
		}
		old := sub.pubsub
		sub.pubsub = pubsub
		b.mu.Unlock()

		old.Close()
		b.wg.Add(1)
		go b.listen(room, pubsub)
	}
}
