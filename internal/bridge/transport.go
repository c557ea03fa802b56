package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Transport is an ordered pub/sub channel between the two processes.
// Messages published while nobody is subscribed are lost.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers payloads published on one channel.
type Subscription interface {
	// Messages is closed after Close.
	Messages() <-chan []byte
	Close() error
}

// Dial connects to the Redis server at url (redis://host:port/db) and
// verifies it with a ping.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bridge: connect to redis: %w", err)
	}
	return client, nil
}

// RedisTransport implements Transport with Redis PUBLISH/SUBSCRIBE.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps an existing client. The caller owns the client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish sends payload to channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bridge: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks until the server confirms the subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("bridge: subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// MemoryTransport is an in-process Transport for tests and single-process
// deployments.
type MemoryTransport struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription
}

// NewMemoryTransport returns an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string][]*memorySubscription)}
}

// Publish delivers a copy of payload to every current subscriber of
// channel. A subscriber whose buffer is full misses the message.
func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.out <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber on channel.
func (t *MemoryTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySubscription{t: t, channel: channel, out: make(chan []byte, 64)}
	t.mu.Lock()
	t.subs[channel] = append(t.subs[channel], s)
	t.mu.Unlock()
	return s, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[channel])
}

func (t *MemoryTransport) remove(s *memorySubscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.subs[s.channel]
	for i, cur := range list {
		if cur == s {
			t.subs[s.channel] = append(list[:i], list[i+1:]...)
			close(s.out)
			return true
		}
	}
	return false
}

type memorySubscription struct {
	t       *MemoryTransport
	channel string
	out     chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.t.remove(s)
	return nil
}
