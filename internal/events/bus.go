package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"raidline/internal/domain"
)

// Bus fans committed events out over Redis pub/sub. Channels are namespaced
// with the instance name so several raidline instances can share one Redis.
type Bus struct {
	rdb      *redis.Client
	instance string
}

// ChannelName returns the pub/sub channel carrying events for instance.
func ChannelName(instance string) string {
	return fmt.Sprintf("raidline:%s:events", instance)
}

// NewBus connects a bus for instance.
func NewBus(opts *redis.Options, instance string) (*Bus, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Bus{rdb: redis.NewClient(opts), instance: instance}, nil
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish sends evt as JSON on the instance channel.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, ChannelName(b.instance), data).Err(); err != nil {
		return fmt.Errorf("publish event %d: %w", evt.ID, err)
	}
	return nil
}

// Subscription delivers events until Close is called or its context ends.
type Subscription struct {
	events    chan domain.Event
	errors    chan error
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Subscription) Events() <-chan domain.Event { return s.events }
func (s *Subscription) Errors() <-chan error        { return s.errors }

func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
}

// Subscribe listens on the instance channel. The subscription is confirmed
// before Subscribe returns, so events published afterwards are not missed.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, ChannelName(b.instance))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan domain.Event, 16),
		errors: make(chan error, 4),
		cancel: cancel,
	}
	go func() {
		defer close(sub.events)
		defer close(sub.errors)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					select {
					case sub.errors <- fmt.Errorf("decode event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case sub.events <- evt:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}
