package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tiercache/internal/common/logging"
	"tiercache/internal/redis"
)

// EventOp identifies what happened to a key
type EventOp string

const (
	// EventSet is a successful write
	EventSet EventOp = "set"
	// EventDelete is a single-key invalidation
	EventDelete EventOp = "delete"
	// EventDeleteTag is a tag-based bulk invalidation
	EventDeleteTag EventOp = "delete_tag"
	// EventClear is a full flush
	EventClear EventOp = "clear"
	// EventEvict is a capacity eviction from L1
	EventEvict EventOp = "evict"
)

// Event describes a cache mutation. Origin identifies the engine instance
// that performed it, so subscribers can distinguish local changes from ones
// that arrived over the invalidation channel.
type Event struct {
	Op     EventOp   `json:"op"`
	Key    string    `json:"key,omitempty"`
	Tag    string    `json:"tag,omitempty"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// broadcaster fans events out to local subscribers. Delivery is best-effort:
// a subscriber that stops draining its channel loses events rather than
// blocking the engine.
type broadcaster struct {
	mu   sync.Mutex
	subs []chan Event
}

// subscribe returns a buffered channel receiving future events
func (b *broadcaster) subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	b.subs = append(b.subs, ch)
	return ch
}

// publish delivers an event to every subscriber without blocking
func (b *broadcaster) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// close closes every subscriber channel
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// invalidationChannel is the pub/sub channel engine instances share
const invalidationChannel = "tiercache:invalidations"

// invalidationListener applies remote invalidations to the local L1 so
// instances sharing an L2 converge after a delete. Only invalidations
// travel between instances; data moves through the shared layers.
type invalidationListener struct {
	l2       *redis.Client
	instance string
	onRemote func(Event)
	logger   logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newInvalidationListener(l2 *redis.Client, instance string, onRemote func(Event), logger logging.Logger) *invalidationListener {
	return &invalidationListener{
		l2:       l2,
		instance: instance,
		onRemote: onRemote,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// start subscribes and consumes until stop is called
func (l *invalidationListener) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	sub := l.l2.Subscribe(ctx, invalidationChannel)

	go func() {
		defer close(l.done)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				l.handle([]byte(msg.Payload))
			}
		}
	}()
}

// stop cancels the subscription and waits for the consumer to exit
func (l *invalidationListener) stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// handle decodes one message, ignoring our own broadcasts
func (l *invalidationListener) handle(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		l.logger.Warn("Discarding malformed invalidation message", logging.Err(err))
		return
	}
	if event.Origin == l.instance {
		return
	}
	l.onRemote(event)
}
