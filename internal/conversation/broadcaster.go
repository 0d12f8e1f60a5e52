package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the channel buffer of each subscriber.
const DefaultSubscriberBuffer = 64

// Broadcaster fans state snapshots out to observers. Publish never blocks:
// when a subscriber's buffer is full its oldest pending snapshot is dropped,
// so the most recent state is always delivered.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(bufferSize int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscription),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

type subscription struct {
	ch   chan State
	done chan struct{}
	once sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe registers an observer. The returned channel is closed when ctx is
// done, when the returned cancel func is called, or when the broadcaster is
// closed.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan State, func()) {
	subID := uuid.NewString()
	sub := &subscription{
		ch:   make(chan State, b.bufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(subID)
		case <-sub.done:
		}
	}()

	return sub.ch, func() { b.unsubscribe(subID) }
}

// Publish delivers a snapshot to every subscriber. The caller must not
// modify s afterwards; pass a Clone.
func (b *Broadcaster) Publish(s State) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- s:
			continue
		default:
		}

		// Full: make room by discarding the oldest snapshot.
		select {
		case <-sub.ch:
			b.logger.Debug("dropped stale snapshot for slow subscriber",
				"sub_id", id,
				"phase", s.Phase.String())
		default:
		}
		select {
		case sub.ch <- s:
		default:
			b.logger.Warn("could not deliver snapshot", "sub_id", id)
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)
	sub.stop()

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subscribers {
		close(sub.ch)
		sub.stop()
		delete(b.subscribers, subID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
