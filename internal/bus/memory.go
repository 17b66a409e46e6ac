package bus

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultQueueSize bounds each in-memory subscription queue.
const DefaultQueueSize = 1024

// MemoryBusOpts configures a MemoryBus.
type MemoryBusOpts struct {
	QueueSize int
	Logger    *slog.Logger
}

// MemoryBus delivers messages between goroutines of one process.
type MemoryBus struct {
	mu        sync.Mutex
	subs      map[*memorySub]struct{}
	queueSize int
	logger    *slog.Logger
	closed    bool
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus(opts MemoryBusOpts) *MemoryBus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MemoryBus{
		subs:      make(map[*memorySub]struct{}),
		queueSize: opts.QueueSize,
		logger:    opts.Logger.With("component", "bus"),
	}
}

// Publish appends the message to every subscription of topic. A full queue
// drops the message.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs {
		if !sub.topics[topic] {
			continue
		}
		if len(sub.queue) >= b.queueSize {
			b.logger.Warn("subscription queue full, dropping message", "topic", topic)
			continue
		}
		data := append([]byte(nil), payload...)
		sub.queue = append(sub.queue, Message{Topic: topic, Payload: data})
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: b, topics: make(map[string]bool, len(topics))}
	for _, t := range topics {
		sub.topics[t] = true
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close drops all subscriptions. Further calls fail with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		sub.queue = nil
	}
	b.subs = make(map[*memorySub]struct{})
	return nil
}

type memorySub struct {
	bus    *MemoryBus
	topics map[string]bool
	queue  []Message
	closed bool
}

func (s *memorySub) Poll(context.Context) (Message, bool, error) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return Message{}, false, ErrClosed
	}
	if len(s.queue) == 0 {
		return Message{}, false, nil
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true, nil
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closed = true
	s.queue = nil
	delete(s.bus.subs, s)
	return nil
}
