// Package bus is the publish/subscribe transport between the bot side and
// the operator side. Delivery is at-most-once per subscriber and ordered
// within a topic; nothing is replayed to a subscriber that was not yet
// subscribed when a message was published.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/protocol"
)

var (
	// ErrClosed is returned by operations on a closed bus or subscription.
	ErrClosed = errors.New("bus: closed")
	// ErrTransport marks a failed publish or poll. Callers treat it as fatal.
	ErrTransport = errors.New("bus: transport failure")
)

// Message is one delivered bus message.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus publishes messages to topics and hands out subscriptions.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}

// Subscription receives messages for a fixed set of topics.
type Subscription interface {
	// Poll returns the next message without blocking. ok is false when
	// nothing is pending.
	Poll(ctx context.Context) (msg Message, ok bool, err error)
	Close() error
}

// Send encodes p and publishes it on topic.
func Send(ctx context.Context, b Bus, topic string, p protocol.Payload) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("bus: send %s: %w", topic, err)
	}
	if err := b.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("bus: send %s: %w", topic, Transport(err))
	}
	return nil
}

// Transport marks err as a transport failure.
func Transport(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
