package bus

import (
	"context"
	"strings"
)

// Namespace scopes every topic of b under ns, so that several bots can
// share one transport without seeing each other's traffic.
func Namespace(b Bus, ns string) Bus {
	if ns == "" {
		return b
	}
	return &namespaced{bus: b, prefix: ns + "/"}
}

type namespaced struct {
	bus    Bus
	prefix string
}

func (n *namespaced) Publish(ctx context.Context, topic string, payload []byte) error {
	return n.bus.Publish(ctx, n.prefix+topic, payload)
}

func (n *namespaced) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	scoped := make([]string, len(topics))
	for i, t := range topics {
		scoped[i] = n.prefix + t
	}
	sub, err := n.bus.Subscribe(ctx, scoped...)
	if err != nil {
		return nil, err
	}
	return &namespacedSub{sub: sub, prefix: n.prefix}, nil
}

// Close is a no-op; the shared transport is closed by its owner.
func (n *namespaced) Close() error { return nil }

type namespacedSub struct {
	sub    Subscription
	prefix string
}

func (s *namespacedSub) Poll(ctx context.Context) (Message, bool, error) {
	msg, ok, err := s.sub.Poll(ctx)
	if err != nil || !ok {
		return msg, ok, err
	}
	msg.Topic = strings.TrimPrefix(msg.Topic, s.prefix)
	return msg, true, nil
}

func (s *namespacedSub) Close() error { return s.sub.Close() }
