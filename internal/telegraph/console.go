package telegraph

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// ConsoleChatID is the only chat a ConsoleAdapter talks to.
const ConsoleChatID = "console"

// ConsoleAdapter is an Adapter that reads user lines from a reader and
// writes bot messages to a writer. It is used for bots with no platform.
type ConsoleAdapter struct {
	in  io.Reader
	out io.Writer

	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	done      chan struct{}
}

// NewConsoleAdapter creates a ConsoleAdapter over in and out.
func NewConsoleAdapter(in io.Reader, out io.Writer) *ConsoleAdapter {
	return &ConsoleAdapter{
		in:      in,
		out:     out,
		inbound: make(chan InboundMessage, 16),
		done:    make(chan struct{}),
	}
}

func (c *ConsoleAdapter) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("console: adapter already closed")
	}
	c.connected = true
	return nil
}

// Listen starts reading lines. The channel closes at end of input.
func (c *ConsoleAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("console: not connected")
	}
	go c.read()
	return c.inbound, nil
}

func (c *ConsoleAdapter) read() {
	defer close(c.inbound)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		msg := InboundMessage{
			Platform:  "console",
			ChatID:    ConsoleChatID,
			UserID:    ConsoleChatID,
			UserName:  ConsoleChatID,
			Text:      scanner.Text(),
			Timestamp: time.Now(),
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *ConsoleAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("console: not connected")
	}
	_, err := fmt.Fprintf(c.out, "bot> %s\n", msg.Text)
	return err
}

func (c *ConsoleAdapter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.done)
	return nil
}

var _ Adapter = (*ConsoleAdapter)(nil)
