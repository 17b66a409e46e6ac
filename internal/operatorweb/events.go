package operatorweb

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/operator"
)

const heartbeatInterval = 15 * time.Second

type messageEvent struct {
	Text string `json:"text"`
}

type conversationEvent struct {
	InConversation bool `json:"in_conversation"`
}

// handleEvents streams a session as server-sent events. It drains the same
// queue as GET /messages, so a client should use one or the other. The
// stream ends with a "closed" event once the session is released.
func handleEvents(d *operator.Dispatcher, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		iface, ok := session(c, d)
		if !ok {
			return
		}
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "session", describe(iface))
		c.Writer.Flush()

		talking := iface.InConversation()
		ctx := c.Request.Context()
		ticker := time.NewTicker(interval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
				c.Writer.Flush()
			case <-ticker.C:
				if cur, ok := d.Interface(iface.Token()); !ok || cur != iface {
					writeSSE(c.Writer, "closed", gin.H{"token": iface.Token()})
					c.Writer.Flush()
					return
				}
				now := iface.InConversation()
				if now && !talking {
					writeSSE(c.Writer, "conversation", conversationEvent{InConversation: true})
				}
				if msgs, err := iface.ReceiveMessages(); err == nil {
					for _, m := range msgs {
						writeSSE(c.Writer, "message", messageEvent{Text: m})
					}
				}
				if !now && talking {
					writeSSE(c.Writer, "conversation", conversationEvent{InConversation: false})
				}
				talking = now
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
