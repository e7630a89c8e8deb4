package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	reconnectBase = 250 * time.Millisecond
	reconnectCap  = 4 * time.Second
)

// FrameHandler receives decoded frames from a bridge event channel.
type FrameHandler func(frameType string, data json.RawMessage)

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventChannel maintains the duplex real-time connection to a bridge
// service. Frames are handed to the owning provider in arrival order. A
// dropped connection is redialed with bounded exponential backoff until
// Stop is called.
type EventChannel struct {
	url    string
	handle FrameHandler
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	conn   *websocket.Conn
	done   chan struct{}
}

// NewEventChannel creates an event channel for the given ws:// URL.
func NewEventChannel(url string, handle FrameHandler, logger *zap.Logger) *EventChannel {
	return &EventChannel{url: url, handle: handle, logger: logger}
}

// Start begins the dial/read/reconnect loop in the background. Calling Start
// on a running channel is a no-op.
func (c *EventChannel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop terminates the channel and waits for the read loop to exit.
// Idempotent.
func (c *EventChannel) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

func (c *EventChannel) run(ctx context.Context) {
	defer close(c.done)

	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("event channel dial failed",
				zap.String("url", c.url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}

		backoff = reconnectBase
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("event channel connected", zap.String("url", c.url))

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
}

func (c *EventChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("event channel read failed", zap.Error(err))
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("event channel frame malformed", zap.Error(err))
			continue
		}
		c.handle(frame.Type, frame.Data)
	}
}
