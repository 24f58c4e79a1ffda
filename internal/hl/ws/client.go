package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var errNotConnected = errors.New("ws not connected")

// Message is one channel update from the feed.
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      []any
	connected bool
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// Subscribe registers a subscription. It is sent now when connected and
// replayed on every reconnect.
func (c *Client) Subscribe(ctx context.Context, subscription any) error {
	msg := map[string]any{"method": "subscribe", "subscription": subscription}
	c.mu.Lock()
	c.subs = append(c.subs, msg)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, msg)
}

// Connected reports whether the read loop currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run dials, replays subscriptions and dispatches channel messages to
// handler until ctx is done, reconnecting after read failures.
func (c *Client) Run(ctx context.Context, handler func(Message)) error {
	for {
		err := c.session(ctx, handler)
		c.resetConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logSessionEnd(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context, handler func(Message)) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 22)
	c.mu.Lock()
	c.conn = conn
	subs := append([]any(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(pingCtx, conn)
	}()
	err = readLoop(ctx, conn, handler)
	cancel()
	<-pingDone
	return err
}

func readLoop(ctx context.Context, conn *websocket.Conn, handler func(Message)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler == nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Channel == "" {
			continue
		}
		handler(msg)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logSessionEnd(err error) {
	if err == nil {
		err = errNotConnected
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws session ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws session ended", zap.Error(err))
		return
	}
	c.log.Warn("ws session ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
