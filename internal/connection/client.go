package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens physical connections. The Manager dials once per session.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one physical duplex connection.
type Conn interface {
	// Send writes one text frame.
	Send(data []byte) error

	// Messages returns a channel of raw inbound frames with receive timestamps.
	Messages() <-chan TimestampedMessage

	// Errors returns a channel that yields the error that ended the connection.
	Errors() <-chan error

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// WebsocketDialer dials the venue over gorilla/websocket.
type WebsocketDialer struct {
	cfg    ClientConfig
	logger *slog.Logger
}

// NewWebsocketDialer creates a dialer for cfg.URL.
func NewWebsocketDialer(cfg ClientConfig, logger *slog.Logger) *WebsocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultClientConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	return &WebsocketDialer{cfg: cfg, logger: logger}
}

// Dial establishes the WebSocket connection.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	for k, v := range d.cfg.Header {
		header[k] = v
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.URL, err)
	}
	if d.cfg.ReadLimit > 0 {
		conn.SetReadLimit(d.cfg.ReadLimit)
	}

	c := &client{
		cfg:      d.cfg,
		logger:   d.logger,
		conn:     conn,
		messages: make(chan TimestampedMessage, d.cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	// Protocol-level pings are answered here; application pings go through the manager.
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go c.readLoop()

	d.logger.Debug("websocket connected", "url", d.cfg.URL)
	return c, nil
}

// client implements Conn over a gorilla connection.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the messages channel.
func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// readLoop reads frames until the connection fails or is closed.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			}
			select {
			case c.errors <- err:
			default:
			}
			return
		}

		msg := TimestampedMessage{
			Data:       data,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}
