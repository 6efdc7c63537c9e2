package connection

import (
	"errors"
	"net/http"
	"time"

	"github.com/rickgao/lighter-stream/internal/outbound"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping/pong)")
	ErrConnectionClosed = errors.New("connection closed by peer")
	ErrClosed           = errors.New("client disconnected")
	ErrAuthRejected     = errors.New("auth rejected after token refresh")
)

// State is the connection state machine's current state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateAuthenticating
	StateReconnecting
	StateClosed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateConnecting:     "connecting",
	StateOpen:           "open",
	StateAuthenticating: "authenticating",
	StateReconnecting:   "reconnecting",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Connected reports whether a physical connection is up in this state.
func (s State) Connected() bool {
	return s == StateOpen || s == StateAuthenticating
}

// ReconnectState is the backoff progress. It resets to {0, BaseDelay} on
// every transition into Open.
type ReconnectState struct {
	Attempt   int
	NextDelay time.Duration
}

// Transition describes one state change.
type Transition struct {
	From      State
	To        State
	Reason    string
	SessionID string // physical connection the transition belongs to, if any
	Attempt   int
	At        time.Time
}

// TransitionObserver is notified of every transition on the manager's loop
// goroutine. It must not block.
type TransitionObserver func(Transition)

// AuthStatus reports a change in authentication state.
type AuthStatus struct {
	Authenticated bool
	Account       string
	Err           error
}

// AuthStatusHandler receives auth status changes on the manager's loop
// goroutine. It must not block.
type AuthStatusHandler func(AuthStatus)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures the websocket transport.
type ClientConfig struct {
	URL              string        // e.g. wss://mainnet.zklighter.elliot.ai/stream
	Header           http.Header   // extra handshake headers
	HandshakeTimeout time.Duration // websocket upgrade timeout
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	ReadLimit        int64         // max inbound frame size, 0 = unlimited
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Config configures the Manager.
type Config struct {
	BaseDelay     time.Duration // first reconnect delay
	MaxDelay      time.Duration // reconnect delay cap
	Jitter        float64       // randomization factor in [0,1); 0 gives exact delays
	PingInterval  time.Duration // heartbeat period; liveness threshold is 3x this
	DialTimeout   time.Duration // per dial attempt and per token fetch; 0 = none
	QueueCapacity int           // outbound queue size
	SendRate      float64       // frames per second, 0 = unlimited
	SendBurst     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     1 * time.Second,
		MaxDelay:      60 * time.Second,
		PingInterval:  15 * time.Second,
		DialTimeout:   15 * time.Second,
		QueueCapacity: outbound.DefaultCapacity,
		SendBurst:     10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.SendBurst <= 0 {
		c.SendBurst = d.SendBurst
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// LivenessThreshold is how long the connection may go without a ping or pong.
func (c Config) LivenessThreshold() time.Duration {
	return 3 * c.PingInterval
}

// Stats provides statistics about the manager.
type Stats struct {
	State          State
	SessionID      string
	Authenticated  bool
	Reconnect      ReconnectState
	Reconnects     int64
	FramesSent     int64
	FramesReceived int64
	DecodeErrors   int64
	LastSeen       time.Time
	Queue          outbound.Stats
}
