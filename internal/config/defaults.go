package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "streamer"
	DefaultWSURL              = "wss://mainnet.zklighter.elliot.ai/stream"
	DefaultTokenTTL           = 7 * time.Hour
	DefaultRefreshBefore      = 5 * time.Minute
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultDialTimeout        = 15 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultQueueCapacity      = 100
	DefaultSendBurst          = 10
	DefaultReadBuffer         = 1000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultBatchSize          = 100
	DefaultFlushInterval      = 1 * time.Second
	DefaultJournalBuffer      = 1000
	DefaultRelayAddr          = "localhost:6379"
	DefaultRelayPrefix        = "lighter"
	DefaultRelayTTL           = 5 * time.Minute
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultLogMaxSizeMB       = 100
	DefaultLogMaxBackups      = 5
	DefaultLogMaxAgeDays      = 7
)

func (c *StreamerConfig) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// API defaults
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.TokenTTL == 0 {
		c.API.TokenTTL = DefaultTokenTTL
	}
	if c.API.RefreshBefore == 0 {
		c.API.RefreshBefore = DefaultRefreshBefore
	}

	// Connection defaults
	conn := &c.Connection
	if conn.ReconnectBaseDelay == 0 {
		conn.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if conn.ReconnectMaxDelay == 0 {
		conn.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if conn.PingInterval == 0 {
		conn.PingInterval = DefaultPingInterval
	}
	if conn.DialTimeout == 0 {
		conn.DialTimeout = DefaultDialTimeout
	}
	if conn.HandshakeTimeout == 0 {
		conn.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}
	if conn.QueueCapacity == 0 {
		conn.QueueCapacity = DefaultQueueCapacity
	}
	if conn.SendBurst == 0 {
		conn.SendBurst = DefaultSendBurst
	}
	if conn.ReadBuffer == 0 {
		conn.ReadBuffer = DefaultReadBuffer
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBuffer
	}

	// Relay defaults
	if c.Relay.Addr == "" {
		c.Relay.Addr = DefaultRelayAddr
	}
	if c.Relay.Prefix == "" {
		c.Relay.Prefix = DefaultRelayPrefix
	}
	if c.Relay.TTL == 0 {
		c.Relay.TTL = DefaultRelayTTL
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultLogMaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = DefaultLogMaxAgeDays
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
