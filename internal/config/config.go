package config

import "time"

// StreamerConfig is the root configuration for a streamer instance.
type StreamerConfig struct {
	Instance      InstanceConfig       `yaml:"instance"`
	API           APIConfig            `yaml:"api"`
	Connection    ConnectionConfig     `yaml:"connection"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Journal       JournalConfig        `yaml:"journal"`
	Relay         RelayConfig          `yaml:"relay"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Log           LogConfig            `yaml:"log"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds Lighter endpoint and credential settings.
type APIConfig struct {
	WSURL         string        `yaml:"ws_url"`
	AccountIndex  int64         `yaml:"account_index"`
	APIKeyIndex   uint8         `yaml:"api_key_index"`
	TokenCommand  []string      `yaml:"token_command"` // external signer argv; prints a token per request
	StaticToken   string        `yaml:"static_token"`  // pre-issued token; skips signing
	TokenTTL      time.Duration `yaml:"token_ttl"`
	RefreshBefore time.Duration `yaml:"refresh_before"`
}

// ConnectionConfig holds connection manager settings.
type ConnectionConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter    float64       `yaml:"reconnect_jitter"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	SendRate           float64       `yaml:"send_rate"` // frames per second, 0 = unlimited
	SendBurst          int           `yaml:"send_burst"`
	ReadBuffer         int           `yaml:"read_buffer"`
	ReadLimit          int64         `yaml:"read_limit"`
}

// SubscriptionConfig is one channel to subscribe at startup.
type SubscriptionConfig struct {
	Channel string `yaml:"channel"`
	Param   string `yaml:"param"`
	Auth    bool   `yaml:"auth"`
}

// JournalConfig holds the transition journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RelayConfig holds the Redis update relay settings.
type RelayConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// MetricsConfig holds Prometheus metrics and health endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logger settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HasAuthSubscriptions reports whether any configured subscription needs auth.
func (c *StreamerConfig) HasAuthSubscriptions() bool {
	for _, s := range c.Subscriptions {
		if s.Auth {
			return true
		}
	}
	return false
}
