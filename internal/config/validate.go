package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/lighter-stream/internal/channel"
)

// maxTokenTTL is the longest auth token lifetime the venue accepts.
const maxTokenTTL = 8 * time.Hour

// Validate checks that all required fields are set and values are valid.
func (c *StreamerConfig) Validate() error {
	if c.API.WSURL == "" {
		return errors.New("api.ws_url is required")
	}
	if c.API.AccountIndex < 0 {
		return fmt.Errorf("api.account_index must be >= 0, got %d", c.API.AccountIndex)
	}
	if c.API.TokenTTL > maxTokenTTL {
		return fmt.Errorf("api.token_ttl must be at most %v, got %v", maxTokenTTL, c.API.TokenTTL)
	}
	if c.API.RefreshBefore >= c.API.TokenTTL {
		return fmt.Errorf("api.refresh_before (%v) must be less than api.token_ttl (%v)", c.API.RefreshBefore, c.API.TokenTTL)
	}

	if err := c.Connection.validate(); err != nil {
		return err
	}

	for i, s := range c.Subscriptions {
		if _, err := channel.New(s.Channel, s.Param); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}
	if c.HasAuthSubscriptions() && len(c.API.TokenCommand) == 0 && c.API.StaticToken == "" {
		return errors.New("api.token_command or api.static_token is required for authenticated subscriptions")
	}
	if len(c.API.TokenCommand) > 0 && c.API.TokenCommand[0] == "" {
		return errors.New("api.token_command[0] must name the signer executable")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
	}

	if c.Relay.Enabled && c.Relay.Addr == "" {
		return errors.New("relay.addr is required")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (c *ConnectionConfig) validate() error {
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		return fmt.Errorf("connection.reconnect_jitter must be in [0, 1), got %v", c.ReconnectJitter)
	}
	if c.QueueCapacity < 1 {
		return errors.New("connection.queue_capacity must be >= 1")
	}
	if c.SendRate < 0 {
		return errors.New("connection.send_rate must be >= 0")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
