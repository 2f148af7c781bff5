package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Gateway.URL == "" {
		return errors.New("gateway.url is required")
	}
	if c.Gateway.Token == "" {
		return errors.New("gateway.token is required")
	}
	if c.Gateway.MaxAccountsPerSocket < 1 {
		return errors.New("gateway.max_accounts_per_socket must be >= 1")
	}
	if c.Gateway.ReconnectMaxDelay < c.Gateway.ReconnectBaseDelay {
		return errors.New("gateway.reconnect_max_delay must be >= reconnect_base_delay")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
	}

	s := c.Synchronization
	if s.WaitListLimit < 1 {
		return errors.New("synchronization.wait_list_limit must be >= 1")
	}
	if s.BaseConcurrency < 1 {
		return errors.New("synchronization.base_concurrency must be >= 1")
	}
	if s.AccountsPerSlot < 1 {
		return errors.New("synchronization.accounts_per_slot must be >= 1")
	}
	if s.MaxConcurrency != 0 && s.MaxConcurrency < s.BaseConcurrency {
		return fmt.Errorf("synchronization.max_concurrency (%d) cannot be below base_concurrency (%d)", s.MaxConcurrency, s.BaseConcurrency)
	}
	if s.MaxAttempts < 1 {
		return errors.New("synchronization.max_attempts must be >= 1")
	}
	if s.SubscribeRetryMax < s.SubscribeRetryMin {
		return errors.New("synchronization.subscribe_retry_max must be >= subscribe_retry_min")
	}

	if c.Health.SilenceThreshold <= 0 {
		return errors.New("health.silence_threshold must be positive")
	}

	switch c.Dispatcher.Mode {
	case "sequential", "concurrent":
	default:
		return fmt.Errorf("dispatcher.mode must be sequential or concurrent, got %q", c.Dispatcher.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if c.Uptime.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Uptime.BatchSize < 1 {
			return errors.New("uptime.batch_size must be >= 1")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
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
