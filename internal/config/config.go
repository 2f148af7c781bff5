// Package config loads the termsync YAML configuration.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Instance        InstanceConfig        `yaml:"instance"`
	Gateway         GatewayConfig         `yaml:"gateway"`
	Accounts        []AccountConfig       `yaml:"accounts"`
	Synchronization SynchronizationConfig `yaml:"synchronization"`
	Health          HealthConfig          `yaml:"health"`
	Dispatcher      DispatcherConfig      `yaml:"dispatcher"`
	Logging         LoggingConfig         `yaml:"logging"`
	PacketLog       PacketLogConfig       `yaml:"packet_log"`
	Database        DBConfig              `yaml:"database"`
	Uptime          UptimeConfig          `yaml:"uptime"`
	Metrics         MetricsConfig         `yaml:"metrics"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// GatewayConfig configures the WebSocket gateway connection.
type GatewayConfig struct {
	URL                  string        `yaml:"url"`
	Token                string        `yaml:"token"`
	Application          string        `yaml:"application"`
	MaxAccountsPerSocket int           `yaml:"max_accounts_per_socket"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	MessageBufferSize    int           `yaml:"message_buffer_size"`
}

// AccountConfig is an account subscribed at startup.
type AccountConfig struct {
	ID string `yaml:"id"`
}

// SynchronizationConfig configures ordering, the subscription manager and
// the synchronization throttler.
type SynchronizationConfig struct {
	GapTimeout        time.Duration `yaml:"gap_timeout"`
	GapCheckInterval  time.Duration `yaml:"gap_check_interval"`
	WaitListLimit     int           `yaml:"wait_list_limit"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	RetryCooldown     time.Duration `yaml:"retry_cooldown"`
	SubscribeRetryMin time.Duration `yaml:"subscribe_retry_min"`
	SubscribeRetryMax time.Duration `yaml:"subscribe_retry_max"`
	BaseConcurrency   int           `yaml:"base_concurrency"`
	AccountsPerSlot   int           `yaml:"accounts_per_slot"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryMinDelay     time.Duration `yaml:"retry_min_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	SlotTimeout       time.Duration `yaml:"slot_timeout"`
}

// HealthConfig configures the connection health monitor.
type HealthConfig struct {
	SilenceThreshold time.Duration `yaml:"silence_threshold"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
}

// DispatcherConfig configures listener delivery.
type DispatcherConfig struct {
	Mode           string        `yaml:"mode"` // "sequential" or "concurrent"
	MaxConcurrency int           `yaml:"max_concurrency"`
	SlowThreshold  time.Duration `yaml:"slow_threshold"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// PacketLogConfig configures per-account packet logs.
type PacketLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DBConfig holds database connection settings.
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

// UptimeConfig configures uptime persistence. Requires database.
type UptimeConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig configures the status and metrics HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}
