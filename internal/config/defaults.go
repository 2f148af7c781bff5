package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultGatewayURL           = "wss://mt-client-api-v1.agiliumtrade.agiliumtrade.ai/ws"
	DefaultApplication          = "MetaApi"
	DefaultMaxAccountsPerSocket = 100
	DefaultRequestTimeout       = 60 * time.Second
	DefaultConnectTimeout       = 60 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultMessageBufferSize    = 100000

	DefaultGapTimeout        = 1 * time.Minute
	DefaultGapCheckInterval  = 1 * time.Second
	DefaultWaitListLimit     = 100
	DefaultAttemptTimeout    = 5 * time.Minute
	DefaultRetryCooldown     = 10 * time.Second
	DefaultSubscribeRetryMin = 3 * time.Second
	DefaultSubscribeRetryMax = 5 * time.Minute
	DefaultBaseConcurrency   = 2
	DefaultAccountsPerSlot   = 10
	DefaultMaxConcurrency    = 15
	DefaultMaxAttempts       = 5
	DefaultRetryMinDelay     = 1 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultSlotTimeout       = 10 * time.Second

	DefaultSilenceThreshold = 1 * time.Minute
	DefaultCheckInterval    = 1 * time.Second
	DefaultSampleInterval   = 1 * time.Second

	DefaultDispatchMode          = "sequential"
	DefaultDispatchConcurrency   = 16
	DefaultSlowListenerThreshold = 1 * time.Second

	DefaultLogLevel   = "info"
	DefaultLogFormat  = "json"
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 7
	DefaultPacketDir  = "packets"

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultUptimeInterval      = 1 * time.Minute
	DefaultUptimeBatchSize     = 500
	DefaultUptimeFlushInterval = 5 * time.Second

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

func (c *Config) applyDefaults() {
	// Gateway defaults
	g := &c.Gateway
	if g.URL == "" {
		g.URL = DefaultGatewayURL
	}
	if g.Application == "" {
		g.Application = DefaultApplication
	}
	if g.MaxAccountsPerSocket == 0 {
		g.MaxAccountsPerSocket = DefaultMaxAccountsPerSocket
	}
	if g.RequestTimeout == 0 {
		g.RequestTimeout = DefaultRequestTimeout
	}
	if g.ConnectTimeout == 0 {
		g.ConnectTimeout = DefaultConnectTimeout
	}
	if g.ReconnectBaseDelay == 0 {
		g.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if g.ReconnectMaxDelay == 0 {
		g.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if g.PingInterval == 0 {
		g.PingInterval = DefaultPingInterval
	}
	if g.PingTimeout == 0 {
		g.PingTimeout = DefaultPingTimeout
	}
	if g.MessageBufferSize == 0 {
		g.MessageBufferSize = DefaultMessageBufferSize
	}

	// Synchronization defaults
	s := &c.Synchronization
	if s.GapTimeout == 0 {
		s.GapTimeout = DefaultGapTimeout
	}
	if s.GapCheckInterval == 0 {
		s.GapCheckInterval = DefaultGapCheckInterval
	}
	if s.WaitListLimit == 0 {
		s.WaitListLimit = DefaultWaitListLimit
	}
	if s.AttemptTimeout == 0 {
		s.AttemptTimeout = DefaultAttemptTimeout
	}
	if s.RetryCooldown == 0 {
		s.RetryCooldown = DefaultRetryCooldown
	}
	if s.SubscribeRetryMin == 0 {
		s.SubscribeRetryMin = DefaultSubscribeRetryMin
	}
	if s.SubscribeRetryMax == 0 {
		s.SubscribeRetryMax = DefaultSubscribeRetryMax
	}
	if s.BaseConcurrency == 0 {
		s.BaseConcurrency = DefaultBaseConcurrency
	}
	if s.AccountsPerSlot == 0 {
		s.AccountsPerSlot = DefaultAccountsPerSlot
	}
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = DefaultMaxConcurrency
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.RetryMinDelay == 0 {
		s.RetryMinDelay = DefaultRetryMinDelay
	}
	if s.RetryMaxDelay == 0 {
		s.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if s.SlotTimeout == 0 {
		s.SlotTimeout = DefaultSlotTimeout
	}

	// Health defaults
	if c.Health.SilenceThreshold == 0 {
		c.Health.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = DefaultCheckInterval
	}
	if c.Health.SampleInterval == 0 {
		c.Health.SampleInterval = DefaultSampleInterval
	}

	// Dispatcher defaults
	if c.Dispatcher.Mode == "" {
		c.Dispatcher.Mode = DefaultDispatchMode
	}
	if c.Dispatcher.MaxConcurrency == 0 {
		c.Dispatcher.MaxConcurrency = DefaultDispatchConcurrency
	}
	if c.Dispatcher.SlowThreshold == 0 {
		c.Dispatcher.SlowThreshold = DefaultSlowListenerThreshold
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	applyRotationDefaults(&c.Logging.MaxSizeMB, &c.Logging.MaxBackups, &c.Logging.MaxAgeDays)

	// Packet log defaults
	if c.PacketLog.Dir == "" {
		c.PacketLog.Dir = DefaultPacketDir
	}
	applyRotationDefaults(&c.PacketLog.MaxSizeMB, &c.PacketLog.MaxBackups, &c.PacketLog.MaxAgeDays)

	applyDBDefaults(&c.Database)

	// Uptime defaults
	if c.Uptime.Interval == 0 {
		c.Uptime.Interval = DefaultUptimeInterval
	}
	if c.Uptime.BatchSize == 0 {
		c.Uptime.BatchSize = DefaultUptimeBatchSize
	}
	if c.Uptime.FlushInterval == 0 {
		c.Uptime.FlushInterval = DefaultUptimeFlushInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyRotationDefaults(maxSize, maxBackups, maxAge *int) {
	if *maxSize == 0 {
		*maxSize = DefaultMaxSizeMB
	}
	if *maxBackups == 0 {
		*maxBackups = DefaultMaxBackups
	}
	if *maxAge == 0 {
		*maxAge = DefaultMaxAgeDays
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
