package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultCoordinatorID      = "C"
	DefaultMaxOfferRounds     = 10
	DefaultNegotiationTimeout = 5 * time.Minute
	DefaultBarrierMode        = "poll"
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultBarrierTimeout     = 30 * time.Second
	DefaultOnTimeout          = "skip"
	DefaultBusKind            = BusMemory
	DefaultMQTTQoS            = 1
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultReadTimeout        = 30 * time.Second
	DefaultStoreKind          = StoreMemory
	DefaultCleanup            = "delete"
	DefaultSQLitePath         = "market.db"
	DefaultOrionTimeout       = 10 * time.Second
	DefaultOrionMaxRetries    = 3
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 2 * time.Second
	DefaultGridBuy            = "0.30"
	DefaultGridSell           = "0.08"
)

func (c *Config) applyDefaults() {
	if len(c.Instance.Roles) == 0 {
		c.Instance.Roles = []string{RoleController, RoleCoordinator, RoleAgents}
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Market defaults
	if c.Market.CoordinatorID == "" {
		c.Market.CoordinatorID = DefaultCoordinatorID
	}
	if c.Market.MaxOfferRounds == 0 {
		c.Market.MaxOfferRounds = DefaultMaxOfferRounds
	}
	if c.Market.NegotiationTimeout == 0 {
		c.Market.NegotiationTimeout = DefaultNegotiationTimeout
	}

	// Barrier defaults
	if c.Barrier.Mode == "" {
		c.Barrier.Mode = DefaultBarrierMode
	}
	if c.Barrier.PollInterval == 0 {
		c.Barrier.PollInterval = DefaultPollInterval
	}
	if c.Barrier.Timeout == 0 {
		c.Barrier.Timeout = DefaultBarrierTimeout
	}
	if c.Barrier.OnTimeout == "" {
		c.Barrier.OnTimeout = DefaultOnTimeout
	}

	// Bus defaults
	if c.Bus.Kind == "" {
		c.Bus.Kind = DefaultBusKind
	}
	if c.Bus.MQTT.QoS == 0 {
		c.Bus.MQTT.QoS = DefaultMQTTQoS
	}
	if c.Bus.MQTT.ConnectTimeout == 0 {
		c.Bus.MQTT.ConnectTimeout = DefaultConnectTimeout
	}
	ws := &c.Bus.Websocket
	if ws.ReconnectBaseDelay == 0 {
		ws.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if ws.ReconnectMaxDelay == 0 {
		ws.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if ws.PingInterval == 0 {
		ws.PingInterval = DefaultPingInterval
	}
	if ws.ReadTimeout == 0 {
		ws.ReadTimeout = DefaultReadTimeout
	}

	// Store defaults
	if c.Store.Kind == "" {
		c.Store.Kind = DefaultStoreKind
	}
	if c.Store.Cleanup == "" {
		c.Store.Cleanup = DefaultCleanup
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = DefaultSQLitePath
	}
	if c.Store.Orion.Timeout == 0 {
		c.Store.Orion.Timeout = DefaultOrionTimeout
	}
	if c.Store.Orion.MaxRetries == 0 {
		c.Store.Orion.MaxRetries = DefaultOrionMaxRetries
	}
	applyDBDefaults(&c.Store.Postgres)

	// Results defaults
	applyDBDefaults(&c.Results.Postgres)
	if c.Results.BatchSize == 0 {
		c.Results.BatchSize = DefaultBatchSize
	}
	if c.Results.FlushInterval == 0 {
		c.Results.FlushInterval = DefaultFlushInterval
	}

	// Agent defaults
	for i := range c.Agents {
		if c.Agents[i].Grid.Buy == "" {
			c.Agents[i].Grid.Buy = DefaultGridBuy
		}
		if c.Agents[i].Grid.Sell == "" {
			c.Agents[i].Grid.Sell = DefaultGridSell
		}
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
