package config

import "time"

// Roles a process can take.
const (
	RoleController  = "controller"
	RoleCoordinator = "coordinator"
	RoleAgents      = "agents"
)

// Config is the root configuration of a market process.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	Market   MarketConfig   `yaml:"market"`
	Barrier  BarrierConfig  `yaml:"barrier"`
	Bus      BusConfig      `yaml:"bus"`
	Store    StoreConfig    `yaml:"store"`
	Results  ResultsConfig  `yaml:"results"`
	Agents   []AgentConfig  `yaml:"agents"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this process and the components it runs.
type InstanceConfig struct {
	ID    string   `yaml:"id"`
	Roles []string `yaml:"roles"`
}

// HasRole reports whether the process runs role.
func (c InstanceConfig) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MarketConfig describes the market population and round pacing.
type MarketConfig struct {
	CoordinatorID      string        `yaml:"coordinator_id"`
	Agents             []string      `yaml:"agents"`
	Autostart          bool          `yaml:"autostart"`
	MinRoundDuration   time.Duration `yaml:"min_round_duration"`
	MaxRounds          int           `yaml:"max_rounds"`
	MaxOfferRounds     int           `yaml:"max_offer_rounds"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
}

// BarrierConfig holds the liveness policy of every barrier wait.
type BarrierConfig struct {
	Mode           string        `yaml:"mode"` // poll or notify
	PollInterval   time.Duration `yaml:"poll_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	OnTimeout      string        `yaml:"on_timeout"` // skip or abort
	RetryBroadcast bool          `yaml:"retry_broadcast"`
}

// Bus kinds.
const (
	BusMemory    = "memory"
	BusMQTT      = "mqtt"
	BusWebsocket = "websocket"
)

// BusConfig selects and configures the message bus.
type BusConfig struct {
	Kind      string          `yaml:"kind"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Websocket WebsocketConfig `yaml:"websocket"`
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"` // tcp://host:1883
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// WebsocketConfig holds settings of the websocket broker client.
type WebsocketConfig struct {
	URL                string        `yaml:"url"` // ws://host:8883/ws
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
}

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreOrion    = "orion"
)

// StoreConfig selects and configures the shared entity store.
type StoreConfig struct {
	Kind             string       `yaml:"kind"`
	SchemaValidation bool         `yaml:"schema_validation"`
	Cleanup          string       `yaml:"cleanup"` // delete or flag
	SQLite           SQLiteConfig `yaml:"sqlite"`
	Postgres         DBConfig     `yaml:"postgres"`
	Orion            OrionConfig  `yaml:"orion"`
}

// SQLiteConfig holds the SQLite store file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// OrionConfig holds FIWARE Orion context broker settings.
type OrionConfig struct {
	URL         string        `yaml:"url"`
	Service     string        `yaml:"service"`      // Fiware-Service header
	ServicePath string        `yaml:"service_path"` // Fiware-ServicePath header
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
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

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool { return db.Host != "" }

// ResultsConfig selects where negotiation results are recorded.
type ResultsConfig struct {
	Dir           string        `yaml:"dir"` // JSONL.zst files, empty disables
	Postgres      DBConfig      `yaml:"postgres"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AgentConfig describes an agent hosted by this process.
type AgentConfig struct {
	ID      string          `yaml:"id"`
	Grid    GridConfig      `yaml:"grid"`
	Profile []ProfileConfig `yaml:"profile"`
}

// GridConfig holds grid tariffs as decimal strings, EUR/kWh.
type GridConfig struct {
	Buy  string `yaml:"buy"`
	Sell string `yaml:"sell"`
}

// ProfileConfig is one round of a replayed building profile.
type ProfileConfig struct {
	Prices     []float64 `yaml:"prices"`
	Quantities []float64 `yaml:"quantities"`
	Buying     bool      `yaml:"buying"`
	FlexEnergy float64   `yaml:"flex_energy"`
}

// HealthConfig holds the health server settings.
type HealthConfig struct {
	Port int `yaml:"port"` // 0 disables
}
