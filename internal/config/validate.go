package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	for _, r := range c.Instance.Roles {
		switch r {
		case RoleController, RoleCoordinator, RoleAgents:
		default:
			return fmt.Errorf("instance.roles: unknown role %q", r)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Barrier.validate(); err != nil {
		return err
	}
	if err := c.Bus.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.Results.Postgres.Enabled() {
		if err := c.Results.Postgres.validate("results.postgres"); err != nil {
			return err
		}
	}
	if c.Results.BatchSize < 1 {
		return errors.New("results.batch_size must be >= 1")
	}

	known := make(map[string]bool, len(c.Market.Agents))
	for _, id := range c.Market.Agents {
		known[id] = true
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if !known[a.ID] {
			return fmt.Errorf("%s.id %q is not listed in market.agents", prefix, a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("%s.id %q is duplicated", prefix, a.ID)
		}
		seen[a.ID] = true
		if err := a.validate(prefix); err != nil {
			return err
		}
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 0 and 65535, got %d", c.Health.Port)
	}

	return nil
}

// ValidateID checks a participant id. Ids are embedded in topics and
// entity ids, so separators and wildcards are not allowed.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id is empty")
	}
	if strings.ContainsAny(id, ":/+# ") {
		return fmt.Errorf("id %q contains one of ':', '/', '+', '#' or space", id)
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if err := ValidateID(m.CoordinatorID); err != nil {
		return fmt.Errorf("market.coordinator_id: %w", err)
	}
	if len(m.Agents) == 0 {
		return errors.New("market.agents must list at least one agent")
	}
	seen := make(map[string]bool, len(m.Agents))
	for _, id := range m.Agents {
		if err := ValidateID(id); err != nil {
			return fmt.Errorf("market.agents: %w", err)
		}
		if id == m.CoordinatorID {
			return fmt.Errorf("market.agents: %q is the coordinator id", id)
		}
		if seen[id] {
			return fmt.Errorf("market.agents: %q is duplicated", id)
		}
		seen[id] = true
	}
	if m.MaxRounds < 0 {
		return errors.New("market.max_rounds must be >= 0")
	}
	if m.MinRoundDuration < 0 {
		return errors.New("market.min_round_duration must be >= 0")
	}
	if m.MaxOfferRounds < 1 {
		return errors.New("market.max_offer_rounds must be >= 1")
	}
	return nil
}

func (b *BarrierConfig) validate() error {
	if b.Mode != "poll" && b.Mode != "notify" {
		return fmt.Errorf("barrier.mode must be poll or notify, got %q", b.Mode)
	}
	if b.OnTimeout != "skip" && b.OnTimeout != "abort" {
		return fmt.Errorf("barrier.on_timeout must be skip or abort, got %q", b.OnTimeout)
	}
	if b.PollInterval <= 0 {
		return errors.New("barrier.poll_interval must be > 0")
	}
	if b.Timeout < 0 {
		return errors.New("barrier.timeout must be >= 0")
	}
	return nil
}

func (b *BusConfig) validate() error {
	switch b.Kind {
	case BusMemory:
	case BusMQTT:
		if b.MQTT.Broker == "" {
			return errors.New("bus.mqtt.broker is required")
		}
		if b.MQTT.QoS > 2 {
			return fmt.Errorf("bus.mqtt.qos must be 0, 1 or 2, got %d", b.MQTT.QoS)
		}
	case BusWebsocket:
		if b.Websocket.URL == "" {
			return errors.New("bus.websocket.url is required")
		}
		if b.Websocket.ReconnectBaseDelay > b.Websocket.ReconnectMaxDelay {
			return errors.New("bus.websocket.reconnect_base_delay cannot exceed reconnect_max_delay")
		}
	default:
		return fmt.Errorf("bus.kind must be memory, mqtt or websocket, got %q", b.Kind)
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if s.Cleanup != "delete" && s.Cleanup != "flag" {
		return fmt.Errorf("store.cleanup must be delete or flag, got %q", s.Cleanup)
	}
	switch s.Kind {
	case StoreMemory:
	case StoreSQLite:
		if s.SQLite.Path == "" {
			return errors.New("store.sqlite.path is required")
		}
	case StorePostgres:
		return s.Postgres.validate("store.postgres")
	case StoreOrion:
		if s.Orion.URL == "" {
			return errors.New("store.orion.url is required")
		}
		if s.Orion.MaxRetries < 0 {
			return errors.New("store.orion.max_retries must be >= 0")
		}
	default:
		return fmt.Errorf("store.kind must be memory, sqlite, postgres or orion, got %q", s.Kind)
	}
	return nil
}

func (a *AgentConfig) validate(prefix string) error {
	if len(a.Profile) == 0 {
		return fmt.Errorf("%s.profile must have at least one step", prefix)
	}
	for i, p := range a.Profile {
		if len(p.Prices) != len(p.Quantities) {
			return fmt.Errorf("%s.profile[%d]: %d prices but %d quantities", prefix, i, len(p.Prices), len(p.Quantities))
		}
		for _, q := range p.Quantities {
			if q < 0 {
				return fmt.Errorf("%s.profile[%d]: negative quantity %v", prefix, i, q)
			}
		}
	}
	if _, _, err := a.Grid.Prices(); err != nil {
		return fmt.Errorf("%s.grid: %w", prefix, err)
	}
	return nil
}

// Prices parses the grid tariffs.
func (g GridConfig) Prices() (buy, sell decimal.Decimal, err error) {
	buy, err = decimal.NewFromString(g.Buy)
	if err != nil {
		return buy, sell, fmt.Errorf("buy: %w", err)
	}
	sell, err = decimal.NewFromString(g.Sell)
	if err != nil {
		return buy, sell, fmt.Errorf("sell: %w", err)
	}
	return buy, sell, nil
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
