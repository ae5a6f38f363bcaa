package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RWTH-EBC/PHOENAIX/internal/agent"
	"github.com/RWTH-EBC/PHOENAIX/internal/barrier"
	"github.com/RWTH-EBC/PHOENAIX/internal/bus"
	"github.com/RWTH-EBC/PHOENAIX/internal/config"
	"github.com/RWTH-EBC/PHOENAIX/internal/connection"
	"github.com/RWTH-EBC/PHOENAIX/internal/controller"
	"github.com/RWTH-EBC/PHOENAIX/internal/coordinator"
	"github.com/RWTH-EBC/PHOENAIX/internal/database"
	"github.com/RWTH-EBC/PHOENAIX/internal/lifecycle"
	"github.com/RWTH-EBC/PHOENAIX/internal/matching"
	"github.com/RWTH-EBC/PHOENAIX/internal/metrics"
	"github.com/RWTH-EBC/PHOENAIX/internal/ngsi"
	"github.com/RWTH-EBC/PHOENAIX/internal/store"
	"github.com/RWTH-EBC/PHOENAIX/internal/writer"
)

// app holds every component a market process runs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        bus.Bus
	store      store.Store
	closeStore func() error
	pools      *database.Pools
	records    *lifecycle.Records

	recorder     writer.Recorder
	resultWriter *writer.ResultWriter
	rounds       *metrics.Rounds

	controller   *controller.Controller
	coordinator  *coordinator.Coordinator
	participants []*agent.Participant

	done     chan struct{}
	doneOnce sync.Once
	started  []func(ctx context.Context) error // stop funcs, in start order
}

// newApp connects the transports and builds the components for the
// configured roles. Nothing is subscribed until Start.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		rounds:     metrics.NewRounds(0),
		done:       make(chan struct{}),
		closeStore: func() error { return nil },
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	storeDB := config.DBConfig{}
	if cfg.Store.Kind == config.StorePostgres {
		storeDB = cfg.Store.Postgres
	}
	resultsDB := config.DBConfig{}
	if a.recordsResults() {
		resultsDB = cfg.Results.Postgres
	}
	if storeDB.Enabled() || resultsDB.Enabled() {
		if a.pools, err = database.NewPools(ctx, storeDB, resultsDB); err != nil {
			return nil, err
		}
	}

	if a.store, a.closeStore, err = openStore(ctx, cfg.Store, a.pools, logger); err != nil {
		return nil, err
	}

	opts := lifecycle.Options{Logger: logger.With("component", "records")}
	if cfg.Store.SchemaValidation {
		if opts.Schemas, err = lifecycle.LoadSchemas(); err != nil {
			return nil, fmt.Errorf("load schemas: %w", err)
		}
	}
	a.records = lifecycle.NewRecords(a.store, opts)

	if a.bus, err = openBus(ctx, cfg.Bus, cfg.Instance.ID, logger); err != nil {
		return nil, err
	}

	if err := a.buildRecorder(ctx); err != nil {
		return nil, err
	}

	bopts, policy := barrierOptions(cfg.Barrier)

	if cfg.Instance.HasRole(config.RoleAgents) {
		for _, ac := range cfg.Agents {
			p, err := buildParticipant(ac, a.bus, a.records, logger)
			if err != nil {
				return nil, err
			}
			a.participants = append(a.participants, p)
		}
	}

	if cfg.Instance.HasRole(config.RoleCoordinator) {
		a.coordinator = coordinator.New(coordinator.Config{
			ID:             cfg.Market.CoordinatorID,
			Agents:         cfg.Market.Agents,
			MaxOfferRounds: cfg.Market.MaxOfferRounds,
			Cleanup:        cfg.Store.Cleanup,
			Barrier:        bopts,
			Policy:         policy,
		}, a.bus, a.records, matching.NewMidpoint(cfg.Market.CoordinatorID), a.recorder, logger)
	}

	if cfg.Instance.HasRole(config.RoleController) {
		a.controller = controller.New(controller.Config{
			Agents:             cfg.Market.Agents,
			CoordinatorID:      cfg.Market.CoordinatorID,
			Autostart:          cfg.Market.Autostart,
			MinRoundDuration:   cfg.Market.MinRoundDuration,
			MaxRounds:          cfg.Market.MaxRounds,
			Barrier:            bopts,
			Policy:             policy,
			NegotiationTimeout: cfg.Market.NegotiationTimeout,
		}, a.bus, controller.Options{
			Recorder: a.recorder,
			Rounds:   a.rounds,
			OnDone:   func() { a.doneOnce.Do(func() { close(a.done) }) },
			Logger:   logger,
		})
	}

	return a, nil
}

func (a *app) recordsResults() bool {
	return a.cfg.Instance.HasRole(config.RoleController) || a.cfg.Instance.HasRole(config.RoleCoordinator)
}

func (a *app) buildRecorder(ctx context.Context) error {
	if !a.recordsResults() {
		a.recorder = writer.Nop{}
		return nil
	}

	var recs writer.Multi
	if a.cfg.Results.Dir != "" {
		recs = append(recs, writer.NewFileRecorder(a.cfg.Results.Dir))
	}
	if a.pools != nil && a.pools.Results != nil {
		rw := writer.NewResultWriter(writer.WriterConfig{
			BatchSize:     a.cfg.Results.BatchSize,
			FlushInterval: a.cfg.Results.FlushInterval,
		}, a.pools.Results, a.logger)
		if err := rw.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("create result schema: %w", err)
		}
		a.resultWriter = rw
		recs = append(recs, rw)
	}

	switch len(recs) {
	case 0:
		a.recorder = writer.Nop{}
	case 1:
		a.recorder = recs[0]
	default:
		a.recorder = recs
	}
	return nil
}

// Start subscribes the components. Listeners come first so the
// controller's first broadcast reaches them.
func (a *app) Start(ctx context.Context) error {
	if a.resultWriter != nil {
		if err := a.resultWriter.Start(ctx); err != nil {
			return fmt.Errorf("start result writer: %w", err)
		}
	}
	for _, p := range a.participants {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start agent %s: %w", p.Agent().ID, err)
		}
		a.started = append(a.started, p.Stop)
	}
	if a.coordinator != nil {
		if err := a.coordinator.Start(ctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
		a.started = append(a.started, a.coordinator.Stop)
	}
	if a.controller != nil {
		if err := a.controller.Start(ctx); err != nil {
			return fmt.Errorf("start controller: %w", err)
		}
		a.started = append(a.started, a.controller.Stop)
	}

	a.logger.Info("market started",
		"agents", len(a.participants),
		"coordinator", a.coordinator != nil,
		"controller", a.controller != nil,
	)
	return nil
}

// Done is closed once the controller has run its configured rounds.
func (a *app) Done() <-chan struct{} { return a.done }

// Stop shuts components down in reverse start order, then the
// recorders and transports.
func (a *app) Stop(ctx context.Context) error {
	var errs []error
	for i := len(a.started) - 1; i >= 0; i-- {
		if err := a.started[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.started = nil
	if err := a.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) release() error {
	var errs []error
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
		a.recorder = nil
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
		a.bus = nil
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.closeStore = nil
	}
	if a.pools != nil {
		a.pools.Close()
		a.pools = nil
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig, pools *database.Pools, logger *slog.Logger) (store.Store, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Kind {
	case config.StoreMemory:
		return store.NewMemory(), nop, nil

	case config.StoreSQLite:
		s, err := store.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s.Close, nil

	case config.StorePostgres:
		if pools == nil || pools.Store == nil {
			return nil, nil, errors.New("postgres store: no connection pool")
		}
		s := database.NewEntityStore(pools.Store)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return s, nop, nil

	case config.StoreOrion:
		c := ngsi.NewClient(cfg.Orion.URL,
			ngsi.WithTimeout(cfg.Orion.Timeout),
			ngsi.WithRetries(cfg.Orion.MaxRetries, 200*time.Millisecond),
			ngsi.WithService(cfg.Orion.Service, cfg.Orion.ServicePath),
			ngsi.WithLogger(logger),
		)
		return c, nop, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}

func openBus(ctx context.Context, cfg config.BusConfig, instanceID string, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Kind {
	case config.BusMemory:
		return bus.NewMemory(bus.MemoryOptions{}, logger), nil

	case config.BusMQTT:
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "market-" + instanceID
		}
		b, err := bus.DialMQTT(ctx, bus.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       clientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect mqtt: %w", err)
		}
		return b, nil

	case config.BusWebsocket:
		bcfg := connection.DefaultBusConfig()
		bcfg.Client.URL = cfg.Websocket.URL
		bcfg.Client.ClientID = instanceID
		bcfg.Client.PingInterval = cfg.Websocket.PingInterval
		bcfg.Client.PingTimeout = cfg.Websocket.ReadTimeout
		bcfg.ReconnectBaseWait = cfg.Websocket.ReconnectBaseDelay
		bcfg.ReconnectMaxWait = cfg.Websocket.ReconnectMaxDelay
		b, err := connection.Dial(ctx, bcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect websocket broker: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
}

func barrierOptions(cfg config.BarrierConfig) (barrier.Options, barrier.Policy) {
	return barrier.Options{
			Mode:         barrier.Mode(cfg.Mode),
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.Timeout,
		}, barrier.Policy{
			OnTimeout:      cfg.OnTimeout,
			RetryBroadcast: cfg.RetryBroadcast,
		}
}

func buildParticipant(ac config.AgentConfig, b bus.Bus, records *lifecycle.Records, logger *slog.Logger) (*agent.Participant, error) {
	steps := make([]agent.ProfileStep, len(ac.Profile))
	for i, p := range ac.Profile {
		steps[i] = agent.ProfileStep{
			Prices:     p.Prices,
			Quantities: p.Quantities,
			Buying:     p.Buying,
			FlexEnergy: p.FlexEnergy,
		}
	}
	building, err := agent.NewProfileBuilding(ac.ID, steps)
	if err != nil {
		return nil, err
	}
	buy, sell, err := ac.Grid.Prices()
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
	}
	a := agent.New(ac.ID, building, agent.AcceptingStrategy{}, agent.GridPrices{Buy: buy, Sell: sell})
	return agent.NewParticipant(a, b, records, logger), nil
}
