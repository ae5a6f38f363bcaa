package database

import (
	"context"
	"fmt"

	"github.com/RWTH-EBC/PHOENAIX/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pools holds the database connections of a market process.
type Pools struct {
	// Store holds the shared entity table. Nil unless the store kind is postgres.
	Store *pgxpool.Pool

	// Results receives negotiation and round records. Nil when disabled.
	Results *pgxpool.Pool
}

// NewPools opens a pool for each enabled database. When both configs
// resolve to the same connection string the pool is shared.
func NewPools(ctx context.Context, storeCfg, resultsCfg config.DBConfig) (*Pools, error) {
	p := &Pools{}

	if storeCfg.Enabled() {
		pool, err := Connect(ctx, storeCfg)
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		p.Store = pool
	}

	if resultsCfg.Enabled() {
		if p.Store != nil && BuildConnString(storeCfg) == BuildConnString(resultsCfg) {
			p.Results = p.Store
			return p, nil
		}
		pool, err := Connect(ctx, resultsCfg)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("connect results: %w", err)
		}
		p.Results = pool
	}

	return p, nil
}

// Connect creates a single connection pool.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Close closes every open pool once.
func (p *Pools) Close() {
	if p.Results != nil && p.Results != p.Store {
		p.Results.Close()
	}
	if p.Store != nil {
		p.Store.Close()
	}
}

// Ping verifies the open connections are healthy.
func (p *Pools) Ping(ctx context.Context) error {
	if p.Store != nil {
		if err := p.Store.Ping(ctx); err != nil {
			return fmt.Errorf("ping store: %w", err)
		}
	}
	if p.Results != nil && p.Results != p.Store {
		if err := p.Results.Ping(ctx); err != nil {
			return fmt.Errorf("ping results: %w", err)
		}
	}
	return nil
}
