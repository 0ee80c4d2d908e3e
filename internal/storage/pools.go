package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pools pairs a writer and a reader pool pointing at the same primary. The
// split keeps long read queries from starving writes; both obey the same
// sizing rules.
type Pools struct {
	Writer *pgxpool.Pool
	Reader *pgxpool.Pool
}

// Open connects both pools and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string, minConns, maxConns int) (*Pools, error) {
	writer, err := open(ctx, dsn, minConns, maxConns)
	if err != nil {
		return nil, fmt.Errorf("storage: open writer pool: %w", err)
	}
	reader, err := open(ctx, dsn, minConns, maxConns)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("storage: open reader pool: %w", err)
	}
	return &Pools{Writer: writer, Reader: reader}, nil
}

func open(ctx context.Context, dsn string, minConns, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if minConns <= 0 {
		minConns = 2
	}
	if maxConns <= 0 {
		maxConns = 20
	}
	cfg.MinConns = int32(minConns)
	cfg.MaxConns = int32(maxConns)
	cfg.MaxConnIdleTime = 30 * time.Second
	// pgxpool has no pool-level acquire deadline: acquisition waits are
	// bounded by each statement's context. ConnectTimeout only caps dialing
	// a new backend connection.
	cfg.ConnConfig.ConnectTimeout = 60 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Close releases both pools.
func (p *Pools) Close() {
	if p == nil {
		return
	}
	if p.Writer != nil {
		p.Writer.Close()
	}
	if p.Reader != nil {
		p.Reader.Close()
	}
}

// Ping verifies both pools are reachable.
func (p *Pools) Ping(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("storage: pools not open")
	}
	if err := p.Writer.Ping(ctx); err != nil {
		return fmt.Errorf("storage: writer ping: %w", err)
	}
	if err := p.Reader.Ping(ctx); err != nil {
		return fmt.Errorf("storage: reader ping: %w", err)
	}
	return nil
}
