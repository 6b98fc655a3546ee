package database

import (
	"context"
	"fmt"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxPoolSize       = 10
	defaultConnTimeout       = 5 * time.Second
	defaultHealthCheckPeriod = time.Minute
)

// Postgres wraps a pgx pool together with the transactor used by the
// repositories. Repositories go through DBGetter so that queries join an
// enclosing transaction transparently.
type Postgres struct {
	Pool       *pgxpool.Pool
	Transactor *tx.Transactor
	DBGetter   tx.DBGetter

	maxPoolSize       int32
	connTimeout       time.Duration
	healthCheckPeriod time.Duration
	isolation         pgx.TxIsoLevel
}

// Option configures the Postgres wrapper.
type Option func(*Postgres)

// MaxPoolSize sets the connection pool upper bound.
func MaxPoolSize(size int32) Option {
	return func(p *Postgres) {
		if size > 0 {
			p.maxPoolSize = size
		}
	}
}

// ConnTimeout sets the connect timeout in seconds.
func ConnTimeout(seconds int) Option {
	return func(p *Postgres) {
		if seconds > 0 {
			p.connTimeout = time.Duration(seconds) * time.Second
		}
	}
}

// HealthCheckPeriod sets the pool health check interval in minutes.
func HealthCheckPeriod(minutes int) Option {
	return func(p *Postgres) {
		if minutes > 0 {
			p.healthCheckPeriod = time.Duration(minutes) * time.Minute
		}
	}
}

// Isolation sets the default transaction isolation level.
func Isolation(level pgx.TxIsoLevel) Option {
	return func(p *Postgres) {
		p.isolation = level
	}
}

// New connects to Postgres and prepares the pool and transactor.
func New(databaseURL string, opts ...Option) (*Postgres, error) {
	pg := &Postgres{
		maxPoolSize:       defaultMaxPoolSize,
		connTimeout:       defaultConnTimeout,
		healthCheckPeriod: defaultHealthCheckPeriod,
		isolation:         pgx.ReadCommitted,
	}

	for _, opt := range opts {
		opt(pg)
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	poolConfig.MaxConns = pg.maxPoolSize
	poolConfig.ConnConfig.ConnectTimeout = pg.connTimeout
	poolConfig.HealthCheckPeriod = pg.healthCheckPeriod

	ctx, cancel := context.WithTimeout(context.Background(), pg.connTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pg.Pool = pool
	pg.Transactor, pg.DBGetter = tx.NewTransactorFromPool(pool)

	return pg, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}
