package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	Driver          string // "postgres" or "sqlite3"
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	Workers         int
	QueueSize       int
	WriteTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 2
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Driver == "sqlite3" {
		// sqlite serialises writers; one connection avoids "database is locked".
		c.MaxConnections = 1
		c.IdleConnections = 1
	}
}

// Client is the run log store. Writes go through a bounded queue drained
// by a few background writers, keeping the request path off the database.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	closed  bool
	pending chan *RunRecord
	writers sync.WaitGroup
}

// NewClient opens the database, creates the schema and starts the writers.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch config.Driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	conn, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := newClient(ctx, conn, config, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

func newClient(ctx context.Context, conn *sqlx.DB, config Config, logger *zap.Logger) (*Client, error) {
	config.applyDefaults()
	conn.SetMaxOpenConns(config.MaxConnections)
	conn.SetMaxIdleConns(config.IdleConnections)
	conn.SetConnMaxLifetime(config.MaxLifetime)

	c := &Client{
		db:      circuitbreaker.NewDatabaseWrapper(conn, logger),
		logger:  logger,
		config:  config,
		pending: make(chan *RunRecord, config.QueueSize),
	}
	if err := c.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := c.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	c.writers.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go c.runWriter()
	}

	logger.Info("Run log initialized",
		zap.String("driver", conn.DriverName()),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", config.Workers),
		zap.Int("queue_size", config.QueueSize),
	)
	return c, nil
}

// runWriter persists queued records until Close closes the queue, so
// whatever was queued before shutdown is still written.
func (c *Client) runWriter() {
	defer c.writers.Done()
	for rec := range c.pending {
		c.writeBounded(context.Background(), rec)
	}
}

// writeBounded writes rec under the configured write timeout.
func (c *Client) writeBounded(ctx context.Context, rec *RunRecord) {
	ctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	c.writeRun(ctx, rec)
}

// enqueue hands rec to the writers. A full queue, or a client that is
// shutting down, makes the write happen inline instead of dropping it.
func (c *Client) enqueue(ctx context.Context, rec *RunRecord) {
	c.mu.RLock()
	if !c.closed {
		select {
		case c.pending <- rec:
			c.mu.RUnlock()
			return
		default:
			c.logger.Warn("Run log queue full, writing inline", zap.String("run_id", rec.RunID))
		}
	}
	c.mu.RUnlock()
	c.writeBounded(context.WithoutCancel(ctx), rec)
}

// Ping checks database connectivity through the circuit breaker.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Wrapper returns the breaker-guarded database.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// Close waits for queued writes, then closes the database. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.pending)
	c.mu.Unlock()

	c.logger.Info("Shutting down run log", zap.Int("queued", len(c.pending)))
	c.writers.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
