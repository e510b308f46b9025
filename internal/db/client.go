package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Client is a read-only view of the metadata store. It implements
// widget.Metadata and schema.Catalog.
type Client struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

// NewClient connects to the metadata store at dsn.
func NewClient(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Client, error) {
	if dsn == "" {
		return nil, fmt.Errorf("metadata database URL is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to metadata store")
	return &Client{pool: pool, logger: logger}, nil
}

// Close closes the database connection pool
func (c *Client) Close() {
	c.pool.Close()
}
