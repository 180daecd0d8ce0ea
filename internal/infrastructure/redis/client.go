package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jhoicas/timbrado-cfdi/pkg/config"
)

// Client envuelve go-redis con chequeo de salud.
type Client struct {
	*redis.Client
}

// New crea el cliente desde la configuración.
// Devuelve nil, nil si REDIS_URL está vacío: el llamador usa el bloqueo en proceso.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{Client: client}, nil
}

// Health verifica la conexión.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Close cierra la conexión.
func (c *Client) Close() error {
	return c.Client.Close()
}
