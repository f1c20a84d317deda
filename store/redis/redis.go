package redis

import (
	"context"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kochabonline/scr/errors"
)

type Redis struct {
	Client *redis.Client
	config *Config
}

type Option func(*Redis)

// WithClient reuses an existing client instead of dialing.
func WithClient(client *redis.Client) Option {
	return func(r *Redis) {
		r.Client = client
	}
}

func New(c *Config, opts ...Option) (*Redis, error) {
	if c == nil {
		c = &Config{}
	}
	r := &Redis{
		config: c,
	}

	if err := r.config.init(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.Client != nil {
		return r, nil
	}
	return r.new()
}

func (r *Redis) new() (*Redis, error) {
	if r.config.PoolSize == 0 {
		r.config.PoolSize = 10 * runtime.GOMAXPROCS(0)
	}

	r.Client = redis.NewClient(&redis.Options{
		Addr:     r.config.Addr(),
		Password: r.config.Password,
		DB:       r.config.DB,
		Protocol: r.config.Protocol,
		PoolSize: r.config.PoolSize,
	})

	if err := r.Ping(context.Background()); err != nil {
		_ = r.Client.Close()
		return nil, errors.Wrap(err, errors.CodeRuntime, "failed to connect to redis %s", r.config.Addr())
	}
	return r, nil
}

// RequestContext derives a context bounded by the configured request timeout.
func (r *Redis) RequestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, time.Duration(r.config.RequestTimeout)*time.Second)
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.RequestContext(ctx)
	defer cancel()
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.Client == nil {
		return nil
	}

	return r.Client.Close()
}
