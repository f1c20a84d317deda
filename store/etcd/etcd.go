package etcd

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kochabonline/scr/errors"
)

type Etcd struct {
	Client *clientv3.Client
	config *Config
}

type Option func(*Etcd)

// WithClient reuses an existing client instead of dialing.
func WithClient(client *clientv3.Client) Option {
	return func(e *Etcd) {
		e.Client = client
	}
}

func New(c *Config, opts ...Option) (*Etcd, error) {
	if c == nil {
		c = &Config{}
	}
	e := &Etcd{
		config: c,
	}

	if err := e.config.init(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.Client != nil {
		return e, nil
	}
	return e.new()
}

func (e *Etcd) new() (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   e.config.Endpoints,
		Username:    e.config.Username,
		Password:    e.config.Password,
		DialTimeout: time.Duration(e.config.DialTimeout) * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeRuntime, "failed to connect to etcd %v", e.config.Endpoints)
	}
	e.Client = client

	return e, nil
}

// RequestContext derives a context bounded by the configured request timeout.
func (e *Etcd) RequestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, time.Duration(e.config.RequestTimeout)*time.Second)
}

// Ping checks that the first endpoint answers.
func (e *Etcd) Ping(ctx context.Context) error {
	ctx, cancel := e.RequestContext(ctx)
	defer cancel()
	_, err := e.Client.Status(ctx, e.config.Endpoints[0])
	return err
}

func (e *Etcd) Close() error {
	if e.Client == nil {
		return nil
	}

	return e.Client.Close()
}
