package app

import (
	"context"
	stderrors "errors"
	"io"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kochabonline/scr/cm"
	cmetcd "github.com/kochabonline/scr/cm/etcd"
	cmredis "github.com/kochabonline/scr/cm/redis"
	"github.com/kochabonline/scr/cm/file"
	"github.com/kochabonline/scr/core/reflect"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/metric"
	"github.com/kochabonline/scr/scr"
	"github.com/kochabonline/scr/store/etcd"
	"github.com/kochabonline/scr/store/redis"
	"github.com/kochabonline/scr/transport"
	shttp "github.com/kochabonline/scr/transport/http"
)

var _ Lifecycle = (*Host)(nil)

// sharedStore 多个进程共享的配置存储
type sharedStore interface {
	cm.Store
	Watch(ctx context.Context, a cm.Applier) error
}

// closer 仅关闭宿主自己建立的连接
type closer struct {
	io.Closer
	owned bool
}

// Host 组装框架、配置管理和组件运行时, 并按依赖顺序启停
type Host struct {
	config      Config
	logger      *log.Logger
	fwOpts      []framework.Option
	rtOpts      []scr.Option
	etcdClient  *clientv3.Client
	redisClient *goredis.Client
	fw          *framework.Framework
	metrics     *metric.Metrics
	runtime     *scr.Runtime
	server      *shttp.Server

	mu          sync.Mutex
	started     bool
	stopped     bool
	admin       *cm.Admin
	closers     []closer
	sources     []*file.Source
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

type HostOption func(*Host)

// WithConstructor 注册组件实现类的构造函数
func WithConstructor(implClass string, ctor scr.Constructor) HostOption {
	return func(h *Host) {
		h.rtOpts = append(h.rtOpts, scr.WithConstructor(implClass, ctor))
	}
}

func WithFrameworkOptions(opts ...framework.Option) HostOption {
	return func(h *Host) {
		h.fwOpts = append(h.fwOpts, opts...)
	}
}

// WithEtcdClient 复用已有的 etcd 客户端, 需同时配置 Config.Etcd
func WithEtcdClient(client *clientv3.Client) HostOption {
	return func(h *Host) {
		h.etcdClient = client
	}
}

// WithRedisClient 复用已有的 redis 客户端, 需同时配置 Config.Redis
func WithRedisClient(client *goredis.Client) HostOption {
	return func(h *Host) {
		h.redisClient = client
	}
}

func WithHostLogger(logger *log.Logger) HostOption {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHost 创建宿主, 框架和运行时在 Start 时才启动
func NewHost(c Config, opts ...HostOption) *Host {
	if err := reflect.SetDefaultTag(&c); err != nil {
		log.Warn().Err(err).Msg("host config defaults")
	}
	h := &Host{config: c, logger: log.DefaultLogger}
	for _, opt := range opts {
		opt(h)
	}
	if lvl, err := level.Parse(c.LogLevel); err == nil {
		h.logger = h.logger.Leveled(lvl)
	}

	h.fw = framework.New(h.fwOpts...)
	h.metrics = metric.New(c.SCR.Metrics)
	h.runtime = scr.NewRuntime(h.fw, append([]scr.Option{
		scr.WithConfig(c.SCR),
		scr.WithMetrics(h.metrics),
	}, h.rtOpts...)...)

	if c.HTTP.Addr != "" {
		opts := []shttp.Option{shttp.WithLogger(h.logger), shttp.WithMetrics(h.metrics)}
		if c.HTTP.Health.Enabled {
			opts = append(opts, shttp.WithHealth(c.HTTP.Health, h.Healthy))
		}
		if c.HTTP.Components.Enabled {
			opts = append(opts, shttp.WithComponents(h.runtime, c.HTTP.Components))
		}
		h.server = shttp.NewServer(c.HTTP.Addr, nil, opts...)
	}
	return h
}

func (h *Host) Framework() *framework.Framework { return h.fw }

func (h *Host) Runtime() *scr.Runtime { return h.runtime }

func (h *Host) Metrics() *metric.Metrics { return h.metrics }

// Admin 启动前为 nil
func (h *Host) Admin() *cm.Admin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.admin
}

// Server HTTP 服务, 未配置地址时为 nil
func (h *Host) Server() transport.Server {
	if h.server == nil {
		return nil
	}
	return h.server
}

// Healthy 运行中返回 nil
func (h *Host) Healthy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || h.stopped {
		return errors.Runtime("component host is not running")
	}
	return nil
}

// Start 依次启动框架、配置管理、配置文件和组件运行时, 失败时回滚已启动的部分
func (h *Host) Start(ctx context.Context) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.Conflict("component host already started")
	}
	if err := h.config.Validate(); err != nil {
		return err
	}

	if err := h.fw.Start(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = h.teardown(ctx)
		}
	}()

	var adminOpts []cm.Option
	store, err := h.openStore()
	if err != nil {
		return err
	}
	if store != nil {
		adminOpts = append(adminOpts, cm.WithStore(store))
	}
	admin := cm.NewAdmin(h.fw.Context(), adminOpts...)
	if err := admin.Start(ctx); err != nil {
		return err
	}
	h.admin = admin
	if store != nil {
		h.watch(store, admin)
	}

	for _, sc := range h.config.Sources {
		src, err := file.New(admin, sc.Name, sc.Paths...)
		if err != nil {
			return err
		}
		if err := src.Load(); err != nil {
			return err
		}
		if sc.Watch {
			if err := src.Watch(); err != nil {
				return err
			}
		}
		h.sources = append(h.sources, src)
	}

	if err := h.runtime.Start(ctx); err != nil {
		return err
	}
	h.started = true
	h.logger.Info().Str("framework", h.fw.UUID()).Int("sources", len(h.sources)).Msg("component host started")
	return nil
}

func (h *Host) openStore() (sharedStore, error) {
	switch {
	case h.config.Etcd != nil:
		var opts []etcd.Option
		if h.etcdClient != nil {
			opts = append(opts, etcd.WithClient(h.etcdClient))
		}
		e, err := etcd.New(h.config.Etcd, opts...)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, closer{e, h.etcdClient == nil})
		return cmetcd.NewStore(e.Client, cmetcd.WithPrefix(h.config.EtcdPrefix)), nil
	case h.config.Redis != nil:
		var opts []redis.Option
		if h.redisClient != nil {
			opts = append(opts, redis.WithClient(h.redisClient))
		}
		r, err := redis.New(h.config.Redis, opts...)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, closer{r, h.redisClient == nil})
		return cmredis.NewStore(r.Client, cmredis.WithKey(h.config.RedisKey)), nil
	}
	return nil, nil
}

// watch 把其他进程的修改同步到 admin
func (h *Host) watch(store sharedStore, admin *cm.Admin) {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancelWatch = cancel
	h.watchDone = make(chan struct{})
	go func() {
		defer close(h.watchDone)
		if err := store.Watch(ctx, admin); err != nil && ctx.Err() == nil {
			h.logger.Error().Err(err).Msg("configuration watch stopped")
		}
	}()
}

// Stop 先停止组件运行时再停止框架
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || h.stopped {
		return nil
	}
	h.stopped = true
	return h.teardown(ctx)
}

func (h *Host) teardown(ctx context.Context) error {
	var errs []error
	if err := h.runtime.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if h.cancelWatch != nil {
		h.cancelWatch()
		<-h.watchDone
		h.cancelWatch = nil
	}
	if h.admin != nil {
		h.admin.Stop()
	}
	if err := h.fw.Stop(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range h.closers {
		if !c.owned {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	h.sources = nil
	h.logger.Info().Msg("component host stopped")
	return stderrors.Join(errs...)
}
