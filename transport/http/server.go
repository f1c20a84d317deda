// Package http serves the operational endpoints of a component runtime:
// Prometheus metrics, a health probe and component introspection.
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kochabonline/scr/log"
	"github.com/kochabonline/scr/metric"
	"github.com/kochabonline/scr/transport"
	"github.com/kochabonline/scr/transport/http/middleware"
)

var _ transport.Server = (*Server)(nil)

const (
	defaultName = "http"
	defaultAddr = ":8080"
)

// Meta is the metadata of the server.
type Meta struct {
	Name string
}

// Register mounts routes on a router group.
type Register interface {
	Register(r gin.IRouter)
}

type Server struct {
	Meta
	server  *http.Server
	log     *log.Logger
	options Options

	metrics     *metric.Metrics
	healthCheck func() error
	components  ComponentRuntime
	registers   []Register
}

type Option func(*Server)

func WithLogger(log *log.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics serves the registry of m at m.Config.Path.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealth enables the health probe. A non-nil check failing turns the
// probe into a 503.
func WithHealth(health HealthOption, check func() error) Option {
	return func(s *Server) {
		health.Enabled = true
		if err := health.init(); err != nil {
			s.log.Error().Err(err).Send()
			return
		}
		s.options.Health = health
		s.healthCheck = check
	}
}

func WithComponents(rt ComponentRuntime, components ComponentsOption) Option {
	return func(s *Server) {
		if rt == nil {
			return
		}
		components.Enabled = true
		if err := components.init(); err != nil {
			s.log.Error().Err(err).Send()
			return
		}
		s.options.Components = components
		s.components = rt
	}
}

// WithRegisters mounts extra routes at the root of the engine.
func WithRegisters(registers ...Register) Option {
	return func(s *Server) {
		for _, r := range registers {
			if r != nil {
				s.registers = append(s.registers, r)
			}
		}
	}
}

// NewEngine returns a gin engine with request logging and panic recovery.
func NewEngine(logger *log.Logger, skipPaths ...string) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.LoggerWithConfig(logger, middleware.LoggerConfig{SkipPaths: skipPaths}),
		middleware.Recovery(logger),
	)
	return r
}

// NewServer builds a server around handler. The addon endpoints are only
// mounted when handler is a *gin.Engine; a nil handler gets a fresh engine.
func NewServer(addr string, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		log: log.DefaultLogger,
	}

	for _, opt := range opts {
		opt(s)
	}

	if handler == nil {
		var skip []string
		if s.metrics != nil {
			skip = append(skip, s.metrics.Config.Path)
		}
		handler = NewEngine(s.log, skip...)
	}

	if r, ok := handler.(*gin.Engine); ok {
		handleMetrics(s, r)
		handleHealth(s, r)
		handleComponents(s, r)
		for _, reg := range s.registers {
			reg.Register(r)
		}
	}

	s.server = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s
}

// Handler is the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Run() error {
	if s.server == nil {
		return http.ErrServerClosed
	}
	if s.Name == "" {
		s.Name = defaultName
	}

	if ok := transport.ValidateAddress(s.server.Addr); !ok {
		s.log.Warn().Msgf("invalid address %s, using default address: %s", s.server.Addr, defaultAddr)
		s.server.Addr = defaultAddr
	}
	s.log.Info().Msgf("%s server listening on %s", s.Name, s.server.Addr)

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return http.ErrServerClosed
	}

	return s.server.Shutdown(ctx)
}

func handleMetrics(s *Server, r *gin.Engine) {
	if s.metrics != nil {
		r.GET(s.metrics.Config.Path, gin.WrapH(s.metrics.Handler()))
	}
}

func handleHealth(s *Server, r *gin.Engine) {
	if !s.options.Health.Enabled {
		return
	}
	r.GET(s.options.Health.Path, func(c *gin.Context) {
		if s.healthCheck != nil {
			if err := s.healthCheck(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func handleComponents(s *Server, r *gin.Engine) {
	if !s.options.Components.Enabled {
		return
	}
	h := &componentHandler{rt: s.components, readOnly: s.options.Components.ReadOnly}
	h.Register(r.Group(s.options.Components.Path))
}
