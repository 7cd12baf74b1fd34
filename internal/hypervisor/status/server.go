// Package status serves a read-only HTTP view of a running module.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"apexhv/internal/hypervisor"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"
	"apexhv/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Source is what the server reports on. *hypervisor.Hypervisor implements it.
type Source interface {
	Partitions() []hypervisor.PartitionView
	Channels() []hypervisor.ChannelView
	Schedule() hypervisor.ScheduleView
}

// Config holds HTTP server settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// Enabled reports whether an address is configured.
func (c Config) Enabled() bool {
	return c.Addr != ""
}

// Server exposes partition state, channel state and metrics.
type Server struct {
	cfg     Config
	source  Source
	metrics http.Handler
	host    HostProbe
	bootID  string
	started time.Time

	http *http.Server
}

// Options wires optional collaborators.
type Options struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Host defaults to the gopsutil probe.
	Host   HostProbe
	BootID string
}

// NewServer builds the router. Nothing listens until Serve.
func NewServer(cfg Config, source Source, opts Options) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if opts.Host == nil {
		opts.Host = SystemHost{}
	}
	s := &Server{
		cfg:     cfg,
		source:  source,
		metrics: opts.Metrics,
		host:    opts.Host,
		bootID:  opts.BootID,
		started: time.Now(),
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the gin router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.bootIDMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", s.health)
	api := router.Group("/api/v1")
	api.GET("/partitions", s.partitions)
	api.GET("/partitions/:name", s.partition)
	api.GET("/channels", s.channels)
	api.GET("/schedule", s.schedule)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}
	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "no route for "+c.Request.URL.Path)
	})
	return router
}

// Serve listens on the configured address until ctx is done, then shuts the
// server down.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ServiceUnavailable, "listen on %s", s.cfg.Addr)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "status server started", zap.String("addr", listener.Addr().String()))
		errCh <- s.http.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return apperrors.Wrap(err, apperrors.ServiceUnavailable)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "status server shutdown failed", zap.Error(err))
	}
	return nil
}

func (s *Server) bootIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.bootID != "" {
			c.Set(response.BootIDKey, s.bootID)
			c.Request = c.Request.WithContext(logger.WithBootID(c.Request.Context(), s.bootID))
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Debug(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
