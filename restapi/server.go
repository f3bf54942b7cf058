package restapi

import (
	"context"
	"net/http"
	"time"

	log "log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commercelab/spikes/orders"
	"github.com/commercelab/spikes/product"
)

// Options configure the HTTP server.
type Options struct {
	// Addr like ":8080".
	Addr string
	// ReadTimeout defaults to 10s, WriteTimeout to 30s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server mounts the product and order APIs under /api/v1 plus the health
// probe and the Prometheus scrape endpoint.
type Server struct {
	engine  *gin.Engine
	options Options
	http    *http.Server
}

// NewServer builds the router. gatherer may be nil to skip /metrics.
func NewServer(commands *product.Handler, repo product.Repository, orderService *orders.Service, gatherer prometheus.Gatherer, options Options) *Server {
	if options.Addr == "" {
		options.Addr = ":8080"
	}
	if options.ReadTimeout <= 0 {
		options.ReadTimeout = 10 * time.Second
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 30 * time.Second
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), correlationID())

	registry := newMethodRegistry()
	products := &productsAPI{commands: commands, repo: repo}
	products.register(registry)
	if orderService != nil {
		ordersAPI := &ordersAPI{service: orderService}
		ordersAPI.register(registry)
	}

	v1 := engine.Group("/api/v1")
	registry.mount(v1)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return &Server{engine: engine, options: options}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.http = &http.Server{
		Addr:         s.options.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.options.ReadTimeout,
		WriteTimeout: s.options.WriteTimeout,
	}
	log.Info("http server listening", "addr", s.options.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
