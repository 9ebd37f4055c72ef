package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes /metrics, /healthz and optionally /status over HTTP.
type MetricsServer struct {
	engine *gin.Engine
	server *http.Server
	logger *Logger
}

// NewMetricsServer builds the scrape server. healthy may be nil, in which
// case /healthz always answers 200.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, healthy func() bool, logger *Logger) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	engine.GET("/healthz", func(c *gin.Context) {
		if healthy != nil && !healthy() {
			c.String(http.StatusServiceUnavailable, "draining\n")
			return
		}
		c.String(http.StatusOK, "ok\n")
	})

	return &MetricsServer{
		engine: engine,
		server: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// HandleStatus serves the JSON value returned by fn on GET /status. Call it
// before Serve.
func (m *MetricsServer) HandleStatus(fn func() any) {
	m.engine.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, fn())
	})
}

// Handler returns the router, mostly for tests.
func (m *MetricsServer) Handler() http.Handler {
	return m.engine
}

// Serve blocks until the server is shut down. A clean shutdown returns nil.
func (m *MetricsServer) Serve() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return err
	}
	m.logger.Info("metrics server listening", "addr", ln.Addr().String())
	if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
