// Package web is the HTTP control surface. It is a thin translation layer:
// every mutating endpoint becomes one bus request to the engine, and status
// reads are served from the retained engine snapshot the server mirrors.
package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cellcontrol-go/bus"
	"cellcontrol-go/services/engine"
	"cellcontrol-go/types"
)

const requestTimeout = 5 * time.Second

// Server bundles router and bus connection for the REST API.
type Server struct {
	addr       string
	conn       *bus.Connection
	engine     *gin.Engine
	reqTimeout time.Duration

	mu       sync.RWMutex
	snap     types.EngineSnapshot
	haveSnap bool

	watch *bus.Subscription
}

// New constructs a server with routes and starts mirroring the engine
// snapshot.
func New(addr string, b *bus.Bus, registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{addr: addr, conn: b.NewConnection("web"), engine: router, reqTimeout: requestTimeout}
	s.registerRoutes(registry)

	// The subscription replays the retained snapshot, so a freshly started
	// server answers /api/v1/status without waiting for a tick.
	s.watch = s.conn.Subscribe(engine.TopicStateEngine)
	go s.mirror()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) mirror() {
	for msg := range s.watch.Channel() {
		snap, ok := msg.Payload.(types.EngineSnapshot)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.snap = snap
		s.haveSnap = true
		s.mu.Unlock()
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.conn.Disconnect()
		return err
	}
}

func (s *Server) registerRoutes(registry *prometheus.Registry) {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		s.engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/ports", s.handlePorts)
	v1.GET("/priming", s.handlePriming)

	v1.POST("/run/start", s.command(engine.TopicRunStart, nil))
	v1.POST("/run/stop", s.command(engine.TopicRunStop, nil))
	v1.POST("/run/pause", s.command(engine.TopicRunPause, nil))
	v1.POST("/run/resume", s.command(engine.TopicRunResume, nil))
	v1.POST("/log/start", s.command(engine.TopicLogStart, nil))
	v1.POST("/log/stop", s.command(engine.TopicLogStop, nil))

	v1.POST("/settings/lambda", s.command(engine.TopicSetLambda, bindJSON[types.SetLambda]))
	v1.POST("/settings/intervals", s.command(engine.TopicSetIntervals, bindJSON[types.SetIntervals]))
	v1.POST("/settings/override", s.command(engine.TopicSetOverride, bindJSON[types.SetOverride]))

	v1.POST("/pump", s.command(engine.TopicPumpCommand, bindJSON[types.PumpCommand]))
	v1.POST("/relay", s.command(engine.TopicRelayCommand, bindJSON[types.RelayCommand]))
	v1.POST("/device", s.command(engine.TopicDeviceCommand, bindJSON[types.DeviceCommand]))
}
