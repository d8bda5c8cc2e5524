package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
)

const historyLimit = 200

// Server exposes liveness, Prometheus metrics and recent metric/log events
// for the running pipeline stages.
type Server struct {
	cfg        config.HealthConfig
	log        *logger.Log
	meters     []*metrics.Meter
	now        func() time.Time
	started    time.Time
	metrics    *metricStore
	logs       *logStore
	handlerID  metrics.MetricHandlerID
	resources  *resourceSampler
	httpServer *http.Server
}

// NewServer returns nil when the health endpoint is disabled. meters are the
// stages whose staleness decides /healthz.
func NewServer(cfg config.HealthConfig, log *logger.Log, meters ...*metrics.Meter) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		meters:    meters,
		now:       time.Now,
		started:   time.Now(),
		metrics:   newMetricStore(historyLimit),
		logs:      newLogStore(historyLimit),
		resources: newResourceSampler(historyLimit, 5*time.Second, "/", log),
	}
	s.handlerID = metrics.RegisterMetricHandler(s.metrics.handle)
	log.AddHook(s.logs)
	return s
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.resources.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("health").WithField("address", s.cfg.Address).Info("health server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.handlerID)
	s.logs.close()
	s.resources.stop()
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/api/metrics", func(c *gin.Context) {
		items := s.metrics.snapshot()
		payload := make([]gin.H, 0, len(items))
		for _, m := range items {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	r.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
	})

	r.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resources.snapshot()})
	})
	return r
}

type stageStatus struct {
	Stage          string  `json:"stage"`
	Total          int64   `json:"total"`
	PerSecond      float64 `json:"per_second"`
	StaleSeconds   float64 `json:"stale_seconds"`
	LastMessageUTC string  `json:"last_message,omitempty"`
	Healthy        bool    `json:"healthy"`
}

// handleHealth answers 503 once any stage has seen nothing for stale_after.
// A stage that never saw a message is judged from process start.
func (s *Server) handleHealth(c *gin.Context) {
	now := s.now()
	healthy := true
	stages := make([]stageStatus, 0, len(s.meters))
	for _, m := range s.meters {
		snap := m.Snapshot(now)
		stale := snap.Staleness(now)
		st := stageStatus{
			Stage:        snap.Name,
			Total:        snap.Total,
			PerSecond:    snap.PerSecond,
			StaleSeconds: stale.Seconds(),
			Healthy:      stale <= s.cfg.StaleAfter,
		}
		if !snap.LastMessage.IsZero() {
			st.LastMessageUTC = snap.LastMessage.UTC().Format(time.RFC3339Nano)
		}
		healthy = healthy && st.Healthy
		stages = append(stages, st)
	}

	code, status := http.StatusOK, "ok"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "stale"
	}
	c.JSON(code, gin.H{
		"status":         status,
		"uptime_seconds": now.Sub(s.started).Seconds(),
		"stages":         stages,
	})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8090"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, "8090")
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, port)
}
