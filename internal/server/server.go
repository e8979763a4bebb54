// Server owns the process's three listening surfaces: the RTMFP engine
// itself, a health-check HTTP server, and the debug FLV tap's HTTP
// server. Generalized from the teacher's single http.Server wrapper to
// the transports this engine actually needs.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/config"
	"rtmfp/internal/ioloop"
	"rtmfp/internal/svc/debugflv"
	"rtmfp/internal/svc/health"
)

// groupManageInterval drives GroupRegistry.Manage's periodic sweep, kept
// in step with ioloop's own tick so fragment timeouts and broadcasts
// notice state within one tick of each other.
const groupManageInterval = 50 * time.Millisecond

// Server bundles the RTMFP ioloop.Loop with its HTTP-side companions.
type Server struct {
	loop        *ioloop.Loop
	engine      *Engine
	healthSrv   *http.Server
	debugSrv    *http.Server
	groupTicker *time.Ticker
	stopGroups  chan struct{}
	log         *zap.Logger
}

// New builds a Server from cfg: the RTMFP engine listening on
// cfg.Server.RTMFPAddr, a health check on cfg.Server.HealthPort, and the
// debug FLV tap on cfg.Server.DebugPort.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	groups := NewGroupRegistry(cfg.NetGroup, log)
	engine := NewEngine(groups, log)
	engine.BootstrapApps(cfg.Apps)

	loop, err := ioloop.New(ioloop.Config{
		ListenAddr:   cfg.Server.RTMFPAddr,
		Keepalive:    cfg.Session.Keepalive(),
		CloseTimeout: cfg.Session.CloseTimeout(),
	}, engine, log)
	if err != nil {
		return nil, err
	}

	healthMux := http.NewServeMux()
	health.New().RegisterRoutes(healthMux)

	debugMux := http.NewServeMux()
	debugflv.NewService(engine.Streams()).RegisterRoutes(debugMux)

	return &Server{
		loop:        loop,
		engine:      engine,
		healthSrv:   &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.HealthPort), Handler: healthMux},
		debugSrv:    &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.DebugPort), Handler: debugMux},
		groupTicker: time.NewTicker(groupManageInterval),
		stopGroups:  make(chan struct{}),
		log:         log.Named("server"),
	}, nil
}

// Start runs the RTMFP loop, the group-sweep ticker, and the debug HTTP
// server on their own goroutines, then blocks serving the health check
// until that listener stops.
func (s *Server) Start() error {
	go func() {
		if err := s.loop.Run(); err != nil {
			s.log.Error("rtmfp loop exited", zap.Error(err))
		}
	}()
	go s.manageGroups()
	go func() {
		if err := s.debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("debug server exited", zap.Error(err))
		}
	}()
	return s.healthSrv.ListenAndServe()
}

func (s *Server) manageGroups() {
	for {
		select {
		case now := <-s.groupTicker.C:
			s.engine.groups.Manage(now)
		case <-s.stopGroups:
			return
		}
	}
}

// Shutdown stops the RTMFP loop, the group sweep, and both HTTP servers.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopGroups)
	s.groupTicker.Stop()
	s.engine.Close()
	if err := s.loop.Close(); err != nil {
		s.log.Warn("rtmfp loop close failed", zap.Error(err))
	}
	if err := s.debugSrv.Shutdown(ctx); err != nil {
		s.log.Warn("debug server shutdown failed", zap.Error(err))
	}
	return s.healthSrv.Shutdown(ctx)
}

// ShutdownWithTimeout stops the server with a fixed 5-second timeout.
func (s *Server) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}
