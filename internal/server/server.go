package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vyrodovalexey/storegw/internal/health"
	"github.com/vyrodovalexey/storegw/internal/observability"
)

// Config configures the two listeners and shutdown.
type Config struct {
	Gateway ListenerConfig
	// Admin is ignored when AdminHandler is nil.
	Admin ListenerConfig

	ShutdownTimeout time.Duration
	// DrainDelay keeps serving after readiness turns unready so that load
	// balancers notice before connections are closed.
	DrainDelay time.Duration
}

// Server owns the public and admin listeners.
type Server struct {
	cfg     Config
	gateway *Listener
	admin   *Listener
	health  *health.Handler
	logger  observability.Logger
}

// New creates a server. adminHandler and checker may be nil.
func New(cfg Config, gatewayHandler, adminHandler http.Handler, checker *health.Handler, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.Gateway.Name == "" {
		cfg.Gateway.Name = "gateway"
	}
	if cfg.Admin.Name == "" {
		cfg.Admin.Name = "admin"
	}

	s := &Server{
		cfg:     cfg,
		gateway: NewListener(cfg.Gateway, gatewayHandler, WithListenerLogger(logger)),
		health:  checker,
		logger:  logger,
	}
	if adminHandler != nil {
		s.admin = NewListener(cfg.Admin, adminHandler, WithListenerLogger(logger))
	}
	return s
}

// GatewayAddr returns the bound public address.
func (s *Server) GatewayAddr() string {
	return s.gateway.Addr()
}

// AdminAddr returns the bound admin address, or "" without an admin listener.
func (s *Server) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Start binds both listeners.
func (s *Server) Start(ctx context.Context) error {
	if s.admin != nil {
		if err := s.admin.Start(ctx); err != nil {
			return err
		}
	}
	if err := s.gateway.Start(ctx); err != nil {
		if s.admin != nil {
			_ = s.admin.Stop(context.Background())
		}
		return err
	}
	return nil
}

// Shutdown drains and stops both listeners. The gateway listener stops
// first so the admin endpoints report draining until the end.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.health != nil {
		s.health.SetDraining(true)
	}
	if s.cfg.DrainDelay > 0 {
		s.logger.Info("draining before shutdown", observability.Duration("delay", s.cfg.DrainDelay))
		select {
		case <-time.After(s.cfg.DrainDelay):
		case <-ctx.Done():
		}
	}

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := s.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.admin != nil {
		if err := s.admin.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run starts the listeners and blocks until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	s.logger.Info("shutting down")
	return s.Shutdown(context.WithoutCancel(ctx))
}
