package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "goalbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8090"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

type Server struct {
	cfg     Config
	log     logx.Logger
	handler http.Handler

	mu   sync.Mutex
	srv  *http.Server
	addr string // actual listen address once started
}

func New(cfg Config, deps HandlersDeps) *Server {
	cfg.normalize()
	h := NewHandlers(deps)
	log := h.log

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)

	mux.HandleFunc("GET /v1/bots", h.HandleListBots)
	mux.HandleFunc("POST /v1/bots", h.HandleCreateBot)
	mux.HandleFunc("GET /v1/bots/{bot_id}", h.HandleGetBot)
	mux.HandleFunc("PUT /v1/bots/{bot_id}", h.HandleUpdateBot)
	mux.HandleFunc("POST /v1/bots/{bot_id}/toggle", h.HandleToggleBot)
	mux.HandleFunc("POST /v1/bots/{bot_id}/trigger", h.HandleTriggerBot)
	mux.HandleFunc("POST /v1/bots/{bot_id}/cancel", h.HandleCancelBot)
	mux.HandleFunc("GET /v1/bots/{bot_id}/state", h.HandleGetState)
	mux.HandleFunc("DELETE /v1/bots/{bot_id}/state", h.HandleResetState)
	mux.HandleFunc("GET /v1/bots/{bot_id}/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)

	return &Server{
		cfg:     cfg,
		log:     log,
		handler: requestIDMiddleware(loggingMiddleware(log, mux)),
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in the background. Idempotent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.addr = ln.Addr().String()
	srv := s.srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", logx.Err(err))
		}
	}()
	s.log.Info("listening", logx.String("addr", s.addr))
	return nil
}

// Stop drains in-flight requests up to the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
