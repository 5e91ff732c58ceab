// Package pprof serves the net/http/pprof endpoints on a dedicated
// listener, kept off the control API so profiling exposure is opt-in and
// separately bindable.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"

	"goalbot/pkg/logx"
)

// Config controls the pprof listener. Binding to a non-loopback address
// requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:6060"
	}
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	srv  *http.Server
	addr string
}

func New(cfg Config, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in the background. Idempotent.
// Refuses a non-loopback bind without a token unless AllowInsecure is set.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}

	if !isLoopbackAddr(s.cfg.Addr) && strings.TrimSpace(s.cfg.Token) == "" {
		if !s.cfg.AllowInsecure {
			return errors.New("pprof: non-loopback addr requires token or allow_insecure")
		}
		s.log.Warn("pprof serving without auth on non-loopback addr", logx.String("addr", s.cfg.Addr))
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:     s.mux(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.addr = ln.Addr().String()
	srv := s.srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("pprof serve failed", logx.Err(err))
		}
	}()
	s.log.Info("pprof listening", logx.String("addr", s.addr), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Service) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	return s.withAuth(mux)
}

// withAuth gates every endpoint behind the configured token, accepted as
// "Authorization: Bearer <token>" or "?token=<token>". No token configured
// means open access (loopback-only by the Start guard).
func (s *Service) withAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const prefix = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, prefix) &&
			strings.TrimSpace(strings.TrimPrefix(ah, prefix)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
