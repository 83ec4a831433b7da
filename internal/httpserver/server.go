// Package httpserver is the HTTP surface: health, metrics, the notification
// API, middleware pipeline inspection and optional pprof.
//
// Every route's middleware comes from the middleware registry, resolved from
// the route's configured name list. Rebuild re-resolves all routes after a
// priority or group change without restarting the listener.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trellis/internal/middleware"
	"trellis/internal/notify"
	rtsup "trellis/internal/runtime/supervisor"
	"trellis/internal/scheduler"
	"trellis/internal/storage"
	logx "trellis/pkg/logx"
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Routes maps a route key (see RouteKeys) to middleware references.
	Routes map[string][]string
	Pprof  PprofConfig
}

// Deps are the components the handlers call into. Store and Scheduler may be
// nil.
type Deps struct {
	Registry   *middleware.Registry
	Dispatcher *notify.Dispatcher
	Store      storage.Store
	Scheduler  *scheduler.Service
	// Routes returns the configured default route per channel.
	Routes func() notify.Routes
	// Locale maps an Accept-Language header to a supported language.
	Locale func(accept string) string
	Log    logx.Logger
}

type Server struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger

	handler atomic.Value // handlerBox

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

type handlerBox struct{ h http.Handler }

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Routes == nil {
		deps.Routes = func() notify.Routes { return notify.Routes{} }
	}
	s := &Server{cfg: cfg, deps: deps, log: deps.Log.With(logx.String("comp", "http"))}
	applyRuntimeRates(cfg.Pprof)
	if err := s.Rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// ServeHTTP serves the current router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.Load().(handlerBox).h.ServeHTTP(w, r)
}

// Rebuild resolves every route pipeline again and swaps the router in. On
// error the previous router keeps serving.
func (s *Server) Rebuild() error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	h, err := s.router(cfg)
	if err != nil {
		return err
	}
	s.handler.Store(handlerBox{h: h})
	return nil
}

// Reconfigure applies cfg: the router is rebuilt, and the listener restarted
// when the address or timeouts changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	applyRuntimeRates(cfg.Pprof)

	h, err := s.router(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()
	s.handler.Store(handlerBox{h: h})

	if running && needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
	return nil
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Addr is the bound listener address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor exposes the serve loop for health reporting (nil if stopped).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start runs the listener under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

// Stop shuts the listener down gracefully, bounded by ctx and the configured
// shutdown timeout.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	grace := s.cfg.ShutdownTimeout
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			sctx := ctx
			if grace > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, grace)
				defer cancel()
			}
			if err := srv.Shutdown(sctx); err != nil {
				s.log.Warn("http shutdown not graceful", logx.Err(err))
			}
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.ln, s.srv = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
