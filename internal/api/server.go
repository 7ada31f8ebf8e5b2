package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "pubsched/internal/runtime/supervisor"
	logx "pubsched/pkg/logx"
)

var ErrInsecureBind = errors.New("api: non-loopback addr requires a token")

type Server struct {
	cfg   Config
	sched Scheduler
	log   logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor
	done chan struct{}
}

func New(cfg Config, sched Scheduler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:   cfg.withDefaults(),
		sched: sched,
		log:   log.With(logx.String("comp", "api")),
		done:  make(chan struct{}),
	}
}

// Routes builds the router. Everything under /api/v1 requires the bearer token when one is set.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/jobs", s.listJobs)
		r.Post("/jobs", s.addJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.removeJob)
		r.Post("/jobs/{id}/cancel", s.cancelJob)
		r.Post("/jobs/{id}/retry", s.retryJob)

		r.Get("/templates", s.listTemplates)
		r.Post("/templates", s.createTemplate)
		r.Get("/templates/{id}", s.getTemplate)
		r.Put("/templates/{id}", s.putTemplate)
		r.Delete("/templates/{id}", s.deleteTemplate)

		r.Get("/scheduler", s.snapshot)
		r.Post("/scheduler/pause", s.pause)
		r.Post("/scheduler/resume", s.resume)

		r.Get("/events", s.events)
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			renderJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("api request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// stopping is closed when Stop begins so long-lived streams end before Shutdown waits on them.
func (s *Server) stopping() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Addr is the bound address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves in the background. Bind errors are returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.addr = ln.Addr().String()
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	srv := s.srv
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("api started", logx.String("addr", s.addr), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Stop closes event streams and shuts the server down within ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	_ = sup.Stop(ctx)

	s.mu.Lock()
	s.srv, s.sup, s.addr = nil, nil, ""
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.log.Info("api stopped")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
