// Package observability serves Prometheus metrics, a liveness probe and net/http/pprof on one
// optional HTTP listener.
package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "pubsched/internal/runtime/supervisor"
	logx "pubsched/pkg/logx"
)

// Config controls the observability listener. A non-loopback Addr needs Token or
// AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	Metrics     bool
	Pprof       bool
	PprofPrefix string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Runtime profiling rates; 0 keeps the Go default.
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// listenerKey is the part of Config that requires rebinding when it changes.
func (c Config) listenerKey() Config {
	c.Enabled = true
	c.PprofPrefix = normalizePrefix(c.PprofPrefix)
	c.MutexProfileFraction, c.BlockProfileRate, c.MemProfileRate = 0, 0, 0
	return c
}

const (
	defaultAddr     = "127.0.0.1:9464"
	shutdownTimeout = 2 * time.Second
)

var errInsecureBind = errors.New("observability: non-loopback addr requires token or allow_insecure")

type Server struct {
	log     logx.Logger
	metrics *Metrics

	mu      sync.Mutex
	cfg     Config
	sup     *rtsup.Supervisor
	addr    string
	stopped chan struct{} // non-nil while a Stop is draining
}

func NewServer(cfg Config, metrics *Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{cfg: cfg, metrics: metrics, log: log.With(logx.String("comp", "observability"))}
}

// Addr is the bound listen address while serving, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, then starts, stops or rebinds the listener as needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	setProfileRates(cfg)
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev.listenerKey() != cfg.listenerKey():
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func setProfileRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Start is idempotent and does nothing while disabled.
func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.stopped != nil {
		wait := s.stopped
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	setProfileRates(s.cfg)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, wait := s.sup, s.stopped
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if wait == nil {
		wait = make(chan struct{})
		s.stopped = wait
		go func() {
			sup.Cancel()
			_ = sup.Wait(context.Background())
			s.mu.Lock()
			s.sup, s.addr, s.stopped = nil, "", nil
			s.mu.Unlock()
			close(wait)
			s.log.Info("observability stopped")
		}()
	}
	s.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
	}
}

// serve runs one listener until ctx ends. Returning an error asks the supervisor to retry.
func (s *Server) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return nil
	}

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("observability refused to start", logx.String("addr", addr), logx.Err(errInsecureBind))
			return errInsecureBind
		}
		s.log.Warn("observability running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Error("observability listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	bound := ln.Addr().String()
	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.addr == bound {
			s.addr = ""
		}
		s.mu.Unlock()
	}()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	s.log.Info("observability started",
		logx.String("addr", bound),
		logx.Bool("metrics", cfg.Metrics),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)

	select {
	case err = <-served:
		if errors.Is(err, http.ErrServerClosed) || err == nil {
			err = errors.New("observability server exited unexpectedly")
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
		<-served
		return nil
	}
}
