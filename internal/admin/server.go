// Package admin serves the optional operator HTTP endpoints: Prometheus
// metrics, queue and schedule snapshots, lifecycle triggers and pprof.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rtsup "jobrunner/internal/runtime/supervisor"
	logx "jobrunner/pkg/logx"
)

const defaultAddr = "127.0.0.1:9090"

var errInsecureBind = errors.New("admin server refused to start: insecure bind")

// Config controls the admin HTTP server. A non-loopback Addr needs a Token
// unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	PprofPrefix   string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sources feed the read-only endpoints. Nil fields disable their endpoint.
type Sources struct {
	Gatherer   prometheus.Gatherer
	Queues     func() any
	Schedules  func() any
	Supervisor func() rtsup.SupervisorSnapshot
}

// Actions back the POST endpoints. Nil fields disable their endpoint.
type Actions struct {
	BecameActive      func(ctx context.Context) error
	EnteredBackground func(ctx context.Context) error
}

type Service struct {
	cfg Config
	src Sources
	act Actions
	log logx.Logger

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	srv      *http.Server
	ln       net.Listener
	stopping chan struct{}
}

func New(cfg Config, src Sources, act Actions, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, act: act, log: log.With(logx.String("comp", "admin"))}
}

// Addr is the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor returns the serve loop's supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the serve loop. It is a no-op when disabled or already
// running, and waits for an in-flight Stop first.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	for s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}

	// A broken admin endpoint must not take the daemon down.
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down and waits until it is gone or ctx ends; on
// timeout the serve loop is cancelled and cleanup finishes in the background.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup, srv, done := s.sup, s.srv, s.stopping
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if done == nil {
		done = make(chan struct{})
		s.stopping = done
		go s.shutdown(ctx, sup, srv, done)
	}
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) shutdown(ctx context.Context, sup *rtsup.Supervisor, srv *http.Server, done chan struct{}) {
	defer close(done)
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())

	s.mu.Lock()
	s.sup, s.srv, s.ln, s.stopping = nil, nil, nil, nil
	s.mu.Unlock()
	s.log.Info("admin server stopped")
}

func (s *Service) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping != nil
}

// serveOnce binds and serves until the server dies or ctx ends. A clean
// stop returns context.Canceled so the restart loop exits.
func (s *Service) serveOnce(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			s.log.Error("admin server needs a token or allow_insecure on a non-loopback addr", logx.String("addr", addr))
			return errInsecureBind
		}
		s.log.Warn("admin server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.srv == srv {
			s.ln, s.srv = nil, nil
		}
		s.mu.Unlock()
	}()

	stopWatch := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stopWatch()

	bound := ln.Addr().String()
	s.log.Info("admin server started",
		logx.String("addr", bound),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.String("hint", "http://"+bound+"/queues"),
	)

	err = srv.Serve(ln)
	if ctx.Err() != nil || s.isStopping() {
		return context.Canceled
	}
	if errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}
