// Package proxy implements the gatekeeper server: it owns the listening
// socket, spawns a SOCKS5 session per accepted client, tracks session
// liveness and propagates shutdown by closing sockets.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/opd-ai/gatekeeper/pkg/config"
	"github.com/opd-ai/gatekeeper/pkg/connection"
	gkerrors "github.com/opd-ai/gatekeeper/pkg/errors"
	"github.com/opd-ai/gatekeeper/pkg/filter"
	"github.com/opd-ai/gatekeeper/pkg/health"
	"github.com/opd-ai/gatekeeper/pkg/logger"
	"github.com/opd-ai/gatekeeper/pkg/metrics"
	"github.com/opd-ai/gatekeeper/pkg/socks"
)

// Server accepts client connections and supervises their sessions. The
// rule set is shared read-only across sessions; each session exclusively
// owns its sockets.
type Server struct {
	cfg       *config.Config
	engine    *filter.Engine
	connector *connection.Connector
	log       *logger.Logger
	metrics   *metrics.Metrics
	healthMon *health.Monitor
	limiter   *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	sessions map[uint64]net.Conn

	nextID       uint64
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// New creates a proxy server for a validated config and compiled rule set
func New(cfg *config.Config, rules *filter.RuleSet, log *logger.Logger) *Server {
	m := metrics.New()

	s := &Server{
		cfg:    cfg,
		engine: filter.NewEngine(rules, cfg.DecisionCache),
		connector: connection.NewConnector(&connection.Config{
			DialTimeout: cfg.DialTimeout.Std(),
		}, log),
		log:       log.Component("proxy"),
		metrics:   m,
		healthMon: health.NewMonitor(),
		sessions:  make(map[uint64]net.Conn),
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), 1)
	}
	s.registerHealthCheckers()
	return s
}

// Metrics returns the server's metrics collection
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Health returns the server's health monitor
func (s *Server) Health() *health.Monitor {
	return s.healthMon
}

// Addr returns the bound listener address, or nil before ListenAndServe
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of live sessions
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ListenAndServe binds the configured address and accepts clients until
// Shutdown closes the listener. A cancelled context is noticed only
// between accepts (in the accept-rate wait or before the next Accept); it
// does not wake an Accept that is already blocked. Each client runs in
// its own goroutine; session errors never propagate here.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return gkerrors.ConfigurationError("failed to bind listener", err).
			WithContext("address", s.cfg.ListenAddr())
	}
	if s.cfg.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "address", ln.Addr().String(), "max_clients", s.cfg.MaxClients)

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := s.accept(ctx, ln)
		if err != nil {
			if s.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return gkerrors.NetworkError("accept failed", err)
		}

		id := atomic.AddUint64(&s.nextID, 1)
		if !s.track(id, conn) {
			conn.Close()
			continue
		}

		s.metrics.RecordSessionStart()
		s.wg.Add(1)
		go s.serveSession(ctx, id, conn)
	}
}

// accept wraps a single Accept in the transient-failure retry policy so
// bursts of ECONNABORTED or fd exhaustion do not kill the accept loop
func (s *Server) accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	var conn net.Conn
	err := gkerrors.RetryWithPolicy(ctx, gkerrors.AcceptRetryPolicy(), func() error {
		c, err := ln.Accept()
		if err != nil {
			if isTransientAcceptError(err) {
				s.log.Warn("transient accept failure", "error", err)
				return gkerrors.NetworkError("accept failed", err)
			}
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

// isTransientAcceptError reports whether an accept failure is worth
// retrying rather than tearing down the listener
func isTransientAcceptError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

// serveSession runs one session to completion and cleans up its registry
// slot. Session-scope errors are logged here and go no further.
func (s *Server) serveSession(ctx context.Context, id uint64, conn net.Conn) {
	defer s.wg.Done()
	defer s.metrics.RecordSessionEnd()
	defer s.untrack(id)

	s.log.Debug("session accepted", "session_id", id, "remote", conn.RemoteAddr().String())

	sess := socks.NewSession(id, conn, socks.SessionConfig{
		Filter:     s.engine,
		Dialer:     s.connector,
		BufferSize: s.cfg.RelayBufferSize,
		Logger:     s.log,
		Metrics:    s.metrics,
	})
	if err := sess.Serve(ctx); err != nil {
		switch gkerrors.GetCategory(err) {
		case gkerrors.CategoryProtocol:
			s.log.Debug("session ended on protocol error", "session_id", id, "error", err)
		default:
			s.log.Warn("session ended on error", "session_id", id, "error", err)
		}
	}
}

// track registers a live session's client socket; it refuses new
// sessions once shutdown has begun
func (s *Server) track(id uint64, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.sessions[id] = conn
	return true
}

func (s *Server) untrack(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Shutdown stops accepting, closes every live client socket to unblock
// the relay pumps and waits up to the configured grace period for
// sessions to drain. It is safe to call once; later calls return
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.sessions))
	for _, c := range s.sessions {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.log.Info("shutting down", "live_sessions", len(conns))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
		s.log.Info("all sessions drained")
		return nil
	case <-time.After(grace):
		return gkerrors.InternalError(
			fmt.Sprintf("%d sessions still live after %s grace period", s.ActiveSessions(), grace), nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// registerHealthCheckers wires the listener and session-load checks into
// the health monitor
func (s *Server) registerHealthCheckers() {
	s.healthMon.RegisterChecker(health.CheckerFunc{
		ComponentName: "listener",
		Fn: func(ctx context.Context) health.ComponentHealth {
			h := health.ComponentHealth{
				Name:        "listener",
				LastChecked: time.Now(),
				Status:      health.StatusHealthy,
			}
			switch {
			case s.shuttingDown.Load():
				h.Status = health.StatusUnhealthy
				h.Message = "shutting down"
			case s.Addr() == nil:
				h.Status = health.StatusUnhealthy
				h.Message = "not listening"
			default:
				h.Details = map[string]interface{}{"address": s.Addr().String()}
			}
			return h
		},
	})
	s.healthMon.RegisterChecker(health.CheckerFunc{
		ComponentName: "sessions",
		Fn: func(ctx context.Context) health.ComponentHealth {
			active := s.ActiveSessions()
			h := health.ComponentHealth{
				Name:        "sessions",
				LastChecked: time.Now(),
				Status:      health.StatusHealthy,
				Details: map[string]interface{}{
					"active":      active,
					"max_clients": s.cfg.MaxClients,
				},
			}
			if s.cfg.MaxClients > 0 && active >= s.cfg.MaxClients {
				h.Status = health.StatusDegraded
				h.Message = "at client capacity"
			}
			return h
		},
	})
}
