// Package server implements the TCP acceptor, session registry, liveness
// sweeper and fan-out helper that multiplex many Session connections.
package server

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-utils/safemap"
	"golang.org/x/sync/errgroup"

	"awdshells/internal/idgen"
	"awdshells/internal/logger"
	"awdshells/internal/session"
)

// DefaultMaxSessions bounds the session registry when a caller does not
// supply its own Config.MaxSessions.
const DefaultMaxSessions = 1024

// sweepInterval is how often the liveness sweeper probes every session.
const sweepInterval = 60 * time.Second

// Config carries the server's startup parameters.
type Config struct {
	// Address is the bind address. The external interface fixes this to
	// "0.0.0.0"; it remains a field so tests can bind to loopback.
	Address string
	Port    int
	// Concurrency, when non-zero, is passed through to runtime.GOMAXPROCS
	// as an advisory hint, matching the source design's concurrency_hint.
	Concurrency int
	MaxSessions int
}

// Server accepts inbound shells, registers each as a Session, and exposes
// lookup, removal, counting and fan-out over the live set.
type Server struct {
	cfg Config
	log logger.Logger

	listener net.Listener
	running  atomic.Bool
	sessions *safemap.SafeMap[session.ID, *session.Session]
	ids      *idgen.Generator

	// capMu serializes the capacity-checked insert so the registry never
	// exceeds cfg.MaxSessions even under concurrent accepts.
	capMu sync.Mutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Server. It does not start listening; call Start for that.
func New(cfg Config, log logger.Logger) *Server {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Concurrency > 0 {
		runtime.GOMAXPROCS(cfg.Concurrency)
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		sessions: safemap.NewSafeMap[session.ID, *session.Session](),
		ids:      idgen.New(0),
	}
}

// Start binds the listener and launches the accept loop and the liveness
// sweeper. It returns once the listener is bound; both loops run in the
// background. The sweeper ends when Stop is called or ctx is canceled; the
// accept loop ends only when Stop closes the listener.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	s.listener = ln
	s.running.Store(true)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.acceptLoop(runCtx)
	go s.sweepLoop(runCtx)

	s.log.Success("server listening on %s", addr)
	return nil
}

// Stop halts the accept loop and sweeper, closes the listener and every
// registered session's socket, and waits for both background loops to
// exit. Safe to call when the server is not running.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	err := s.listener.Close()

	s.sessions.Range(func(_ session.ID, sess *session.Session) bool {
		_ = sess.Close()
		return true
	})

	s.wg.Wait()
	s.log.Message("server stopped")
	return err
}

// Get returns the session for id, if currently registered.
func (s *Server) Get(id session.ID) (*session.Session, bool) {
	return s.sessions.Get(id)
}

// Remove closes and unregisters the session with id. A missing id logs an
// error and is otherwise a no-op, making repeated calls idempotent.
func (s *Server) Remove(id session.ID) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.log.Error("remove: no such session %d", id)
		return
	}

	_ = sess.Close()
	s.sessions.Delete(id)
}

// Count returns the number of currently registered sessions.
func (s *Server) Count() int {
	return s.sessions.Len()
}

// Addr returns the listener's bound address. It is nil until Start succeeds.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ForEach schedules fn for every registered session (or only the alive ones
// when onlyAlive is true) and waits for every scheduled call to finish
// before returning. The join count is the number of goroutines actually
// scheduled under this call's own snapshot, not a separately recomputed
// count, which is what makes this safe against a session dying between
// snapshot and schedule.
func (s *Server) ForEach(ctx context.Context, onlyAlive bool, fn func(context.Context, *session.Session) error) error {
	var snapshot []*session.Session
	s.sessions.Range(func(_ session.ID, sess *session.Session) bool {
		if onlyAlive && !sess.IsAlive() {
			return true
		}
		snapshot = append(snapshot, sess)
		return true
	})

	var g errgroup.Group
	for _, sess := range snapshot {
		sess := sess
		g.Go(func() error {
			return fn(ctx, sess)
		})
	}

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.log.Error("accept error: %v", err)
			continue
		}

		go s.admit(ctx, conn)
	}
}

// admit runs the echo-probe handshake for a freshly accepted connection and,
// if the registry still has room, registers it.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	id := session.ID(s.ids.Next())
	sess := session.New(id, conn)
	sess.Handshake(ctx)

	s.capMu.Lock()
	if s.sessions.Len() >= s.cfg.MaxSessions {
		s.capMu.Unlock()
		s.log.Warning("session %d from %s rejected: at capacity (%d)", id, sess.RemoteAddr(), s.cfg.MaxSessions)
		_ = sess.Close()
		return
	}
	s.sessions.Store(id, sess)
	s.capMu.Unlock()

	s.log.Success("session %d connected from %s (echo=%v)", id, sess.RemoteAddr(), sess.IsEcho())
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep probes every currently-alive, unleased session and evicts any that
// fail to respond. Leased sessions (under interactive use) are skipped for
// the cycle rather than racing their output stream.
func (s *Server) sweep(ctx context.Context) {
	var mu sync.Mutex
	var dead []session.ID

	_ = s.ForEach(ctx, true, func(ctx context.Context, sess *session.Session) error {
		if sess.IsLeased() {
			return nil
		}

		sess.Execute(ctx, "echo awdshells-alive")
		if !sess.IsAlive() {
			mu.Lock()
			dead = append(dead, sess.ID())
			mu.Unlock()
		}
		return nil
	})

	for _, id := range dead {
		s.Remove(id)
	}
}
