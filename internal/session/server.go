package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/filehoster/internal/metrics"
	"github.com/jaywantadh/filehoster/internal/protocol"
	"github.com/jaywantadh/filehoster/internal/registry"
	"github.com/jaywantadh/filehoster/internal/transfer"
)

// Server accepts connections and runs one Session per connection.
type Server struct {
	registry registry.Provider
	opts     Options
	log      logrus.FieldLogger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server answering from reg.
func NewServer(reg registry.Provider, opts Options, log logrus.FieldLogger) *Server {
	return &Server{
		registry: reg,
		opts:     opts.withDefaults(),
		log:      log,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts on ln until ctx is cancelled, then closes ln and every open
// connection and waits for their sessions to return. Failed accepts are
// retried with a growing delay; only a closed listener ends the loop early.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
			s.closeConns()
		case <-stop:
		}
	}()

	s.log.WithField("address", ln.Addr().String()).Info("Serving shared files")

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.closeConns()
				s.wg.Wait()
				return err
			}
			// EMFILE, ECONNABORTED and friends clear up on their own.
			delay = nextDelay(delay)
			s.log.WithError(err).WithField("retry_in", delay).Warn("Accept failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	sess := NewSession(conn, s.registry, s.opts, s.log)
	log := s.log.WithFields(logrus.Fields{"session": sess.ID, "remote": conn.RemoteAddr().String()})
	log.Debug("Peer connected")

	metrics.SessionOpened()
	start := time.Now()
	err := sess.Run()
	outcome := sessionOutcome(err)
	metrics.SessionClosed(outcome, time.Since(start))

	if err != nil {
		log.WithError(err).WithField("outcome", outcome).Warn("Session closed")
		return
	}
	log.Debug("Peer disconnected")
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

func sessionOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, protocol.ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnknownCommand):
		return "bad_frame"
	case errors.Is(err, transfer.ErrSizeRace):
		return "size_race"
	default:
		return "error"
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}
