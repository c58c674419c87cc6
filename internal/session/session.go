package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/filehoster/internal/metrics"
	"github.com/jaywantadh/filehoster/internal/protocol"
	"github.com/jaywantadh/filehoster/internal/registry"
	"github.com/jaywantadh/filehoster/internal/transfer"
)

// State is the lifecycle stage of a server-side session.
type State int

const (
	StateAwaitingHandshake State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures the serving side of a connection.
type Options struct {
	// Version is the handshake token clients must send first.
	Version string
	// MaxFrameSize bounds a request frame body.
	MaxFrameSize int
	// MaxChunkSize bounds a single payload write.
	MaxChunkSize int
	// MaxOfferBytes caps one download response; zero sends everything that is left.
	MaxOfferBytes uint64
	// ReadTimeout closes a session that sends nothing for this long; zero waits forever.
	ReadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = protocol.Version
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = transfer.DefaultMaxChunk
	}
	return o
}

// Session serves one accepted connection. It owns the connection exclusively
// and is driven by a single goroutine through Run.
type Session struct {
	ID string

	conn     net.Conn
	registry registry.Provider
	opts     Options
	log      logrus.FieldLogger
	dec      *protocol.Decoder
	w        *bufio.Writer
	state    State
}

// NewSession wraps conn. Nothing is read until Run is called.
func NewSession(conn net.Conn, reg registry.Provider, opts Options, log logrus.FieldLogger) *Session {
	opts = opts.withDefaults()
	id := uuid.New().String()
	return &Session{
		ID:       id,
		conn:     conn,
		registry: reg,
		opts:     opts,
		log: log.WithFields(logrus.Fields{
			"session": id,
			"remote":  conn.RemoteAddr().String(),
		}),
		dec:   protocol.NewDecoder(conn, opts.MaxFrameSize),
		w:     bufio.NewWriter(conn),
		state: StateAwaitingHandshake,
	}
}

// State reports the current lifecycle stage. It is only meaningful from the
// goroutine running the session or after Run has returned.
func (s *Session) State() State {
	return s.state
}

// Run performs the handshake and then answers requests until the peer hangs
// up or a request fails. A clean hang-up between requests returns nil. The
// connection is always closed on return, and a panic is turned into an error.
func (s *Session) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
		s.state = StateClosed
		s.conn.Close()
	}()

	if err := s.handshake(); err != nil {
		return err
	}
	s.state = StateReady
	s.log.Debug("Handshake complete")

	for {
		cmd, err := s.readCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		metrics.RecordRequest(cmd.Kind.String())

		switch cmd.Kind {
		case protocol.CommandList:
			err = s.handleList()
		case protocol.CommandDownload:
			err = s.handleDownload(cmd.Path, cmd.HaveBytes)
		default:
			err = fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, cmd.Kind)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handshake() error {
	body, err := s.readFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("peer closed before handshake: %w", io.ErrUnexpectedEOF)
		}
		return err
	}
	if string(body) != s.opts.Version {
		metrics.RecordRejectedFrame("version_mismatch")
		return fmt.Errorf("%w: got %q, want %q", protocol.ErrVersionMismatch, body, s.opts.Version)
	}
	return nil
}

func (s *Session) readFrame() ([]byte, error) {
	if s.opts.ReadTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			return nil, err
		}
	}
	body, err := s.dec.Next()
	if err == nil && len(body) == 0 {
		err = fmt.Errorf("%w: empty frame", protocol.ErrMalformed)
	}
	if errors.Is(err, protocol.ErrMalformed) {
		metrics.RecordRejectedFrame("malformed")
	}
	return body, err
}

func (s *Session) readCommand() (protocol.Command, error) {
	body, err := s.readFrame()
	if err != nil {
		return protocol.Command{}, err
	}
	cmd, err := protocol.ParseCommand(body)
	switch {
	case errors.Is(err, protocol.ErrUnknownCommand):
		metrics.RecordRejectedFrame("unknown_command")
	case errors.Is(err, protocol.ErrMalformed):
		metrics.RecordRejectedFrame("malformed")
	}
	return cmd, err
}

func (s *Session) handleList() error {
	paths, err := s.registry.ListPaths()
	if err != nil {
		return fmt.Errorf("list shared files: %w", err)
	}
	s.log.WithField("count", len(paths)).Debug("Listing shared files")
	if _, err := s.w.Write(protocol.EncodeList(paths)); err != nil {
		return fmt.Errorf("write list: %w", err)
	}
	return s.w.Flush()
}

func (s *Session) handleDownload(path string, have uint64) error {
	offer := transfer.Negotiate(path, have, s.registry.Stat).Cap(s.opts.MaxOfferBytes)
	metrics.RecordOffer(offer.Status.String())

	log := s.log.WithFields(logrus.Fields{
		"path":      path,
		"have":      have,
		"remaining": offer.Remaining,
		"status":    offer.Status.String(),
	})
	if offer.Err != nil {
		log = log.WithError(offer.Err)
	}
	log.Debug("Negotiated download")

	if offer.Remaining == 0 {
		return s.writeOffer(0)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if uint64(info.Size()) < have+offer.Remaining {
		log.WithField("size", info.Size()).Warn("Source shrank after negotiation")
		return &transfer.Error{
			Kind: transfer.ErrSizeRace,
			Op:   "open source",
			Err:  fmt.Errorf("%s is %d bytes, need %d", path, info.Size(), have+offer.Remaining),
		}
	}

	if err := s.writeOffer(offer.Remaining); err != nil {
		return err
	}

	// The payload bypasses the buffered writer so every chunk is a single write.
	sent, err := transfer.SendRange(file, have, offer.Remaining, s.conn, s.opts.MaxChunkSize)
	metrics.AddBytesSent(sent)
	if err != nil {
		log.WithError(err).WithField("sent", sent).Warn("Download aborted")
		return err
	}
	log.WithField("sent", sent).Info("Sent file range")
	return nil
}

func (s *Session) writeOffer(remaining uint64) error {
	if _, err := s.w.Write(protocol.EncodeOffer(remaining)); err != nil {
		return fmt.Errorf("write offer: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush offer: %w", err)
	}
	return nil
}
