package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/filehoster/internal/metrics"
	"github.com/jaywantadh/filehoster/internal/protocol"
	"github.com/jaywantadh/filehoster/internal/registry"
	"github.com/jaywantadh/filehoster/internal/transfer"
)

// ClientOptions configures the requesting side of a connection.
type ClientOptions struct {
	Version      string
	MaxFrameSize int
	DialTimeout  time.Duration
	// ReadTimeout bounds every read from the peer; zero waits forever.
	ReadTimeout time.Duration
	// MaxRounds bounds the negotiation rounds of one Download.
	MaxRounds int
	Log       logrus.FieldLogger
}

// Client is the outbound side of a connection. It is not safe for concurrent use.
type Client struct {
	conn net.Conn
	dec  *protocol.Decoder
	w    *bufio.Writer
	opts ClientOptions
	log  logrus.FieldLogger
}

// Dial connects to addr and sends the handshake.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", addr, err)
	}
	c, err := NewClient(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient takes over an established connection and sends the handshake.
// The peer does not answer the handshake; a mismatch shows up as the
// connection closing on the first request.
func NewClient(conn net.Conn, opts ClientOptions) (*Client, error) {
	if opts.Version == "" {
		opts.Version = protocol.Version
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{
		conn: conn,
		dec:  protocol.NewDecoder(conn, opts.MaxFrameSize),
		w:    bufio.NewWriter(conn),
		opts: opts,
		log:  log.WithField("peer", conn.RemoteAddr().String()),
	}
	if err := c.writeFrame([]byte(opts.Version)); err != nil {
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return c, nil
}

// List returns the peer's shared paths. A path's index is its position.
func (c *Client) List() ([]string, error) {
	if err := c.send(protocol.List()); err != nil {
		return nil, err
	}
	if err := c.armDeadline(); err != nil {
		return nil, err
	}
	body, err := c.dec.Next()
	if err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}
	return protocol.ParseList(body), nil
}

// Negotiate asks for everything after have bytes of path and returns how many
// bytes the peer is about to send. Those bytes must be consumed from Payload
// before the next request.
func (c *Client) Negotiate(path string, have uint64) (uint64, error) {
	if err := c.send(protocol.Download(path, have)); err != nil {
		return 0, err
	}
	if err := c.armDeadline(); err != nil {
		return 0, err
	}
	var buf [protocol.OfferSize]byte
	if _, err := io.ReadFull(c.dec, buf[:]); err != nil {
		return 0, fmt.Errorf("read offer for %s: %w", path, err)
	}
	return protocol.DecodeOffer(buf[:])
}

// Payload is the stream carrying the bytes promised by the last offer.
func (c *Client) Payload() io.Reader {
	return deadlineReader{c}
}

// Fetcher binds the client to one remote path for transfer.Resume.
func (c *Client) Fetcher(path string) transfer.RangeFetcher {
	return pathFetcher{client: c, path: path}
}

// Download grows dest until the peer has nothing more to offer for remotePath.
func (c *Client) Download(remotePath string, dest transfer.Destination, progress transfer.ProgressSink) (transfer.Result, error) {
	res, err := transfer.Resume(c.Fetcher(remotePath), dest, transfer.ResumeOptions{
		MaxRounds: c.opts.MaxRounds,
		Progress:  progress,
	})
	metrics.AddBytesReceived(res.BytesReceived)

	log := c.log.WithFields(logrus.Fields{
		"path":     remotePath,
		"rounds":   res.Rounds,
		"received": res.BytesReceived,
		"size":     res.FinalSize,
	})
	if err != nil {
		log.WithError(err).Warn("Download attempt failed")
		return res, err
	}
	log.Info("Download complete")
	return res, nil
}

// ResolveIndex maps a position in the peer's current list to its path.
func (c *Client) ResolveIndex(index int) (string, error) {
	paths, err := c.List()
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(paths) {
		return "", fmt.Errorf("%w: %d (peer shares %d files)", registry.ErrBadIndex, index, len(paths))
	}
	return paths[index], nil
}

// DownloadIndex resolves index against the peer's current list and downloads
// that path. It returns the resolved remote path.
func (c *Client) DownloadIndex(index int, dest transfer.Destination, progress transfer.ProgressSink) (string, transfer.Result, error) {
	remote, err := c.ResolveIndex(index)
	if err != nil {
		return "", transfer.Result{}, err
	}
	res, err := c.Download(remote, dest, progress)
	return remote, res, err
}

// Close hangs up.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(cmd protocol.Command) error {
	body, err := cmd.Body()
	if err != nil {
		return err
	}
	if err := c.writeFrame(body); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Kind, err)
	}
	return nil
}

func (c *Client) writeFrame(body []byte) error {
	if _, err := c.w.Write(protocol.AppendFrame(nil, body)); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Client) armDeadline() error {
	if c.opts.ReadTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
}

type deadlineReader struct {
	c *Client
}

func (r deadlineReader) Read(p []byte) (int, error) {
	if err := r.c.armDeadline(); err != nil {
		return 0, err
	}
	return r.c.dec.Read(p)
}

type pathFetcher struct {
	client *Client
	path   string
}

func (f pathFetcher) Fetch(have uint64) (uint64, io.Reader, error) {
	remaining, err := f.client.Negotiate(f.path, have)
	if err != nil {
		return 0, nil, err
	}
	return remaining, f.client.Payload(), nil
}
