package session

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/filehoster/internal/protocol"
	"github.com/jaywantadh/filehoster/internal/registry"
	"github.com/jaywantadh/filehoster/internal/storage"
	"github.com/jaywantadh/filehoster/internal/transfer"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// countingConn records the size of every write the session makes.
type countingConn struct {
	net.Conn
	mu     sync.Mutex
	writes []int
}

func (c *countingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, len(p))
	c.mu.Unlock()
	return c.Conn.Write(p)
}

func (c *countingConn) Writes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.writes...)
}

type harness struct {
	client  net.Conn
	server  *countingConn
	session *Session
	done    chan error
}

func startSession(t *testing.T, reg registry.Provider, opts Options) *harness {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	counted := &countingConn{Conn: serverConn}
	h := &harness{
		client:  clientConn,
		server:  counted,
		session: NewSession(counted, reg, opts, quietLogger()),
		done:    make(chan error, 1),
	}
	go func() { h.done <- h.session.Run() }()
	t.Cleanup(func() { clientConn.Close() })
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not return")
		return nil
	}
}

func (h *harness) sendRaw(t *testing.T, body string) {
	t.Helper()
	_, err := h.client.Write(protocol.AppendFrame(nil, []byte(body)))
	require.NoError(t, err)
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestListAndEmptyDownloadScenario(t *testing.T) {
	reg := registry.NewMemoryRegistry(
		registry.Entry{Path: "/a.txt", Size: 10},
		registry.Entry{Path: "/b.bin", Size: 0},
	)
	h := startSession(t, reg, Options{})

	h.sendRaw(t, protocol.Version)
	h.sendRaw(t, "list")
	dec := protocol.NewDecoder(h.client, 0)
	body, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "/a.txt\n/b.bin", string(body))

	paths := protocol.ParseList(body)
	h.sendRaw(t, "download\n"+paths[1]+"\n0")
	offer := make([]byte, protocol.OfferSize)
	_, err = io.ReadFull(dec, offer)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, protocol.OfferSize), offer)

	h.client.Close()
	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, []int{4 + len("/a.txt\n/b.bin"), protocol.OfferSize}, h.server.Writes())
}

func TestDownloadWritesBoundedChunks(t *testing.T) {
	src, data := writeSource(t, 150000)
	h := startSession(t, registry.NewDiskRegistry(src), Options{MaxChunkSize: 50000})

	client, err := NewClient(h.client, ClientOptions{})
	require.NoError(t, err)

	dest := storage.NewFile(filepath.Join(t.TempDir(), "out.bin"))
	res, err := client.Download(src, dest, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, uint64(150000), res.BytesReceived)
	got, err := os.ReadFile(dest.Path())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// offer, three chunks, then the zero offer that ends the resume loop
	assert.Equal(t, []int{8, 50000, 50000, 50000, 8}, h.server.Writes())

	client.Close()
	require.NoError(t, h.wait(t))
}

func TestDownloadAcrossCappedOffers(t *testing.T) {
	src, data := writeSource(t, 100)
	h := startSession(t, registry.NewDiskRegistry(src), Options{MaxOfferBytes: 7, MaxChunkSize: 3})

	client, err := NewClient(h.client, ClientOptions{})
	require.NoError(t, err)

	var last [2]uint64
	dest := storage.NewFile(filepath.Join(t.TempDir(), "out.bin"))
	res, err := client.Download(src, dest, transfer.ProgressFunc(func(done, total uint64) {
		last = [2]uint64{done, total}
	}))
	require.NoError(t, err)

	assert.Equal(t, 16, res.Rounds)
	assert.Equal(t, uint64(100), res.FinalSize)
	assert.Equal(t, [2]uint64{100, 100}, last)
	got, err := os.ReadFile(dest.Path())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	client.Close()
	require.NoError(t, h.wait(t))
}

func TestDownloadResumesPartialFile(t *testing.T) {
	src, data := writeSource(t, 100)
	h := startSession(t, registry.NewDiskRegistry(src), Options{})

	destPath := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(destPath, data[:40], 0644))

	client, err := NewClient(h.client, ClientOptions{})
	require.NoError(t, err)
	res, err := client.Download(src, storage.NewFile(destPath), nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(60), res.BytesReceived)
	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	client.Close()
	require.NoError(t, h.wait(t))
}

func TestDownloadAlreadyComplete(t *testing.T) {
	src, data := writeSource(t, 100)
	h := startSession(t, registry.NewDiskRegistry(src), Options{})

	destPath := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(destPath, data, 0644))

	client, err := NewClient(h.client, ClientOptions{})
	require.NoError(t, err)
	res, err := client.Download(src, storage.NewFile(destPath), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rounds)
	assert.Zero(t, res.BytesReceived)
	assert.Equal(t, []int{8}, h.server.Writes())

	client.Close()
	require.NoError(t, h.wait(t))
}

func TestUnsharedPathOffersNothing(t *testing.T) {
	src, _ := writeSource(t, 10)
	other, _ := writeSource(t, 10)
	h := startSession(t, registry.NewDiskRegistry(src), Options{})

	client, err := NewClient(h.client, ClientOptions{})
	require.NoError(t, err)
	remaining, err := client.Negotiate(other, 0)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	client.Close()
	require.NoError(t, h.wait(t))
}

func TestDownloadIndex(t *testing.T) {
	src, data := writeSource(t, 64)
	h := startSession(t, registry.NewDiskRegistry(src), Options{})

	client, err := NewClient(h.client, ClientOptions{})
	require.NoError(t, err)

	dest := storage.NewFile(filepath.Join(t.TempDir(), "out.bin"))
	_, _, err = client.DownloadIndex(3, dest, nil)
	assert.ErrorIs(t, err, registry.ErrBadIndex)

	remote, res, err := client.DownloadIndex(0, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, src, remote)
	assert.Equal(t, uint64(64), res.FinalSize)
	got, err := os.ReadFile(dest.Path())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	client.Close()
	require.NoError(t, h.wait(t))
}

func TestVersionMismatchClosesSession(t *testing.T) {
	h := startSession(t, registry.NewMemoryRegistry(), Options{})

	h.sendRaw(t, "v9.9.9")
	err := h.wait(t)
	assert.ErrorIs(t, err, protocol.ErrVersionMismatch)
	assert.Equal(t, StateClosed, h.session.State())

	_, err = h.client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestBadFramesCloseSession(t *testing.T) {
	tests := []struct {
		name string
		send func(h *harness)
		want error
	}{
		{
			name: "oversized frame",
			send: func(h *harness) {
				h.client.Write([]byte{0, 0x10, 0, 0})
			},
			want: protocol.ErrMalformed,
		},
		{
			name: "non-numeric have",
			send: func(h *harness) {
				h.client.Write(protocol.AppendFrame(nil, []byte("download\n/a\nabc")))
			},
			want: protocol.ErrMalformed,
		},
		{
			name: "empty frame",
			send: func(h *harness) {
				h.client.Write(protocol.AppendFrame(nil, nil))
			},
			want: protocol.ErrMalformed,
		},
		{
			name: "unknown command",
			send: func(h *harness) {
				h.client.Write(protocol.AppendFrame(nil, []byte("upload\n/a")))
			},
			want: protocol.ErrUnknownCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startSession(t, registry.NewMemoryRegistry(), Options{})
			h.sendRaw(t, protocol.Version)
			go tt.send(h)
			assert.ErrorIs(t, h.wait(t), tt.want)
		})
	}
}

func TestEmptyHandshakeIsMalformed(t *testing.T) {
	h := startSession(t, registry.NewMemoryRegistry(), Options{})
	go h.client.Write(protocol.AppendFrame(nil, nil))
	assert.ErrorIs(t, h.wait(t), protocol.ErrMalformed)
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSizeRaceClosesBeforeOffer(t *testing.T) {
	src, _ := writeSource(t, 100)
	// the registry still believes the file is 200 bytes
	reg := registry.NewMemoryRegistry(registry.Entry{Path: src, Size: 200})
	h := startSession(t, reg, Options{})

	client, err := NewClient(h.client, ClientOptions{})
	require.NoError(t, err)

	_, err = client.Negotiate(src, 0)
	assert.Error(t, err)
	assert.ErrorIs(t, h.wait(t), transfer.ErrSizeRace)
	assert.Empty(t, h.server.Writes())
}

func TestDownloadReportsDroppedConnectionAsIO(t *testing.T) {
	src, _ := writeSource(t, 100)
	reg := registry.NewMemoryRegistry(registry.Entry{Path: src, Size: 200})
	h := startSession(t, reg, Options{})

	client, err := NewClient(h.client, ClientOptions{Log: quietLogger()})
	require.NoError(t, err)

	dest := storage.NewFile(filepath.Join(t.TempDir(), "out.bin"))
	_, err = client.Download(src, dest, nil)
	assert.ErrorIs(t, err, transfer.ErrIO)
	assert.ErrorIs(t, h.wait(t), transfer.ErrSizeRace)
}

func TestHangupBeforeHandshake(t *testing.T) {
	h := startSession(t, registry.NewMemoryRegistry(), Options{})
	h.client.Close()
	assert.ErrorIs(t, h.wait(t), io.ErrUnexpectedEOF)
}

func TestReadTimeoutClosesIdleSession(t *testing.T) {
	h := startSession(t, registry.NewMemoryRegistry(), Options{ReadTimeout: 50 * time.Millisecond})
	h.sendRaw(t, protocol.Version)

	err := h.wait(t)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

type panickingRegistry struct{}

func (panickingRegistry) ListPaths() ([]string, error) { panic("registry exploded") }
func (panickingRegistry) Stat(string) (uint64, error)  { return 0, nil }

func TestPanicIsContained(t *testing.T) {
	h := startSession(t, panickingRegistry{}, Options{})
	h.sendRaw(t, protocol.Version)
	h.sendRaw(t, "list")

	err := h.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry exploded")
	assert.Equal(t, StateClosed, h.session.State())
}
