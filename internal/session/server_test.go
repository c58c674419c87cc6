package session

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/filehoster/internal/registry"
	"github.com/jaywantadh/filehoster/internal/storage"
)

func startServer(t *testing.T, reg registry.Provider) (string, context.CancelFunc, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(reg, Options{}, quietLogger())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return ln.Addr().String(), cancel, done
}

func TestServerIsolatesFailingSessions(t *testing.T) {
	src, data := writeSource(t, 4096)
	addr, cancel, done := startServer(t, registry.NewDiskRegistry(src))
	ctx := context.Background()

	bad, err := Dial(ctx, addr, ClientOptions{Version: "v9.9.9", Log: quietLogger()})
	require.NoError(t, err)
	defer bad.Close()
	_, err = bad.List()
	assert.Error(t, err)

	for i := 0; i < 3; i++ {
		good, err := Dial(ctx, addr, ClientOptions{Log: quietLogger()})
		require.NoError(t, err)

		paths, err := good.List()
		require.NoError(t, err)
		assert.Equal(t, []string{src}, paths)

		dest := storage.NewFile(filepath.Join(t.TempDir(), "out.bin"))
		res, err := good.Download(src, dest, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(len(data)), res.FinalSize)
		require.NoError(t, good.Close())
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerClosesIdleConnectionsOnCancel(t *testing.T) {
	addr, cancel, done := startServer(t, registry.NewMemoryRegistry())

	idle, err := Dial(context.Background(), addr, ClientOptions{Log: quietLogger()})
	require.NoError(t, err)
	defer idle.Close()

	// make sure the session is running before cancelling
	_, err = idle.List()
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop with an idle session open")
	}

	_, err = idle.List()
	assert.Error(t, err)
}

// flakyListener fails its first few accepts the way an exhausted fd table does.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestServerKeepsAcceptingAfterTransientErrors(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(registry.NewMemoryRegistry(registry.Entry{Path: "/a.txt", Size: 10}), Options{}, quietLogger())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client, err := Dial(ctx, inner.Addr().String(), ClientOptions{Log: quietLogger()})
	require.NoError(t, err)
	defer client.Close()

	paths, err := client.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.txt"}, paths)

	select {
	case err := <-done:
		t.Fatalf("server stopped early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerReturnsWhenListenerClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(registry.NewMemoryRegistry(), Options{}, quietLogger())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	ln.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server kept running on a closed listener")
	}
}
