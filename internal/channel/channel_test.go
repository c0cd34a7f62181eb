package channel

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/distbelief/internal/protocol"
)

// TestPipe verifies ordered delivery and buffer ownership on the in-memory pipe.
func TestPipe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	server, worker := Pipe(3)
	defer server.Close()

	assert.Equal(t, protocol.ServerEndpoint, server.Endpoint())
	assert.Equal(t, protocol.WorkerEndpoint, worker.Endpoint())

	first := []float32{2, 1, 1, 1}
	require.NoError(t, worker.Send(ctx, protocol.ServerEndpoint, first))
	require.NoError(t, worker.Send(ctx, protocol.ServerEndpoint, []float32{0, 4, 5, 6}))

	// the sent buffer must not alias the delivered frame
	first[1] = 42

	f, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerEndpoint, f.Source)
	assert.Equal(t, []float32{2, 1, 1, 1}, f.Data)

	f, err = server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 4, 5, 6}, f.Data)

	require.NoError(t, server.Send(ctx, protocol.WorkerEndpoint, []float32{0, 7, 8, 9}))
	f, err = worker.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ServerEndpoint, f.Source)
	assert.Equal(t, []float32{0, 7, 8, 9}, f.Data)
}

// TestPipeErrors covers misuse and shutdown of the in-memory pipe.
func TestPipeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong frame size", func(t *testing.T) {
		server, worker := Pipe(3)
		defer server.Close()
		err := worker.Send(ctx, protocol.ServerEndpoint, []float32{1, 2})
		assert.True(t, errors.Is(err, ErrFrameSize))
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		server, _ := Pipe(1)
		defer server.Close()
		err := server.Send(ctx, protocol.Endpoint(7), []float32{0, 1})
		assert.True(t, errors.Is(err, ErrUnknownEndpoint))
	})

	t.Run("recv honours context", func(t *testing.T) {
		server, _ := Pipe(1)
		defer server.Close()
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := server.Recv(cctx)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("close unblocks peer", func(t *testing.T) {
		server, worker := Pipe(1)
		errc := make(chan error, 1)
		go func() {
			_, err := server.Recv(ctx)
			errc <- err
		}()
		require.NoError(t, worker.Close())
		select {
		case err := <-errc:
			assert.True(t, errors.Is(err, ErrClosed))
		case <-time.After(time.Second):
			t.Fatal("Recv did not return after close")
		}
		assert.True(t, errors.Is(worker.Send(ctx, protocol.ServerEndpoint, []float32{0, 1}), ErrClosed))
	})

	t.Run("frame racing close is delivered", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			server, worker := Pipe(1)
			started := make(chan struct{})
			go func() {
				<-started
				_ = worker.Send(ctx, protocol.ServerEndpoint, []float32{2, float32(i)})
				_ = worker.Close()
			}()
			close(started)

			f, err := server.Recv(ctx)
			require.NoError(t, err, "iteration %d", i)
			assert.Equal(t, []float32{2, float32(i)}, f.Data)
		}
	})

	t.Run("queued frames survive close", func(t *testing.T) {
		server, worker := Pipe(1)
		require.NoError(t, worker.Send(ctx, protocol.ServerEndpoint, []float32{1, 0}))
		require.NoError(t, worker.Close())

		f, err := server.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0}, f.Data)

		_, err = server.Recv(ctx)
		assert.True(t, errors.Is(err, ErrClosed))
	})
}

// TestTCPRoundTrip exercises the handshake and frame codec over loopback.
func TestTCPRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Listen(ctx, "127.0.0.1:0", 4)
	require.NoError(t, err)
	defer l.Close()

	c, err := Dial(ctx, l.Addr().String(), protocol.WorkerEndpoint, 4)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(ctx, protocol.ServerEndpoint, []float32{2, 0.5, -1, 3.25, 1e-3}))

	f, err := l.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerEndpoint, f.Source)
	assert.Equal(t, []float32{2, 0.5, -1, 3.25, 1e-3}, f.Data)
	assert.Equal(t, []protocol.Endpoint{protocol.WorkerEndpoint}, l.Peers())

	require.NoError(t, l.Send(ctx, protocol.WorkerEndpoint, []float32{0, 1, 2, 3, 4}))
	f, err = c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ServerEndpoint, f.Source)
	assert.Equal(t, []float32{0, 1, 2, 3, 4}, f.Data)

	err = l.Send(ctx, protocol.Endpoint(9), []float32{0, 1, 2, 3, 4})
	assert.True(t, errors.Is(err, ErrUnknownEndpoint))

	err = c.Send(ctx, protocol.WorkerEndpoint, []float32{0, 1, 2, 3, 4})
	assert.True(t, errors.Is(err, ErrUnknownEndpoint))
}

// TestTCPHandshakeRejected checks that the listener refuses bad workers.
func TestTCPHandshakeRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Listen(ctx, "127.0.0.1:0", 4)
	require.NoError(t, err)
	defer l.Close()

	tests := []struct {
		name     string
		endpoint protocol.Endpoint
		size     int
	}{
		{name: "size mismatch", endpoint: protocol.WorkerEndpoint, size: 5},
		{name: "server endpoint", endpoint: protocol.ServerEndpoint, size: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dial(ctx, l.Addr().String(), tt.endpoint, tt.size)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrHandshakeRejected))
		})
	}

	t.Run("endpoint taken", func(t *testing.T) {
		c, err := Dial(ctx, l.Addr().String(), protocol.WorkerEndpoint, 4)
		require.NoError(t, err)
		defer c.Close()

		_, err = Dial(ctx, l.Addr().String(), protocol.WorkerEndpoint, 4)
		assert.True(t, errors.Is(err, ErrHandshakeRejected))
	})
}

// TestTCPDisconnect checks that a worker disconnect surfaces from Recv.
func TestTCPDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Listen(ctx, "127.0.0.1:0", 2)
	require.NoError(t, err)
	defer l.Close()

	c, err := Dial(ctx, l.Addr().String(), protocol.WorkerEndpoint, 2)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = l.Recv(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

// TestTCPCloseDuringHandshake checks that Close does not wait on a worker
// that is still identifying itself, and that such a worker is not admitted.
func TestTCPCloseDuringHandshake(t *testing.T) {
	l, err := Listen(context.Background(), "127.0.0.1:0", 2)
	require.NoError(t, err)

	raw, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	require.Eventually(t, func() bool {
		l.mu.RLock()
		defer l.mu.RUnlock()
		return len(l.conns) == 1
	}, 2*time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- l.Close() }()
	_ = binary.Write(raw, byteOrder, handshake{Endpoint: uint32(protocol.WorkerEndpoint), Size: 2})

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a connection in its handshake")
	}
	assert.Empty(t, l.Peers())

	var status uint32
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(time.Second)))
	if err := binary.Read(raw, byteOrder, &status); err == nil {
		assert.NotEqual(t, statusAccepted, status)
	}
}

// TestTCPAdmitWhileClosing checks the handshake reply once Close has begun.
func TestTCPAdmitWhileClosing(t *testing.T) {
	l := &Listener{
		size:  2,
		peers: make(map[protocol.Endpoint]*peer),
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}
	close(l.done)

	srvSide, workerSide := net.Pipe()
	defer workerSide.Close()
	errc := make(chan error, 1)
	go func() {
		_, err := l.admit(srvSide)
		_ = srvSide.Close()
		errc <- err
	}()

	require.NoError(t, binary.Write(workerSide, byteOrder, handshake{Endpoint: uint32(protocol.WorkerEndpoint), Size: 2}))
	var status uint32
	require.NoError(t, binary.Read(workerSide, byteOrder, &status))
	assert.Equal(t, statusClosing, status)

	err := <-errc
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
	assert.Empty(t, l.Peers())
}

// TestTCPSilentClient checks that a connection that never sends its
// handshake does not hold up other workers.
func TestTCPSilentClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := Listen(ctx, "127.0.0.1:0", 2)
	require.NoError(t, err)
	defer l.Close()

	silent, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer silent.Close()

	start := time.Now()
	c, err := Dial(ctx, l.Addr().String(), protocol.WorkerEndpoint, 2)
	require.NoError(t, err)
	defer c.Close()
	assert.Less(t, time.Since(start), handshakeTimeout/2)
	assert.Equal(t, []protocol.Endpoint{protocol.WorkerEndpoint}, l.Peers())
}
