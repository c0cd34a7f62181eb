package channel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/distbelief/internal/protocol"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ErrHandshakeRejected is returned by Dial when the server refuses the worker.
var ErrHandshakeRejected = errors.New("handshake rejected")

// handshakeTimeout bounds how long a new connection may take to identify itself.
const handshakeTimeout = 5 * time.Second

// handshake status codes written by the listener
const (
	statusAccepted uint32 = iota
	statusSizeMismatch
	statusBadEndpoint
	statusEndpointTaken
	statusClosing
)

var statusText = map[uint32]string{
	statusSizeMismatch:  "model size mismatch",
	statusBadEndpoint:   "endpoint reserved for the server",
	statusEndpointTaken: "endpoint already connected",
	statusClosing:       "listener closing",
}

// byteOrder is the wire byte order for handshakes and frames.
var byteOrder = binary.LittleEndian

type handshake struct {
	Endpoint uint32
	Size     uint32
}

func writeFrame(w io.Writer, buf []float32) error {
	return binary.Write(w, byteOrder, buf)
}

func readFrame(r io.Reader, size int) ([]float32, error) {
	buf := make([]float32, size+1)
	if err := binary.Read(r, byteOrder, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// setWriteDeadline applies ctx's deadline, if any, to conn.
func setWriteDeadline(ctx context.Context, conn net.Conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	return conn.SetWriteDeadline(deadline)
}

// peer is one accepted worker connection.
type peer struct {
	conn net.Conn
	wmu  sync.Mutex // serializes writes
	id   protocol.Endpoint
}

// Listener is the server side of the TCP transport. Frames from every
// connected worker are funneled into a single ordered queue.
type Listener struct {
	ln    net.Listener
	peers map[protocol.Endpoint]*peer
	conns map[net.Conn]struct{} // every accepted connection, admitted or not
	inbox chan Frame
	errs  chan error
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	mu    sync.RWMutex // protects peers, conns and the closing of done
	size  int
}

// Listen starts accepting worker connections on addr for a model of the given size.
func Listen(ctx context.Context, addr string, size int) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s failed", addr)
	}
	l := &Listener{
		ln:    ln,
		size:  size,
		peers: make(map[protocol.Endpoint]*peer),
		conns: make(map[net.Conn]struct{}),
		inbox: make(chan Frame),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	logger.WithFields(logrus.Fields{"addr": ln.Addr().String(), "size": size}).Info("channel listening")
	return l, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Peers returns the endpoints of the currently connected workers.
func (l *Listener) Peers() []protocol.Endpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]protocol.Endpoint, 0, len(l.peers))
	for id := range l.peers {
		out = append(out, id)
	}
	return out
}

func (l *Listener) closing() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closing() {
				return
			}
			l.fail(errors.Wrap(err, "accept failed"))
			return
		}
		if !l.track(conn) {
			_ = conn.Close()
			return
		}
		l.wg.Add(1)
		go l.serve(conn)
	}
}

// track registers conn so Close can reach it. It reports false once the
// listener is closing.
func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing() {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	_ = conn.Close()
}

// serve admits one connection and then reads its frames until it fails.
func (l *Listener) serve(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)

	remote := conn.RemoteAddr().String()
	p, err := l.admit(conn)
	if err != nil {
		logger.WithField("remote", remote).WithError(err).Warn("worker rejected")
		return
	}
	defer l.drop(p)
	logger.WithFields(logrus.Fields{
		"remote":   remote,
		"endpoint": p.id,
	}).Info("worker connected")
	l.readLoop(p)
}

// admit performs the handshake and registers the peer.
func (l *Listener) admit(conn net.Conn) (*peer, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, errors.Wrap(err, "set handshake deadline failed")
	}
	var hs handshake
	if err := binary.Read(conn, byteOrder, &hs); err != nil {
		return nil, errors.Wrap(err, "read handshake failed")
	}

	status := statusAccepted
	id := protocol.Endpoint(hs.Endpoint)
	l.mu.Lock()
	switch {
	case l.closing():
		status = statusClosing
	case int(hs.Size) != l.size:
		status = statusSizeMismatch
	case id == protocol.ServerEndpoint:
		status = statusBadEndpoint
	case l.peers[id] != nil:
		status = statusEndpointTaken
	}
	var p *peer
	if status == statusAccepted {
		p = &peer{id: id, conn: conn}
		l.peers[id] = p
	}
	l.mu.Unlock()

	if err := binary.Write(conn, byteOrder, status); err != nil {
		l.drop(p)
		return nil, errors.Wrap(err, "write handshake reply failed")
	}
	if status != statusAccepted {
		return nil, errors.Wrapf(ErrHandshakeRejected, "endpoint %d: %s", hs.Endpoint, statusText[status])
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		l.drop(p)
		return nil, errors.Wrap(err, "clear handshake deadline failed")
	}
	return p, nil
}

func (l *Listener) drop(p *peer) {
	if p == nil {
		return
	}
	l.mu.Lock()
	if l.peers[p.id] == p {
		delete(l.peers, p.id)
	}
	l.mu.Unlock()
}

func (l *Listener) readLoop(p *peer) {
	for {
		buf, err := readFrame(p.conn, l.size)
		if err != nil {
			if l.closing() {
				return
			}
			l.fail(errors.Wrapf(err, "read from endpoint %d failed", p.id))
			return
		}
		select {
		case l.inbox <- Frame{Source: p.id, Data: buf}:
		case <-l.done:
			return
		}
	}
}

// fail records the first transport failure; later ones are dropped.
func (l *Listener) fail(err error) {
	select {
	case l.errs <- err:
	default:
		logger.WithError(err).Debug("additional channel failure")
	}
}

// Recv returns the next frame from any connected worker.
// A worker disconnect is reported as an error.
func (l *Listener) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-l.inbox:
		return f, nil
	case err := <-l.errs:
		return Frame{}, err
	case <-l.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Send writes buf to the worker connected as dst.
func (l *Listener) Send(ctx context.Context, dst protocol.Endpoint, buf []float32) error {
	if err := checkFrame(buf, l.size); err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.mu.RLock()
	p := l.peers[dst]
	l.mu.RUnlock()
	if p == nil {
		return errors.Wrapf(ErrUnknownEndpoint, "endpoint %d", dst)
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := setWriteDeadline(ctx, p.conn); err != nil {
		return errors.Wrap(err, "set write deadline failed")
	}
	if err := writeFrame(p.conn, buf); err != nil {
		return errors.Wrapf(err, "write to endpoint %d failed", dst)
	}
	return nil
}

// Close stops accepting, disconnects every worker, including those still
// in their handshake, and waits for the connection goroutines to exit.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		close(l.done)
		for conn := range l.conns {
			_ = conn.Close()
		}
		l.mu.Unlock()
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

// Conn is the worker side of the TCP transport.
type Conn struct {
	conn  net.Conn
	inbox chan Frame
	errs  chan error
	done  chan struct{}
	once  sync.Once
	wmu   sync.Mutex
	self  protocol.Endpoint
	size  int
}

// Dial connects to the server at addr as endpoint self.
func Dial(ctx context.Context, addr string, self protocol.Endpoint, size int) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s failed", addr)
	}
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "set handshake deadline failed")
	}
	hs := handshake{Endpoint: uint32(self), Size: uint32(size)}
	if err := binary.Write(conn, byteOrder, hs); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "write handshake failed")
	}
	var status uint32
	if err := binary.Read(conn, byteOrder, &status); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "read handshake reply failed")
	}
	if status != statusAccepted {
		_ = conn.Close()
		return nil, errors.Wrapf(ErrHandshakeRejected, "%s", statusText[status])
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "clear handshake deadline failed")
	}

	c := &Conn{
		conn:  conn,
		self:  self,
		size:  size,
		inbox: make(chan Frame),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	for {
		buf, err := readFrame(c.conn, c.size)
		if err != nil {
			select {
			case <-c.done:
			case c.errs <- errors.Wrap(err, "read from server failed"):
			}
			return
		}
		select {
		case c.inbox <- Frame{Source: protocol.ServerEndpoint, Data: buf}:
		case <-c.done:
			return
		}
	}
}

// Recv returns the next frame sent by the server.
func (c *Conn) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case err := <-c.errs:
		return Frame{}, err
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Send writes buf to the server. Workers can only address the server.
func (c *Conn) Send(ctx context.Context, dst protocol.Endpoint, buf []float32) error {
	if dst != protocol.ServerEndpoint {
		return errors.Wrapf(ErrUnknownEndpoint, "endpoint %d", dst)
	}
	if err := checkFrame(buf, c.size); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := setWriteDeadline(ctx, c.conn); err != nil {
		return errors.Wrap(err, "set write deadline failed")
	}
	if err := writeFrame(c.conn, buf); err != nil {
		return errors.Wrap(err, "write to server failed")
	}
	return nil
}

// Close disconnects from the server.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
