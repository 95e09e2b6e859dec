// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package brickwire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/brickwire/schema"
	"github.com/creachadair/brickwire/socket"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// A Conn is a reference-counted connection to a peer.
//
// A new Conn holds one reference, owned by the caller that created it. Each
// call to [Conn.Acquire] that succeeds adds a reference, which the caller
// must return with [Conn.Release]. When the last reference is released, the
// socket is closed and the schema caches are discarded.
//
// At most one goroutine may send and one goroutine may receive on a Conn at
// a time. The command methods ([Conn.SendRequest] and the like) serialize
// whole send sequences internally and may be called concurrently.
type Conn struct {
	id     string
	cfg    Config
	log    *zap.Logger
	order  byteOrder
	remote string

	refs       atomic.Int32
	alive      atomic.Bool
	maxPayload atomic.Int64

	μ  sync.Mutex // guards assignment of nc
	nc net.Conn   // nil after teardown
	rd *bufio.Reader

	// Outbound state, owned by the sender.
	wbuf      []byte // coalescing buffer
	written   int64  // total bytes written to the socket
	announced []int  // send cache slots, in order of announcement

	// Negotiated in the handshake.
	sendProto, recvProto uint8

	sendCache *schema.SendCache
	recvCache *schema.RecvCache

	cmdμ sync.Mutex // serializes command sequences

	closeOnce sync.Once
}

// NewConn wraps an established stream connection and performs the protocol
// handshake on it. On success, the Conn owns nc. On failure, nc is closed.
//
// Both peers write before they read in the handshake, so nc must have some
// buffering; a socket works, but an unbuffered [net.Pipe] does not.
func NewConn(ctx context.Context, nc net.Conn, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Conn{
		id:     newConnID(),
		cfg:    cfg,
		order:  cfg.order(),
		remote: nc.RemoteAddr().String(),
		nc:     nc,
		rd:     bufio.NewReaderSize(nc, pageSize),
	}
	c.log = cfg.logger().With(zap.String("conn", c.id), zap.String("peer", c.remote))
	c.refs.Store(1)
	c.alive.Store(true)
	c.maxPayload.Store(int64(cfg.MaxPayload))
	rootMetrics.connActive.Add(1)
	rootMetrics.connOpened.Add(1)

	if err := c.handshake(ctx); err != nil {
		c.Release()
		return nil, err
	}
	c.log.Debug("connection established",
		zap.Uint8("sendProto", c.sendProto), zap.Uint8("recvProto", c.recvProto))
	return c, nil
}

func newConnID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Dial connects to the peer at addr and performs the protocol handshake.
// See [socket.ParseAddress] for the address syntax.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	taddr, err := socket.ParseAddress(addr, cfg.DefaultPort, cfg.Translate)
	if err != nil {
		return nil, err
	}
	nc, err := cfg.Socket.Dialer().DialContext(ctx, "tcp4", taddr.String())
	if err != nil {
		cfg.logger().Debug("connect failed", append(errFields(err), zap.Stringer("addr", taddr))...)
		return nil, fmt.Errorf("dial %v: %w", taddr, err)
	}
	if err := cfg.Socket.Tune(nc.(*net.TCPConn)); err != nil {
		cfg.logger().Warn("socket tuning failed", errFields(err)...)
	}
	return NewConn(ctx, nc, cfg)
}

// ID returns a unique identifier for c, used in its log entries.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() string { return c.remote }

// Versions reports the protocol versions negotiated by the handshake: the
// version c uses to send, and the version announced by the peer.
func (c *Conn) Versions() (send, recv uint8) { return c.sendProto, c.recvProto }

// SetMaxPayload sets the largest request payload c accepts from its peer,
// overriding [Config.MaxPayload]. Zero means no limit.
func (c *Conn) SetMaxPayload(n int) { c.maxPayload.Store(int64(max(n, 0))) }

// IsAlive reports whether c can still transfer data.
func (c *Conn) IsAlive() bool { return c.alive.Load() }

// Acquire adds a reference to c. It reports false without adding a
// reference if c is shut down or already fully released.
func (c *Conn) Acquire() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			c.log.Error("acquire on released connection", zap.Int32("refs", n))
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			break
		}
	}
	if !c.alive.Load() {
		c.Release()
		return false
	}
	return true
}

// Release drops a reference to c. Releasing the last reference shuts the
// connection down if it is still alive, closes the socket, and discards
// the schema caches.
func (c *Conn) Release() {
	n := c.refs.Add(-1)
	switch {
	case n < 0:
		c.refs.Add(1)
		c.log.Error("unbalanced release", zap.Int32("refs", n))
	case n == 0:
		c.teardown()
	}
}

// Close releases the reference to c held by its creator. Further calls to
// Close have no effect. The socket is closed once every other holder of a
// reference has released it.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.Release)
	return nil
}

// Shutdown marks c as no longer alive and closes the sending half of the
// socket, so the peer sees end of input. Transfers in progress on c fail
// with [ErrConnGone]. Only the first call has any effect.
func (c *Conn) Shutdown() {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.nc == nil {
		return
	}
	if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			c.log.Debug("shutdown failed", errFields(err)...)
		}
	}
	// Wake any blocked transfer so it notices the connection is gone.
	c.nc.SetDeadline(time.Now())
	c.log.Debug("connection shut down")
}

func (c *Conn) teardown() {
	c.Shutdown()

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.nc == nil {
		return
	}
	if err := c.nc.Close(); err != nil {
		c.log.Debug("close failed", errFields(err)...)
	}
	c.nc = nil
	c.rd = nil
	c.wbuf = nil
	c.announced = nil
	if c.sendCache != nil {
		c.sendCache.Clear()
	}
	if c.recvCache != nil {
		c.recvCache.Clear()
	}
	rootMetrics.connActive.Add(-1)
	c.log.Debug("connection released")
}

// begin acquires a reference to c for the duration of a transfer, and
// arranges for blocked I/O to be interrupted if ctx ends. The caller must
// call the returned function when the transfer is complete.
func (c *Conn) begin(ctx context.Context) (func(), error) {
	if !c.Acquire() {
		return nil, ErrConnGone
	}
	nc := c.nc
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	return func() { stop(); c.Release() }, nil
}

// A Listener accepts connections from peers.
type Listener struct {
	lst *net.TCPListener
	cfg Config
}

// Listen opens a listener on addr, which has the syntax described by
// [socket.ParseAddress]. An empty host listens on all interfaces.
func Listen(ctx context.Context, addr string, cfg Config) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	taddr, err := socket.ParseAddress(addr, cfg.DefaultPort, cfg.Translate)
	if err != nil {
		return nil, err
	}
	lst, err := cfg.Socket.Listen(ctx, taddr)
	if err != nil {
		return nil, fmt.Errorf("listen %v: %w", taddr, err)
	}
	cfg.logger().Debug("listening", zap.Stringer("addr", lst.Addr()))
	return &Listener{lst: lst, cfg: cfg}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr { return l.lst.Addr() }

// Close closes the listener. Connections already accepted are unaffected.
func (l *Listener) Close() error { return l.lst.Close() }

// Accept waits for the next connection and performs the protocol handshake
// on it. If ctx ends while Accept is waiting, the listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			l.lst.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	nc, err := l.lst.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err := l.cfg.Socket.Tune(nc); err != nil {
		l.cfg.logger().Warn("socket tuning failed", errFields(err)...)
	}
	return NewConn(ctx, nc, l.cfg)
}
