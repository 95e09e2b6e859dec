// Package peers provides support code for serving and testing brickwire
// connections.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/brickwire"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Local is a pair of connections joined over the loopback interface,
// suitable for testing.
type Local struct {
	A *brickwire.Conn
	B *brickwire.Conn
}

// Close closes both connections.
func (p *Local) Close() error {
	aerr := p.A.Close()
	berr := p.B.Close()
	return errors.Join(aerr, berr)
}

// NewLocal creates a pair of connected peers using cfg. A is the dialing
// side and B the accepting side.
func NewLocal(ctx context.Context, cfg brickwire.Config) (*Local, error) {
	lst, err := brickwire.Listen(ctx, "127.0.0.1:0", cfg)
	if err != nil {
		return nil, err
	}
	defer lst.Close()

	var b *brickwire.Conn
	accept := taskgroup.Go(func() error {
		c, err := lst.Accept(ctx)
		b = c
		return err
	})
	a, derr := brickwire.Dial(ctx, lst.Addr().String(), cfg)
	if derr != nil {
		lst.Close() // unblock the acceptor
	}
	aerr := accept.Wait()
	if err := errors.Join(derr, aerr); err != nil {
		if a != nil {
			a.Close()
		}
		if b != nil {
			b.Close()
		}
		return nil, fmt.Errorf("local pair: %w", err)
	}
	return &Local{A: a, B: b}, nil
}

// An Accepter yields connections from peers, each already past the
// protocol handshake. [*brickwire.Listener] satisfies this interface.
type Accepter interface {
	Accept(context.Context) (*brickwire.Conn, error)
}

// A Handler serves a single connection. The caller closes c after the
// handler returns.
type Handler func(ctx context.Context, c *brickwire.Conn) error

// Loop accepts connections from acc and runs h for each one in a goroutine.
// Loop continues until acc closes or ctx ends. A connection that fails the
// handshake is logged and dropped without ending the loop.
//
// When ctx terminates, all running connections are shut down. When acc
// closes, the loop waits for running handlers to exit before returning.
func Loop(ctx context.Context, acc Accepter, h Handler) error {
	log := brickwire.Logger()
	g := taskgroup.New(nil)
	for {
		c, err := acc.Accept(ctx)
		if errors.Is(err, brickwire.ErrHandshake) && ctx.Err() == nil {
			log.Warn("dropped connection", zap.Error(err))
			continue
		} else if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			defer c.Close()
			stop := context.AfterFunc(ctx, c.Shutdown)
			defer stop()

			err := h(ctx, c)
			if err != nil && !brickwire.IsClosed(err) && ctx.Err() == nil {
				log.Warn("handler failed", zap.String("conn", c.ID()), zap.Error(err))
			} else {
				log.Debug("handler exited", zap.String("conn", c.ID()))
			}
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Accepted
// connections run the handshake with the settings of cfg.
func NetAccepter(lst net.Listener, cfg brickwire.Config) Accepter {
	return netAccepter{Listener: lst, cfg: cfg}
}

type netAccepter struct {
	net.Listener
	cfg brickwire.Config
}

func (n netAccepter) Accept(ctx context.Context) (*brickwire.Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := n.cfg.Socket.Tune(tc); err != nil {
			brickwire.Logger().Warn("socket tuning failed", zap.Error(err))
		}
	}
	return brickwire.NewConn(ctx, conn, n.cfg)
}
