// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/brickwire"
	"github.com/creachadair/brickwire/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func testConfig() brickwire.Config {
	cfg := brickwire.DefaultConfig()
	cfg.Tick = time.Millisecond
	cfg.IOTimeout = 100 * time.Millisecond
	return cfg
}

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		defer leaktest.Check(t)()
		lst, addr := mustListen(t)
		acc := peers.NetAccepter(lst, testConfig())

		dial := taskgroup.Go(func() error {
			c, err := brickwire.Dial(t.Context(), addr, testConfig())
			if err != nil {
				return err
			}
			return c.Close()
		})
		c, err := acc.Accept(t.Context())
		if err != nil {
			t.Fatalf("Accept: unexpected error: %v", err)
		}
		defer c.Close()
		if err := dial.Wait(); err != nil {
			t.Fatalf("Dial: %v", err)
		}
		if send, recv := c.Versions(); send != brickwire.ProtoVersion || recv != brickwire.ProtoVersion {
			t.Errorf("Versions: got (%d, %d), want (%d, %d)", send, recv,
				brickwire.ProtoVersion, brickwire.ProtoVersion)
		}

		// The listener should not be closed.
		if err := lst.Close(); err != nil {
			t.Errorf("Close listener: unexpected error: %v", err)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, testConfig())
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			c, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", c)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestNewLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc, err := peers.NewLocal(t.Context(), testConfig())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if !loc.A.IsAlive() || !loc.B.IsAlive() {
		t.Error("NewLocal: connections are not alive")
	}
	if err := loc.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if loc.A.IsAlive() || loc.B.IsAlive() {
		t.Error("Close: connections are still alive")
	}
}

// echo is a handler that returns the text of each command to the sender.
func echo(ctx context.Context, c *brickwire.Conn) error {
	for {
		var cmd brickwire.Command
		if err := c.RecvCommand(ctx, &cmd); err != nil {
			return err
		}
		time.Sleep(3 * time.Millisecond)
		if err := c.SendCommand(ctx, &brickwire.Command{ID: cmd.ID, Text: cmd.Text}); err != nil {
			return err
		}
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst, testConfig()), echo)
	})
	t.Log("Started accept loop...")

	// A client that hangs up before the handshake must not stop the loop.
	if conn, err := net.Dial("tcp4", addr); err != nil {
		t.Fatalf("Dial: %v", err)
	} else {
		conn.Close()
	}

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for i := range numClients {
		g.Go(func() error {
			c, err := brickwire.Dial(ctx, addr, testConfig())
			if err != nil {
				return err
			}
			defer c.Close()
			for j := range numCalls {
				text := fmt.Sprintf("client %d call %d", i, j)
				if err := c.SendCommand(ctx, &brickwire.Command{ID: int32(j), Text: &text}); err != nil {
					return err
				}
				var rsp brickwire.Command
				if err := c.RecvCommand(ctx, &rsp); err != nil {
					return err
				}
				if rsp.Text == nil || *rsp.Text != text || rsp.ID != int32(j) {
					t.Errorf("Echo %d: got (%d, %v), want (%d, %q)", j, rsp.ID, rsp.Text, j, text)
				}
			}
			return nil
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())

	cancel()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}
