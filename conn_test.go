// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package brickwire_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/brickwire"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() brickwire.Config {
	cfg := brickwire.DefaultConfig()
	cfg.Tick = time.Millisecond
	cfg.IOTimeout = 50 * time.Millisecond
	return cfg
}

// observed returns a copy of cfg that logs to an observer.
func observed(cfg brickwire.Config) (brickwire.Config, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	cfg.Logger = zap.New(core)
	return cfg, logs
}

// pair returns a connected pair of conns, a dialing with acfg and b
// accepting with bcfg. Both are closed when the test ends.
func pair(t *testing.T, acfg, bcfg brickwire.Config) (a, b *brickwire.Conn) {
	t.Helper()
	lst, err := brickwire.Listen(t.Context(), "127.0.0.1:0", bcfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()

	accept := taskgroup.Go(func() error {
		c, err := lst.Accept(t.Context())
		b = c
		return err
	})
	a, err = brickwire.Dial(t.Context(), lst.Addr().String(), acfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := accept.Wait(); err != nil {
		a.Close()
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestHandshake(t *testing.T) {
	defer leaktest.Check(t)()

	acfg, bcfg := testConfig(), testConfig()
	acfg.Version = 3
	a, b := pair(t, acfg, bcfg)

	if send, recv := a.Versions(); send != 1 || recv != 1 {
		t.Errorf("A versions: got (%d, %d), want (1, 1)", send, recv)
	}
	if send, recv := b.Versions(); send != 1 || recv != 3 {
		t.Errorf("B versions: got (%d, %d), want (1, 3)", send, recv)
	}
	if a.ID() == b.ID() {
		t.Errorf("Connection IDs are not unique: %q", a.ID())
	}
}

func TestDialErrors(t *testing.T) {
	cfg := testConfig()
	for _, addr := range []string{"localhost", "1.2.3", "127.0.0.1:x"} {
		if c, err := brickwire.Dial(t.Context(), addr, cfg); err == nil {
			c.Close()
			t.Errorf("Dial %q: got nil error, want error", addr)
		}
	}

	bad := cfg
	bad.Tick = 0
	if _, err := brickwire.Dial(t.Context(), "127.0.0.1:1", bad); err == nil {
		t.Error("Dial with invalid config: got nil error, want error")
	}
}

func TestSendRecv(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := pair(t, testConfig(), testConfig())
	ctx := t.Context()

	// Corked sends are held until a flush.
	for _, s := range []string{"alpha ", "bravo ", "charlie"} {
		if n, err := a.Send(ctx, []byte(s), true); err != nil || n != len(s) {
			t.Fatalf("Send %q: got (%d, %v)", s, n, err)
		}
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	buf := make([]byte, 19)
	if n, err := b.Recv(ctx, buf, 0); err != nil || n != len(buf) {
		t.Fatalf("Recv: got (%d, %v), want (%d, nil)", n, err, len(buf))
	}
	if got, want := string(buf), "alpha bravo charlie"; got != want {
		t.Errorf("Recv: got %q, want %q", got, want)
	}

	// A payload larger than the send buffer bypasses it.
	big := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	done := taskgroup.Go(func() error {
		_, err := a.Send(ctx, big, false)
		return err
	})
	got := make([]byte, len(big))
	if _, err := b.Recv(ctx, got, len(got)); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := done.Wait(); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Error("Large payload was corrupted")
	}

	// A nil buffer discards.
	if _, err := a.Send(ctx, []byte("skip me, keep me"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n, err := b.Recv(ctx, nil, 9); err != nil || n != 9 {
		t.Fatalf("Recv discard: got (%d, %v), want (9, nil)", n, err)
	}
	keep := make([]byte, 7)
	if _, err := b.Recv(ctx, keep, 0); err != nil {
		t.Fatalf("Recv: %v", err)
	} else if string(keep) != "keep me" {
		t.Errorf("Recv after discard: got %q, want %q", keep, "keep me")
	}
}

func TestRecvAbort(t *testing.T) {
	defer leaktest.Check(t)()

	bcfg := testConfig()
	bcfg.IOTimeout = 5 * time.Millisecond
	bcfg.RecvAbort = 3
	_, b := pair(t, testConfig(), bcfg)

	var buf [1]byte
	_, err := b.Recv(t.Context(), buf[:], 1)
	if !errors.Is(err, brickwire.ErrAborted) {
		t.Errorf("Recv: got %v, want %v", err, brickwire.ErrAborted)
	}
	if !b.IsAlive() {
		t.Error("Connection is not alive after an abort")
	}
}

func TestPeerClosed(t *testing.T) {
	defer leaktest.Check(t)()

	bcfg := testConfig()
	bcfg.ShutdownOnError = true
	a, b := pair(t, testConfig(), bcfg)
	a.Close()

	var buf [1]byte
	_, err := b.Recv(t.Context(), buf[:], 1)
	if !errors.Is(err, brickwire.ErrPeerClosed) {
		t.Errorf("Recv: got %v, want %v", err, brickwire.ErrPeerClosed)
	}
	if !brickwire.IsClosed(err) {
		t.Errorf("IsClosed(%v): got false, want true", err)
	}
	if b.IsAlive() {
		t.Error("Connection is alive after the peer closed, with ShutdownOnError")
	}
}

func TestShutdown(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := pair(t, testConfig(), testConfig())

	recv := taskgroup.Go(func() error {
		var buf [1]byte
		_, err := b.Recv(context.Background(), buf[:], 1)
		return err
	})
	time.Sleep(20 * time.Millisecond) // let the receiver block
	b.Shutdown()
	if err := recv.Wait(); !errors.Is(err, brickwire.ErrConnGone) {
		t.Errorf("Recv: got %v, want %v", err, brickwire.ErrConnGone)
	}

	if b.IsAlive() {
		t.Error("Connection is alive after Shutdown")
	}
	if b.Acquire() {
		t.Error("Acquire succeeded after Shutdown")
	}
	if _, err := b.Send(t.Context(), []byte("x"), false); !errors.Is(err, brickwire.ErrConnGone) {
		t.Errorf("Send: got %v, want %v", err, brickwire.ErrConnGone)
	}

	// The peer sees end of input.
	var buf [1]byte
	if _, err := a.Recv(t.Context(), buf[:], 1); !errors.Is(err, brickwire.ErrPeerClosed) {
		t.Errorf("Peer Recv: got %v, want %v", err, brickwire.ErrPeerClosed)
	}
}

func TestContextCancel(t *testing.T) {
	defer leaktest.Check(t)()

	// Use a long timeout, so that only the context can end the receive.
	bcfg := testConfig()
	bcfg.IOTimeout = time.Minute
	_, b := pair(t, testConfig(), bcfg)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	var buf [1]byte
	_, err := b.Recv(ctx, buf[:], 1)
	if !errors.Is(err, brickwire.ErrConnGone) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv: got %v, want %v and %v", err, brickwire.ErrConnGone, context.DeadlineExceeded)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Recv took %v after cancellation", elapsed)
	}
	if !b.IsAlive() {
		t.Error("Connection is not alive after a cancelled receive")
	}
}

func TestRefcount(t *testing.T) {
	defer leaktest.Check(t)()

	cfg, logs := observed(testConfig())
	a, _ := pair(t, cfg, testConfig())

	const numWorkers = 50
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Go(func() {
			for range 20 {
				if !a.Acquire() {
					t.Error("Acquire failed on a live connection")
					return
				}
				a.Release()
			}
		})
	}

	// Hold one extra reference across the close of the original.
	if !a.Acquire() {
		t.Fatal("Acquire failed")
	}
	wg.Wait()
	a.Close()
	a.Close() // no effect

	if !a.IsAlive() {
		t.Error("Connection is not alive while a reference is held")
	}
	a.Release()
	if a.IsAlive() {
		t.Error("Connection is alive after the last release")
	}
	if a.Acquire() {
		t.Error("Acquire succeeded after the last release")
	}

	if n := logs.FilterMessage("connection released").Len(); n != 1 {
		t.Errorf("Teardown ran %d times, want 1", n)
	}
	if n := logs.FilterMessage("connection shut down").Len(); n != 1 {
		t.Errorf("Shutdown ran %d times, want 1", n)
	}
}

func TestMetrics(t *testing.T) {
	m := brickwire.Metrics()
	for _, key := range []string{
		"conns_active", "bytes_sent", "records_received", "schemas_sent", "transfers_aborted",
	} {
		if m.Get(key) == nil {
			t.Errorf("Metric %q is missing", key)
		}
	}
}
