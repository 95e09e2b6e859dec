// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package brickwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creachadair/brickwire/socket"
	"go.uber.org/zap"
)

const (
	// pageSize is the capacity of the send buffer and the receive buffer.
	pageSize = 4096

	// maxBackoff is the cap on the would-block backoff, in ticks.
	maxBackoff = 100

	// interruptDelay is the pause before retrying an interrupted call.
	interruptDelay = 50 * time.Millisecond
)

// Send transmits data to the peer. If cork is true, data may be held in the
// send buffer to be coalesced with later sends; a send with cork false, or
// a call to [Conn.Flush], transmits everything buffered so far. It returns
// the number of bytes of data accepted.
//
// A send that would block is retried with a growing backoff until it makes
// progress, ctx ends, c is shut down, or the SendAbort threshold of the
// config is reached.
func (c *Conn) Send(ctx context.Context, data []byte, cork bool) (int, error) {
	end, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer end()
	return c.send(ctx, data, cork)
}

// Flush transmits any data held in the send buffer.
func (c *Conn) Flush(ctx context.Context) error {
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	return c.flush(ctx)
}

// Recv fills buf with data from the peer, returning once at least minLen
// bytes have arrived. If minLen <= 0 or exceeds len(buf), Recv waits for
// all of buf. If buf == nil, minLen bytes are read and discarded.
//
// A receive that would block is retried in the same manner as [Conn.Send],
// subject to the RecvAbort threshold of the config.
func (c *Conn) Recv(ctx context.Context, buf []byte, minLen int) (int, error) {
	end, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer end()
	if buf == nil {
		return c.discard(ctx, minLen)
	}
	return c.recv(ctx, buf, minLen)
}

func (c *Conn) send(ctx context.Context, data []byte, cork bool) (int, error) {
	if c.wbuf == nil {
		c.wbuf = make([]byte, 0, pageSize)
	}
	if len(c.wbuf)+len(data) > pageSize {
		if err := c.flush(ctx); err != nil {
			return 0, err
		}
	}
	if len(data) >= pageSize {
		// Too large to be worth buffering.
		n, err := c.write(ctx, data)
		if err == nil && !cork && len(c.wbuf) == 0 {
			c.announced = c.announced[:0]
		}
		return n, err
	}
	c.wbuf = append(c.wbuf, data...)
	if !cork {
		if err := c.flush(ctx); err != nil {
			return 0, err
		}
		// Everything sent so far has reached the socket.
		c.announced = c.announced[:0]
	}
	return len(data), nil
}

// flush writes the send buffer to the socket. Bytes that could not be
// written remain at the front of the buffer.
func (c *Conn) flush(ctx context.Context) error {
	if len(c.wbuf) == 0 {
		return nil
	}
	n, err := c.write(ctx, c.wbuf)
	c.wbuf = c.wbuf[:copy(c.wbuf, c.wbuf[n:])]
	return err
}

// A sendMark is a position in the outbound stream.
type sendMark struct {
	written   int64 // bytes written to the socket
	queued    int   // bytes held in the send buffer
	announced int   // schema slots announced
}

func (c *Conn) mark() sendMark {
	return sendMark{written: c.written, queued: len(c.wbuf), announced: len(c.announced)}
}

// unsend withdraws a message that failed after m was taken. Its buffered
// bytes are dropped and the schema slots it announced are released, so a
// later send starts cleanly. If part of the message already reached the
// socket, the peer can no longer follow the stream and c is shut down.
func (c *Conn) unsend(m sendMark) {
	if m.announced < len(c.announced) {
		for _, slot := range c.announced[m.announced:] {
			c.sendCache.Forget(slot)
		}
		c.announced = c.announced[:m.announced]
	}

	flushed := int(c.written - m.written)
	if flushed > m.queued {
		c.log.Warn("partial message sent", zap.Int("bytes", flushed-m.queued))
		c.Shutdown()
		return
	}
	if keep := m.queued - flushed; keep < len(c.wbuf) {
		c.wbuf = c.wbuf[:keep]
	}
}

// write transmits all of data directly to the socket.
func (c *Conn) write(ctx context.Context, data []byte) (int, error) {
	var sent, waits int
	for len(data) > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
		if err := c.check(ctx); err != nil {
			return sent, err
		}
		n, err := c.nc.Write(data)
		data = data[n:]
		sent += n
		c.written += int64(n)
		rootMetrics.bytesSent.Add(int64(n))
		if n > 0 {
			waits = 0
		}
		if err == nil {
			continue
		}
		if err := c.retry(ctx, "send", err, &waits, c.cfg.SendAbort); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (c *Conn) recv(ctx context.Context, buf []byte, minLen int) (int, error) {
	if minLen <= 0 || minLen > len(buf) {
		minLen = len(buf)
	}
	var got, waits int
	for got < minLen {
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.IOTimeout))
		if err := c.check(ctx); err != nil {
			return got, err
		}
		n, err := c.rd.Read(buf[got:])
		got += n
		rootMetrics.bytesRecv.Add(int64(n))
		if n > 0 {
			waits = 0
		} else if err == nil {
			err = ErrPeerClosed
		}
		if err == nil {
			continue
		}
		if err := c.retry(ctx, "receive", err, &waits, c.cfg.RecvAbort); err != nil {
			return got, err
		}
	}
	return got, nil
}

func (c *Conn) discard(ctx context.Context, n int) (int, error) {
	var scratch [pageSize]byte
	var got int
	for got < n {
		m, err := c.recv(ctx, scratch[:min(n-got, len(scratch))], 0)
		got += m
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

// check reports whether a transfer on c may continue.
func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnGone, err)
	}
	if !c.alive.Load() {
		return ErrConnGone
	}
	return nil
}

// retry decides whether a failed socket call can be retried, and sleeps
// before the retry if so. The count of consecutive would-block retries is
// kept in *waits, and limit > 0 bounds it.
func (c *Conn) retry(ctx context.Context, op string, err error, waits *int, limit int) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		// Either the attempt would have blocked, or the deadline was forced
		// by a shutdown or the end of ctx.
		if cerr := c.check(ctx); cerr != nil {
			return cerr
		}
		*waits++
		if op == "send" {
			rootMetrics.sendRetries.Add(1)
		} else {
			rootMetrics.recvRetries.Add(1)
		}
		if limit > 0 && *waits >= limit {
			rootMetrics.aborts.Add(1)
			c.log.Warn(op+" aborted", zap.Int("retries", *waits))
			return fmt.Errorf("%s: %w", op, ErrAborted)
		}
		return c.sleep(ctx, time.Duration(min(*waits, maxBackoff))*c.cfg.Tick)

	case socket.IsInterrupted(err):
		return c.sleep(ctx, interruptDelay)

	case errors.Is(err, io.EOF), errors.Is(err, ErrPeerClosed):
		c.log.Debug(op+": peer closed the connection")
		c.failed()
		return fmt.Errorf("%s: %w", op, ErrPeerClosed)
	}
	c.log.Warn(op+" failed", errFields(err)...)
	c.failed()
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Conn) failed() {
	if c.cfg.ShutdownOnError {
		c.Shutdown()
	}
}

func (c *Conn) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return c.check(ctx)
}
