// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler serves block I/O requests arriving on brickwire
// connections, and issues such requests to a remote peer.
//
// The serving side is [Serve], which dispatches each request to a [Func].
// A [Store] provides a Func backed by an io.ReaderAt and io.WriterAt, such
// as an *os.File. The requesting side is a [Remote], which satisfies the
// io.ReaderAt and io.WriterAt interfaces over a connection.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/creachadair/brickwire"
	"go.uber.org/zap"
)

// MaxTransfer is the largest payload accepted in a single request.
const MaxTransfer = 1 << 20

// A Func handles one request, updating req in place to form the response.
// For a read, the handler sets req.Data to the bytes read. An error reported
// by the handler is returned to the peer as the status of the response.
type Func func(ctx context.Context, req *brickwire.Request) error

// Serve receives requests on c and dispatches each to h, sending its
// response back, until c is closed or ctx ends. If info != nil, it is sent
// to the peer before the first request is received.
//
// Serve limits request payloads on c to [MaxTransfer]. A request with a
// larger payload is answered with EINVAL without calling h.
//
// Serve returns nil when the peer closes the connection.
func Serve(ctx context.Context, c *brickwire.Conn, info *brickwire.Info, h Func) error {
	c.SetMaxPayload(MaxTransfer)
	if info != nil {
		if err := c.SendInfo(ctx, info); err != nil {
			return err
		}
	}
	for {
		var cmd brickwire.Command
		if err := c.RecvCommand(ctx, &cmd); err != nil {
			if brickwire.IsClosed(err) {
				return nil
			}
			return err
		}
		switch cmd.Op() {
		case brickwire.CmdNop:
			continue

		case brickwire.CmdInfo:
			// The peer announced its own device; we have no use for it.
			if err := c.RecvInfo(ctx, new(brickwire.Info)); err != nil {
				return err
			}

		case brickwire.CmdRequest:
			var req brickwire.Request
			err := c.RecvRequest(ctx, &req, &cmd)
			switch {
			case errors.Is(err, brickwire.ErrPayloadTooLarge):
				err = fmt.Errorf("request %d: %w", req.ID, syscall.EINVAL)
			case err != nil:
				return err
			default:
				err = h(ctx, &req)
			}
			if err != nil {
				brickwire.Logger().Debug("request failed", zap.String("conn", c.ID()),
					zap.Int32("id", req.ID), zap.Error(err))
				req.Error = Status(err)
			}
			if req.RW != brickwire.Read || req.Error != 0 {
				req.Data = nil // nothing to return
			}
			if err := c.SendResponse(ctx, &req); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unexpected %v command", cmd.Op())
		}
	}
}

// Status returns the response status denoting err: zero for nil, otherwise
// a negated errno value. Errors that do not carry an errno map to EIO.
func Status(err error) int32 {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}

// StatusError returns the error denoted by the response status st, or nil
// if st is zero.
func StatusError(st int32) error {
	if st == 0 {
		return nil
	}
	return syscall.Errno(-st)
}

// A Store is a device served from an io.ReaderAt and io.WriterAt.
type Store struct {
	R io.ReaderAt
	W io.WriterAt // if nil, the store is read-only

	Size    int64 // device size in bytes
	Align   int32 // transfer alignment; 0 means 1
	MinSize int32 // minimum transfer size; 0 means 1
}

// Info returns the description of s announced to peers.
func (s *Store) Info() *brickwire.Info {
	return &brickwire.Info{CurrentSize: s.Size, Align: max(s.Align, 1), MinSize: max(s.MinSize, 1)}
}

// Serve serves requests for s on c. It has the signature of a peers.Handler.
func (s *Store) Serve(ctx context.Context, c *brickwire.Conn) error {
	return Serve(ctx, c, s.Info(), s.Handle)
}

// Handle performs req against s.
func (s *Store) Handle(ctx context.Context, req *brickwire.Request) error {
	if err := s.check(req); err != nil {
		return err
	}
	switch req.RW {
	case brickwire.Read:
		// Reads stop at the end of the device.
		n := min(int64(req.Len), s.Size-req.Pos)
		buf := make([]byte, max(n, 0))
		nr, err := s.R.ReadAt(buf, req.Pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		req.Data = buf[:nr]
		req.Len = int32(nr)
		return nil

	case brickwire.Write:
		if s.W == nil {
			return syscall.EROFS
		}
		_, err := s.W.WriteAt(req.Data[:req.Len], req.Pos)
		return err
	}
	return fmt.Errorf("unknown direction %d: %w", req.RW, syscall.EINVAL)
}

func (s *Store) check(req *brickwire.Request) error {
	if req.Pos < 0 || req.Len < 0 || req.Len > MaxTransfer {
		return fmt.Errorf("invalid extent %d+%d: %w", req.Pos, req.Len, syscall.EINVAL)
	}
	if a := int64(max(s.Align, 1)); req.Pos%a != 0 {
		return fmt.Errorf("position %d not aligned to %d: %w", req.Pos, a, syscall.EINVAL)
	}
	if req.Len < max(s.MinSize, 1) && req.Len != 0 {
		return fmt.Errorf("length %d below minimum %d: %w", req.Len, s.MinSize, syscall.EINVAL)
	}
	if req.RW == brickwire.Write && (req.Pos+int64(req.Len) > s.Size) {
		return fmt.Errorf("write %d+%d beyond end %d: %w", req.Pos, req.Len, s.Size, syscall.ENOSPC)
	}
	if req.RW == brickwire.Write && len(req.Data) < int(req.Len) {
		return fmt.Errorf("write of %d bytes with %d-byte payload: %w", req.Len, len(req.Data), syscall.EINVAL)
	}
	return nil
}

// A Remote issues requests to a peer running [Serve]. Requests are sent one
// at a time; a Remote is safe for concurrent use.
type Remote struct {
	c    *brickwire.Conn
	info brickwire.Info

	μ      sync.Mutex
	nextID int32
}

// Open returns a Remote for the device served on c, after receiving the
// device description the server sends first.
func Open(ctx context.Context, c *brickwire.Conn) (*Remote, error) {
	var cmd brickwire.Command
	if err := c.RecvCommand(ctx, &cmd); err != nil {
		return nil, err
	} else if cmd.Op() != brickwire.CmdInfo {
		return nil, fmt.Errorf("open: got %v command, want %v", cmd.Op(), brickwire.CmdInfo)
	}
	r := &Remote{c: c}
	if err := c.RecvInfo(ctx, &r.info); err != nil {
		return nil, err
	}
	return r, nil
}

// Info returns the device description announced by the server.
func (r *Remote) Info() brickwire.Info { return r.info }

// Size returns the size of the remote device in bytes.
func (r *Remote) Size() int64 { return r.info.CurrentSize }

// Do sends req to the server and updates it from the response. For a read,
// req.Data must have room for req.Len bytes. A non-zero response status is
// reported as an error.
func (r *Remote) Do(ctx context.Context, req *brickwire.Request) error {
	r.μ.Lock()
	defer r.μ.Unlock()

	r.nextID++
	req.ID = r.nextID
	if err := r.c.SendRequest(ctx, req); err != nil {
		return err
	}
	var cmd brickwire.Command
	if err := r.c.RecvCommand(ctx, &cmd); err != nil {
		return err
	}
	if cmd.Op() != brickwire.CmdResponse || cmd.ID != req.ID {
		return fmt.Errorf("got %v command for id %d, want response for %d", cmd.Op(), cmd.ID, req.ID)
	}
	if err := r.c.RecvResponse(ctx, req, &cmd); err != nil {
		return err
	}
	return StatusError(req.Error)
}

// ReadAtContext reads len(p) bytes from offset off of the remote device.
// It follows the contract of io.ReaderAt.
func (r *Remote) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	var nr int
	for nr < len(p) {
		n := min(len(p)-nr, MaxTransfer)
		req := &brickwire.Request{RW: brickwire.Read, Pos: off + int64(nr), Len: int32(n), Data: p[nr : nr+n]}
		if err := r.Do(ctx, req); err != nil {
			return nr, err
		}
		nr += int(req.Len)
		if int(req.Len) < n {
			return nr, io.EOF
		}
	}
	return nr, nil
}

// WriteAtContext writes p at offset off of the remote device. It follows
// the contract of io.WriterAt.
func (r *Remote) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	var nw int
	for nw < len(p) {
		n := min(len(p)-nw, MaxTransfer)
		req := &brickwire.Request{RW: brickwire.Write, MayWrite: 1, Pos: off + int64(nw), Len: int32(n), Data: p[nw : nw+n]}
		if err := r.Do(ctx, req); err != nil {
			return nw, err
		}
		nw += n
	}
	return nw, nil
}

// ReadAt implements io.ReaderAt.
func (r *Remote) ReadAt(p []byte, off int64) (int, error) {
	return r.ReadAtContext(context.Background(), p, off)
}

// WriteAt implements io.WriterAt.
func (r *Remote) WriteAt(p []byte, off int64) (int, error) {
	return r.WriteAtContext(context.Background(), p, off)
}
