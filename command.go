// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package brickwire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/brickwire/schema"
	"go.uber.org/zap"
)

// Opcode identifies the kind of a command.
type Opcode int32

const (
	CmdNop      Opcode = iota // no operation
	CmdRequest                // a Request record follows
	CmdResponse               // a Request record follows, carrying a result
	CmdInfo                   // an Info record follows

	// FlagHasData is set in the code of a command whose record is followed
	// by a raw payload.
	FlagHasData = 0x100

	opcodeMask = 0xff
)

var opcodeNames = [...]string{"nop", "request", "response", "info"}

func (o Opcode) String() string {
	if o >= 0 && int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("opcode(%d)", int32(o))
}

// A Stamp is a logical timestamp.
type Stamp struct {
	Sec  int64 `brick:"tv_sec"`
	Nsec int64 `brick:"tv_nsec"`
}

// StampOf returns the stamp of t.
func StampOf(t time.Time) Stamp { return Stamp{Sec: t.Unix(), Nsec: int64(t.Nanosecond())} }

// Time returns the time denoted by s.
func (s Stamp) Time() time.Time { return time.Unix(s.Sec, s.Nsec) }

// A Command introduces each message exchanged between peers.
type Command struct {
	Stamp Stamp   `brick:"stamp"`
	Code  int32   `brick:"code"` // opcode, possibly with FlagHasData
	ID    int32   `brick:"id"`   // correlation id
	Text  *string `brick:"text"` // optional
}

// Op returns the opcode of c.
func (c *Command) Op() Opcode { return Opcode(c.Code & opcodeMask) }

// HasData reports whether the record following c is followed by a payload.
func (c *Command) HasData() bool { return c.Code&FlagHasData != 0 }

// Transfer directions of a Request.
const (
	Read  = 0
	Write = 1
)

// A Request describes a block I/O operation and, in a response, its result.
type Request struct {
	Error     int32    `brick:"error"` // result status, 0 for success
	Pos       int64    `brick:"pos"`
	Len       int32    `brick:"len"`
	MayWrite  int32    `brick:"may_write"`
	Prio      int32    `brick:"prio"`
	CsMode    int32    `brick:"cs_mode"` // checksum mode; >= 2 omits the payload
	Timeout   int32    `brick:"timeout"` // milliseconds
	TotalSize int64    `brick:"total_size"`
	Checksum  [16]byte `brick:"checksum"`
	Flags     uint32   `brick:"flags"`
	RW        int32    `brick:"rw"` // Read or Write
	ID        int32    `brick:"id"`

	// Data is the payload. It is not part of the record; it is sent after
	// the record when the command carries FlagHasData.
	Data []byte `brick:"-"`
}

// Info describes the device behind a peer.
type Info struct {
	CurrentSize int64 `brick:"current_size"`
	Align       int32 `brick:"tf_align"`
	MinSize     int32 `brick:"tf_min_size"`
}

var (
	commandMeta = schema.MustDerive[Command]("command")
	requestMeta = schema.MustDerive[Request]("request")
	infoMeta    = schema.MustDerive[Info]("info")
)

// CommandMeta, RequestMeta, and InfoMeta return the record descriptions
// used by the command layer.
func CommandMeta() *schema.Meta { return commandMeta }
func RequestMeta() *schema.Meta { return requestMeta }
func InfoMeta() *schema.Meta    { return infoMeta }

// SendCommand sends cmd by itself. If cmd has no stamp, it is stamped from
// the clock of the connection.
func (c *Conn) SendCommand(ctx context.Context, cmd *Command) error {
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	c.cmdμ.Lock()
	defer c.cmdμ.Unlock()
	return c.sendCommand(ctx, cmd, false)
}

func (c *Conn) sendCommand(ctx context.Context, cmd *Command, cork bool) error {
	if cmd.Stamp == (Stamp{}) {
		cmd.Stamp = StampOf(c.cfg.clock().Now())
	}
	if _, err := c.sendRecord(ctx, cmd, commandMeta, cork); err != nil {
		return fmt.Errorf("send %v command: %w", cmd.Op(), err)
	}
	rootMetrics.commandsSent.Add(1)
	return nil
}

// SendRequest sends req to the peer as a request. For a write whose checksum
// mode is less than 2, the first req.Len bytes of req.Data are sent too.
func (c *Conn) SendRequest(ctx context.Context, req *Request) error {
	hasData := req.RW != Read && req.Data != nil && req.CsMode < 2
	return c.sendRequest(ctx, CmdRequest, req, hasData)
}

// SendResponse sends req to the peer as the response to a request. For a
// read whose checksum mode is less than 2, the first req.Len bytes of
// req.Data are sent too.
func (c *Conn) SendResponse(ctx context.Context, req *Request) error {
	hasData := req.RW == Read && req.Data != nil && req.CsMode < 2
	return c.sendRequest(ctx, CmdResponse, req, hasData)
}

func (c *Conn) sendRequest(ctx context.Context, op Opcode, req *Request, hasData bool) error {
	if hasData && (req.Len < 0 || int(req.Len) > len(req.Data)) {
		return fmt.Errorf("send %v: length %d exceeds payload of %d bytes", op, req.Len, len(req.Data))
	}
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	c.cmdμ.Lock()
	defer c.cmdμ.Unlock()

	cmd := &Command{Code: int32(op), ID: req.ID}
	if hasData {
		cmd.Code |= FlagHasData
	}
	mark := c.mark()
	if err := c.sendCommand(ctx, cmd, true); err != nil {
		c.unsend(mark)
		return err
	}
	if _, err := c.sendRecord(ctx, req, requestMeta, hasData); err != nil {
		c.unsend(mark)
		return fmt.Errorf("send %v: %w", op, err)
	}
	if hasData {
		if _, err := c.send(ctx, req.Data[:req.Len], false); err != nil {
			c.unsend(mark)
			return fmt.Errorf("send %v payload: %w", op, err)
		}
	}
	return nil
}

// RecvCommand receives the next command from the peer into cmd, and
// advances the clock of the connection past its stamp. The record that
// follows the command must then be received with the method matching its
// opcode, e.g., [Conn.RecvRequest] for [CmdRequest].
func (c *Conn) RecvCommand(ctx context.Context, cmd *Command) error {
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	*cmd = Command{}
	n, err := c.recvRecord(ctx, cmd, commandMeta)
	if err != nil {
		return fmt.Errorf("receive command: %w", err)
	} else if n == 0 {
		return errors.New("receive command: unexpected end of records")
	}
	c.cfg.clock().Observe(cmd.Stamp.Time())
	rootMetrics.commandsRecv.Add(1)
	return nil
}

// RecvRequest receives the request that follows cmd into req. If cmd
// carries a payload and req.Data is nil, a buffer of req.Len bytes is
// allocated for it. A payload larger than the limit set by
// [Config.MaxPayload] is discarded, and RecvRequest reports
// [ErrPayloadTooLarge] with the request record filled in.
func (c *Conn) RecvRequest(ctx context.Context, req *Request, cmd *Command) error {
	return c.recvRequest(ctx, req, cmd, true)
}

// RecvResponse receives the response that follows cmd into req. If cmd
// carries a payload, req.Data must have room for it, as when the request
// was sent; otherwise the payload is discarded and RecvResponse reports
// [ErrNoBuffer].
func (c *Conn) RecvResponse(ctx context.Context, req *Request, cmd *Command) error {
	return c.recvRequest(ctx, req, cmd, false)
}

func (c *Conn) recvRequest(ctx context.Context, req *Request, cmd *Command, alloc bool) error {
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	op := cmd.Op()
	if _, err := c.recvRecord(ctx, req, requestMeta); err != nil {
		return fmt.Errorf("receive %v: %w", op, err)
	}
	if !cmd.HasData() {
		return nil
	}
	if req.Len < 0 {
		return fmt.Errorf("receive %v: invalid payload length %d", op, req.Len)
	}
	if limit := c.maxPayload.Load(); limit > 0 && int64(req.Len) > limit {
		c.log.Warn("payload too large", zap.Stringer("op", op), zap.Int32("len", req.Len),
			zap.Int64("limit", limit))
		if _, err := c.discard(ctx, int(req.Len)); err != nil {
			return fmt.Errorf("receive %v payload: %w", op, err)
		}
		return fmt.Errorf("receive %v payload: %w", op, ErrPayloadTooLarge)
	}
	if req.Data == nil && alloc {
		req.Data = make([]byte, req.Len)
	}
	if len(req.Data) < int(req.Len) {
		c.log.Warn("no buffer for payload", zap.Stringer("op", op), zap.Int32("len", req.Len),
			zap.Int("buffer", len(req.Data)))
		if _, err := c.discard(ctx, int(req.Len)); err != nil {
			return fmt.Errorf("receive %v payload: %w", op, err)
		}
		return fmt.Errorf("receive %v payload: %w", op, ErrNoBuffer)
	}
	if _, err := c.recv(ctx, req.Data[:req.Len], int(req.Len)); err != nil {
		c.log.Warn("payload receive failed", append(errFields(err), zap.Int32("len", req.Len))...)
		return fmt.Errorf("receive %v payload: %w", op, err)
	}
	return nil
}

// SendInfo sends info to the peer, introduced by a [CmdInfo] command.
func (c *Conn) SendInfo(ctx context.Context, info *Info) error {
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()
	c.cmdμ.Lock()
	defer c.cmdμ.Unlock()
	mark := c.mark()
	if err := c.sendCommand(ctx, &Command{Code: int32(CmdInfo)}, true); err != nil {
		c.unsend(mark)
		return err
	}
	if _, err := c.sendRecord(ctx, info, infoMeta, false); err != nil {
		c.unsend(mark)
		return fmt.Errorf("send info: %w", err)
	}
	return nil
}

// RecvInfo receives the info record that follows a [CmdInfo] command.
func (c *Conn) RecvInfo(ctx context.Context, info *Info) error {
	if _, err := c.RecvRecord(ctx, info, infoMeta); err != nil {
		return fmt.Errorf("receive info: %w", err)
	}
	return nil
}
