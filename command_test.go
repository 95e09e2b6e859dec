// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package brickwire_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creachadair/brickwire"
	"github.com/creachadair/brickwire/lamport"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestRequestResponse(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := pair(t, testConfig(), testConfig())
	ctx := t.Context()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	wreq := &brickwire.Request{
		ID: 1, RW: brickwire.Write, Pos: 4096, Len: int32(len(payload)), Prio: 2,
		Checksum: [16]byte{0xff, 0xee}, Data: payload,
	}
	if err := a.SendRequest(ctx, wreq); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	var cmd brickwire.Command
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	if cmd.Op() != brickwire.CmdRequest || !cmd.HasData() || cmd.ID != 1 {
		t.Errorf("RecvCommand: got op %v, data %v, id %d; want request with data for 1",
			cmd.Op(), cmd.HasData(), cmd.ID)
	}
	var got brickwire.Request
	if err := b.RecvRequest(ctx, &got, &cmd); err != nil {
		t.Fatalf("RecvRequest: %v", err)
	}
	if diff := cmp.Diff(&got, wreq); diff != "" {
		t.Errorf("Request (-got, +want):\n%s", diff)
	}

	// Respond to a read with data into the caller's buffer.
	rsp := &brickwire.Request{ID: 2, RW: brickwire.Read, Pos: 0, Len: 5, Data: []byte("hello, world")}
	if err := b.SendResponse(ctx, rsp); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	if err := a.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	if cmd.Op() != brickwire.CmdResponse || !cmd.HasData() {
		t.Errorf("RecvCommand: got op %v, data %v; want response with data", cmd.Op(), cmd.HasData())
	}
	buf := make([]byte, 8)
	rgot := brickwire.Request{Data: buf}
	if err := a.RecvResponse(ctx, &rgot, &cmd); err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	if got := string(buf[:rgot.Len]); got != "hello" {
		t.Errorf("Response payload: got %q, want %q", got, "hello")
	}
}

func TestNoPayload(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := pair(t, testConfig(), testConfig())
	ctx := t.Context()

	// Checksum mode 2 and above omits the payload.
	req := &brickwire.Request{RW: brickwire.Write, Len: 4, CsMode: 2, Data: []byte("data")}
	if err := a.SendRequest(ctx, req); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	var cmd brickwire.Command
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	if cmd.HasData() {
		t.Error("Command has data, want none")
	}
	var got brickwire.Request
	if err := b.RecvRequest(ctx, &got, &cmd); err != nil {
		t.Fatalf("RecvRequest: %v", err)
	}
	if got.Data != nil {
		t.Errorf("RecvRequest: got data %q, want none", got.Data)
	}
}

func TestResponseNoBuffer(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := pair(t, testConfig(), testConfig())
	ctx := t.Context()

	rsp := &brickwire.Request{RW: brickwire.Read, Len: 100, Data: bytes.Repeat([]byte("x"), 100)}
	if err := b.SendResponse(ctx, rsp); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	text := "still here"
	if err := b.SendCommand(ctx, &brickwire.Command{Text: &text}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	var cmd brickwire.Command
	if err := a.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	var got brickwire.Request
	if err := a.RecvResponse(ctx, &got, &cmd); !errors.Is(err, brickwire.ErrNoBuffer) {
		t.Errorf("RecvResponse: got %v, want %v", err, brickwire.ErrNoBuffer)
	}

	// The payload was skipped, so the next command is intact.
	if err := a.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	if cmd.Op() != brickwire.CmdNop || cmd.Text == nil || *cmd.Text != text {
		t.Errorf("RecvCommand: got %v %v, want nop %q", cmd.Op(), cmd.Text, text)
	}
}

func TestRequestTooLarge(t *testing.T) {
	defer leaktest.Check(t)()
	bcfg := testConfig()
	bcfg.MaxPayload = 1024
	a, b := pair(t, testConfig(), bcfg)
	ctx := t.Context()

	big := bytes.Repeat([]byte("z"), 2048)
	if err := a.SendRequest(ctx, &brickwire.Request{ID: 1, RW: brickwire.Write, Len: int32(len(big)), Data: big}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := a.SendCommand(ctx, &brickwire.Command{ID: 2}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	var cmd brickwire.Command
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	var req brickwire.Request
	if err := b.RecvRequest(ctx, &req, &cmd); !errors.Is(err, brickwire.ErrPayloadTooLarge) {
		t.Errorf("RecvRequest: got %v, want %v", err, brickwire.ErrPayloadTooLarge)
	}
	if req.ID != 1 || req.Data != nil {
		t.Errorf("RecvRequest: got id %d with %d bytes, want id 1 with no data", req.ID, len(req.Data))
	}

	// The payload was skipped, so the next command is intact.
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	if cmd.Op() != brickwire.CmdNop || cmd.ID != 2 {
		t.Errorf("RecvCommand: got %v for id %d, want nop for 2", cmd.Op(), cmd.ID)
	}

	// Lifting the limit admits the same payload.
	b.SetMaxPayload(0)
	if err := a.SendRequest(ctx, &brickwire.Request{ID: 3, RW: brickwire.Write, Len: int32(len(big)), Data: big}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	req = brickwire.Request{}
	if err := b.RecvRequest(ctx, &req, &cmd); err != nil {
		t.Fatalf("RecvRequest: %v", err)
	}
	if !bytes.Equal(req.Data, big) {
		t.Errorf("RecvRequest: got %d bytes, want %d", len(req.Data), len(big))
	}
}

func TestSendRequestCancelled(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := pair(t, testConfig(), testConfig())
	ctx := t.Context()

	dead, cancel := context.WithCancel(ctx)
	cancel()
	lost := &brickwire.Request{ID: 1, RW: brickwire.Write, Len: 4, Data: []byte("lost")}
	if err := a.SendRequest(dead, lost); !errors.Is(err, brickwire.ErrConnGone) {
		t.Fatalf("SendRequest: got %v, want %v", err, brickwire.ErrConnGone)
	}

	// Nothing of the failed request reaches the peer, and the schemas it
	// would have announced are announced by the next request instead.
	kept := &brickwire.Request{ID: 2, RW: brickwire.Write, Len: 4, Data: []byte("kept")}
	if err := a.SendRequest(ctx, kept); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	var cmd brickwire.Command
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	if cmd.Op() != brickwire.CmdRequest || cmd.ID != 2 {
		t.Errorf("RecvCommand: got %v for id %d, want request for 2", cmd.Op(), cmd.ID)
	}
	var got brickwire.Request
	if err := b.RecvRequest(ctx, &got, &cmd); err != nil {
		t.Fatalf("RecvRequest: %v", err)
	}
	if diff := cmp.Diff(&got, kept); diff != "" {
		t.Errorf("Request (-got, +want):\n%s", diff)
	}
}

func TestRecvWrongRecord(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := pair(t, testConfig(), testConfig())
	ctx := t.Context()

	for id := range int32(3) {
		if err := a.SendCommand(ctx, &brickwire.Command{ID: id + 10}); err != nil {
			t.Fatalf("SendCommand %d: %v", id, err)
		}
	}

	var cmd brickwire.Command
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	} else if cmd.ID != 10 {
		t.Errorf("RecvCommand: got id %d, want 10", cmd.ID)
	}

	// Receiving a command as a request keeps only the fields they share.
	var req brickwire.Request
	if _, err := b.RecvRecord(ctx, &req, brickwire.RequestMeta()); err != nil {
		t.Fatalf("RecvRecord: %v", err)
	}
	if diff := cmp.Diff(req, brickwire.Request{ID: 11}); diff != "" {
		t.Errorf("Request (-got, +want):\n%s", diff)
	}

	// The cached command schema still decodes commands.
	cmd = brickwire.Command{}
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	} else if cmd.ID != 12 || cmd.Op() != brickwire.CmdNop {
		t.Errorf("RecvCommand: got %v for id %d, want nop for 12", cmd.Op(), cmd.ID)
	}
}

func TestSendRequestErrors(t *testing.T) {
	defer leaktest.Check(t)()
	a, _ := pair(t, testConfig(), testConfig())

	req := &brickwire.Request{RW: brickwire.Write, Len: 10, Data: []byte("short")}
	if err := a.SendRequest(t.Context(), req); err == nil {
		t.Error("SendRequest with a short payload: got nil error, want error")
	}
}

func TestInfo(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := pair(t, testConfig(), testConfig())
	ctx := t.Context()

	want := brickwire.Info{CurrentSize: 1 << 30, Align: 512, MinSize: 4096}
	if err := b.SendInfo(ctx, &want); err != nil {
		t.Fatalf("SendInfo: %v", err)
	}
	var cmd brickwire.Command
	if err := a.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	} else if cmd.Op() != brickwire.CmdInfo {
		t.Fatalf("RecvCommand: got %v, want %v", cmd.Op(), brickwire.CmdInfo)
	}
	var got brickwire.Info
	if err := a.RecvInfo(ctx, &got); err != nil {
		t.Fatalf("RecvInfo: %v", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Info (-got, +want):\n%s", diff)
	}
}

func TestCommandStamp(t *testing.T) {
	defer leaktest.Check(t)()

	// The sender's clock runs an hour ahead of the receiver's.
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	acfg, bcfg := testConfig(), testConfig()
	acfg.Clock = &lamport.Clock{Wall: func() time.Time { return base.Add(time.Hour) }}
	bcfg.Clock = &lamport.Clock{Wall: func() time.Time { return base }}
	a, b := pair(t, acfg, bcfg)
	ctx := t.Context()

	if err := a.SendCommand(ctx, &brickwire.Command{}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	var cmd brickwire.Command
	if err := b.RecvCommand(ctx, &cmd); err != nil {
		t.Fatalf("RecvCommand: %v", err)
	}
	sent := cmd.Stamp.Time()
	if !sent.Equal(base.Add(time.Hour)) {
		t.Errorf("Stamp: got %v, want %v", sent, base.Add(time.Hour))
	}
	if next := bcfg.Clock.Now(); !next.After(sent) {
		t.Errorf("Receiver clock: got %v, want after %v", next, sent)
	}
}

func TestOpcode(t *testing.T) {
	tests := []struct {
		code int32
		op   brickwire.Opcode
		data bool
	}{
		{0, brickwire.CmdNop, false},
		{int32(brickwire.CmdRequest) | brickwire.FlagHasData, brickwire.CmdRequest, true},
		{int32(brickwire.CmdResponse), brickwire.CmdResponse, false},
		{int32(brickwire.CmdInfo), brickwire.CmdInfo, false},
	}
	for _, tc := range tests {
		cmd := brickwire.Command{Code: tc.code}
		if cmd.Op() != tc.op || cmd.HasData() != tc.data {
			t.Errorf("Code %#x: got (%v, %v), want (%v, %v)", tc.code, cmd.Op(), cmd.HasData(), tc.op, tc.data)
		}
	}
	if got := brickwire.Opcode(77).String(); got != "opcode(77)" {
		t.Errorf("String: got %q, want %q", got, "opcode(77)")
	}
}

func TestCommandMetas(t *testing.T) {
	// The names of the command records are part of the wire format.
	var names []string
	for _, f := range brickwire.CommandMeta().Fields {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff(names, []string{"stamp", "code", "id", "text"}); diff != "" {
		t.Errorf("Command fields (-got, +want):\n%s", diff)
	}
	for _, f := range brickwire.RequestMeta().Fields {
		if f.Name == "Data" || f.Name == "-" {
			t.Errorf("Request meta includes the payload field %q", f.Name)
		}
	}
	if n := len(brickwire.InfoMeta().Fields); n != 3 {
		t.Errorf("Info has %d fields, want 3", n)
	}
}
