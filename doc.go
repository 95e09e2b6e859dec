// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package brickwire implements the wire transport used by the peers of a
// clustered block-storage replication engine.
//
// Peers exchange structured records over reliable stream connections. Each
// record type is described by a [schema.Meta]. The first time a record of a
// given type is sent on a connection, it carries a self-describing schema
// that the receiver caches; later records of the same type refer to the
// cached schema by slot. Receivers match the sender's fields to their own by
// name, so peers running different versions of the software can still
// exchange records on a best-effort basis: fields unknown to the receiver
// are skipped, and fields unknown to the sender are left unchanged.
//
// Integers are sent in the byte order of the sender and converted by the
// receiver. A field may declare a wire size different from its size in
// memory. Values are narrowed or widened as needed, but never silently
// truncated: a value that does not fit is reported as an error.
//
// # Connections
//
// The core type defined by this package is the [Conn]. To connect to a peer:
//
//	c, err := brickwire.Dial(ctx, "10.0.0.5:7777", brickwire.DefaultConfig())
//	if err != nil {
//	   log.Fatalf("Dial: %v", err)
//	}
//	defer c.Close()
//
// To accept connections from peers, use [Listen] and [Listener.Accept]. The
// peers package provides an accept loop.
//
// A Conn is reference counted. Goroutines that share a Conn take a reference
// with [Conn.Acquire] and return it with [Conn.Release]; the socket is
// closed when the last reference is released. [Conn.Shutdown] stops all
// transfers on the connection immediately.
//
// # Records
//
// To transfer a record, describe its type once and send pointers to values
// of that type:
//
//	type Extent struct {
//	   Pos  int64
//	   Len  int32 `brick:"len,wire=8"`
//	   Name string
//	}
//
//	var extentMeta = schema.MustDerive[Extent]("extent")
//
//	n, err := c.SendRecord(ctx, &Extent{Pos: 4096, Len: 512}, extentMeta, false)
//
// The receiver does the same with its own description of the type:
//
//	var e Extent
//	n, err := c.RecvRecord(ctx, &e, extentMeta)
//
// A nil record marks the end of a sequence. Use [SendList] and [RecvList] to
// transfer a whole sequence.
//
// # Commands
//
// Block I/O is carried by commands. Each [Command] is stamped by a logical
// clock and followed by a record identified by its opcode, and possibly by a
// raw payload. See [Conn.SendRequest], [Conn.SendResponse], and
// [Conn.RecvCommand].
//
// # Metrics
//
// Connections maintain a collection of metrics, shared globally. Use
// [Metrics] to obtain an [expvar.Map] containing them:
//
//   - conns_active: gauge of connections not yet released
//   - conns_opened: counter of connections established
//   - bytes_sent, bytes_received: counters of bytes transferred
//   - records_sent, records_received: counters of records transferred
//   - schemas_sent, schemas_received: counters of schemas exchanged
//   - send_retries, recv_retries: counters of would-block retries
//   - transfers_aborted: counter of transfers that exceeded a retry limit
//   - fields_missing: counter of local fields absent from a peer schema
//   - commands_sent, commands_received: counters of commands transferred
//
// It is safe for the caller to add entries to the metrics map.
package brickwire
