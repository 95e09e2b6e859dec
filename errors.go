// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package brickwire

import (
	"errors"
	"io"
	"net"

	"github.com/creachadair/brickwire/codec"
	"github.com/creachadair/brickwire/schema"
)

var (
	// ErrConnGone is reported for a transfer on a connection that is shut
	// down or released, or whose context ended.
	ErrConnGone = errors.New("connection is gone")

	// ErrAborted is reported when a transfer exceeds its limit of
	// consecutive would-block retries.
	ErrAborted = errors.New("transfer aborted after too many retries")

	// ErrPeerClosed is reported when the peer closes its end of the
	// connection during a receive.
	ErrPeerClosed = errors.New("connection closed by peer")

	// ErrBadMagic is reported when a frame header does not begin with the
	// frame magic in either byte order.
	ErrBadMagic = errors.New("bad frame magic")

	// ErrMissingSchema is reported when a frame refers to a schema slot that
	// the peer never announced.
	ErrMissingSchema = errors.New("frame refers to an unknown schema")

	// ErrHandshake is reported when a new connection fails the protocol
	// handshake.
	ErrHandshake = errors.New("handshake failed")

	// ErrNoBuffer is reported when a response carries a payload but the
	// caller supplied no buffer to receive it.
	ErrNoBuffer = errors.New("no buffer for response payload")

	// ErrPayloadTooLarge is reported when a request carries a payload larger
	// than the receiver accepts. The payload is discarded.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Errors reported by the schema and codec packages, re-exported for
// convenience.
var (
	ErrBadSlot         = schema.ErrBadSlot
	ErrCacheFull       = schema.ErrCacheFull
	ErrSignReduce      = codec.ErrSignReduce
	ErrIntOverflow     = codec.ErrIntOverflow
	ErrUnsupportedKind = codec.ErrUnsupportedKind
	ErrSizeMismatch    = codec.ErrSizeMismatch
)

// IsClosed reports whether err indicates an orderly end of the connection
// rather than a failure.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrPeerClosed)
}
