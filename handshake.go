// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package brickwire

import (
	"context"
	"fmt"

	"github.com/creachadair/brickwire/codec"
	"github.com/creachadair/brickwire/schema"
	"go.uber.org/zap"
)

// handshake exchanges protocol versions with the peer and sets up the
// schema caches. Each side sends a single byte holding its version, then
// reads the peer's. A connection sends with the lesser of the two.
func (c *Conn) handshake(ctx context.Context) error {
	end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	if _, err := c.send(ctx, []byte{c.cfg.Version}, false); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	var peer [1]byte
	if _, err := c.recv(ctx, peer[:], 1); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if peer[0] == 0 {
		c.log.Warn("invalid peer protocol version", zap.Uint8("version", peer[0]))
		return fmt.Errorf("%w: invalid peer version %d", ErrHandshake, peer[0])
	}
	c.recvProto = peer[0]
	c.sendProto = min(c.cfg.Version, peer[0])
	if c.sendProto < c.cfg.Version {
		c.log.Info("peer uses an older protocol",
			zap.Uint8("local", c.cfg.Version), zap.Uint8("peer", peer[0]))
	}

	big := codec.IsBigEndian(c.order)
	c.sendCache = schema.NewSendCache(c.cfg.CacheSlots, uint16(c.sendProto), big)
	c.recvCache = schema.NewRecvCache(c.cfg.CacheSlots)
	return nil
}
