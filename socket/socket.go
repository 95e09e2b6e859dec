// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package socket provides address parsing and socket tuning for the stream
// connections used by brickwire peers.
package socket

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultPort is the port used when an address does not specify one.
const DefaultPort = 7777

// ParseAddress parses an address of the form "A.B.C.D[:port]", ":port", or
// "" into a TCP address. An empty host means all interfaces. If the port is
// omitted, defaultPort is used.
//
// If translate != nil, it is called with the host portion of the address and
// its result replaces the host before parsing. This allows symbolic peer
// names to be mapped to IP addresses. The result may include a port, which
// applies unless s has its own.
func ParseAddress(s string, defaultPort int, translate func(string) string) (*net.TCPAddr, error) {
	host, port, hasPort := strings.Cut(s, ":")
	if translate != nil && host != "" {
		thost, tport, ok := strings.Cut(translate(host), ":")
		host = thost
		if ok && !hasPort {
			port, hasPort = tport, true
		}
	}

	addr := &net.TCPAddr{IP: net.IPv4zero, Port: defaultPort}
	if host != "" {
		ip, err := netip.ParseAddr(host)
		if err != nil || !ip.Is4() {
			return nil, fmt.Errorf("invalid address %q: host must be an IPv4 address", s)
		}
		addr.IP = net.IP(ip.AsSlice())
	}
	if hasPort {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: bad port %q", s, port)
		}
		addr.Port = int(p)
	}
	return addr, nil
}

// Options are the tuning parameters applied to each socket.
type Options struct {
	// SendBuffer and RecvBuffer are the socket buffer sizes in bytes.
	// Zero leaves the system default.
	SendBuffer int
	RecvBuffer int

	// TOS is the IP type-of-service byte. On Linux it also sets the socket
	// priority.
	TOS int

	// NoDelay disables Nagle's algorithm.
	NoDelay bool

	// Keep-alive probing: idle time before the first probe, interval
	// between probes, and number of unanswered probes before the
	// connection is dropped. KeepIdle <= 0 disables keep-alive.
	KeepIdle     time.Duration
	KeepInterval time.Duration
	KeepCount    int
}

// IPTOSLowDelay is the "minimize delay" type-of-service value.
const IPTOSLowDelay = 0x10

// DefaultOptions returns the default tuning, sized for long-distance
// replication traffic.
func DefaultOptions() Options {
	return Options{
		SendBuffer:   8 << 20,
		RecvBuffer:   8 << 20,
		TOS:          IPTOSLowDelay,
		KeepIdle:     4 * time.Second,
		KeepInterval: 3 * time.Second,
		KeepCount:    3,
	}
}

func (o Options) keepAlive() net.KeepAliveConfig {
	if o.KeepIdle <= 0 {
		return net.KeepAliveConfig{Enable: false}
	}
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     o.KeepIdle,
		Interval: o.KeepInterval,
		Count:    o.KeepCount,
	}
}

// Control applies the raw socket options of o to c. It has the signature
// of the Control hook of [net.Dialer] and [net.ListenConfig], so options
// take effect before connect or listen.
func (o Options) Control(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) { serr = setOptions(fd, o) }); err != nil {
		return err
	}
	return serr
}

// Dialer returns a dialer that applies o to new connections.
func (o Options) Dialer() *net.Dialer {
	return &net.Dialer{
		Control:         o.Control,
		KeepAliveConfig: o.keepAlive(),
	}
}

// Listen opens a TCP listener on addr whose accepted connections inherit
// the socket options of o.
func (o Options) Listen(ctx context.Context, addr *net.TCPAddr) (*net.TCPListener, error) {
	lc := net.ListenConfig{
		Control:         o.Control,
		KeepAliveConfig: o.keepAlive(),
	}
	lst, err := lc.Listen(ctx, "tcp4", addr.String())
	if err != nil {
		return nil, err
	}
	return lst.(*net.TCPListener), nil
}

// Tune applies the per-connection options of o to an established
// connection. Accepted connections do not inherit every option of their
// listener, so this is called for both sides.
func (o Options) Tune(c *net.TCPConn) error {
	if err := c.SetNoDelay(o.NoDelay); err != nil {
		return fmt.Errorf("set no-delay: %w", err)
	}
	if err := c.SetKeepAliveConfig(o.keepAlive()); err != nil {
		return fmt.Errorf("set keep-alive: %w", err)
	}
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	return o.Control("tcp4", "", rc)
}
