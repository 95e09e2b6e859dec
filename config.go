// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package brickwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/brickwire/lamport"
	"github.com/creachadair/brickwire/schema"
	"github.com/creachadair/brickwire/socket"
	"go.uber.org/zap"
)

// ProtoVersion is the highest protocol version implemented by this package.
const ProtoVersion = 1

// DefaultMaxPayload is the default value of [Config.MaxPayload].
const DefaultMaxPayload = 16 << 20

// Config carries the settings of a connection. The zero value is not ready
// for use; start from [DefaultConfig] or [LoadConfig].
type Config struct {
	// Version is the protocol version announced in the handshake.
	Version uint8

	// CacheSlots is the number of record schemas each direction of a
	// connection can cache. Sending more distinct record types than this
	// on one connection fails with [ErrCacheFull].
	CacheSlots int

	// Tick is the unit of the would-block backoff. A transfer that would
	// block sleeps one tick, then two, and so on up to 100 ticks.
	Tick time.Duration

	// IOTimeout bounds each individual read or write attempt. An attempt
	// that times out counts as a would-block retry.
	IOTimeout time.Duration

	// SendAbort and RecvAbort limit the number of consecutive would-block
	// retries of a send or receive before it fails with [ErrAborted].
	// Zero means retry indefinitely.
	SendAbort int
	RecvAbort int

	// MaxPayload is the largest request payload a connection accepts from
	// its peer. A larger payload is discarded and its receive fails with
	// [ErrPayloadTooLarge]. Zero means no limit.
	MaxPayload int

	// ShutdownOnError, if true, shuts the connection down when a transfer
	// fails with an I/O error.
	ShutdownOnError bool

	// DefaultPort is used for addresses that do not specify a port.
	DefaultPort int

	// ByteOrder is the order in which this peer sends integers: "native",
	// "big", or "little".
	ByteOrder string

	// Socket is the tuning applied to new sockets.
	Socket socket.Options

	// Translate, if set, maps the host part of a peer address to an IP
	// address before it is parsed.
	Translate func(host string) string

	// Logger, if set, is used for connection logs instead of [Logger].
	Logger *zap.Logger

	// Clock, if set, stamps commands instead of [lamport.Default].
	Clock *lamport.Clock
}

// DefaultConfig returns a Config populated with the default settings.
func DefaultConfig() Config {
	return Config{
		Version:     ProtoVersion,
		CacheSlots:  schema.DefaultSlots,
		Tick:        4 * time.Millisecond,
		IOTimeout:   2 * time.Second,
		MaxPayload:  DefaultMaxPayload,
		DefaultPort: socket.DefaultPort,
		ByteOrder:   "native",
		Socket:      socket.DefaultOptions(),
	}
}

// Validate reports an error if c is not usable.
func (c Config) Validate() error {
	var errs []error
	if c.Version == 0 {
		errs = append(errs, errors.New("version must be positive"))
	}
	if c.CacheSlots <= 0 || c.CacheSlots > math.MaxInt16 {
		errs = append(errs, fmt.Errorf("cache slots %d out of range", c.CacheSlots))
	}
	if c.Tick <= 0 {
		errs = append(errs, errors.New("tick must be positive"))
	}
	if c.IOTimeout <= 0 {
		errs = append(errs, errors.New("I/O timeout must be positive"))
	}
	if c.SendAbort < 0 || c.RecvAbort < 0 {
		errs = append(errs, errors.New("abort thresholds must be non-negative"))
	}
	if c.MaxPayload < 0 {
		errs = append(errs, errors.New("max payload must be non-negative"))
	}
	if c.DefaultPort < 0 || c.DefaultPort > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("default port %d out of range", c.DefaultPort))
	}
	if _, err := parseOrder(c.ByteOrder); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// byteOrder is the interface satisfied by the encoding/binary orders.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func parseOrder(s string) (byteOrder, error) {
	switch strings.ToLower(s) {
	case "", "native":
		return binary.NativeEndian, nil
	case "big":
		return binary.BigEndian, nil
	case "little":
		return binary.LittleEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", s)
}

func (c Config) order() byteOrder {
	ord, err := parseOrder(c.ByteOrder)
	if err != nil {
		return binary.NativeEndian
	}
	return ord
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return Logger()
}

func (c Config) clock() *lamport.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return lamport.Default
}

// fileConfig is the TOML representation of a Config.
type fileConfig struct {
	Version         int               `toml:"version"`
	CacheSlots      int               `toml:"cache_slots"`
	Tick            string            `toml:"tick"`
	IOTimeout       string            `toml:"io_timeout"`
	SendAbort       int               `toml:"send_abort"`
	RecvAbort       int               `toml:"recv_abort"`
	MaxPayload      int               `toml:"max_payload"`
	ShutdownOnError bool              `toml:"shutdown_on_error"`
	DefaultPort     int               `toml:"default_port"`
	ByteOrder       string            `toml:"byte_order"`
	Hosts           map[string]string `toml:"hosts"`
	Socket          struct {
		SendBuffer   int    `toml:"send_buffer"`
		RecvBuffer   int    `toml:"recv_buffer"`
		TOS          int    `toml:"tos"`
		NoDelay      bool   `toml:"no_delay"`
		KeepIdle     string `toml:"keep_idle"`
		KeepInterval string `toml:"keep_interval"`
		KeepCount    int    `toml:"keep_count"`
	} `toml:"socket"`
}

// LoadConfig reads a TOML configuration file from path. Settings absent from
// the file keep their [DefaultConfig] values. Durations are written as
// strings, for example tick = "4ms". A [hosts] table maps symbolic peer
// names to IP addresses and becomes the Translate hook of the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if keys := meta.Undecoded(); len(keys) != 0 {
		return Config{}, fmt.Errorf("load config: unknown keys %q", keys)
	}

	duration := func(dst *time.Duration, s string, key ...string) {
		if err != nil || !meta.IsDefined(key...) {
			return
		}
		d, perr := time.ParseDuration(strings.TrimSpace(s))
		if perr != nil {
			err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), perr)
			return
		}
		*dst = d
	}

	if meta.IsDefined("version") {
		if raw.Version <= 0 || raw.Version > math.MaxUint8 {
			return Config{}, fmt.Errorf("load config: version %d out of range", raw.Version)
		}
		cfg.Version = uint8(raw.Version)
	}
	if meta.IsDefined("cache_slots") {
		cfg.CacheSlots = raw.CacheSlots
	}
	duration(&cfg.Tick, raw.Tick, "tick")
	duration(&cfg.IOTimeout, raw.IOTimeout, "io_timeout")
	if meta.IsDefined("send_abort") {
		cfg.SendAbort = raw.SendAbort
	}
	if meta.IsDefined("recv_abort") {
		cfg.RecvAbort = raw.RecvAbort
	}
	if meta.IsDefined("max_payload") {
		cfg.MaxPayload = raw.MaxPayload
	}
	if meta.IsDefined("shutdown_on_error") {
		cfg.ShutdownOnError = raw.ShutdownOnError
	}
	if meta.IsDefined("default_port") {
		cfg.DefaultPort = raw.DefaultPort
	}
	if meta.IsDefined("byte_order") {
		cfg.ByteOrder = strings.TrimSpace(raw.ByteOrder)
	}
	if len(raw.Hosts) != 0 {
		hosts := raw.Hosts
		cfg.Translate = func(host string) string {
			if ip, ok := hosts[host]; ok {
				return ip
			}
			return host
		}
	}

	if meta.IsDefined("socket", "send_buffer") {
		cfg.Socket.SendBuffer = raw.Socket.SendBuffer
	}
	if meta.IsDefined("socket", "recv_buffer") {
		cfg.Socket.RecvBuffer = raw.Socket.RecvBuffer
	}
	if meta.IsDefined("socket", "tos") {
		cfg.Socket.TOS = raw.Socket.TOS
	}
	if meta.IsDefined("socket", "no_delay") {
		cfg.Socket.NoDelay = raw.Socket.NoDelay
	}
	duration(&cfg.Socket.KeepIdle, raw.Socket.KeepIdle, "socket", "keep_idle")
	duration(&cfg.Socket.KeepInterval, raw.Socket.KeepInterval, "socket", "keep_interval")
	if meta.IsDefined("socket", "keep_count") {
		cfg.Socket.KeepCount = raw.Socket.KeepCount
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
