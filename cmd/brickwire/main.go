// Program brickwire is a command-line utility for serving and accessing
// block devices over brickwire connections.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/creachadair/brickwire"
	"github.com/creachadair/brickwire/handler"
	"github.com/creachadair/brickwire/peers"
	"github.com/creachadair/brickwire/schema"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"go.uber.org/zap"
)

var globalFlags struct {
	Config  string `flag:"config,Path of a TOML configuration file"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

var serveFlags struct {
	Addr     string `flag:"addr,Listen address; empty means all interfaces"`
	File     string `flag:"file,Path of the file to serve as a device"`
	ReadOnly bool   `flag:"read-only,Refuse write requests"`
	Align    int    `flag:"align,default=512,Transfer alignment in bytes"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Serve and access block devices over brickwire connections.",

		SetFlags: command.Flags(flax.MustBind, &globalFlags),
		Init: func(env *command.Env) error {
			if globalFlags.Verbose {
				log, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				brickwire.SetLogger(log)
			}
			return nil
		},

		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "--file path [--addr A.B.C.D:port]",
				Help:     "Serve a file as a device until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "info",
				Usage: "<addr>",
				Help:  "Print the description of the device served at addr.",
				Run:   runInfo,
			},
			{
				Name:  "read",
				Usage: "<addr> <offset> <length>",
				Help:  "Read length bytes at offset from the device at addr to stdout.",
				Run:   runRead,
			},
			{
				Name:  "write",
				Usage: "<addr> <offset>",
				Help:  "Write stdin to the device at addr, starting at offset.",
				Run:   runWrite,
			},
			{
				Name: "schema",
				Help: "Print the record schemas of the command protocol.",
				Run:  runSchema,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func loadConfig() (brickwire.Config, error) {
	if globalFlags.Config == "" {
		return brickwire.DefaultConfig(), nil
	}
	return brickwire.LoadConfig(globalFlags.Config)
}

func runServe(env *command.Env) error {
	if serveFlags.File == "" {
		return env.Usagef("missing --file")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flag := os.O_RDWR
	if serveFlags.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(serveFlags.File, flag, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	store := &handler.Store{R: f, Size: fi.Size(), Align: int32(serveFlags.Align)}
	if !serveFlags.ReadOnly {
		store.W = f
	}

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	lst, err := brickwire.Listen(ctx, serveFlags.Addr, cfg)
	if err != nil {
		return err
	}
	brickwire.Logger().Info("serving device", zap.String("addr", lst.Addr().String()),
		zap.String("file", serveFlags.File), zap.Int64("size", store.Size))
	err = peers.Loop(ctx, lst, store.Serve)
	if errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func openRemote(env *command.Env, addr string) (*handler.Remote, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := brickwire.Dial(env.Context(), addr, cfg)
	if err != nil {
		return nil, nil, err
	}
	r, err := handler.Open(env.Context(), c)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return r, func() { c.Close() }, nil
}

func runInfo(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected an address")
	}
	r, done, err := openRemote(env, env.Args[0])
	if err != nil {
		return err
	}
	defer done()
	info := r.Info()
	fmt.Printf("size:     %d\nalign:    %d\nmin-size: %d\n", info.CurrentSize, info.Align, info.MinSize)
	return nil
}

func runRead(env *command.Env) error {
	if len(env.Args) != 3 {
		return env.Usagef("expected an address, offset, and length")
	}
	addr, offset, length := env.Args[0], env.Args[1], env.Args[2]
	off, err := strconv.ParseInt(offset, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	n, err := strconv.Atoi(length)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid length %q", length)
	}
	r, done, err := openRemote(env, addr)
	if err != nil {
		return err
	}
	defer done()

	buf := make([]byte, n)
	nr, err := r.ReadAtContext(env.Context(), buf, off)
	if _, werr := os.Stdout.Write(buf[:nr]); werr != nil {
		return werr
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func runWrite(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("expected an address and offset")
	}
	addr, offset := env.Args[0], env.Args[1]
	off, err := strconv.ParseInt(offset, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	r, done, err := openRemote(env, addr)
	if err != nil {
		return err
	}
	defer done()

	nw, err := r.WriteAtContext(env.Context(), data, off)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes at offset %d\n", nw, off)
	return nil
}

func runSchema(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	for _, m := range []*schema.Meta{brickwire.CommandMeta(), brickwire.RequestMeta(), brickwire.InfoMeta()} {
		blob, err := schema.Build(m, brickwire.ProtoVersion, false)
		if err != nil {
			return fmt.Errorf("schema %s: %w", m.Name, err)
		}
		fmt.Println(blob)
		for _, d := range blob.Items {
			fmt.Printf("  %-32s kind=%v offset=%d size=%d\n", d.Name, d.Kind, d.Offset, d.Size)
		}
	}
	return nil
}
