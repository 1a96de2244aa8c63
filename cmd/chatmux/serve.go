package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/chatmux"
	"github.com/creachadair/command"
	"github.com/creachadair/taskgroup"
	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
)

type serveFlagValues struct {
	Config          string        `flag:"config,Path of an optional TOML configuration file"`
	Addr            string        `flag:"addr,default=127.0.0.1:4000,Listen address (host:port)"`
	MaxFieldLen     int           `flag:"max-field-len,default=1024,Maximum length in bytes of a sender or body"`
	BufferSize      int           `flag:"buffer-size,Per-connection buffer size in bytes (0 for a default)"`
	MaxQueue        int           `flag:"max-queue,Outbound bytes a client may fall behind before it is disconnected (0 for a default)"`
	StrictUTF8      bool          `flag:"strict-utf8,Disconnect clients that send fields which are not valid UTF-8"`
	RequireSender   bool          `flag:"require-sender,Disconnect clients that send an empty sender"`
	LogLevel        string        `flag:"log-level,default=info,Log level: debug|info|warn|error"`
	MetricsInterval time.Duration `flag:"metrics-interval,Write metrics as JSON to stderr at this interval (0 disables)"`
}

func (f serveFlagValues) config() serveConfig {
	return serveConfig{
		Addr:            f.Addr,
		MaxFieldLen:     f.MaxFieldLen,
		BufferSize:      f.BufferSize,
		MaxQueue:        f.MaxQueue,
		StrictUTF8:      f.StrictUTF8,
		RequireSender:   f.RequireSender,
		LogLevel:        f.LogLevel,
		MetricsInterval: f.MetricsInterval,
	}
}

var (
	serveFlags   serveFlagValues
	serveFlagSet *flag.FlagSet
)

// serverName is the sender of notices the server originates.
const serverName = "server"

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg, err := resolveServeConfig(serveFlags, serveFlagSet)
	if err != nil {
		return err
	}
	logger, err := chatmux.NewTextLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %q", cfg.Addr)
	}

	reg := gometrics.NewRegistry()
	opts := []chatmux.Option{
		chatmux.MaxFieldLenOption(cfg.MaxFieldLen),
		chatmux.BufferSizeOption(cfg.BufferSize),
		chatmux.MaxQueueOption(cfg.MaxQueue),
		chatmux.StrictUTF8Option(cfg.StrictUTF8),
		chatmux.LoggerOption(logger),
		chatmux.MetricsOption(reg),
	}

	var srv *chatmux.Server
	if cfg.RequireSender {
		opts = append(opts, chatmux.OnMessageOption(func(from *chatmux.Conn, msg chatmux.Message) error {
			if msg.Sender != "" {
				return nil
			}
			srv.Broadcast(chatmux.Message{
				Sender: serverName,
				Body:   fmt.Sprintf("%s disconnected: empty sender", from.RemoteAddr()),
			})
			return errors.New("empty sender")
		}))
	}

	srv, err = chatmux.New(addr, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := taskgroup.New(nil)
	if cfg.MetricsInterval > 0 {
		g.Go(func() error {
			reportMetrics(ctx, reg, cfg.MetricsInterval, os.Stderr)
			return nil
		})
	}

	logger.Info("serving", "addr", srv.Addr())
	err = srv.Serve(ctx)
	stop()
	g.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reportMetrics writes a JSON snapshot of reg to w every interval, and once
// more when ctx ends.
func reportMetrics(ctx context.Context, reg gometrics.Registry, interval time.Duration, w io.Writer) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			gometrics.WriteJSONOnce(reg, w)
			return
		case <-t.C:
			gometrics.WriteJSONOnce(reg, w)
		}
	}
}
