package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/ryandielhenn/polyarea/discovery"
	"github.com/ryandielhenn/polyarea/internal/config"
	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/client"
	"github.com/ryandielhenn/polyarea/pkg/dispatch"
	"github.com/ryandielhenn/polyarea/pkg/geom"
	"github.com/ryandielhenn/polyarea/pkg/rcu"
)

func main() {
	app := cli.NewApp()
	app.Name = "polyarea-client"
	app.Usage = "read \"x y\" points from stdin and sum their area terms on discovered workers"
	app.ArgsUsage = "[broadcast-address] [port]"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "YAML config file",
			EnvVar: "POLYAREA_CONFIG",
		},
		cli.StringFlag{
			Name:  "bind",
			Usage: "local discovery address, default an ephemeral port",
		},
		cli.DurationFlag{
			Name:  "window",
			Usage: "how long to collect discovery replies",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "bound on the whole computation, 0 disables",
		},
		cli.BoolFlag{
			Name:  "close",
			Usage: "close the polygon by repeating the first point",
		},
		cli.StringSliceFlag{
			Name:  "etcd",
			Usage: "discover workers from etcd instead of broadcast",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	cc := &cfg.Client
	if arg := c.Args().Get(0); arg != "" {
		cc.Broadcast = arg
	}
	if arg := c.Args().Get(1); arg != "" {
		port, err := strconv.ParseUint(arg, 10, 16)
		if err != nil {
			return cfg, fmt.Errorf("port %q: %w", arg, err)
		}
		cc.Port = uint16(port)
	}
	if c.IsSet("bind") {
		cc.Bind = c.String("bind")
	}
	if c.IsSet("window") {
		cc.Window = c.Duration("window")
		if cc.Period < cc.Window {
			cc.Period = cc.Window
		}
	}
	if c.IsSet("timeout") {
		cc.Timeout = c.Duration("timeout")
	}
	if c.IsSet("close") {
		cc.ClosePolygon = c.Bool("close")
	}
	if c.IsSet("etcd") {
		cc.Etcd.Endpoints = c.StringSlice("etcd")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	return cfg, config.Validate(&cfg)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	points, err := geom.ParsePoints(os.Stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cell, release, err := endpoints(ctx, cfg.Client, logger)
	if err != nil {
		return err
	}
	defer release()

	cc := cfg.Client
	cl := client.New(cell,
		client.WithLogger(logger),
		client.WithConfig(client.Config{
			Dispatch: dispatch.Config{
				RefreshEvery: cc.RefreshEvery,
				MaxAttempts:  cc.MaxAttempts,
				IOTimeout:    cc.IOTimeout,
			},
			Timeout:      cc.Timeout,
			ClosePolygon: cc.ClosePolygon,
		}))

	sum, err := cl.Compute(ctx, points)
	if err != nil {
		return err
	}
	fmt.Println(sum)
	return nil
}

// endpoints fills a cell with workers: from an etcd watch that keeps it
// current, or from one broadcast round. release frees what discovery holds.
func endpoints(ctx context.Context, cc config.ClientConfig, logger *zap.Logger) (_ *rcu.Cell[discovery.Snapshot], release func(), err error) {
	if cc.Etcd.Enabled() {
		etcd, err := discovery.NewClient(cc.Etcd.Endpoints)
		if err != nil {
			return nil, nil, err
		}
		cell := new(rcu.Cell[discovery.Snapshot])
		stop, err := discovery.WatchInto(ctx, etcd, cc.Etcd.Prefix, cc.Port, cell, logger)
		if err != nil {
			etcd.Close()
			return nil, nil, err
		}
		return cell, func() {
			if err := stop(); err != nil {
				logger.Warn("etcd watch", zap.Error(err))
			}
			etcd.Close()
		}, nil
	}

	d, err := discovery.New(discovery.Config{
		Broadcast: cc.Broadcast,
		Port:      cc.Port,
		Bind:      cc.Bind,
		Period:    cc.Period,
		Window:    cc.Window,
	}, discovery.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := d.UpdateList(ctx); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d.Snapshots(), func() { d.Close() }, nil
}
