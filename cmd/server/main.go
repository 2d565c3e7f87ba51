package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/ryandielhenn/polyarea/discovery"
	"github.com/ryandielhenn/polyarea/internal/config"
	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/node"
)

// set with -ldflags
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	app := cli.NewApp()
	app.Name = "polyarea-server"
	app.Usage = "polygon area worker with a discovery responder"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "YAML config file",
			EnvVar: "POLYAREA_CONFIG",
		},
		cli.UintFlag{
			Name:   "port, p",
			Value:  discovery.DefaultPort,
			Usage:  "compute TCP port, also the discovery UDP port",
			EnvVar: "POLYAREA_PORT",
		},
		cli.StringFlag{
			Name:  "admin",
			Usage: "admin HTTP address for /healthz, /info and /metrics, empty disables",
		},
		cli.StringFlag{
			Name:  "formula",
			Usage: "pair term: shoelace or legacy",
		},
		cli.DurationFlag{
			Name:  "read-timeout",
			Usage: "bound on one compute exchange, 0 disables",
		},
		cli.Int64Flag{
			Name:  "max-frame",
			Usage: "largest accepted request in bytes",
		},
		cli.StringFlag{
			Name:   "id",
			Usage:  "node id for etcd registration, generated when empty",
			EnvVar: "SELF_ID",
		},
		cli.StringFlag{
			Name:   "advertise",
			Usage:  "compute address registered in etcd",
			EnvVar: "SELF_ADDR",
		},
		cli.StringSliceFlag{
			Name:  "etcd",
			Usage: "register with these etcd endpoints",
		},
		cli.BoolFlag{
			Name:  "no-respond",
			Usage: "do not answer broadcast discovery probes",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
		cli.BoolFlag{
			Name:  "dev",
			Usage: "development logging",
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

	sc := &cfg.Server
	if c.IsSet("port") || c.String("config") == "" {
		sc.ListenPort = uint16(c.Uint("port"))
	}
	if c.IsSet("admin") {
		sc.AdminAddr = c.String("admin")
	}
	if c.IsSet("formula") {
		sc.Formula = c.String("formula")
	}
	if c.IsSet("read-timeout") {
		sc.ReadTimeout = c.Duration("read-timeout")
	}
	if c.IsSet("max-frame") {
		sc.MaxFrame = c.Int64("max-frame")
	}
	if v := c.String("id"); v != "" {
		sc.NodeID = v
	}
	if v := c.String("advertise"); v != "" {
		sc.Advertise = v
	}
	if c.IsSet("etcd") {
		sc.Etcd.Endpoints = c.StringSlice("etcd")
	}
	if c.Bool("no-respond") {
		sc.Respond = false
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.Bool("dev") {
		cfg.Log.Development = true
	}
	return cfg, config.Validate(&cfg)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	sc := cfg.Server
	if sc.NodeID == "" {
		sc.NodeID = uuid.NewString()
	}
	port := strconv.Itoa(int(sc.ListenPort))
	if sc.Advertise == "" {
		host, _ := os.Hostname()
		sc.Advertise = net.JoinHostPort(host, port)
	}
	log = log.With(zap.String("node", sc.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Initialize the worker
	n, err := node.New(node.Config{
		ID:          sc.NodeID,
		Addr:        node.NormalizeHostPort(sc.Advertise, port),
		Formula:     sc.Formula,
		ReadTimeout: sc.ReadTimeout,
		MaxFrame:    sc.MaxFrame,
	}, log)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}

	errc := make(chan error, 3)
	running := 0
	spawn := func(name string, fn func() error) {
		running++
		go func() {
			if err := fn(); err != nil {
				errc <- fmt.Errorf("%s: %w", name, err)
				return
			}
			errc <- nil
		}()
	}

	spawn("worker", func() error { return n.Serve(ctx, ln) })

	// 2. Answer broadcast probes on the same port number
	if sc.Respond {
		r, err := discovery.NewResponder(":"+port, discovery.WithResponderLogger(log))
		if err != nil {
			return err
		}
		defer r.Close()
		spawn("responder", func() error { return r.Serve(ctx) })
	}

	// 3. Register this node
	if sc.Etcd.Enabled() {
		etcd, err := discovery.NewClient(sc.Etcd.Endpoints)
		if err != nil {
			return err
		}
		defer etcd.Close()

		log.Info("registering with etcd", zap.Strings("etcd", sc.Etcd.Endpoints), zap.String("addr", n.Addr()))
		leaseID, cancel, err := discovery.RegisterNode(etcd, sc.Etcd.Prefix, sc.NodeID, n.Addr(), sc.Etcd.LeaseTTL)
		if err != nil {
			return fmt.Errorf("etcd register: %w", err)
		}
		defer func() {
			cancel()
			rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer rcancel()
			_, _ = etcd.Revoke(rctx, leaseID)
		}()
	}

	// 4. Wire up the admin endpoints
	if sc.AdminAddr != "" {
		srv := &http.Server{Addr: sc.AdminAddr, Handler: n.AdminMux(), ReadHeaderTimeout: 5 * time.Second}
		spawn("admin", func() error {
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			log.Info("admin listening", zap.String("addr", sc.AdminAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// The responder may stop on END while the worker keeps serving; only a
	// failure or a signal stops the process.
	var firstErr error
	for ; running > 0; running-- {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
			log.Error("component failed", zap.Error(err))
			stop()
		}
	}
	log.Info("shut down", zap.Int64("served", n.Served()))
	return firstErr
}
