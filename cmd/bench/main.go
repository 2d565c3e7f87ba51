package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/ryandielhenn/polyarea/discovery"
	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/client"
	"github.com/ryandielhenn/polyarea/pkg/geom"
	"github.com/ryandielhenn/polyarea/pkg/rcu"
)

func main() {
	app := cli.NewApp()
	app.Name = "polyarea-bench"
	app.Usage = "run concurrent computations and check them against a local sum"
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{Name: "endpoint, e", Usage: "worker address, repeatable; skips discovery"},
		cli.StringFlag{Name: "broadcast", Value: "255.255.255.255", Usage: "discovery broadcast address"},
		cli.UintFlag{Name: "port", Value: discovery.DefaultPort, Usage: "discovery and compute port"},
		cli.DurationFlag{Name: "period", Value: discovery.DefaultPeriod, Usage: "between discovery rounds while the bench runs"},
		cli.DurationFlag{Name: "window", Value: discovery.DefaultWindow, Usage: "discovery collection window"},
		cli.StringSliceFlag{Name: "etcd", Usage: "follow workers registered in etcd instead of broadcasting"},
		cli.StringFlag{Name: "prefix", Value: discovery.DefaultPrefix, Usage: "etcd registration prefix"},
		cli.IntFlag{Name: "n", Value: 1000, Usage: "computations"},
		cli.IntFlag{Name: "c", Value: 32, Usage: "concurrency"},
		cli.IntFlag{Name: "points", Value: 10000, Usage: "points per polygon"},
		cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "per computation"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, err := telemetry.NewLogger("warn", false)
	if err != nil {
		return err
	}
	defer log.Sync()

	cell := new(rcu.Cell[discovery.Snapshot])
	port := uint16(c.Uint("port"))
	switch {
	case len(c.StringSlice("endpoint")) > 0:
		snap := discovery.Snapshot{}
		for _, e := range c.StringSlice("endpoint") {
			ap, err := netip.ParseAddrPort(e)
			if err != nil {
				return fmt.Errorf("endpoint %q: %w", e, err)
			}
			snap = append(snap, ap)
		}
		cell.Set(snap)

	case len(c.StringSlice("etcd")) > 0:
		etcd, err := discovery.NewClient(c.StringSlice("etcd"))
		if err != nil {
			return err
		}
		defer etcd.Close()
		stop, err := discovery.WatchInto(context.Background(), etcd, c.String("prefix"), port, cell, log)
		if err != nil {
			return err
		}
		defer stop()

	default:
		// workers joining or leaving during the run show up in later rounds
		d, err := discovery.New(discovery.Config{
			Broadcast: c.String("broadcast"),
			Port:      port,
			Period:    c.Duration("period"),
			Window:    c.Duration("window"),
		}, discovery.WithLogger(log), discovery.WithCell(cell))
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.UpdateList(context.Background()); err != nil {
			return err
		}
		d.Start()
		go func() {
			for err := range d.Errors() {
				log.Warn("discovery round failed", zap.Error(err))
			}
		}()
	}
	snap, _ := cell.Acquire()
	fmt.Printf("Using %d workers\n", len(snap))

	cfg := client.DefaultConfig()
	cfg.Timeout = c.Duration("timeout")
	cl := client.New(cell, client.WithConfig(cfg), client.WithLogger(log))

	n, conc, size := c.Int("n"), c.Int("c"), c.Int("points")
	var failed, wrong atomic.Int64
	wg := sync.WaitGroup{}
	ch := make(chan struct{}, conc)
	start := time.Now()

	for i := 0; i < n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(seed int64) {
			defer wg.Done()
			defer func() { <-ch }()

			points := polygon(rand.New(rand.NewSource(seed)), size)
			want := geom.PartialSum(points, geom.Cross)
			got, err := cl.Compute(context.Background(), points)
			switch {
			case err != nil:
				failed.Add(1)
			case math.Abs(got-want) > 1e-6*math.Max(1, math.Abs(want)):
				wrong.Add(1)
			}
		}(int64(i))
	}
	wg.Wait()
	dur := time.Since(start)

	fmt.Printf("Completed %d computations in %s (%.2f ops/s), %d failed, %d wrong\n",
		n, dur, float64(n)/dur.Seconds(), failed.Load(), wrong.Load())
	if failed.Load() > 0 || wrong.Load() > 0 {
		return cli.NewExitError("bench finished with errors", 1)
	}
	return nil
}

// polygon walks a closed loop of size points around the origin.
func polygon(rng *rand.Rand, size int) []geom.Point {
	points := make([]geom.Point, size+1)
	for i := 0; i < size; i++ {
		angle := 2 * math.Pi * float64(i) / float64(size)
		r := 50 + rng.Float64()*50
		points[i] = geom.Point{X: r * math.Cos(angle), Y: r * math.Sin(angle)}
	}
	points[size] = points[0]
	return points
}
