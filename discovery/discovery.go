// Package discovery finds compute workers and publishes their addresses as
// immutable snapshots.
//
// Two sources feed the same snapshot cell type: UDP broadcast probing
// (Discovery, answered by Responder on every worker) and etcd lease
// registrations (RegisterNode / WatchInto).
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/rcu"
)

const (
	DefaultPort   = 12345
	DefaultPeriod = 5 * time.Second
	DefaultWindow = time.Second

	maxDatagram = 1024
)

var DefaultProbe = []byte("DISCOVER")

// Snapshot is an ordered set of worker endpoints. Published snapshots are
// never modified.
type Snapshot = []netip.AddrPort

type State int32

const (
	Idle State = iota
	Probing
	Collecting
	Published
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Probing:
		return "PROBING"
	case Collecting:
		return "COLLECTING"
	case Published:
		return "PUBLISHED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Config struct {
	Broadcast string        // probe destination, e.g. 255.255.255.255
	Port      uint16        // probe port, also every responder's compute port
	Bind      string        // local address, defaults to an ephemeral port
	Period    time.Duration // between background rounds
	Window    time.Duration // how long a round collects replies
	Probe     []byte
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Bind == "" {
		c.Bind = ":0"
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if len(c.Probe) == 0 {
		c.Probe = DefaultProbe
	}
}

// Discovery probes for workers by broadcast and publishes what answered.
type Discovery struct {
	cfg  Config
	dst  netip.AddrPort
	conn *net.UDPConn
	cell *rcu.Cell[Snapshot]
	log  *zap.Logger

	state atomic.Int32
	round sync.Mutex
	errs  chan error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

type Option func(*Discovery)

func WithLogger(l *zap.Logger) Option {
	return func(d *Discovery) { d.log = l }
}

// WithCell publishes into an existing cell instead of a private one.
func WithCell(c *rcu.Cell[Snapshot]) Option {
	return func(d *Discovery) { d.cell = c }
}

// New binds the discovery socket. Call Start for periodic rounds or
// UpdateList for a single one.
func New(cfg Config, opts ...Option) (*Discovery, error) {
	cfg.setDefaults()
	ip, err := netip.ParseAddr(cfg.Broadcast)
	if err != nil {
		return nil, fmt.Errorf("discovery: broadcast address: %w", err)
	}

	d := &Discovery{
		cfg:  cfg,
		dst:  netip.AddrPortFrom(ip, cfg.Port),
		log:  zap.NewNop(),
		errs: make(chan error, 16),
	}
	for _, o := range opts {
		o(d)
	}
	if d.cell == nil {
		d.cell = new(rcu.Cell[Snapshot])
	}

	d.conn, err = listenUDP(context.Background(), cfg.Bind, proberOpts)
	if err != nil {
		return nil, fmt.Errorf("discovery: bind %s: %w", cfg.Bind, err)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func (d *Discovery) Snapshots() *rcu.Cell[Snapshot] { return d.cell }

func (d *Discovery) State() State { return State(d.state.Load()) }

func (d *Discovery) LocalAddr() netip.AddrPort {
	return d.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Errors delivers failures of background rounds.
func (d *Discovery) Errors() <-chan error { return d.errs }

// UpdateList runs one round: probe, collect for the window, publish. The
// published snapshot replaces the previous one entirely.
func (d *Discovery) UpdateList(ctx context.Context) error {
	d.round.Lock()
	defer d.round.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	d.setState(Probing)
	if _, err := d.conn.WriteToUDPAddrPort(d.cfg.Probe, d.dst); err != nil {
		return d.failRound(fmt.Errorf("discovery: probe %s: %w", d.dst, err))
	}

	d.setState(Collecting)
	window := d.cfg.Window
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < window {
		window = time.Until(deadline)
	}
	snap, err := d.collect(window)
	if err != nil {
		return d.failRound(fmt.Errorf("discovery: collect: %w", err))
	}

	d.cell.Set(snap)
	d.setState(Published)
	telemetry.DiscoveryRounds.WithLabelValues("ok").Inc()
	telemetry.DiscoveredEndpoints.Set(float64(len(snap)))
	d.log.Info("published endpoints", zap.Int("peers", len(snap)), zap.Stringers("endpoints", snap))
	return nil
}

// collect reads replies until the window closes. Replies are keyed by source
// IP; the endpoint port is always the configured port.
func (d *Discovery) collect(window time.Duration) (Snapshot, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return nil, err
	}
	defer d.conn.SetReadDeadline(time.Time{})

	seen := make(map[netip.Addr]struct{})
	snap := Snapshot{}
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return nil, err
		}
		// our own broadcast looped back
		if bytes.Equal(buf[:n], d.cfg.Probe) {
			continue
		}
		ip := from.Addr().Unmap()
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		snap = append(snap, netip.AddrPortFrom(ip, d.cfg.Port))
	}
	slices.SortFunc(snap, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return snap, nil
}

func (d *Discovery) failRound(err error) error {
	d.setState(Idle)
	telemetry.DiscoveryRounds.WithLabelValues("error").Inc()
	return err
}

func (d *Discovery) setState(s State) { d.state.Store(int32(s)) }

// Start runs a round immediately and then every Period until Close.
func (d *Discovery) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop()
	})
}

func (d *Discovery) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Period)
	defer ticker.Stop()

	d.log.Info("discovery started",
		zap.Stringer("broadcast", d.dst),
		zap.Duration("period", d.cfg.Period),
		zap.Duration("window", d.cfg.Window))

	d.cycle()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.cycle()
		}
	}
}

func (d *Discovery) cycle() {
	err := d.UpdateList(d.ctx)
	if err == nil || d.ctx.Err() != nil {
		return
	}
	d.log.Error("discovery round failed", zap.Error(err))
	select {
	case d.errs <- err:
	default:
		d.log.Warn("discovery error channel full, error not delivered")
	}
}

// Close stops the background loop and releases the socket.
func (d *Discovery) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		err = d.conn.Close()
		d.wg.Wait()
		close(d.errs)
	})
	return err
}
