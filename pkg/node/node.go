// Package node is the worker side of the compute protocol: it accepts a
// connection, reads a request frame until EOF, answers with the partial sum of
// the chunk and closes.
package node

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/geom"
	"github.com/ryandielhenn/polyarea/pkg/wire"
)

// DefaultMaxFrame bounds a request to about four million points.
const DefaultMaxFrame = 64 << 20

var ErrFrameTooLarge = errors.New("node: request frame too large")

type Config struct {
	ID   string
	Addr string // advertised compute address

	// Formula selects the pair term. "shoelace" (the default) sums
	// x[i]*y[i+1] - x[i+1]*y[i], which gives 24 for the closed 4x3 rectangle.
	// "legacy" sums (x[i+1]-x[i])*y[i] as older workers did.
	Formula string

	ReadTimeout time.Duration // whole-exchange bound per connection, 0 disables
	MaxFrame    int64         // request size bound in bytes, 0 means DefaultMaxFrame
}

type Node struct {
	cfg     Config
	term    geom.Term
	log     *zap.Logger
	served  atomic.Int64
	started time.Time
	wg      sync.WaitGroup
}

func New(cfg Config, log *zap.Logger) (*Node, error) {
	term, err := geom.TermByName(cfg.Formula)
	if err != nil {
		return nil, err
	}
	if cfg.Formula == "" {
		cfg.Formula = "shoelace"
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{cfg: cfg, term: term, log: log, started: time.Now()}, nil
}

func (n *Node) ID() string { return n.cfg.ID }

func (n *Node) Addr() string { return n.cfg.Addr }

// Served counts requests answered successfully.
func (n *Node) Served() int64 { return n.served.Load() }

// Serve accepts compute connections on ln until ctx is done, then waits for
// in-flight connections to finish.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer n.wg.Wait()

	n.log.Info("worker listening", zap.Stringer("addr", ln.Addr()), zap.String("formula", n.cfg.Formula))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			n.log.Warn("accept", zap.Error(err))
			continue
		}
		n.log.Debug("new connection", zap.Stringer("remote", conn.RemoteAddr()))

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.Handle(conn)
		}()
	}
}

// Handle runs one exchange on conn and closes it. Failures are logged; the
// peer sees the connection close without a response.
func (n *Node) Handle(conn net.Conn) {
	start := time.Now()
	defer conn.Close()
	defer func() { telemetry.WorkerDuration.Observe(time.Since(start).Seconds()) }()

	if n.cfg.ReadTimeout > 0 {
		conn.SetDeadline(start.Add(n.cfg.ReadTimeout))
	}

	frame, err := io.ReadAll(io.LimitReader(conn, n.cfg.MaxFrame+1))
	if err != nil {
		n.log.Warn("read request", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		telemetry.WorkerRequests.WithLabelValues("io_error").Inc()
		return
	}
	if int64(len(frame)) > n.cfg.MaxFrame {
		n.log.Warn("bad request", zap.Stringer("remote", conn.RemoteAddr()),
			zap.Int64("max_frame", n.cfg.MaxFrame), zap.Error(ErrFrameTooLarge))
		telemetry.WorkerRequests.WithLabelValues("too_large").Inc()
		return
	}

	points, err := wire.DecodeRequest(frame)
	if err != nil {
		n.log.Warn("bad request", zap.Stringer("remote", conn.RemoteAddr()), zap.Int("bytes", len(frame)), zap.Error(err))
		telemetry.WorkerRequests.WithLabelValues("bad_request").Inc()
		return
	}

	sum := geom.PartialSum(points, n.term)
	if _, err := conn.Write(wire.EncodeResponse(sum)); err != nil {
		n.log.Warn("write response", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		telemetry.WorkerRequests.WithLabelValues("io_error").Inc()
		return
	}

	n.served.Add(1)
	telemetry.WorkerRequests.WithLabelValues("ok").Inc()
	n.log.Debug("request served", zap.Int("points", len(points)), zap.Float64("sum", sum))
}
